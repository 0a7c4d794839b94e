package main

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// cliConfig holds the process-wide options not tied to a single build: log
// level, OTel, and the env file credentials are read from. Per-build options
// (pushing included) live on the build command's own flags and flow straight
// into builder.Config.
type cliConfig struct {
	LogLevel string

	OtelEnabled     bool
	OtelEndpoint    string
	OtelServiceName string
	OtelInsecure    bool

	EnvFile string
}

// loadCLIConfig reads process defaults from the environment (after loading
// .env, if present), the same way the teacher's cmd/api/config package does.
// Command-line flags registered on the root command override these.
func loadCLIConfig() *cliConfig {
	_ = godotenv.Load()

	return &cliConfig{
		LogLevel:        getEnv("OCIBUILD_LOG_LEVEL", "info"),
		OtelEnabled:     getEnvBool("OCIBUILD_OTEL_ENABLED", false),
		OtelEndpoint:    getEnv("OCIBUILD_OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName: getEnv("OCIBUILD_OTEL_SERVICE_NAME", "ocibuild"),
		OtelInsecure:    getEnvBool("OCIBUILD_OTEL_INSECURE", true),
		EnvFile:         getEnv("OCIBUILD_ENV_FILE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
