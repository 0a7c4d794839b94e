// Command ocibuild is a thin CLI embedder around lib/builder: it parses
// flags and environment variables into a builder.Config, then calls only
// the core's public Build/Push/cache API. No build logic lives here.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/onkernel/ocibuild/lib/logger"
	"github.com/onkernel/ocibuild/lib/otel"
)

// rootContext returns a context canceled on SIGINT/SIGTERM, so a build or
// push in flight gets a chance to unwind (e.g. close HTTP bodies) instead of
// being killed mid-write.
func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cliCfg := loadCLIConfig()

	root := &cobra.Command{
		Use:           "ocibuild",
		Short:         "Build and push OCI container images without a daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&cliCfg.LogLevel, "log-level", cliCfg.LogLevel, "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&cliCfg.EnvFile, "env-file", cliCfg.EnvFile, "dotenv file to read registry credentials from")
	root.PersistentFlags().BoolVar(&cliCfg.OtelEnabled, "otel-enabled", cliCfg.OtelEnabled, "export build/push metrics via OTLP")
	root.PersistentFlags().StringVar(&cliCfg.OtelEndpoint, "otel-endpoint", cliCfg.OtelEndpoint, "OTLP gRPC endpoint")

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		initLogger(cliCfg.LogLevel)
	}

	root.AddCommand(newBuildCmd(cliCfg))
	root.AddCommand(newCacheCmd(cliCfg))
	return root
}

// initLogger installs the default logger at the level given by the
// --log-level flag (itself defaulting to OCIBUILD_LOG_LEVEL). The default
// logger has a single level; OCIBUILD_LOG_LEVEL_<SUBSYSTEM> applies only to
// loggers built with logger.NewSubsystemLogger.
func initLogger(level string) {
	cfg := logger.NewConfig()
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		cfg.DefaultLevel = lvl
	}
	slog.SetDefault(logger.NewLogger(cfg))
}

// initOtel wires the metrics pipeline described in the ambient stack: a
// one-shot CLI invocation has no long-lived span tree, so only build/push
// duration and cache-hit counters are exported.
func initOtel(ctx context.Context, cliCfg *cliConfig) (*otel.Provider, func(context.Context) error) {
	provider, shutdown, err := otel.Init(ctx, otel.Config{
		Enabled:     cliCfg.OtelEnabled,
		Endpoint:    cliCfg.OtelEndpoint,
		ServiceName: cliCfg.OtelServiceName,
		Insecure:    cliCfg.OtelInsecure,
		Version:     "dev",
	})
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without it", "error", err)
		return nil, func(context.Context) error { return nil }
	}
	return provider, shutdown
}

