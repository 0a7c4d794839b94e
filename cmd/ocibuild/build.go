package main

import (
	"context"
	"log/slog"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/onkernel/ocibuild/lib/builder"
	"github.com/onkernel/ocibuild/lib/credentials"
	"github.com/onkernel/ocibuild/lib/logger"
	"github.com/onkernel/ocibuild/lib/progress"
	"github.com/onkernel/ocibuild/lib/reference"
	"github.com/onkernel/ocibuild/lib/registry"
)

// buildFlags holds the build command's flags: the builder.Config fields plus
// the push, registry and credential options. runBuild converts it once flags
// are parsed.
type buildFlags struct {
	tag         string
	base        string
	contextDir  string
	workDir     string
	entrypoint  []string
	cmd         []string
	user        string
	env         map[string]string
	labels      map[string]string
	expose      []string
	include     []string
	deps        bool
	reqFile     string
	offlineDeps string
	outputDir   string
	useCache    bool
	cacheDir    string
	maxCache    string
	platform    string
	compress    bool
	insecure    bool
	push        bool
	destination string
	username    string
	password    string
}

func newBuildCmd(cliCfg *cliConfig) *cobra.Command {
	f := &buildFlags{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an OCI image from a context directory, optionally pushing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cliCfg, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.tag, "tag", "", "image reference to build (required)")
	flags.StringVar(&f.base, "base", "", "base image reference (omit for a scratch build)")
	flags.StringVar(&f.contextDir, "context", ".", "build context directory")
	flags.StringVar(&f.workDir, "workdir", "/app", "in-image directory files are placed under")
	flags.StringSliceVar(&f.entrypoint, "entrypoint", nil, "entrypoint, comma-separated")
	flags.StringSliceVar(&f.cmd, "cmd", nil, "default command, comma-separated")
	flags.StringVar(&f.user, "user", "", "image user")
	flags.StringToStringVar(&f.env, "env", nil, "environment variables, key=value")
	flags.StringToStringVar(&f.labels, "label", nil, "image labels, key=value")
	flags.StringSliceVar(&f.expose, "expose", nil, "exposed ports, comma-separated")
	flags.StringSliceVar(&f.include, "include", nil, "paths to include, overriding automatic selection")
	flags.BoolVar(&f.deps, "deps", false, "include a dependency layer from a pre-existing virtualenv")
	flags.StringVar(&f.reqFile, "requirements-file", "", "requirements file whose presence is validated, relative to context")
	flags.StringVar(&f.offlineDeps, "offline-deps-dir", "", "directory of already-downloaded packages to use as the dependency layer, relative to context")
	flags.StringVar(&f.outputDir, "output", "./oci-output", "OCI Image Layout destination directory")
	flags.BoolVar(&f.useCache, "cache", false, "enable the layer cache")
	flags.StringVar(&f.cacheDir, "cache-dir", "", "layer cache directory (required when --cache is set)")
	flags.StringVar(&f.maxCache, "max-cache-size", "500MB", "layer cache size limit, e.g. 500MB, 2GB")
	flags.StringVar(&f.platform, "platform", "linux/amd64", "target platform, <os>/<arch>")
	flags.BoolVar(&f.compress, "compress", false, "gzip own-built layers instead of leaving them as plain tar")
	flags.BoolVar(&f.insecure, "insecure-registry", false, "talk to registries over plain HTTP")
	flags.BoolVar(&f.push, "push", false, "push after a successful build")
	flags.StringVar(&f.destination, "destination", "", "push destination reference, defaults to --tag")
	flags.StringVar(&f.username, "username", "", "registry username, overrides env/file credentials")
	flags.StringVar(&f.password, "password", "", "registry password, overrides env/file credentials")

	_ = cmd.MarkFlagRequired("tag")
	return cmd
}

func runBuild(cliCfg *cliConfig, f *buildFlags) error {
	ctx, stop := rootContext()
	defer stop()
	ctx = logger.AddToContext(ctx, logger.NewSubsystemLogger(logger.SubsystemBuilder, logger.NewConfig()))

	var maxCacheSize datasize.ByteSize
	if err := maxCacheSize.UnmarshalText([]byte(f.maxCache)); err != nil {
		return err
	}

	cfg := builder.Config{
		Tag:              f.tag,
		BaseImage:        f.base,
		ContextDir:       f.contextDir,
		WorkDir:          f.workDir,
		Entrypoint:       f.entrypoint,
		Cmd:              f.cmd,
		User:             f.user,
		Env:              f.env,
		Labels:           f.labels,
		ExposedPorts:     f.expose,
		IncludePaths:     f.include,
		IncludeDeps:      f.deps,
		RequirementsFile: f.reqFile,
		OfflineDepsDir:   f.offlineDeps,
		OutputDir:        f.outputDir,
		UseCache:         f.useCache,
		CacheDir:         f.cacheDir,
		MaxCacheSizeMB:   int64(maxCacheSize) / (1024 * 1024),
		Platform:         f.platform,
		Compress:         f.compress,
	}

	provider, shutdown := initOtel(ctx, cliCfg)
	defer shutdown(context.Background())

	var metrics *builder.Metrics
	if provider != nil {
		if m, err := builder.NewMetrics(provider.MeterFor("builder")); err == nil {
			metrics = m
		}
	}

	creds := credentialChain(cliCfg, f)

	opts := []builder.Option{
		builder.WithCredentials(creds),
		builder.WithObserver(progress.Func(logProgress)),
	}
	if metrics != nil {
		opts = append(opts, builder.WithMetrics(metrics))
	}
	if f.insecure {
		opts = append(opts, builder.WithRegistryOptions(registry.WithScheme("http")))
	}

	b, err := builder.New(cfg, opts...)
	if err != nil {
		return err
	}

	tag, err := b.Build(ctx)
	if err != nil {
		return err
	}
	slog.Info("build complete", "tag", tag, "output", f.outputDir)

	if !f.push {
		return nil
	}

	ref, err := b.Push(ctx, f.destination)
	if err != nil {
		return err
	}
	slog.Info("push complete", "ref", ref)
	return nil
}

// credentialChain prefers CLI-supplied flags, then the configured env file,
// then the bare process environment — first non-empty result wins.
func credentialChain(cliCfg *cliConfig, f *buildFlags) credentials.Provider {
	chain := credentials.Chain{}

	if f.username != "" || f.password != "" {
		static := credentials.NewStaticProvider()
		for _, raw := range []string{f.base, f.destination, f.tag} {
			if raw == "" {
				continue
			}
			if ref, err := reference.Parse(raw); err == nil {
				static.SetCredentials(ref.Registry, f.username, f.password)
			}
		}
		chain = append(chain, static)
	}

	if cliCfg.EnvFile != "" {
		if p, err := credentials.NewEnvProviderFromFile(cliCfg.EnvFile); err == nil {
			chain = append(chain, p)
		} else {
			slog.Warn("failed to read credentials env file, continuing without it", "path", cliCfg.EnvFile, "error", err)
		}
	}

	chain = append(chain, credentials.NewEnvProvider())
	return chain
}

func logProgress(e progress.Event) {
	slog.Info(string(e.Kind), "digest", e.Digest, "detail", e.Detail)
}
