// Package builder orchestrates a single build/push cycle: it pulls a base
// image, builds the application (and optional dependency) layer, merges
// configs, writes an OCI Image Layout to disk, and pushes the result to a
// registry.
package builder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onkernel/ocibuild/lib/builder/depscan"
	"github.com/onkernel/ocibuild/lib/credentials"
	"github.com/onkernel/ocibuild/lib/layercache"
	"github.com/onkernel/ocibuild/lib/logger"
	"github.com/onkernel/ocibuild/lib/ocierrors"
	"github.com/onkernel/ocibuild/lib/ocilayout"
	"github.com/onkernel/ocibuild/lib/ocispec"
	"github.com/onkernel/ocibuild/lib/progress"
	"github.com/onkernel/ocibuild/lib/reference"
	"github.com/onkernel/ocibuild/lib/registry"
	"github.com/onkernel/ocibuild/lib/selector"
	"github.com/onkernel/ocibuild/lib/tarlayer"
)

var (
	errMissingContextDir = errors.New("context_dir is required")
	errMissingOutputDir  = errors.New("output_dir is required")
	errMissingCacheDir   = errors.New("cache_dir is required when use_cache is enabled")
)

type state int

const (
	stateNew state = iota
	stateBuilt
	statePushed
)

// ProjectInspector infers an entrypoint or include-path set for a context
// directory when Config leaves them unset. The core performs no source-level
// framework detection itself; this is a pure, I/O-light collaborator.
type ProjectInspector interface {
	DefaultEntrypoint(contextDir string) ([]string, error)
	DefaultIncludePaths(contextDir string) ([]string, error)
}

// FrameworkHints mutates a Config's Entrypoint, ExposedPorts, and
// Labels["framework"] based on framework detection, and only when those
// fields are unset.
type FrameworkHints interface {
	Apply(cfg *Config) error
}

// Builder drives one build/push cycle. A Builder is not reusable across
// unrelated builds: construct a new one per Config.
type Builder struct {
	cfg       Config
	creds     credentials.Provider
	inspector ProjectInspector
	hints     FrameworkHints
	cache     *layercache.Cache
	metrics   *Metrics
	observer  progress.Observer
	regOpts   []registry.Option

	mu       sync.Mutex
	state    state
	platform ocispec.Platform
	layout   *ocilayout.Layout
	manifest ocispec.Descriptor

	notifyMu sync.Mutex
}

// Option configures a Builder at construction time.
type Option func(*Builder)

// WithCredentials sets the credential provider consulted for every registry
// the builder talks to.
func WithCredentials(c credentials.Provider) Option {
	return func(b *Builder) { b.creds = c }
}

// WithProjectInspector sets the fallback entrypoint/include-path inferrer.
func WithProjectInspector(i ProjectInspector) Option {
	return func(b *Builder) { b.inspector = i }
}

// WithFrameworkHints sets the framework-detection collaborator.
func WithFrameworkHints(h FrameworkHints) Option {
	return func(b *Builder) { b.hints = h }
}

// WithMetrics attaches otel metrics instruments to the builder.
func WithMetrics(m *Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// WithObserver attaches a progress observer.
func WithObserver(o progress.Observer) Option {
	return func(b *Builder) { b.observer = o }
}

// WithRegistryOptions passes options through to every registry.Client the
// builder constructs (e.g. registry.WithScheme for an insecure local
// registry, or registry.WithHTTPClient for a custom transport).
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(b *Builder) { b.regOpts = append(b.regOpts, opts...) }
}

// New constructs a Builder for cfg. If cfg.UseCache is set, the layer cache
// directory is opened (and created if absent) immediately.
func New(cfg Config, opts ...Option) (*Builder, error) {
	b := &Builder{cfg: cfg, observer: progress.Nop}
	for _, opt := range opts {
		opt(b)
	}
	b.observer = progress.Or(b.observer)

	if cfg.UseCache {
		if cfg.CacheDir == "" {
			return nil, ocierrors.NewConfigError("cache_dir", errMissingCacheDir)
		}
		cache, err := layercache.Open(cfg.CacheDir, cfg.MaxCacheSizeMB*1024*1024)
		if err != nil {
			return nil, err
		}
		b.cache = cache
	}
	return b, nil
}

// CacheStats reports the layer cache's current contents, or the zero value
// if caching is disabled.
func (b *Builder) CacheStats() layercache.Stats {
	if b.cache == nil {
		return layercache.Stats{}
	}
	return b.cache.Stats()
}

// ClearCache empties the layer cache. A no-op if caching is disabled.
func (b *Builder) ClearCache() error {
	if b.cache == nil {
		return nil
	}
	return b.cache.Clear()
}

func (b *Builder) notify(e progress.Event) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	b.observer.Notify(e)
}

// Build runs the build pipeline once, writing an OCI Image Layout under
// cfg.OutputDir and returning the canonical tag it was built under. Calling
// Build more than once on the same Builder is a StateError.
func (b *Builder) Build(ctx context.Context) (string, error) {
	b.mu.Lock()
	if b.state != stateNew {
		b.mu.Unlock()
		return "", ocierrors.NewStateError("build called more than once on this builder instance")
	}
	b.mu.Unlock()

	log := logger.FromContext(ctx)
	log.Info("build starting", "tag", b.cfg.Tag, "base", b.cfg.BaseImage)

	start := time.Now()
	tag, err := b.build(ctx)
	b.metrics.recordBuild(ctx, start, outcome(err))
	if err != nil {
		log.Error("build failed", "error", err)
		return "", err
	}

	b.mu.Lock()
	b.state = stateBuilt
	b.mu.Unlock()

	log.Info("build complete", "tag", tag, "duration", time.Since(start))
	b.notify(progress.Event{Kind: progress.KindBuildDone, Detail: tag})
	return tag, nil
}

func (b *Builder) build(ctx context.Context) (string, error) {
	platform, err := b.cfg.resolvedPlatform()
	if err != nil {
		return "", err
	}
	b.platform = platform

	if b.cfg.ContextDir == "" {
		return "", ocierrors.NewConfigError("context_dir", errMissingContextDir)
	}
	if b.cfg.OutputDir == "" {
		return "", ocierrors.NewConfigError("output_dir", errMissingOutputDir)
	}

	tagRef, err := reference.Parse(b.cfg.Tag)
	if err != nil {
		return "", err
	}

	layout, err := ocilayout.Open(b.cfg.OutputDir)
	if err != nil {
		return "", err
	}
	b.layout = layout

	var baseImage *ocispec.Image
	var baseLayers []ocispec.Descriptor
	if b.cfg.BaseImage != "" {
		baseImage, baseLayers, err = b.pullBase(ctx, platform)
		if err != nil {
			return "", err
		}
	}

	includePaths, err := b.resolveEntrypointAndIncludePaths()
	if err != nil {
		return "", err
	}

	appFiles, err := selector.Select(b.cfg.ContextDir, includePaths)
	if err != nil {
		return "", err
	}

	layers := append([]ocispec.Descriptor{}, baseLayers...)

	var diffIDs []ocispec.Digest

	if b.cfg.IncludeDeps {
		depDesc, err := b.buildDepsLayer(ctx)
		if err != nil {
			return "", err
		}
		if depDesc != nil {
			layers = append(layers, *depDesc)
			diffIDs = append(diffIDs, depDesc.Digest)
		}
	}

	appDesc, err := b.buildAppLayer(ctx, appFiles)
	if err != nil {
		return "", err
	}
	layers = append(layers, appDesc)
	diffIDs = append(diffIDs, appDesc.Digest)

	merged := ocispec.MergeConfig(baseImage, b.cfg.appImageConfig(), platform)
	merged.RootFS.Type = "layers"
	merged.RootFS.DiffIDs = append(merged.RootFS.DiffIDs, diffIDs...)
	for _, id := range diffIDs {
		merged.History = append(merged.History, ocispec.History{
			CreatedBy: "ocibuild",
			Comment:   "layer " + id.String(),
		})
	}

	configDesc, configData, err := ocispec.DescriptorFor(ocispec.MediaTypeImageConfig, merged)
	if err != nil {
		return "", err
	}
	if err := b.layout.WriteBlob(configDesc, configData); err != nil {
		return "", err
	}

	manifest := ocispec.Manifest{
		SchemaVersion: 2,
		MediaType:     ocispec.MediaTypeImageManifest,
		Config:        configDesc,
		Layers:        layers,
	}
	manifestDesc, manifestData, err := ocispec.DescriptorFor(ocispec.MediaTypeImageManifest, manifest)
	if err != nil {
		return "", err
	}
	if err := b.layout.WriteBlob(manifestDesc, manifestData); err != nil {
		return "", err
	}

	if err := b.layout.Tag(tagRef.Tag, manifestDesc, platform); err != nil {
		return "", err
	}
	b.manifest = manifestDesc

	return tagRef.String(), nil
}

// resolveEntrypointAndIncludePaths applies framework hints (only to unset
// fields), then falls back to the project inspector for any entrypoint or
// include-path set still unset. The resolved include paths are returned;
// entrypoint is written back into b.cfg since it feeds appImageConfig later.
func (b *Builder) resolveEntrypointAndIncludePaths() ([]string, error) {
	if b.hints != nil {
		if err := b.hints.Apply(&b.cfg); err != nil {
			return nil, err
		}
	}

	if len(b.cfg.Entrypoint) == 0 && b.inspector != nil {
		ep, err := b.inspector.DefaultEntrypoint(b.cfg.ContextDir)
		if err != nil {
			return nil, err
		}
		b.cfg.Entrypoint = ep
	}

	includePaths := b.cfg.IncludePaths
	if len(includePaths) == 0 && b.inspector != nil {
		paths, err := b.inspector.DefaultIncludePaths(b.cfg.ContextDir)
		if err != nil {
			return nil, err
		}
		includePaths = paths
	}
	return includePaths, nil
}

func (b *Builder) pullBase(ctx context.Context, platform ocispec.Platform) (*ocispec.Image, []ocispec.Descriptor, error) {
	baseRef, err := reference.Parse(b.cfg.BaseImage)
	if err != nil {
		return nil, nil, err
	}

	client := registry.New(baseRef.Registry, b.creds, b.regOpts...)

	data, _, err := client.PullManifest(ctx, baseRef.Repository, baseRef.Tag, platform)
	if err != nil {
		return nil, nil, err
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, nil, ocierrors.NewProtocolError("malformed base manifest", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.pullBlobIfAbsent(gctx, client, baseRef.Repository, manifest.Config.Digest)
	})
	for _, layer := range manifest.Layers {
		g.Go(func() error {
			return b.pullBlobIfAbsent(gctx, client, baseRef.Repository, layer.Digest)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	configData, err := b.layout.ReadBlob(manifest.Config.Digest)
	if err != nil {
		return nil, nil, err
	}
	var baseImage ocispec.Image
	if err := json.Unmarshal(configData, &baseImage); err != nil {
		return nil, nil, ocierrors.NewProtocolError("malformed base config", err)
	}

	return &baseImage, manifest.Layers, nil
}

func (b *Builder) pullBlobIfAbsent(ctx context.Context, client *registry.Client, repo string, digest ocispec.Digest) error {
	if b.layout.HasBlob(digest) {
		return nil
	}
	b.notify(progress.Event{Kind: progress.KindPullLayerStart, Digest: digest.String()})
	dest := filepath.Join(b.layout.BlobsDir(), digest.Encoded())
	if err := client.PullBlob(ctx, repo, digest, dest); err != nil {
		return err
	}
	b.notify(progress.Event{Kind: progress.KindPullLayerDone, Digest: digest.String()})
	return nil
}

func (b *Builder) buildDepsLayer(ctx context.Context) (*ocispec.Descriptor, error) {
	files, err := depscan.Discover(b.cfg.ContextDir, b.cfg.RequirementsFile, b.cfg.OfflineDepsDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	tarFiles := make([]tarlayer.File, len(files))
	cacheFiles := make([]layercache.File, len(files))
	for i, f := range files {
		tarFiles[i] = tarlayer.File{Abs: f.Abs, Rel: f.Rel}
		cacheFiles[i] = layercache.File{Abs: f.Abs, Rel: f.Rel}
	}

	// depscan only ever discovers a Python-style virtualenv today; the
	// cache's Runtime tag is set accordingly so stats can break cache usage
	// down by ecosystem once other discovery strategies land.
	desc, err := b.buildLayer(ctx, tarFiles, cacheFiles, "python")
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

func (b *Builder) buildAppLayer(ctx context.Context, files []selector.File) (ocispec.Descriptor, error) {
	tarFiles := make([]tarlayer.File, len(files))
	cacheFiles := make([]layercache.File, len(files))
	for i, f := range files {
		tarFiles[i] = tarlayer.File{Abs: f.Abs, Rel: f.Rel}
		cacheFiles[i] = layercache.File{Abs: f.Abs, Rel: f.Rel}
	}
	return b.buildLayer(ctx, tarFiles, cacheFiles, "")
}

// buildLayer builds (or reuses, via the layer cache) a single tar layer,
// ensuring its blob ends up in the output layout either way. runtime tags
// the cache entry for Stats breakdowns; it plays no part in cache identity.
func (b *Builder) buildLayer(ctx context.Context, tarFiles []tarlayer.File, cacheFiles []layercache.File, runtime string) (ocispec.Descriptor, error) {
	opts := tarlayer.Options{WorkDir: b.cfg.workDir(), Compress: b.cfg.Compress}

	if b.cache != nil {
		dgst, mediaType, path, hit, err := b.cache.Lookup(cacheFiles)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		b.metrics.recordCacheLookup(ctx, hit)
		if hit {
			logger.FromContext(ctx).Debug("layer cache hit", "digest", dgst)
			return b.adoptCachedLayer(dgst, mediaType, path)
		}
		logger.FromContext(ctx).Debug("layer cache miss")
	}

	dir := b.layout.BlobsDir()
	scratch := ""
	if b.cache != nil {
		tmp, err := os.MkdirTemp("", "ocibuild-layer-*")
		if err != nil {
			return ocispec.Descriptor{}, ocierrors.NewIOError("create temp layer dir", err)
		}
		scratch = tmp
		dir = tmp
	}
	if scratch != "" {
		defer os.RemoveAll(scratch)
	}

	result, err := tarlayer.Write(tarFiles, dir, opts)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if b.cache != nil {
		if err := b.cache.Store(cacheFiles, result.Descriptor.Digest, result.Descriptor.MediaType, runtime, result.Path); err != nil {
			return ocispec.Descriptor{}, err
		}
		if err := b.layout.AdoptBlob(result.Descriptor, result.Path); err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	return result.Descriptor, nil
}

func (b *Builder) adoptCachedLayer(dgst ocispec.Digest, mediaType, cachePath string) (ocispec.Descriptor, error) {
	info, err := os.Stat(cachePath)
	if err != nil {
		return ocispec.Descriptor{}, ocierrors.NewIOError("stat cached layer", err)
	}
	desc := ocispec.Descriptor{MediaType: mediaType, Digest: dgst, Size: info.Size()}

	if b.layout.HasBlob(dgst) {
		return desc, nil
	}
	data, err := os.ReadFile(cachePath)
	if err != nil {
		return ocispec.Descriptor{}, ocierrors.NewIOError("read cached layer", err)
	}
	if err := b.layout.WriteBlob(desc, data); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Push uploads the built image to destination (a registry reference),
// defaulting to cfg.Tag when destination is empty. Push is idempotent:
// calling it again re-uploads nothing already present remotely. Calling
// Push before Build is a StateError.
func (b *Builder) Push(ctx context.Context, destination string) (string, error) {
	b.mu.Lock()
	if b.state == stateNew {
		b.mu.Unlock()
		return "", ocierrors.NewStateError("push called before build")
	}
	b.mu.Unlock()

	log := logger.FromContext(ctx)
	log.Info("push starting", "destination", destination)

	start := time.Now()
	ref, err := b.push(ctx, destination)
	b.metrics.recordPush(ctx, start, outcome(err))
	if err != nil {
		log.Error("push failed", "error", err)
		return "", err
	}

	b.mu.Lock()
	b.state = statePushed
	b.mu.Unlock()
	log.Info("push complete", "ref", ref, "duration", time.Since(start))
	return ref, nil
}

func (b *Builder) push(ctx context.Context, destination string) (string, error) {
	target := destination
	if target == "" {
		target = b.cfg.Tag
	}
	destRef, err := reference.Parse(target)
	if err != nil {
		return "", err
	}

	manifestData, err := b.layout.ReadBlob(b.manifest.Digest)
	if err != nil {
		return "", err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return "", ocierrors.NewProtocolError("malformed built manifest", err)
	}

	client := registry.New(destRef.Registry, b.creds, b.regOpts...)

	g, gctx := errgroup.WithContext(ctx)
	for _, layer := range manifest.Layers {
		g.Go(func() error {
			return b.pushBlob(gctx, client, destRef.Repository, layer)
		})
	}
	g.Go(func() error {
		return b.pushBlob(gctx, client, destRef.Repository, manifest.Config)
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	if err := client.PushManifest(ctx, destRef.Repository, destRef.Tag, manifest.MediaType, manifestData); err != nil {
		return "", err
	}
	b.notify(progress.Event{Kind: progress.KindPushManifest, Digest: b.manifest.Digest.String()})

	return destRef.String(), nil
}

func (b *Builder) pushBlob(ctx context.Context, client *registry.Client, repo string, desc ocispec.Descriptor) error {
	b.notify(progress.Event{Kind: progress.KindPushLayerStart, Digest: desc.Digest.String()})
	data, err := b.layout.ReadBlob(desc.Digest)
	if err != nil {
		return err
	}
	result, err := client.PushBlob(ctx, repo, desc, data)
	if err != nil {
		return err
	}
	if result.Skipped {
		b.notify(progress.Event{Kind: progress.KindPushLayerSkipped, Digest: desc.Digest.String()})
	}
	return nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
