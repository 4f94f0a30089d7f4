package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/metasync/metasync/internal/apps"
	"github.com/metasync/metasync/internal/catalog"
	"github.com/metasync/metasync/internal/changes"
	"github.com/metasync/metasync/internal/config"
	"github.com/metasync/metasync/internal/fdroid"
	"github.com/metasync/metasync/internal/git"
	"github.com/metasync/metasync/internal/index"
	"github.com/metasync/metasync/internal/metadata"
	"github.com/metasync/metasync/internal/metrics"
	"github.com/metasync/metasync/internal/readme"
	"github.com/metasync/metasync/internal/source"
	"github.com/metasync/metasync/internal/telemetry"
)

// Catalog persists which release produced each artifact
type Catalog interface {
	Put(filename string, e catalog.Entry) error
	Get(filename string) (catalog.Entry, bool, error)
}

// Deps are the collaborators an Engine drives
type Deps struct {
	Source   source.Client
	Git      git.Client
	Indexer  fdroid.Indexer
	Catalog  Catalog
	Detector *changes.Detector
	Metrics  *metrics.Metrics
	// Tracer defaults to a noop tracer
	Tracer trace.Tracer
}

// Options tune a run
type Options struct {
	// DryRun logs release decisions without downloading or writing anything
	DryRun bool
	// SkipIndexer does not invoke the indexing tool
	SkipIndexer bool
}

// Result summarizes a finished run. HadError and Significant are
// independent: a run may record isolated errors and still be worth
// publishing.
type Result struct {
	HadError    bool
	Significant bool
	Location    string
	Downloaded  int
	Updated     int
}

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	opts   Options
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, deps Deps, logger *slog.Logger, opts Options) *Engine {
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer(telemetry.TracerName)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		opts:   opts,
	}
}

// Run executes one reconciliation pass. An error is returned only for
// failures that make the rest of the pass meaningless: an unreadable
// registry or index, or a failing indexing tool. Everything else is logged
// and recorded in Result.HadError.
func (e *Engine) Run(ctx context.Context) (result *Result, err error) {
	ctx, span := e.deps.Tracer.Start(ctx, "sync.run", trace.WithAttributes(
		attribute.Bool("metasync.dry_run", e.opts.DryRun),
	))
	defer func() {
		telemetry.End(span, err)
		if err != nil {
			e.deps.Metrics.ObserveRun("failed", false)
			return
		}
		span.SetAttributes(
			attribute.Bool("metasync.significant", result.Significant),
			attribute.Bool("metasync.had_error", result.HadError),
		)
		e.deps.Metrics.ObserveRun(outcome(result), result.Significant)
	}()

	e.logger.Info("starting sync",
		"apps_file", e.cfg.Paths.AppsFile,
		"repo_dir", e.cfg.Paths.RepoDir,
		"dry_run", e.opts.DryRun)

	result = &Result{}

	reg, err := apps.LoadRegistry(e.cfg.Paths.AppsFile)
	if err != nil {
		return nil, err
	}
	for _, invalid := range reg.Invalid {
		e.logger.Error("skipping registry entry", "error", invalid)
		e.recordError(result)
	}
	e.logger.Info("loaded registry", "apps", len(reg.Apps), "invalid", len(reg.Invalid))

	before, err := index.Read(e.cfg.IndexPath())
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.cfg.Paths.RepoDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}

	known := make(map[string]apps.App)
	for _, app := range reg.Apps {
		e.syncApp(ctx, app, known, result)
	}

	if e.opts.DryRun {
		e.logger.Info("dry-run complete, no changes applied", "releases", len(known))
		return result, nil
	}

	if err := e.runIndexer(ctx, fdroid.UpdateOptions{CreateMetadata: true}); err != nil {
		return nil, err
	}

	idx, err := index.Read(e.cfg.IndexPath())
	if err != nil {
		return nil, fmt.Errorf("after creating metadata: %w", err)
	}

	staged := e.updateMetadata(ctx, idx, reg, known, result)

	if err := e.runIndexer(ctx, fdroid.UpdateOptions{}); err != nil {
		return nil, err
	}

	after, err := index.Read(e.cfg.IndexPath())
	if err != nil {
		return nil, fmt.Errorf("after final update: %w", err)
	}

	for _, dir := range staged {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("failed to remove staged screenshots", "path", dir, "error", err)
		}
	}

	if err := readme.Regenerate(e.cfg.ReadmePath(), e.cfg.IconDir(), after.Apps); err != nil {
		e.logger.Error("failed to regenerate README", "path", e.cfg.ReadmePath(), "error", err)
	}

	verdict, err := e.deps.Detector.Detect(ctx, before, after, e.cfg.Paths.RepoDir)
	if err != nil {
		e.logger.Error("failed to assess changes", "error", err)
	}
	result.Significant = verdict.Significant
	result.Location = verdict.Location

	e.logger.Info("sync completed",
		"downloaded", result.Downloaded,
		"updated", result.Updated,
		"significant", result.Significant,
		"location", result.Location,
		"had_error", result.HadError)

	return result, nil
}

// syncApp records every eligible release of app in known and downloads the
// artifacts that are not in the repo directory yet
func (e *Engine) syncApp(ctx context.Context, app apps.App, known map[string]apps.App, result *Result) {
	ctx, span := e.deps.Tracer.Start(ctx, "sync.app", trace.WithAttributes(
		attribute.String("metasync.app", app.AppName()),
	))
	defer span.End()

	logger := e.logger.With("app", app.AppName())
	logger.Info("processing app", "author", app.AuthorName(), "git", app.Git)

	repo, err := apps.ParseRepoURL(app.Git)
	if err != nil {
		logger.Error("cannot resolve repository", "error", err)
		e.recordError(result)
		return
	}

	info, err := e.deps.Source.Repository(ctx, repo)
	if err != nil {
		logger.Error("failed to look up repository", "repo", repo.String(), "error", err)
	} else {
		if info.Description != "" {
			app.Summary = info.Description
		}
		if info.License != "" {
			app.License = info.License
		}
		logger.Debug("repository facts", "summary", app.Summary, "license", app.License)
	}

	releases, err := e.deps.Source.Releases(ctx, repo)
	if err != nil {
		logger.Error("failed to list releases", "repo", repo.String(), "error", err)
		e.recordError(result)
		return
	}
	logger.Info("received releases", "count", len(releases))

	for _, release := range releases {
		e.deps.Metrics.ReleasesSeen.Inc()
		rlog := logger.With("tag", release.TagName)

		asset, reason := apps.SelectAsset(release)
		if reason != "" {
			rlog.Info("skipping release", "reason", string(reason))
			e.deps.Metrics.ReleasesSkipped.WithLabelValues(string(reason)).Inc()
			continue
		}

		filename := apps.ReleaseFilename(app.AppName(), release.TagName)
		withNotes := app
		withNotes.ReleaseNotes = release.Body
		known[filename] = withNotes

		target := filepath.Join(e.cfg.Paths.RepoDir, filename)
		exists := fileExists(target)

		if e.opts.DryRun {
			if exists {
				rlog.Info("[dry-run] already have artifact", "path", target)
			} else {
				rlog.Info("[dry-run] would download", "asset", asset.Name, "path", target)
			}
			continue
		}

		err := e.deps.Catalog.Put(filename, catalog.Entry{
			AppKey:       app.Key,
			Tag:          release.TagName,
			Asset:        asset.Name,
			ReleaseNotes: release.Body,
		})
		if err != nil {
			rlog.Warn("failed to record release in catalog", "error", err)
		}

		if exists {
			rlog.Info("already have artifact", "path", target)
			continue
		}

		rlog.Info("downloading artifact", "asset", asset.Name, "path", target)
		if err := e.download(ctx, repo, asset, target); err != nil {
			rlog.Error("failed to download artifact", "asset", asset.Name, "error", err)
			e.deps.Metrics.DownloadFailures.Inc()
			e.recordError(result)
			continue
		}
		e.deps.Metrics.AssetsDownloaded.Inc()
		result.Downloaded++
	}
}

// download stores asset at target through a temp file in the same
// directory, so an interrupted download never leaves a partial artifact
func (e *Engine) download(ctx context.Context, repo apps.Repo, asset apps.Asset, target string) error {
	ctx, span := e.deps.Tracer.Start(ctx, "sync.download", trace.WithAttributes(
		attribute.String("metasync.asset", asset.Name),
		attribute.Int64("metasync.asset_size", asset.Size),
	))
	var err error
	defer func() { telemetry.End(span, err) }()

	tmpFile, err := os.CreateTemp(filepath.Dir(target), ".metasync-download-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err = e.deps.Source.DownloadAsset(ctx, repo, asset, tmpFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err = tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err = tmpFile.Close(); err != nil {
		return err
	}

	err = os.Rename(tmpPath, target)
	return err
}

func (e *Engine) runIndexer(ctx context.Context, opts fdroid.UpdateOptions) error {
	if e.opts.SkipIndexer {
		e.logger.Info("skipping indexing tool", "create_metadata", opts.CreateMetadata)
		return nil
	}

	ctx, span := e.deps.Tracer.Start(ctx, "sync.indexer", trace.WithAttributes(
		attribute.Bool("metasync.create_metadata", opts.CreateMetadata),
	))
	e.logger.Info("running indexing tool", "create_metadata", opts.CreateMetadata)
	err := e.deps.Indexer.Update(ctx, opts)
	telemetry.End(span, err)
	if err != nil {
		return fmt.Errorf("indexing tool failed: %w", err)
	}
	return nil
}

// updateMetadata merges registry facts into every metadata file of the
// index. It returns the screenshot directories to remove once the indexing
// tool has picked them up.
func (e *Engine) updateMetadata(ctx context.Context, idx *index.Index, reg *apps.Registry, known map[string]apps.App, result *Result) []string {
	ctx, span := e.deps.Tracer.Start(ctx, "sync.metadata")
	defer span.End()

	metadataDir := e.cfg.MetadataDir()
	files, err := metadata.DiscoverFiles(metadataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("metadata directory does not exist", "path", metadataDir)
			return nil
		}
		e.logger.Error("failed to discover metadata files", "path", metadataDir, "error", err)
		e.recordError(result)
		return nil
	}

	var staged []string
	for _, path := range files {
		pkgName := metadata.PackageName(path)
		logger := e.logger.With("package", pkgName)

		rec, err := metadata.Read(path)
		if err != nil {
			logger.Error("failed to read metadata", "path", path, "error", err)
			e.recordError(result)
			continue
		}

		pkg, ok := idx.Latest(pkgName)
		if !ok {
			logger.Debug("package not in index")
			continue
		}
		logger.Info("latest version", "version_name", pkg.VersionName, "version_code", pkg.VersionCode)

		app, ok := e.lookupApp(pkg.ApkName, reg, known)
		if !ok {
			logger.Info("no release known for artifact", "apk", pkg.ApkName)
			continue
		}

		changed := metadata.Merge(rec, app, pkg)
		if err := metadata.Write(path, rec); err != nil {
			logger.Error("failed to write metadata", "path", path, "error", err)
			e.deps.Metrics.MetadataWriteFailures.Inc()
			e.recordError(result)
			continue
		}
		logger.Info("updated metadata", "path", path, "fields", changed)
		e.deps.Metrics.MetadataUpdated.Inc()
		result.Updated++

		if app.ReleaseNotes != "" {
			changelog := metadata.ChangelogPath(metadataDir, pkg.PackageName, pkg.VersionCode)
			if err := metadata.WriteFileAtomic(changelog, []byte(app.ReleaseNotes), 0644); err != nil {
				logger.Error("failed to write changelog", "path", changelog, "error", err)
				e.recordError(result)
			} else {
				logger.Info("wrote release notes", "path", changelog)
			}
		}

		if dir, ok := e.stageScreenshots(ctx, app, pkg.PackageName, logger); ok {
			staged = append(staged, dir)
		}
	}

	return staged
}

// lookupApp finds the app an artifact belongs to, first among the releases
// seen in this run, then in the catalog
func (e *Engine) lookupApp(apkName string, reg *apps.Registry, known map[string]apps.App) (apps.App, bool) {
	if app, ok := known[apkName]; ok {
		return app, true
	}

	entry, ok, err := e.deps.Catalog.Get(apkName)
	if err != nil {
		e.logger.Warn("catalog lookup failed", "apk", apkName, "error", err)
		return apps.App{}, false
	}
	if !ok {
		return apps.App{}, false
	}

	app, ok := reg.Lookup(entry.AppKey)
	if !ok {
		return apps.App{}, false
	}
	app.ReleaseNotes = entry.ReleaseNotes
	e.logger.Debug("attributed artifact from catalog", "apk", apkName, "app", entry.AppKey, "tag", entry.Tag)
	return app, true
}

// stageScreenshots clones the app's source and moves its screenshots into
// the package's phoneScreenshots directory, numbered from 1 in walk order.
// Screenshots are best effort: failures are logged and do not mark the run.
func (e *Engine) stageScreenshots(ctx context.Context, app apps.App, pkgName string, logger *slog.Logger) (string, bool) {
	ctx, span := e.deps.Tracer.Start(ctx, "sync.screenshots", trace.WithAttributes(
		attribute.String("metasync.package", pkgName),
	))
	defer span.End()

	cloneDir := filepath.Join(e.cfg.ClonesDir(), pkgName)
	if err := os.RemoveAll(cloneDir); err != nil {
		logger.Warn("failed to clear clone directory", "path", cloneDir, "error", err)
		return "", false
	}
	defer func() {
		_ = os.RemoveAll(cloneDir)
	}()

	logger.Info("cloning source to search for screenshots", "git", app.Git)
	if err := e.deps.Git.Clone(ctx, app.Git, cloneDir); err != nil {
		logger.Error("failed to clone source", "git", app.Git, "error", err)
		return "", false
	}

	screenshots, err := metadata.FindScreenshots(cloneDir)
	if err != nil {
		logger.Error("failed to search for screenshots", "path", cloneDir, "error", err)
		return "", false
	}
	logger.Info("found screenshots", "count", len(screenshots))

	dest := metadata.ScreenshotsDir(e.cfg.MetadataDir(), pkgName)
	if err := os.RemoveAll(dest); err != nil {
		logger.Error("failed to clear screenshots", "path", dest, "error", err)
		return "", false
	}

	n := 1
	for _, src := range screenshots {
		target := filepath.Join(dest, fmt.Sprintf("%d%s", n, filepath.Ext(src)))
		if err := moveFile(src, target); err != nil {
			logger.Error("failed to move screenshot", "src", src, "dest", target, "error", err)
			continue
		}
		logger.Debug("staged screenshot", "path", target)
		n++
	}

	return dest, true
}

func (e *Engine) recordError(result *Result) {
	result.HadError = true
	e.deps.Metrics.RunErrors.Inc()
}

func outcome(r *Result) string {
	switch {
	case r.HadError:
		return "error"
	case r.Significant:
		return "significant"
	default:
		return "unchanged"
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
