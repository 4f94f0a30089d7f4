package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/metasync/metasync/internal/catalog"
	"github.com/metasync/metasync/internal/changes"
	"github.com/metasync/metasync/internal/config"
	"github.com/metasync/metasync/internal/fdroid"
	"github.com/metasync/metasync/internal/git"
	"github.com/metasync/metasync/internal/metrics"
	"github.com/metasync/metasync/internal/source"
	"github.com/metasync/metasync/internal/sync"
	"github.com/metasync/metasync/internal/telemetry"
	"github.com/metasync/metasync/internal/webhook"
)

// defaultConfigFile is picked up from the working directory when --config
// is not given
const defaultConfigFile = "metasync.yaml"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile      string
	envFile      string
	logLevel     string
	logFormat    string
	otelEnabled  bool
	otelEndpoint string
	otelProtocol string
	otelInsecure bool

	// Sync flags
	appsFile string
	repoDir  string
	debug    bool
	dryRun   bool
)

// exitError carries a process exit code through cobra
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

func main() {
	os.Exit(execute())
}

func execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(os.Stderr, ee.msg)
		}
		return ee.code
	}

	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "metasync",
	Short: "Keep an F-Droid repository in sync with GitHub releases",
	Long: `metasync mirrors APK release assets of the apps listed in a registry file into
an F-Droid repository, fills in the generated metadata from the source
repositories and reports whether the repository changed in a way worth
publishing.

Exit codes of sync: 0 when there are significant changes, 2 when there is
nothing worth publishing, 1 when an error occurred.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform one reconciliation pass",
	Long: `Sync downloads new release assets, runs the fdroid indexing tool, merges the
app facts into the metadata files, stages changelogs and screenshots, runs the
indexing tool again and regenerates the README apps table.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial sync and then listens for GitHub release webhooks,
running a sync whenever a release is published or edited. Changes to the
registry file trigger a sync as well.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("metasync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+defaultConfigFile+" when present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment when present")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&otelEnabled, "otel", false, "export traces via OTLP")
	rootCmd.PersistentFlags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP endpoint (default from OTEL_EXPORTER_OTLP_ENDPOINT)")
	rootCmd.PersistentFlags().StringVar(&otelProtocol, "otel-protocol", telemetry.ProtocolHTTP, "OTLP protocol (otlphttp, otlpgrpc)")
	rootCmd.PersistentFlags().BoolVar(&otelInsecure, "otel-insecure", false, "disable TLS for the OTLP exporter")

	// Sync command flags
	syncCmd.Flags().StringVar(&appsFile, "apps", "", "path to the apps registry file")
	syncCmd.Flags().StringVar(&repoDir, "repo-dir", "", "path to the F-Droid repo directory")
	syncCmd.Flags().BoolVar(&debug, "debug", false, "skip running the fdroid indexing tool")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log release decisions without downloading or writing anything")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	opts := sync.Options{
		DryRun:      dryRun,
		SkipIndexer: debug || cfg.Fdroid.Skip,
	}
	engine, m, cleanup, err := buildEngine(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("starting sync operation", "dry_run", opts.DryRun, "skip_indexer", opts.SkipIndexer)
	result, err := engine.Run(ctx)
	writeTextfile(cfg, m, logger)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return &exitError{code: 1, msg: err.Error()}
	}

	return exitFor(result, opts.DryRun, logger)
}

// exitFor maps a finished run onto the process exit code
func exitFor(result *sync.Result, dryRun bool, logger *slog.Logger) error {
	switch {
	case result.HadError:
		logger.Warn("sync completed with errors")
		return &exitError{code: 1}
	case dryRun:
		logger.Info("dry run completed")
		return nil
	case !result.Significant:
		logger.Info("no significant changes")
		return &exitError{code: 2}
	default:
		logger.Info("sync completed with significant changes",
			"location", result.Location,
			"downloaded", result.Downloaded,
			"updated", result.Updated)
		return nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve mode is not enabled in configuration (set serve.enabled: true)")
	}

	engine, m, cleanup, err := buildEngine(ctx, cfg, logger, sync.Options{SkipIndexer: cfg.Fdroid.Skip})
	if err != nil {
		return err
	}
	defer cleanup()

	server, err := webhook.NewServer(cfg, engine, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	return server.Start(ctx)
}

// buildEngine wires the engine collaborators described by cfg. The returned
// cleanup closes the catalog and flushes traces.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts sync.Options) (*sync.Engine, *metrics.Metrics, func(), error) {
	token, err := cfg.GitHubToken()
	if err != nil {
		return nil, nil, nil, err
	}
	src, err := source.NewGitHubClient(nil, token, cfg.GitHub.BaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}

	filter, err := changes.NewFilter(cfg.Publish.SignificantFile)
	if err != nil {
		return nil, nil, nil, err
	}

	tracing, err := telemetry.Init(ctx, telemetryConfig())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	cat, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		_ = tracing.Shutdown(context.Background())
		return nil, nil, nil, err
	}

	entries := 0
	if err := cat.Each(func(string, catalog.Entry) error {
		entries++
		return nil
	}); err != nil {
		logger.Warn("failed to scan catalog", "error", err)
	}
	logger.Info("engine configured",
		"significant_file", filter.Expr(),
		"catalog", cfg.CatalogPath(),
		"catalog_entries", entries)

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	m := metrics.New()

	engine := sync.NewEngine(cfg, sync.Deps{
		Source:   src,
		Git:      gitClient,
		Indexer:  fdroid.NewClient(cfg.Fdroid.Command, cfg.FdroidDir()),
		Catalog:  cat,
		Detector: changes.NewDetector(gitClient, filter, logger),
		Metrics:  m,
		Tracer:   tracing.Tracer,
	}, logger, opts)

	cleanup := func() {
		if err := cat.Close(); err != nil {
			logger.Warn("failed to close catalog", "error", err)
		}
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}

	return engine, m, cleanup, nil
}

func telemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = otelEnabled
	cfg.Endpoint = otelEndpoint
	cfg.Protocol = otelProtocol
	cfg.Insecure = otelInsecure
	cfg.ServiceVersion = version
	return cfg
}

func writeTextfile(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if cfg.Metrics.Textfile == "" {
		return
	}
	if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Warn("failed to write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
	}
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig reads --config, or ./metasync.yaml when present, or falls back
// to the built-in defaults. --apps and --repo-dir take precedence.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if err := loadEnvFile(envFile, logger); err != nil {
		return nil, err
	}

	configPath := cfgFile
	if configPath == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			configPath = defaultConfigFile
		}
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		logger.Info("loading configuration", "path", configPath)
		cfg, err = config.Load(configPath)
	} else {
		logger.Debug("no config file, using defaults")
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Override(appsFile, repoDir); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Debug("configuration loaded",
		"apps_file", cfg.Paths.AppsFile,
		"repo_dir", cfg.Paths.RepoDir,
		"state_dir", cfg.Paths.StateDir,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

// loadEnvFile exports the variables of a dotenv file without overriding the
// ones already set. A missing file is not an error.
func loadEnvFile(path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	logger.Debug("loaded env file", "path", path)
	return nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
