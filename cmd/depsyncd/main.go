package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/schaermu/depsyncd/internal/config"
	"github.com/schaermu/depsyncd/internal/deploy"
	"github.com/schaermu/depsyncd/internal/fetch"
	"github.com/schaermu/depsyncd/internal/github"
	"github.com/schaermu/depsyncd/internal/install"
	"github.com/schaermu/depsyncd/internal/metrics"
	"github.com/schaermu/depsyncd/internal/state"
	"github.com/schaermu/depsyncd/internal/sync"
	"github.com/schaermu/depsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile     string
	logLevel    string
	logFormat   string
	installsDir string
	dryRun      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "depsyncd",
	Short: "Keep installation dependencies in sync with their sources",
	Long: `depsyncd keeps the dependencies declared in each installation's
.toolbox/meta/toolbox.json up to date with their remote sources.

Static files are downloaded and compared by content hash, GitHub repositories
by their latest commit. Changed dependencies replace exactly the files their
previous version installed.

It can run as a oneshot sync (via systemd timer or cron) or as a long-running
webhook daemon that responds to GitHub push events.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync [installation...]",
	Short: "Sync the dependencies of all or the named installations",
	Long: `Sync discovers installations below the installs directory, checks every
dependency against its remote source and installs the ones that changed.

The command exits non-zero when any dependency failed.`,
	RunE: runSync,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installations, their dependencies and installed versions",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial sync of all installations and then listens for
GitHub push webhooks. A push to a repository's default branch syncs every
installation that depends on that repository.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "depsyncd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&installsDir, "installs-dir", "", "directory containing installations (overrides paths.installs_dir)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report available updates without installing them")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(listCmd)
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

	all, err := discoverInstallations(cfg, logger)
	if err != nil {
		return err
	}
	selected, err := install.Select(all, args)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		logger.Warn("no installations found", "installs_dir", cfg.Paths.InstallsDir)
		return nil
	}

	recorder := metrics.NewRecorder()
	engine, err := buildEngine(cfg, recorder, cmd.OutOrStdout(), logger, dryRun)
	if err != nil {
		return err
	}

	reports, runErr := engine.RunAll(ctx, selected)
	writeMetrics(cfg, recorder, logger)

	failed := 0
	for _, r := range reports {
		failed += r.Failed()
	}

	if runErr != nil {
		return runErr
	}
	if failed > 0 {
		return fmt.Errorf("%d dependencies failed to sync", failed)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	insts, err := discoverInstallations(cfg, logger)
	if err != nil {
		return err
	}

	printInstallations(cmd.OutOrStdout(), insts, logger)
	return nil
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
		return errors.New("serve.enabled must be true in the configuration to run the webhook server")
	}

	recorder := metrics.NewRecorder()
	engine, err := buildEngine(cfg, recorder, cmd.OutOrStdout(), logger, false)
	if err != nil {
		return err
	}

	discover := func() ([]*install.Installation, error) {
		return discoverInstallations(cfg, logger)
	}

	server, err := webhook.NewServer(cfg, engine, discover, recorder, logger)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

// buildEngine wires the GitHub client, downloader and deployer into a sync engine
func buildEngine(cfg *config.Config, recorder *metrics.Recorder, out io.Writer, logger *slog.Logger, dryRun bool) (*sync.Engine, error) {
	token, err := cfg.Token()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTP.Timeout}
	gh := github.NewClient(cfg.GitHub.APIURL, token, httpClient)
	downloader := fetch.NewHTTPDownloader(httpClient, cfg.HTTP.MaxDownloadBytes, gh.Authorize)

	fetcher := fetch.NewFetcher(downloader, fetch.SHA256Hasher{}, gh, logger)
	deployer := deploy.NewDeployer(deploy.ZipExpander{}, logger)

	return sync.NewEngine(fetcher, deployer, recorder, out, logger, dryRun), nil
}

// discoverInstallations scans the installs directory; broken manifests are logged and skipped
func discoverInstallations(cfg *config.Config, logger *slog.Logger) ([]*install.Installation, error) {
	insts, broken, err := install.Discover(cfg.Paths.InstallsDir)
	if err != nil {
		return nil, err
	}
	for path, err := range broken {
		logger.Warn("skipping installation with invalid manifest", "path", path, "error", err)
	}
	return insts, nil
}

func printInstallations(out io.Writer, insts []*install.Installation, logger *slog.Logger) {
	title := color.New(color.Bold)
	for _, inst := range insts {
		_, _ = title.Fprintf(out, "%s", inst.Name)
		_, _ = fmt.Fprintf(out, " (%s)\n", inst.Path)

		store := state.NewStore(inst, logger)
		for _, dep := range inst.Dependencies {
			dep = install.Normalize(dep)

			mode := "file"
			if dep.IsRepository {
				mode = "repository"
			}
			if dep.Expand {
				mode += ", expand"
			}

			installed := "not installed"
			if rec, ok := store.Get(dep.Name); ok {
				// the inventory ends with the destination directory
				installed = fmt.Sprintf("%s (%d files)", rec.ID, max(len(rec.Inventory)-1, 0))
			}

			_, _ = fmt.Fprintf(out, "  %-24s %-20s %-16s %s\n", dep.Name, mode, "/"+dep.Location, installed)
		}
	}
}

func writeMetrics(cfg *config.Config, recorder *metrics.Recorder, logger *slog.Logger) {
	if cfg.Metrics.Textfile == "" {
		return
	}
	if err := recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Warn("failed to write metrics", "error", err)
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

	// stdout carries the progress lines
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the config file. Without one, --installs-dir alone is enough.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath
	}
	configPath, err := config.ExpandPath(configPath)
	if err != nil {
		return nil, err
	}

	var overrides []config.Override
	if installsDir != "" {
		dir, err := filepath.Abs(installsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve installs directory: %w", err)
		}
		overrides = append(overrides, func(c *config.Config) { c.Paths.InstallsDir = dir })
	}

	var cfg *config.Config
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) && len(overrides) > 0 {
		logger.Debug("no config file, using flags and defaults", "path", configPath)
		cfg = &config.Config{}
		for _, o := range overrides {
			o(cfg)
		}
		if err := cfg.Finalize(); err != nil {
			return nil, err
		}
	} else {
		logger.Debug("loading configuration", "path", configPath)
		cfg, err = config.Load(configPath, overrides...)
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("configuration loaded",
		"installs_dir", cfg.Paths.InstallsDir,
		"api_url", cfg.GitHub.APIURL,
		"metrics_textfile", cfg.Metrics.Textfile)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
