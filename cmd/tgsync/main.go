package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tgsync/internal/config"
	"tgsync/internal/domain"
	"tgsync/internal/engine"
	"tgsync/internal/media"
	"tgsync/internal/metrics"
	"tgsync/internal/store"
	"tgsync/internal/telegram"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "tgsync",
		Short:   "tgsync: Telegram to Message Store synchronization",
		Long:    "tgsync mirrors Telegram conversations into a Message Store and delivers messages written in the Store back to Telegram.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.tgsync/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(configCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(wizardCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// setupLogger replaces the bootstrap logger with one honouring the config.
// The returned closer releases the log file, if any.
func setupLogger(cfg *config.Config) (io.Closer, error) {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closer, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			cfg.Accounts = []config.AccountConfig{{ID: "+10000000000", Token: "${TGSYNC_BOT_TOKEN}"}}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine for every enabled account",
		Long:  "Starts one worker per enabled account. Press Ctrl+C to stop; in-flight calls get general.shutdownTimeoutSeconds to finish.",
		RunE:  runEngine,
	}
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closer, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeClient := newStoreClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout())
	err = storeClient.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("store unreachable at %s: %w", cfg.Store.BaseURL, err)
	}

	if err := os.MkdirAll(cfg.MediaDir(), 0o755); err != nil {
		return fmt.Errorf("media directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Telegram.SessionDir, 0o700); err != nil {
		return fmt.Errorf("session directory: %w", err)
	}

	orchestrator := media.New(media.Config{
		Root:         cfg.Media.Root,
		Dir:          cfg.MediaDir(),
		TempDir:      cfg.Media.TempDir,
		MaxAlbumSize: cfg.Sync.MaxAlbumSize,
		HTTPClient:   &http.Client{Timeout: 5 * time.Minute},
		Logger:       logger.With("component", "media"),
	})

	var accounts []string
	for _, acc := range cfg.EnabledAccounts() {
		accounts = append(accounts, acc.ID)
	}

	scheduler := engine.NewScheduler(engine.Config{
		Store:           storeClient,
		Media:           orchestrator,
		Metrics:         metrics.Collector,
		Logger:          logger,
		TickInterval:    cfg.TickInterval(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
		DialogLimit:     cfg.Sync.DialogLimit,
		HistoryLimit:    cfg.Sync.HistoryLimit,
		SeenCacheSize:   cfg.Sync.SeenCacheSize,
		BackoffEpsilon:  time.Duration(cfg.Sync.BackoffEpsilonMs) * time.Millisecond,
		MergeTolerance:  time.Duration(cfg.Sync.MergeToleranceSeconds) * time.Second,
	}, accounts, sessionFactory(cfg))

	logger.Info("tgsync starting", "version", version, "accounts", len(accounts), "store", cfg.Store.BaseURL)

	err = superviseEngine(ctx, cfg, func(ctx context.Context) error {
		err := scheduler.Run(ctx)
		stop()
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tgsync stopped")
	return nil
}

// superviseEngine runs the engine next to the metrics endpoint. The endpoint
// only observes the engine: if it cannot serve, the failure is logged and the
// engine keeps running. The endpoint is shut down once run returns.
func superviseEngine(ctx context.Context, cfg *config.Config, run func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			err := metrics.Serve(ctx, metrics.ServerConfig{
				Listen:    cfg.Metrics.Listen,
				Path:      cfg.Metrics.Path,
				Collector: metrics.Collector,
				Logger:    logger.With("component", "metrics"),
			})
			if err != nil {
				logger.Error("metrics endpoint unavailable, sync continues", "addr", cfg.Metrics.Listen, "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return run(ctx)
	})
	return g.Wait()
}

func newStoreClient(cfg *config.Config) *store.Client {
	return store.NewClient(store.ClientConfig{
		BaseURL:    cfg.Store.BaseURL,
		HTTPClient: store.SharedHTTPClient(cfg.StoreTimeout()),
		MaxRetries: cfg.Store.MaxRetries,
		Logger:     logger.With("component", "store"),
	})
}

// sessionFactory opens Telegram sessions for configured accounts.
func sessionFactory(cfg *config.Config) domain.SessionFactory {
	return func(ctx context.Context, accountID string) (domain.Session, error) {
		acc, ok := cfg.Account(accountID)
		if !ok {
			return nil, fmt.Errorf("account %s is not configured", accountID)
		}
		sess, err := telegram.Open(ctx, telegram.Config{
			AccountID:   acc.ID,
			Token:       acc.Token,
			APIEndpoint: cfg.Telegram.APIEndpoint,
			SessionDir:  cfg.Telegram.SessionDir,
			HTTPClient:  &http.Client{Timeout: 2 * time.Minute},
			Logger:      logger.With("component", "telegram", "account", acc.ID),
		})
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and show configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. sync.tickIntervalSeconds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. sync.tickIntervalSeconds 5)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config with tokens masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
