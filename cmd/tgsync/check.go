package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"tgsync/internal/config"
)

// checker counts and prints diagnostic results.
type checker struct {
	out                    io.Writer
	passed, failed, warned int
}

func (c *checker) pass(check, detail string) {
	c.passed++
	fmt.Fprintf(c.out, "  [PASS] %-20s %s\n", check, detail)
}

func (c *checker) fail(check, detail string) {
	c.failed++
	fmt.Fprintf(c.out, "  [FAIL] %-20s %s\n", check, detail)
}

func (c *checker) warn(check, detail string) {
	c.warned++
	fmt.Fprintf(c.out, "  [WARN] %-20s %s\n", check, detail)
}

func checkCmd() *cobra.Command {
	var skipTelegram bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run diagnostic checks on the tgsync setup",
		Long: `Verifies that the configuration loads, the Message Store answers,
every enabled account can open its Telegram session, and the media
directory is writable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tgsync check v%s\n\n", version)

			c := &checker{out: out}
			cfg := runChecks(cmd.Context(), c, cfgPath, skipTelegram)

			fmt.Fprintf(out, "\nResults: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
			if cfg == nil {
				fmt.Fprintf(out, "\nRun 'tgsync init' to create a default configuration.\n")
			}
			if c.failed > 0 {
				return fmt.Errorf("%d check(s) failed", c.failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipTelegram, "skip-telegram", false, "do not contact Telegram")
	return cmd
}

// runChecks returns the loaded config, or nil when it could not be loaded.
func runChecks(ctx context.Context, c *checker, cfgPath string, skipTelegram bool) *config.Config {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := os.Stat(cfgPath); err != nil {
		c.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
		return nil
	}
	c.pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		c.fail("Config validation", err.Error())
		return nil
	}
	c.pass("Config validation", "valid")

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = newStoreClient(cfg).Ping(pingCtx)
	cancel()
	if err != nil {
		c.fail("Message Store", err.Error())
	} else {
		c.pass("Message Store", cfg.Store.BaseURL)
	}

	if err := checkWritable(cfg.MediaDir()); err != nil {
		c.fail("Media directory", err.Error())
	} else {
		c.pass("Media directory", cfg.MediaDir())
	}

	accounts := cfg.EnabledAccounts()
	if len(accounts) == 0 {
		c.fail("Accounts", "no accounts enabled")
	}
	open := sessionFactory(cfg)
	for _, acc := range accounts {
		name := "Account " + acc.ID
		if skipTelegram {
			c.warn(name, "not contacted (--skip-telegram)")
			continue
		}
		openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		sess, err := open(openCtx, acc.ID)
		cancel()
		if err != nil {
			c.fail(name, err.Error())
			continue
		}
		c.pass(name, "session ok")
		sess.Close()
	}

	if cfg.Metrics.Enabled {
		if err := checkListen(cfg.Metrics.Listen); err != nil {
			c.warn("Metrics listener", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
		} else {
			c.pass("Metrics listener", cfg.Metrics.Listen+" available")
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			c.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			c.pass("Log file", cfg.General.LogFile)
		}
	}
	return cfg
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".tgsync-check-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
