package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"tgsync/internal/config"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: store → media → account → save config",
		Long:  "Guides you through the Message Store URL, the media root, and one account credential. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(cmd.InOrStdin(), cmd.OutOrStdout(), resolveConfigPath())
		},
	}
}

func runWizard(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	fmt.Fprintln(out, "\n--- Step 1: Message Store ---")
	if cfg.Store.BaseURL, err = prompt("Store API base URL", cfg.Store.BaseURL); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Step 2: Media ---")
	if cfg.Media.Root, err = prompt("Directory Store media paths are relative to", cfg.Media.Root); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Step 3: Account ---")
	var acc config.AccountConfig
	if len(cfg.Accounts) > 0 {
		acc = cfg.Accounts[0]
	}
	if acc.ID, err = prompt("Account identifier (phone number)", acc.ID); err != nil {
		return err
	}
	def := ""
	if acc.Token != "" {
		def = "keep current"
	}
	token, err := prompt("Session token (or ${ENV_VAR})", def)
	if err != nil {
		return err
	}
	if token != "keep current" {
		acc.Token = token
	}
	if len(cfg.Accounts) > 0 {
		cfg.Accounts[0] = acc
	} else {
		cfg.Accounts = append(cfg.Accounts, acc)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintf(out, "\nConfig saved to %s\nRun 'tgsync check' to verify the setup.\n", cfgPath)
	return nil
}
