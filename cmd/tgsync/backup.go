package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tgsync/internal/config"
)

const sessionsPrefix = "sessions/"

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config and account session databases",
		Long: `Creates a compressed .tar.gz archive containing the config file and every
session database under telegram.sessionDir. The backup is timestamped by default.
Stop the service first so the session databases are consistent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("tgsync-backup-%s.tar.gz", ts))
			}

			entries, err := backupEntries(cfgPath, cfg.Telegram.SessionDir)
			if err != nil {
				return err
			}
			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(entries))
			for _, e := range entries {
				var size uint64
				if info, err := os.Stat(e.src); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", e.name, humanize.IBytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.tgsync/backups/tgsync-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the config and session databases from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Printf("WARNING: This will overwrite %s and its session databases.\n", cfgPath)
				fmt.Printf("Use --force to skip this warning.\n")
				return fmt.Errorf("restore aborted (use --force to proceed)")
			}

			restored, err := extractTarGz(args[0], cfgPath, sessionDirFor)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// sessionDirFor reads the session directory from a freshly restored config.
func sessionDirFor(cfgPath string) (string, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return "", fmt.Errorf("restored config: %w", err)
	}
	return cfg.Telegram.SessionDir, nil
}

type archiveEntry struct {
	src  string
	name string
}

// backupEntries lists the config file and the session databases with their
// write-ahead log files.
func backupEntries(cfgPath, sessionDir string) ([]archiveEntry, error) {
	if _, err := os.Stat(cfgPath); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	entries := []archiveEntry{{src: cfgPath, name: "config.json"}}

	dirEntries, err := os.ReadDir(sessionDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("session directory: %w", err)
	}
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !isSessionFile(name) {
			continue
		}
		entries = append(entries, archiveEntry{src: filepath.Join(sessionDir, name), name: sessionsPrefix + name})
	}
	return entries, nil
}

func isSessionFile(name string) bool {
	for _, suffix := range []string{".session", ".session-wal", ".session-shm"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// createTarGz creates a .tar.gz archive from the given entries.
func createTarGz(outputPath string, entries []archiveEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.src, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	file, err := os.Open(e.src)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz restores config.json to cfgPath first, then the session files
// into the session directory named by the restored config.
func extractTarGz(archivePath, cfgPath string, sessionDir func(cfgPath string) (string, error)) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	var sessDir string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		name := path.Clean(header.Name)
		var target string
		switch {
		case name == "config.json":
			target = cfgPath
		case strings.HasPrefix(name, sessionsPrefix):
			base := strings.TrimPrefix(name, sessionsPrefix)
			if strings.Contains(base, "/") || !isSessionFile(base) {
				return nil, fmt.Errorf("unexpected archive entry %q", header.Name)
			}
			if sessDir == "" {
				if sessDir, err = sessionDir(cfgPath); err != nil {
					return nil, fmt.Errorf("config.json must precede session files: %w", err)
				}
			}
			target = filepath.Join(sessDir, base)
		default:
			return nil, fmt.Errorf("unexpected archive entry %q", header.Name)
		}

		if err := writeFile(target, tarReader); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return out.Close()
}
