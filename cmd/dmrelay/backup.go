package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"dmrelay/internal/config"

	"github.com/spf13/cobra"
)

// archiveEntry pairs a fixed name inside the archive with its location on disk.
type archiveEntry struct {
	Name string
	Path string
}

// dataEntries lists what a backup holds: the config file, the chat log and
// the accounts database with its WAL side files.
func dataEntries(cfgPath string, cfg *config.Config) []archiveEntry {
	db := cfg.Storage.AccountsDB
	return []archiveEntry{
		{Name: "config" + filepath.Ext(cfgPath), Path: cfgPath},
		{Name: "chats.jsonl", Path: cfg.Storage.ChatLogPath},
		{Name: "accounts.db", Path: db},
		{Name: "accounts.db-wal", Path: db + "-wal"},
		{Name: "accounts.db-shm", Path: db + "-shm"},
	}
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the config, chat log and accounts database",
		Long: `Creates a compressed .tar.gz archive containing the config file, the
JSONL chat log and the SQLite accounts database. The relay should be stopped
so the log and database are consistent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := loadConfigOrDefaults(cfgPath)

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("dmrelay-backup-%s.tar.gz", ts))
			}

			var present []archiveEntry
			for _, e := range dataEntries(cfgPath, cfg) {
				if _, err := os.Stat(e.Path); err == nil {
					present = append(present, e)
				}
			}
			if len(present) == 0 {
				return fmt.Errorf("nothing to back up (config: %s, chats: %s, accounts: %s)",
					cfgPath, cfg.Storage.ChatLogPath, cfg.Storage.AccountsDB)
			}

			if err := createArchive(outputPath, present); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(present))
			for _, e := range present {
				var size int64
				if info, err := os.Stat(e.Path); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", e.Name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.dmrelay/backups/dmrelay-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the config, chat log and accounts database from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := loadConfigOrDefaults(cfgPath)
			entries := dataEntries(cfgPath, cfg)

			if !force {
				for _, e := range entries {
					if _, err := os.Stat(e.Path); err == nil {
						fmt.Printf("WARNING: %s exists and would be overwritten.\n", e.Path)
						fmt.Printf("Use --force to proceed.\n")
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractArchive(args[0], entries)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, p := range restored {
				fmt.Printf("  - %s\n", p)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// createArchive writes entries into a .tar.gz at outputPath.
func createArchive(outputPath string, entries []archiveEntry) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.Path, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Sync()
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	file, err := os.Open(e.Path)
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
	header.Name = e.Name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractArchive restores every archive member that matches an entry name.
// Unknown members are skipped so a crafted archive cannot write elsewhere.
func extractArchive(archivePath string, entries []archiveEntry) ([]string, error) {
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

	targets := make(map[string]string, len(entries))
	for _, e := range entries {
		targets[e.Name] = e.Path
	}

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		targetPath, ok := targets[filepath.Base(header.Name)]
		if !ok {
			fmt.Printf("  skipping unknown archive member %s\n", header.Name)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		if err := writeFile(targetPath, tarReader); err != nil {
			return nil, err
		}
		restored = append(restored, targetPath)
	}
	return restored, nil
}

func writeFile(path string, r io.Reader) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return out.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
