// Command hoard backs up personal projects: files and databases into
// timestamped snapshots with verification, tiered retention, and failure
// escalation.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hoard-backup/hoard/internal/config"
)

var (
	configPath string
	targetFlag string
)

func main() {
	root := &cobra.Command{
		Use:           "hoard",
		Short:         "Backup orchestrator for personal projects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config file")
	root.PersistentFlags().StringVar(&targetFlag, "target", "", "override the configured target")

	root.AddCommand(
		newBackupCmd(),
		newDaemonCmd(),
		newVerifyCmd(),
		newPruneCmd(),
		newStatusCmd(),
		newListCmd(),
		newPinCmd(),
		newUnpinCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hoard:", err)
		os.Exit(2)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".hoard", "config.yaml")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == defaultConfigPath() {
		// The default path is optional; only an explicitly named file must
		// exist.
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if targetFlag != "" {
		cfg.Target = targetFlag
	}
	return cfg, nil
}
