package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/tabula/internal/config"
	"github.com/spf13/cobra"
)

var (
	initForce     bool
	initBackend   string
	initEndpoints []string
	initURI       string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file with default values to the path named by
--config, or $HOME/.tabula/tabula.json. The data directory defaults to the
directory holding the file. An existing file is kept unless --force is set.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	initCmd.Flags().StringVar(&initBackend, "backend", config.BackendMemory, "backend type (memory, bolt, etcd, columnar)")
	initCmd.Flags().StringSliceVar(&initEndpoints, "endpoints", nil, "etcd endpoints")
	initCmd.Flags().StringVar(&initURI, "uri", "", "columnar store URI")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine config path; pass --config")
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Dir(path)
	cfg.Backend.Type = initBackend
	cfg.Backend.Endpoints = initEndpoints
	cfg.Backend.URI = initURI
	if cfg.Backend.Type == config.BackendBolt {
		cfg.Backend.Dir = filepath.Join(cfg.DataDir, "sessions")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
