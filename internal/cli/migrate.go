package cli

import (
	"context"
	"fmt"

	"github.com/harun/tabula/pkg/registry"
	"github.com/harun/tabula/pkg/store/bolt"
	"github.com/spf13/cobra"
)

var (
	migrateFromDir     string
	migrateToDir       string
	migrateToURI       string
	migrateToLibrary   string
	migrateToEndpoints []string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move every session out of a durable store",
	Long: `Move every session from the durable store in --from-dir into another
backend: a second durable store (--to-dir), a columnar store (--to-uri with
an optional --library) or an etcd cluster (--to-endpoints). The source store
is emptied once the target holds every session; on failure it is left as
it was.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateFromDir, "from-dir", "", "source durable store directory")
	migrateCmd.Flags().StringVar(&migrateToDir, "to-dir", "", "target durable store directory")
	migrateCmd.Flags().StringVar(&migrateToURI, "to-uri", "", "target columnar store (parquet://dir or sqlite://file)")
	migrateCmd.Flags().StringVar(&migrateToLibrary, "library", "", "target columnar library")
	migrateCmd.Flags().StringSliceVar(&migrateToEndpoints, "to-endpoints", nil, "target etcd endpoints")
	_ = migrateCmd.MarkFlagRequired("from-dir")
	migrateCmd.MarkFlagsMutuallyExclusive("to-dir", "to-uri", "to-endpoints")
	migrateCmd.MarkFlagsOneRequired("to-dir", "to-uri", "to-endpoints")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := bolt.Open(migrateFromDir, bolt.Options{})
	if err != nil {
		return fmt.Errorf("failed to open source store: %w", err)
	}
	reg, err := registry.New(ctx, a)
	if err != nil {
		a.Close()
		return err
	}
	defer reg.Close()

	size, err := reg.Size(ctx)
	if err != nil {
		return err
	}

	switch {
	case migrateToDir != "":
		err = reg.UseDurableFile(ctx, migrateToDir)
	case migrateToURI != "":
		err = reg.UseColumnarDatabase(ctx, migrateToURI, migrateToLibrary)
	default:
		err = reg.UseDistributedCache(ctx, migrateToEndpoints)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Moved %d sessions to %s\n", size, reg.Backend())
	return nil
}
