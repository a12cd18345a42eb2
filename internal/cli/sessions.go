package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/harun/tabula/pkg/registry"
	"github.com/harun/tabula/pkg/store/bolt"
	"github.com/spf13/cobra"
)

var sessionsDir string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect sessions in a durable store",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the sessions of a durable store",
	Long: `List every session in a durable store directory with its name, shape
and large flag. The store must not be open in a running daemon.`,
	RunE: runSessionsList,
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsDir, "dir", "", "durable store directory")
	_ = sessionsListCmd.MarkFlagRequired("dir")
	sessionsCmd.AddCommand(sessionsListCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := bolt.Open(sessionsDir, bolt.Options{})
	if err != nil {
		return fmt.Errorf("failed to open durable store: %w", err)
	}
	reg, err := registry.New(ctx, a)
	if err != nil {
		a.Close()
		return err
	}
	defer reg.Close()

	keys, err := reg.Keys(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROWS\tCOLS\tLARGE")
	for _, id := range keys {
		s, err := reg.Session(ctx, id)
		if err != nil {
			return err
		}
		data, err := s.LoadData(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\n", id, s.Name, data.NumRows(), data.NumCols(), s.Large)
	}
	return w.Flush()
}
