package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/harun/tabula/pkg/registry"
	"github.com/harun/tabula/pkg/store/columnar"
	"github.com/spf13/cobra"
)

var (
	symbolsURI     string
	symbolsLibrary string
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "List libraries and symbols of a columnar store",
	Long: `List the libraries of a columnar store and, for one library, every
symbol with its row count, column count and large flag.`,
	RunE: runSymbols,
}

func init() {
	symbolsCmd.Flags().StringVar(&symbolsURI, "uri", "", "columnar store (parquet://dir, sqlite://file or a directory)")
	symbolsCmd.Flags().StringVar(&symbolsLibrary, "library", "", "library to list (default: first library)")
	_ = symbolsCmd.MarkFlagRequired("uri")
	rootCmd.AddCommand(symbolsCmd)
}

func runSymbols(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	a, err := columnar.Open(ctx, symbolsURI, symbolsLibrary, columnar.Options{})
	if err != nil {
		return err
	}
	reg, err := registry.New(ctx, a)
	if err != nil {
		a.Close()
		return err
	}
	defer reg.Close()

	libs, err := a.Libraries(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Libraries: %d\n", len(libs))
	for _, lib := range libs {
		marker := " "
		if lib == reg.Library() {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, lib)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tROWS\tCOLS\tLARGE")
	for _, sym := range a.Symbols() {
		s, err := reg.Session(ctx, sym)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%v\t%d\t%t\n", sym, s.Metadata["rows"], len(s.Dtypes), s.Large)
	}
	return w.Flush()
}
