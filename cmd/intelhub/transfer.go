package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sleepysoft/intelhub/config"
	"github.com/sleepysoft/intelhub/internal/transfer"
)

func exportCMD() *cobra.Command {
	var format string
	var outPath string

	cmd := &cobra.Command{
		Use:   "export <partition>",
		Short: "Export a partition to NDJSON or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath(cmd))
			ctx, cancel := signalContext()
			defer cancel()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.DB.Close() }()

			out := os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				defer func() { _ = f.Close() }()
				out = f
			}

			n, err := transfer.Export(ctx, st, args[0], format, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "exported %d items from %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", transfer.FormatNDJSON, "ndjson or json")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	return cmd
}

func importCMD() *cobra.Command {
	var inPath string

	cmd := &cobra.Command{
		Use:   "import <partition>",
		Short: "Import items into a partition from NDJSON or a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath(cmd))
			ctx, cancel := signalContext()
			defer cancel()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.DB.Close() }()

			in := os.Stdin
			if inPath != "" {
				f, err := os.Open(inPath)
				if err != nil {
					return fmt.Errorf("open %s: %w", inPath, err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}

			stats, err := transfer.Import(ctx, st, args[0], in)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "imported %d items into %s (%d skipped)\n", stats.Imported, args[0], stats.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVarP(&inPath, "in", "i", "", "input file (default stdin)")
	return cmd
}
