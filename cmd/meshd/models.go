package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newModelsCmd(f *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List configured models and GPUs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig(os.LookupEnv)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, zerolog.Nop(), false)
			if err != nil {
				return err
			}
			models, gpus := a.mgr.ListModels(), a.mgr.GPUs()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"models": models, "gpus": gpus})
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFEATURE\tVRAM_MB\tCONCURRENCY\tDEFAULT\tFORMATS")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%t\t%s -> %s\n", m.ID, m.FeatureType, m.VRAMBytes>>20, m.MaxConcurrency, m.Default,
					strings.Join(m.InputFormats, ","), strings.Join(m.OutputFormats, ","))
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "GPU\tNAME\tVRAM_MB")
			for _, g := range gpus {
				fmt.Fprintf(tw, "%d\t%s\t%d\n", g.ID, g.Name, g.TotalVRAMBytes>>20)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
