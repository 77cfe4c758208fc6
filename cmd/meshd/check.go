package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var errCheckFailed = errors.New("sanity check failed")

func newCheckCmd(f *rootFlags) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and check that model weights exist",
		Long: "check loads and validates the configuration, builds every model and reports\n" +
			"missing weights and features no model serves. No GPU work is done.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig(os.LookupEnv)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, zerolog.Nop(), false)
			if err != nil {
				return err
			}
			report := a.mgr.SanityCheck()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if strict && !report.OK {
				return errCheckFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when any model's weights are missing")
	return cmd
}
