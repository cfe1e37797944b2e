package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with the pipeline file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline file",
		Long: `Load the pipeline file with every configuration layer applied and check it
against the schema and the semantic rules. Warnings are printed but do not
fail validation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			cfg := a.cfg
			a.out.ValidationSuccess("%s is valid", cfg.File)
			a.out.SummaryItem("Platforms", strconv.Itoa(len(cfg.Platforms)))
			a.out.SummaryItem("Primary platform", dash(cfg.PrimaryPlatform()))
			a.out.SummaryItem("Tests", strconv.Itoa(len(cfg.Tests)))
			a.out.SummaryItem("Exclusions", strconv.Itoa(len(cfg.Exclusions)))
			a.out.SummaryItem("Cache backend", cfg.Cache.Backend)
			a.out.SummaryItem("State", cfg.StatePath)
			return nil
		},
	})
	return cmd
}
