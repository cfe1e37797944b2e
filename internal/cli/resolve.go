package cli

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AndreyAkinshin/shipyard/internal/release"
)

func newResolveCommand() *cobra.Command {
	flags := &triggerFlags{}
	var export bool
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the run variables a trigger resolves to",
		Long: `Resolve the run variables for a trigger and its overrides without running
anything. With --export the variables are printed as a sourceable shell
script, the same one a run writes for the prepare step.`,
		Example: `  shipyard resolve --trigger workflow_dispatch --branch develop --skip-test
  eval "$(shipyard resolve --trigger schedule --branch develop --export)"`,
		Annotations: map[string]string{"config": "optional"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := appFrom(cmd).out
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			rc, err := flags.runContext(cmd.Context(), wd)
			if err != nil {
				return err
			}

			if export {
				out.Print("%s", release.RenderEnvScript(rc))
				return nil
			}

			env := rc.Env()
			rows := make([][]string, 0, len(env))
			for _, k := range rc.EnvKeys() {
				rows = append(rows, []string{k, env[k]})
			}
			out.Table([]string{"variable", "value"}, rows)
			out.Println("")
			out.SummaryItem("Release intent", strconv.FormatBool(rc.ReleaseIntent()))
			out.SummaryItem("Concurrency key", rc.ConcurrencyKey())
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&export, "export", false, "print a sourceable shell script")
	return cmd
}
