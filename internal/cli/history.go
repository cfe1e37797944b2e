package cli

import (
	"errors"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/matrix"
	"github.com/AndreyAkinshin/shipyard/internal/state"
)

func newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs, or the cells of one run",
		Example: `  shipyard history --limit 10
  shipyard history 6f1c2a9e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			ctx := cmd.Context()
			store, err := openState(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if len(args) == 1 {
				return showRun(cmd, store, args[0])
			}

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				a.out.Println("No runs recorded.")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID,
					r.StartedAt.Format(time.DateTime),
					r.Trigger,
					r.Branch,
					string(r.Status),
					dash(r.Verdict),
					dash(r.Tag),
					dryRunLabel(r.DryRun),
				})
			}
			a.out.Table([]string{"id", "started", "trigger", "branch", "status", "verdict", "tag", "mode"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 for all)")
	return cmd
}

func showRun(cmd *cobra.Command, store *state.Store, id string) error {
	a := appFrom(cmd)
	ctx := cmd.Context()

	run, err := store.GetRun(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return shipyarderrors.Configf("no run with ID %s", id)
	}
	if err != nil {
		return err
	}

	a.out.SummaryHeader("Run " + run.ID)
	a.out.SummaryItem("Trigger", run.Trigger)
	a.out.SummaryItem("Branch", run.Branch)
	a.out.SummaryItem("Actor", dash(run.Actor))
	a.out.SummaryItem("External run", run.ExternalRunID+" attempt "+strconv.Itoa(run.RunAttempt))
	a.out.SummaryItem("Status", string(run.Status))
	a.out.SummaryItem("Verdict", dash(run.Verdict))
	if run.Version != "" {
		a.out.SummaryItem("Version", run.Version+" ("+run.Tag+")")
	}
	if run.FailedStep != "" {
		a.out.SummaryItem("Failed step", run.FailedStep)
	}
	if run.Error != "" {
		a.out.SummaryItem("Error", run.Error)
	}
	if run.SupersededBy != "" {
		a.out.SummaryItem("Superseded by", run.SupersededBy)
	}
	if run.CompletedAt != nil {
		a.out.SummaryItem("Duration", matrix.FormatDuration(run.CompletedAt.Sub(run.StartedAt)))
	}

	cells, err := store.CellResults(ctx, id)
	if err != nil {
		return err
	}
	if len(cells) == 0 {
		return nil
	}
	a.out.Println("")
	rows := make([][]string, 0, len(cells))
	for _, c := range cells {
		outcome := c.Outcome
		switch {
		case c.Skipped:
			outcome = "skipped"
		case c.Tolerated && c.Outcome != "success":
			outcome += " (tolerated)"
		}
		rows = append(rows, []string{c.CellID, outcome, strconv.Itoa(c.Attempts), dash(c.CacheKey), matrix.FormatDuration(c.Duration)})
	}
	a.out.Table([]string{"cell", "outcome", "attempts", "cache key", "duration"}, rows)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func dryRunLabel(dryRun bool) string {
	if dryRun {
		return "dry run"
	}
	return "live"
}
