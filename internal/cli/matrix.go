package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/model"
)

func newMatrixCommand() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "List the prepare and test cells a trigger expands to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			kind, ok := model.ParseTriggerKind(trigger)
			if !ok {
				return shipyarderrors.Configf("invalid trigger %q (want one of %s)", trigger, strings.Join(model.ValidTriggerKinds(), ", "))
			}

			cells := definition(a.cfg).Cells(kind)
			rows := make([][]string, 0, len(cells))
			for _, cell := range cells {
				cmd := cell.Command
				rows = append(rows, []string{
					cell.ID(),
					strconv.FormatBool(cell.Platform.Primary),
					strconv.Itoa(cmd.AttemptsOn(cell.Platform.Name)),
					cmd.Timeout().String(),
					cacheMode(cmd),
					strconv.FormatBool(!cell.Platform.Primary && cmd.IgnoreErrorOnSecondaryPlatform),
				})
			}
			a.out.Table([]string{"cell", "primary", "attempts", "timeout", "cache", "tolerated"}, rows)
			a.out.SummaryItem("Cells", strconv.Itoa(len(cells)))
			if kind == model.TriggerPullRequest {
				a.out.Hint("The test stage is skipped for %s triggers.", kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", string(model.TriggerSchedule), "trigger kind the exclusions are evaluated for")
	_ = cmd.RegisterFlagCompletionFunc("trigger", fixedCompletion(model.ValidTriggerKinds()...))
	return cmd
}

func cacheMode(cmd model.TestCommand) string {
	switch {
	case cmd.RestoresCache && cmd.SavesCache:
		return "restore, save"
	case cmd.RestoresCache:
		return "restore"
	case cmd.SavesCache:
		return "save"
	default:
		return "-"
	}
}
