package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AndreyAkinshin/shipyard/internal/cache"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the build cache",
	}
	cmd.AddCommand(newCacheListCommand(), newCachePruneCommand())
	return cmd
}

func newCacheListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cache entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			ctx := cmd.Context()
			store, err := openState(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			c, err := newCache(ctx, a.cfg, store, a.cfg.ProjectRoot, a)
			if err != nil {
				return err
			}
			entries, err := c.List(ctx)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				a.out.Println("No cache entries.")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			var total int64
			for _, e := range entries {
				restored := "-"
				if e.LastRestoredAt != nil {
					restored = e.LastRestoredAt.Format(time.DateTime)
				}
				files := "-"
				if m, err := cache.DecodeManifest(e.Manifest); err == nil {
					files = strconv.Itoa(m.Files)
				}
				rows = append(rows, []string{
					e.Key,
					e.Digest[:min(12, len(e.Digest))],
					formatBytes(e.Size),
					files,
					e.CreatedAt.Format(time.DateTime),
					restored,
				})
				total += e.Size
			}
			a.out.Table([]string{"key", "digest", "size", "files", "saved", "last restored"}, rows)
			a.out.SummaryItem("Entries", strconv.Itoa(len(entries)))
			a.out.SummaryItem("Total", formatBytes(total))
			return nil
		},
	}
}

func newCachePruneCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete entries not saved or restored recently",
		Example: `  shipyard cache prune --older-than 168h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			ctx := cmd.Context()
			store, err := openState(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			c, err := newCache(ctx, a.cfg, store, a.cfg.ProjectRoot, a)
			if err != nil {
				return err
			}
			res, err := c.Prune(ctx, olderThan)
			if err != nil {
				return err
			}
			a.out.Success("Pruned %d entries and %d blobs (%s) older than %s",
				res.Entries, res.Blobs, formatBytes(res.Bytes), olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age after which unused entries are deleted")
	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(n)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}
