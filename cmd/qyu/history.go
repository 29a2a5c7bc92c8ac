package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"qyu/internal/app"
	logx "qyu/pkg/logx"

	"github.com/spf13/cobra"
)

func historyCmd(cfgPath *string) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent job outcomes from the journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be > 0")
			}
			st, err := app.OpenJournal(*cfgPath, logx.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			recent, err := st.RecentOutcomes(ctx, limit)
			if err != nil {
				return fmt.Errorf("read outcomes: %w", err)
			}
			totals, err := st.Totals(ctx)
			if err != nil {
				return fmt.Errorf("read totals: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"totals": totals, "recent": recent})
			}

			fmt.Fprintf(out, "succeeded=%d failed=%d stale=%d windows=%d processed=%d\n\n",
				totals.Succeeded, totals.Failed, totals.Stale, totals.Windows, totals.Processed)
			if len(recent) == 0 {
				fmt.Fprintln(out, "no outcomes recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tJOB\tPRIO\tRESULT\tTOOK")
			for _, o := range recent {
				result := "ok"
				if !o.OK {
					result = "failed: " + o.Error
				}
				if o.Stale {
					result += " (stale)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					o.At.Local().Format(time.DateTime), o.JobID, o.Priority, result,
					time.Duration(o.TookMS)*time.Millisecond)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of outcomes to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
