package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newRollupCmd(e *env) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Aggregate one UTC day of usage metrics into daily rollups",
		Long: `Aggregate one UTC day of usage metrics into daily rollups.

Re-running a day replaces its rollups. Without --date the previous UTC day
is aggregated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if date == "" {
				date = a.aggregator.DefaultDate()
			}
			rows, err := a.aggregator.AggregateDaily(cmd.Context(), date)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "MODEL\tOPERATION\tPROVIDER\tREQUESTS\tHIT RATE\tP95 MS\tTOKENS\tCOST USD\n")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f%%\t%d\t%s\t%.4f\n",
					r.Model, r.Operation, r.Provider,
					humanize.Comma(r.TotalRequests),
					r.HitRate*100,
					r.P95LatencyMs,
					humanize.Comma(r.TotalTokens),
					r.EstimatedCostUSD)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d groups\n", date, len(rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC day to aggregate (YYYY-MM-DD)")
	return cmd
}
