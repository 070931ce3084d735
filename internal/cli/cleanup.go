package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/HanTheDev/welfare-ai-gateway/internal/maintenance"
)

func newCleanupCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run every retention and expiry job once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			counts, runErr := a.runner.RunAll(cmd.Context())
			out := cmd.OutOrStdout()
			for _, name := range maintenance.JobNames() {
				n, ok := counts[name]
				if !ok {
					fmt.Fprintf(out, "%-24s failed\n", name)
					continue
				}
				fmt.Fprintf(out, "%-24s %s deleted\n", name, humanize.Comma(n))
			}
			return runErr
		},
	}
}
