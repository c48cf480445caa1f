package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.trai.ch/zb/internal/app"
	"go.trai.ch/zb/internal/ui/style"
)

func (c *CLI) newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove store entries no installed package uses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			cellar, _ := cmd.Flags().GetBool("cellar")

			report, err := c.app.GC(cmd.Context(), app.GCOptions{DryRun: dryRun, Cellar: cellar})
			if err != nil {
				return err
			}
			if !report.DryRun {
				return nil
			}

			out := cmd.OutOrStdout()
			for _, key := range report.Removed {
				_, _ = fmt.Fprintf(out, "%s %s\n", style.Muted.Render(style.Dot), key.String())
			}
			for _, keg := range report.OrphanKegs {
				_, _ = fmt.Fprintf(out, "%s %s\n", style.Muted.Render(style.Circle), keg.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolP("dry-run", "n", false, "Report what would be removed without deleting anything")
	cmd.Flags().Bool("cellar", false, "Also remove Cellar entries no install record refers to")
	return cmd
}
