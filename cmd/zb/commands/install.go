package commands

import (
	"github.com/spf13/cobra"
	"go.trai.ch/zb/internal/app"
)

func (c *CLI) newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install [packages...]",
		Short: "Install packages and their dependencies",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				// Display command usage help without returning an error
				_ = cmd.Help()
				return nil
			}
			noLink, _ := cmd.Flags().GetBool("no-link")
			fromSource, _ := cmd.Flags().GetBool("build-from-source")
			reinstall, _ := cmd.Flags().GetBool("reinstall")
			quiet, _ := cmd.Flags().GetBool("quiet")

			summary, err := c.app.Install(cmd.Context(), args, app.InstallOptions{
				NoLink:          noLink,
				BuildFromSource: fromSource,
				Reinstall:       reinstall,
				Quiet:           quiet,
			})
			if summary != nil {
				printSummary(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}
	cmd.Flags().Bool("no-link", false, "Install into the Cellar without linking into the prefix")
	cmd.Flags().BoolP("build-from-source", "s", false, "Build packages from source instead of pouring bottles")
	cmd.Flags().Bool("reinstall", false, "Install requested packages again even if they are up to date")
	cmd.Flags().BoolP("quiet", "q", false, "Do not print progress")
	return cmd
}
