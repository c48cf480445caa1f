package commands

import (
	"github.com/spf13/cobra"
	"go.trai.ch/zb/internal/app"
)

func (c *CLI) newUninstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "uninstall [packages...]",
		Aliases: []string{"remove", "rm"},
		Short:   "Remove installed packages",
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			ignoreDeps, _ := cmd.Flags().GetBool("ignore-dependencies")
			if len(args) == 0 && !all {
				_ = cmd.Help()
				return nil
			}

			summary, err := c.app.Uninstall(cmd.Context(), args, app.UninstallOptions{
				All:                all,
				IgnoreDependencies: ignoreDeps,
			})
			if summary != nil {
				printSummary(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}
	cmd.Flags().BoolP("all", "a", false, "Remove every installed package")
	cmd.Flags().Bool("ignore-dependencies", false, "Remove packages even if installed packages depend on them")
	return cmd
}
