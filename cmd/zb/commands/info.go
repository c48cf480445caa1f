package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.trai.ch/zb/internal/ui/style"
)

func (c *CLI) newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <package>",
		Short: "Show details of an installed package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.app.Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			rec := info.Record
			out := cmd.OutOrStdout()
			label := style.Column(len("Dependencies:") + 1).Inherit(style.Muted)

			_, _ = fmt.Fprintf(out, "%s %s\n", style.Name.Render(rec.Name), rec.Version)
			row := func(key, value string) {
				_, _ = fmt.Fprintf(out, "  %s%s\n", label.Render(key+":"), value)
			}
			row("Cellar", info.KegPath)
			row("Store key", rec.StoreKey.String())
			row("Installed", rec.InstalledAt.Local().Format("2006-01-02 15:04:05"))
			row("Linked", linkState(rec.Linked, rec.KegOnly, len(rec.LinkedFiles)))
			row("Dependencies", joinOrNone(rec.Dependencies))
			row("Required by", joinOrNone(info.Dependents))
			return nil
		},
	}
}

func linkState(linked, kegOnly bool, files int) string {
	switch {
	case !linked:
		return "no"
	case kegOnly:
		return "opt link only (keg-only)"
	default:
		return fmt.Sprintf("yes (%d links)", files)
	}
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
