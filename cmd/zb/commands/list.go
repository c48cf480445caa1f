package commands

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/ui/style"
)

const dateLayout = "2006-01-02"

func (c *CLI) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed packages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := c.app.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				_, _ = fmt.Fprintln(out, style.Muted.Render("No packages installed."))
				return nil
			}

			nameWidth, versionWidth := len("NAME"), len("VERSION")
			for _, rec := range records {
				nameWidth = max(nameWidth, lipgloss.Width(rec.Name))
				versionWidth = max(versionWidth, lipgloss.Width(rec.Version))
			}
			nameCol := style.Column(nameWidth + 1)
			versionCol := style.Column(versionWidth + 1)
			dateCol := style.Column(len(dateLayout) + 1)

			_, _ = fmt.Fprintln(out, style.Muted.Render(lipgloss.JoinHorizontal(lipgloss.Top,
				nameCol.Render("NAME"), versionCol.Render("VERSION"), dateCol.Render("INSTALLED"), "NOTES")))
			for _, rec := range records {
				_, _ = fmt.Fprintln(out, lipgloss.JoinHorizontal(lipgloss.Top,
					nameCol.Render(rec.Name),
					versionCol.Render(rec.Version),
					dateCol.Render(rec.InstalledAt.Local().Format(dateLayout)),
					style.Muted.Render(notes(rec)),
				))
			}
			return nil
		},
	}
}

func notes(rec domain.InstallRecord) string {
	switch {
	case rec.KegOnly:
		return "keg-only"
	case !rec.Linked:
		return "not linked"
	default:
		return ""
	}
}
