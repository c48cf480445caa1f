package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.trai.ch/zb/internal/core/domain"
	"go.trai.ch/zb/internal/ui/style"
)

// printSummary writes one line per package followed by the totals.
func printSummary(w io.Writer, s *domain.Summary) {
	if len(s.Results) == 0 {
		return
	}

	width := 0
	for _, r := range s.Results {
		width = max(width, lipgloss.Width(r.Name))
	}
	name := style.Column(width + 1)

	for _, r := range s.Results {
		line := fmt.Sprintf("%s %s", statusIcon(r.Status), name.Render(style.Name.Render(r.Name)))
		if r.Version != "" {
			line += style.Muted.Render(r.Version) + " "
		}
		line += r.Status.String()
		if r.Err != nil && r.Status.Failed() {
			line += ": " + r.Err.Error()
		}
		_, _ = fmt.Fprintln(w, line)
	}

	_, _ = fmt.Fprintln(w, totals(s))
}

func statusIcon(s domain.Status) string {
	switch s {
	case domain.StatusInstalled, domain.StatusUpgraded, domain.StatusRemoved:
		return style.Success.Render(style.Check)
	case domain.StatusFailed:
		return style.Failure.Render(style.Cross)
	case domain.StatusSkipped:
		return style.Notice.Render(style.Warning)
	default:
		return style.Muted.Render(style.Dot)
	}
}

func totals(s *domain.Summary) string {
	var parts []string
	for _, status := range []domain.Status{
		domain.StatusInstalled,
		domain.StatusUpgraded,
		domain.StatusAlreadyInstalled,
		domain.StatusRemoved,
		domain.StatusFailed,
		domain.StatusSkipped,
	} {
		if n := s.Count(status); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	return style.Muted.Render(strings.Join(parts, ", "))
}
