package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Styles for human-facing output. When stdout is not a terminal lipgloss
// degrades to plain text on its own, but prompts are suppressed explicitly.
var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Faint(true)
	valueStyle  = lipgloss.NewStyle()
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// isTTY reports whether stdin and stdout are attached to a terminal.
// Interactive prompts (import conflict resolution) require both.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// kv renders one aligned label/value row.
func kv(label string, value any) string {
	return fmt.Sprintf("%s %s", labelStyle.Render(fmt.Sprintf("%-22s", label)), valueStyle.Render(fmt.Sprint(value)))
}

// humanBytes renders a byte count the way humans read sizes.
func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
