// Package style is the CLI's lipgloss styling: shared text styles, state
// badges and table rendering for one-shot commands.
package style

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/jpatrickfarrell/jat-sub014/internal/classify"
)

// Shared text styles.
var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Dim     = lipgloss.NewStyle().Faint(true)
	Header  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	ErrText = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	OkText  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// stateStyles colors session lifecycle states for `jat list`.
var stateStyles = map[classify.State]lipgloss.Style{
	classify.StatePending:    Dim,
	classify.StateNamed:      lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
	classify.StateStarting:   lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
	classify.StateWorking:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	classify.StateIdle:       lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	classify.StateNeedsInput: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
	classify.StateReview:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
	classify.StateCompleting: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	classify.StateCompleted:  OkText,
	classify.StateCompacting: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	classify.StateKilled:     ErrText,
	classify.StateDead:       ErrText,
}

// State renders a session state with its badge color.
func State(s classify.State) string {
	if st, ok := stateStyles[s]; ok {
		return st.Render(string(s))
	}
	return string(s)
}
