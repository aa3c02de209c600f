package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/phishguard/phishguard/internal/governance"
)

var (
	critStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // dim gray

	headerStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	detailStyle    = lipgloss.NewStyle().Padding(0, 1)
	separatorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// StatusFetch retrieves the current governance status.
type StatusFetch func() (*governance.Status, error)

// tickMsg triggers a status refresh.
type tickMsg time.Time

// statusMsg carries the result of one fetch.
type statusMsg struct {
	status *governance.Status
	err    error
}

// Model is the BubbleTea model for the governance watch TUI.
type Model struct {
	fetch    StatusFetch
	status   *governance.Status
	fetchErr error
	table    table.Model
	interval time.Duration
	at       time.Time
	width    int
	height   int
	quitting bool
}

// NewModel creates a watch model around a status fetcher.
func NewModel(fetch StatusFetch, interval time.Duration) *Model {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	cols := []table.Column{
		{Title: "BUDGET", Width: 24},
		{Title: "USAGE", Width: 14},
		{Title: "STATE", Width: 10},
	}

	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true).BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240"))
	s.Selected = s.Selected.Bold(true).
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("57"))

	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(8),
		table.WithStyles(s),
	)

	return &Model{
		fetch:    fetch,
		table:    t,
		interval: interval,
		width:    80,
		height:   24,
	}
}

// Init fetches the first status immediately.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), m.tickCmd())
}

func (m *Model) fetchCmd() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		st, err := fetch()
		return statusMsg{status: st, err: err}
	}
}

func (m *Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles key, tick, and fetch-result events.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		}
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())
	case statusMsg:
		m.status = msg.status
		m.fetchErr = msg.err
		m.at = time.Now()
		m.rebuildRows()
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the full TUI.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteByte('\n')
	b.WriteString(m.table.View())
	b.WriteByte('\n')
	b.WriteString(separatorStyle.Render(strings.Repeat("─", m.width)))
	b.WriteByte('\n')
	b.WriteString(m.detailView())
	b.WriteByte('\n')
	b.WriteString(dimStyle.Render(" q quit · r refresh · ↑↓/jk navigate"))
	return b.String()
}

func (m *Model) headerView() string {
	at := "(pending)"
	if !m.at.IsZero() {
		at = m.at.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	title := headerStyle.Render("phishguard governance · " + at)

	state := okStyle.Render("OPERATIONAL")
	if m.fetchErr != nil {
		state = warnStyle.Render("UNREACHABLE")
	} else if m.status != nil && m.status.IsFrozen {
		state = critStyle.Render("FROZEN")
	}

	extras := ""
	if m.status != nil {
		extras = fmt.Sprintf("  Overrides: %d  Calibration: %s",
			m.status.ActiveOverrides, m.status.Calibration)
	}
	return title + "\n" + headerStyle.Render(state+extras)
}

func (m *Model) detailView() string {
	if m.fetchErr != nil {
		return detailStyle.Render(critStyle.Render(fmt.Sprintf("Error: %v", m.fetchErr)))
	}
	if m.status == nil {
		return detailStyle.Render(dimStyle.Render("Waiting for first status..."))
	}

	var lines []string
	if m.status.IsFrozen {
		lines = append(lines,
			critStyle.Render(fmt.Sprintf("Frozen: %s", m.status.FreezeReason)),
			fmt.Sprintf("Incident: %s", m.status.IncidentID),
			fmt.Sprintf("Since: %s", m.status.FrozenAt),
		)
	}
	if m.status.WindowStart != "" {
		lines = append(lines, fmt.Sprintf("Budget window start: %s", m.status.WindowStart))
	}
	if len(lines) == 0 {
		return detailStyle.Render(dimStyle.Render("(no incidents)"))
	}
	return detailStyle.Render(strings.Join(lines, "\n"))
}

func (m *Model) rebuildRows() {
	if m.status == nil {
		m.table.SetRows(nil)
		return
	}
	m.table.SetRows(budgetRows(m.status))
}

// budgetRows converts budget usage to sorted table rows with plain text.
// Embedding ANSI in cells causes the table to miscalculate column widths.
func budgetRows(st *governance.Status) []table.Row {
	names := make([]string, 0, len(st.BudgetUsage))
	for name := range st.BudgetUsage {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		state := "ok"
		if st.BudgetExceeded[name] {
			state = "EXCEEDED"
		}
		rows = append(rows, table.Row{name, st.BudgetUsage[name], state})
	}
	return rows
}

// PlainText returns a non-interactive text representation for piped output.
func PlainText(st *governance.Status) string {
	if st == nil {
		return "No status.\n"
	}

	var b strings.Builder
	if st.IsFrozen {
		fmt.Fprintf(&b, "State: FROZEN (%s, incident %s)\n", st.FreezeReason, st.IncidentID)
		if st.FrozenAt != "" {
			fmt.Fprintf(&b, "Since: %s\n", st.FrozenAt)
		}
	} else {
		b.WriteString("State: OPERATIONAL\n")
	}
	fmt.Fprintf(&b, "Calibration: %s\n", st.Calibration)
	fmt.Fprintf(&b, "Active overrides: %d\n", st.ActiveOverrides)

	b.WriteString("\n")
	fmt.Fprintf(&b, "%-24s %-14s %s\n", "BUDGET", "USAGE", "STATE")
	fmt.Fprintf(&b, "%-24s %-14s %s\n", "------", "-----", "-----")
	for _, row := range budgetRows(st) {
		fmt.Fprintf(&b, "%-24s %-14s %s\n", row[0], row[1], row[2])
	}
	return b.String()
}
