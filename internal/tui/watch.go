package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Source lists executions for the view.
type Source interface {
	ListExecutions(f state.ExecutionFilter) ([]*models.WorkflowExecution, error)
}

type tickMsg time.Time

type refreshMsg struct {
	rows []*models.WorkflowExecution
	err  error
	at   time.Time
}

// WatchApp is a bubbletea model that polls the store and lists recent
// executions, newest first.
type WatchApp struct {
	source   Source
	interval time.Duration
	limit    int
	now      func() time.Time

	rows        []*models.WorkflowExecution
	selected    int
	err         error
	lastRefresh time.Time
	filter      textinput.Model
	filtering   bool
	width       int
	height      int
	quitting    bool

	titleStyle    lipgloss.Style
	dimStyle      lipgloss.Style
	selectedStyle lipgloss.Style
	errorStyle    lipgloss.Style
	statusStyles  map[models.ExecutionStatus]lipgloss.Style
}

// NewWatchApp creates the watch model. limit caps the rows fetched per refresh.
func NewWatchApp(source Source, interval time.Duration, limit int) *WatchApp {
	if interval <= 0 {
		interval = time.Second
	}
	if limit <= 0 {
		limit = 50
	}
	ti := textinput.New()
	ti.Placeholder = "caller, signature or id"
	ti.Prompt = "/ "
	ti.CharLimit = 64

	return &WatchApp{
		source:   source,
		interval: interval,
		limit:    limit,
		now:      time.Now,
		filter:   ti,
		width:    100,

		titleStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#45B7D1")).Bold(true),
		dimStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		selectedStyle: lipgloss.NewStyle().Background(lipgloss.Color("236")).Bold(true),
		errorStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		statusStyles: map[models.ExecutionStatus]lipgloss.Style{
			models.ExecutionPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			models.ExecutionInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC857")),
			models.ExecutionCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("#96E6A1")),
			models.ExecutionFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
			models.ExecutionCancelled:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8E53")),
		},
	}
}

// NewWatchProgram creates a full-screen program running the watch view.
func NewWatchProgram(source Source, interval time.Duration, limit int) (*tea.Program, *WatchApp) {
	app := NewWatchApp(source, interval, limit)
	return tea.NewProgram(app, tea.WithAltScreen()), app
}

// Init implements tea.Model.
func (a *WatchApp) Init() tea.Cmd {
	return tea.Batch(a.refresh(), a.tick())
}

func (a *WatchApp) tick() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *WatchApp) refresh() tea.Cmd {
	return func() tea.Msg {
		rows, err := a.source.ListExecutions(state.ExecutionFilter{Limit: a.limit})
		return refreshMsg{rows: rows, err: err, at: a.now()}
	}
}

// Update implements tea.Model.
func (a *WatchApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.filtering {
			return a.updateFilter(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		case "/":
			a.filtering = true
			return a, a.filter.Focus()
		case "r":
			return a, a.refresh()
		case "up", "k":
			if a.selected > 0 {
				a.selected--
			}
		case "down", "j":
			if a.selected < len(a.visible())-1 {
				a.selected++
			}
		}

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tick())

	case refreshMsg:
		a.err = msg.err
		if msg.err == nil {
			a.rows = msg.rows
			a.lastRefresh = msg.at
		}
		a.clampSelection()

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
	}
	return a, nil
}

func (a *WatchApp) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		a.filtering = false
		a.filter.Blur()
		return a, nil
	case "esc":
		a.filtering = false
		a.filter.Blur()
		a.filter.SetValue("")
		a.clampSelection()
		return a, nil
	case "ctrl+c":
		a.quitting = true
		return a, tea.Quit
	}
	var cmd tea.Cmd
	a.filter, cmd = a.filter.Update(msg)
	a.selected = 0
	return a, cmd
}

func (a *WatchApp) clampSelection() {
	if n := len(a.visible()); a.selected >= n {
		a.selected = n - 1
	}
	if a.selected < 0 {
		a.selected = 0
	}
}

// visible returns the rows that match the filter.
func (a *WatchApp) visible() []*models.WorkflowExecution {
	q := strings.ToLower(strings.TrimSpace(a.filter.Value()))
	if q == "" {
		return a.rows
	}
	var out []*models.WorkflowExecution
	for _, r := range a.rows {
		if strings.Contains(strings.ToLower(r.CallerID), q) ||
			strings.Contains(strings.ToLower(r.Signature), q) ||
			strings.HasPrefix(r.ID, q) {
			out = append(out, r)
		}
	}
	return out
}

// Selected returns the highlighted execution, if any.
func (a *WatchApp) Selected() *models.WorkflowExecution {
	rows := a.visible()
	if a.selected < 0 || a.selected >= len(rows) {
		return nil
	}
	return rows[a.selected]
}

// View implements tea.Model.
func (a *WatchApp) View() string {
	if a.quitting {
		return ""
	}
	var b strings.Builder

	title := a.titleStyle.Render("switchyard watch")
	updated := "waiting for store"
	if !a.lastRefresh.IsZero() {
		updated = "updated " + humanize.RelTime(a.lastRefresh, a.now(), "ago", "from now")
	}
	b.WriteString(title + "  " + a.dimStyle.Render(updated) + "\n")
	b.WriteString(a.summary() + "\n\n")

	if a.err != nil {
		b.WriteString(a.errorStyle.Render("error: "+a.err.Error()) + "\n\n")
	}

	rows := a.visible()
	b.WriteString(a.dimStyle.Render(fmt.Sprintf("%-12s %-10s %-10s %-14s %-28s %9s  %s",
		"STATUS", "TYPE", "ID", "CALLER", "SIGNATURE", "DURATION", "AGE")) + "\n")
	if len(rows) == 0 {
		b.WriteString(a.dimStyle.Render("  no executions") + "\n")
	}
	for i, r := range rows {
		line := a.row(r)
		if i == a.selected {
			line = a.selectedStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}

	if sel := a.Selected(); sel != nil {
		b.WriteString("\n" + a.detail(sel))
	}

	b.WriteString("\n")
	if a.filtering || a.filter.Value() != "" {
		b.WriteString(a.filter.View() + "\n")
	}
	b.WriteString(a.dimStyle.Render("↑/↓ select • / filter • r refresh • q quit"))
	return b.String()
}

// summary counts the fetched rows per status, busiest states first.
func (a *WatchApp) summary() string {
	counts := make(map[models.ExecutionStatus]int)
	for _, r := range a.rows {
		counts[r.Status]++
	}
	var parts []string
	for _, s := range []models.ExecutionStatus{
		models.ExecutionInProgress,
		models.ExecutionPending,
		models.ExecutionFailed,
		models.ExecutionCancelled,
		models.ExecutionCompleted,
	} {
		if n := counts[s]; n > 0 {
			parts = append(parts, a.statusStyles[s].Render(fmt.Sprintf("%d %s", n, s)))
		}
	}
	if len(parts) == 0 {
		return a.dimStyle.Render("no executions")
	}
	return strings.Join(parts, a.dimStyle.Render(" · "))
}

func (a *WatchApp) row(r *models.WorkflowExecution) string {
	style, ok := a.statusStyles[r.Status]
	if !ok {
		style = a.dimStyle
	}
	duration := "-"
	if r.Duration > 0 {
		duration = r.Duration.Round(time.Millisecond).String()
	} else if r.Status == models.ExecutionInProgress && r.StartedAt != nil {
		duration = a.now().Sub(*r.StartedAt).Round(time.Second).String()
	}
	return fmt.Sprintf("%s %-10s %-10s %-14s %-28s %9s  %s",
		style.Render(fmt.Sprintf("%-12s", r.Status)),
		r.Type,
		shortID(r.ID),
		truncate(r.CallerID, 14),
		truncate(r.Signature, 28),
		duration,
		humanize.RelTime(r.CreatedAt, a.now(), "ago", "from now"),
	)
}

func (a *WatchApp) detail(r *models.WorkflowExecution) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("id %s", r.ID))
	if r.ParentID != "" {
		lines = append(lines, fmt.Sprintf("parent %s", r.ParentID))
	}
	switch {
	case r.Routing != nil:
		route := r.Routing.Route
		lines = append(lines, fmt.Sprintf("route %s  confidence %.2f  risk %s  alternatives %d",
			strings.Join(route.Capabilities(), " → "), route.Confidence, route.Risk.Level, len(r.Routing.Alternatives)))
	case r.Parallel != nil:
		p := r.Parallel
		done := 0
		for _, t := range p.Results {
			if t.Status.IsTerminal() {
				done++
			}
		}
		lines = append(lines, fmt.Sprintf("tasks %d/%d  batches %d  efficiency %.2f  utilization %.0f%%  policy %s",
			done, len(p.Tasks), len(p.Batches), p.ParallelEfficiency, p.ResourceUtilization*100, p.Coordination))
	case r.Evaluation != nil:
		m := r.Evaluation.Metrics
		lines = append(lines, fmt.Sprintf("target %s  efficiency %.2f  accuracy %.2f  reliability %.2f  proposals %d",
			shortID(r.Evaluation.TargetID), m.Efficiency, m.Accuracy, m.Reliability, len(r.Evaluation.ProposedRules)))
	}
	if r.Error != "" {
		lines = append(lines, a.errorStyle.Render(truncate(r.Error, max(a.width-2, 20))))
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Render(strings.Join(lines, "\n")) + "\n"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
