package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/scottbass3/ghcr-cleaner/internal/cleaner"
)

const (
	maxVisiblePackages = 15
	defaultBarWidth    = 40
)

var (
	colorPrimary = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("241")
	colorAccent  = lipgloss.Color("204")
	colorSuccess = lipgloss.Color("42")

	titleStyle   = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle   = lipgloss.NewStyle().Foreground(colorAccent)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	helpStyle    = lipgloss.NewStyle().Foreground(colorMuted)
)

type packageRow struct {
	name      string
	state     cleaner.State
	planned   int
	done      int
	failed    int
	evaluated int
	err       error
}

// Model is a live view of a cleanup run driven by cleaner events.
type Model struct {
	owner  string
	dryRun bool

	events <-chan cleaner.Event
	cancel func()

	spinner spinner.Model
	bar     progress.Model
	width   int

	order      []string
	rows       map[string]*packageRow
	finished   int
	deleted    int
	failed     int
	cancelling bool
	closed     bool
}

type eventMsg cleaner.Event

type feedClosedMsg struct{}

func NewModel(owner string, dryRun bool, events <-chan cleaner.Event, cancel func()) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorPrimary)

	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(defaultBarWidth))

	return Model{
		owner:   owner,
		dryRun:  dryRun,
		events:  events,
		cancel:  cancel,
		spinner: s,
		bar:     bar,
		rows:    map[string]*packageRow{},
	}
}

func listenEvents(ch <-chan cleaner.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-ch
		if !ok {
			return feedClosedMsg{}
		}
		return eventMsg(event)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, listenEvents(m.events))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if !m.cancelling && m.cancel != nil {
				m.cancel()
			}
			m.cancelling = true
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(max(msg.Width-20, 10), 80)
		return m, nil
	case spinner.TickMsg:
		if m.closed {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case eventMsg:
		m.apply(cleaner.Event(msg))
		return m, listenEvents(m.events)
	case feedClosedMsg:
		m.closed = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) apply(event cleaner.Event) {
	switch event.Kind {
	case cleaner.EventPackagesDiscovered:
		for _, name := range event.Packages {
			m.row(name)
		}
	case cleaner.EventStateChanged:
		row := m.row(event.Package)
		row.state = event.State
		if event.State == cleaner.StateDeleting {
			row.planned = event.Planned
		}
	case cleaner.EventVersionDeleted:
		row := m.row(event.Package)
		if event.Result == nil {
			return
		}
		switch event.Result.Status {
		case cleaner.StatusDeleted, cleaner.StatusAlreadyGone:
			row.done++
			m.deleted++
		case cleaner.StatusFailed:
			row.failed++
			m.failed++
		}
	case cleaner.EventPackageFinished:
		row := m.row(event.Package)
		row.state = event.State
		if event.Outcome != nil {
			row.evaluated = event.Outcome.Evaluated
			row.err = event.Outcome.Err
			if m.dryRun {
				row.planned = event.Outcome.WouldDelete
			}
		}
		m.finished++
	}
}

func (m *Model) row(name string) *packageRow {
	if row, ok := m.rows[name]; ok {
		return row
	}
	row := &packageRow{name: name, state: cleaner.StatePending}
	m.rows[name] = row
	m.order = append(m.order, name)
	return row
}

func (m Model) percent() float64 {
	if len(m.order) == 0 {
		return 0
	}
	return float64(m.finished) / float64(len(m.order))
}

func (m Model) View() string {
	mode := "Cleaning"
	if m.dryRun {
		mode = "Dry run for"
	}
	lines := []string{
		titleStyle.Render(fmt.Sprintf("%s %s", mode, m.owner)),
		m.bar.ViewAs(m.percent()) + labelStyle.Render(fmt.Sprintf("  %d/%d packages", m.finished, len(m.order))),
		"",
	}

	visible := m.order
	hidden := 0
	if len(visible) > maxVisiblePackages {
		hidden = len(visible) - maxVisiblePackages
		visible = m.activeFirst()[:maxVisiblePackages]
	}
	for _, name := range visible {
		lines = append(lines, m.renderRow(m.rows[name]))
	}
	if hidden > 0 {
		lines = append(lines, labelStyle.Render(fmt.Sprintf("… %d more", hidden)))
	}

	lines = append(lines, "", labelStyle.Render(fmt.Sprintf("deleted %d, failed %d", m.deleted, m.failed)))
	if m.cancelling {
		lines = append(lines, errorStyle.Render("Cancelling, waiting for in-flight requests…"))
	} else {
		lines = append(lines, helpStyle.Render("Keys: q cancel"))
	}
	return strings.Join(lines, "\n") + "\n"
}

// activeFirst orders running packages before finished ones so the visible window
// shows current work.
func (m Model) activeFirst() []string {
	active := make([]string, 0, len(m.order))
	var rest []string
	for _, name := range m.order {
		if m.rows[name].state.Terminal() {
			rest = append(rest, name)
			continue
		}
		active = append(active, name)
	}
	return append(active, rest...)
}

func (m Model) renderRow(row *packageRow) string {
	var icon string
	switch row.state {
	case cleaner.StateDone:
		icon = successStyle.Render("✓")
	case cleaner.StateFailed, cleaner.StatePartiallyFailed:
		icon = errorStyle.Render("✗")
	case cleaner.StateSkipped:
		icon = labelStyle.Render("-")
	case cleaner.StatePending:
		icon = labelStyle.Render("·")
	default:
		icon = m.spinner.View()
	}

	detail := string(row.state)
	switch {
	case row.state == cleaner.StateDeleting || (row.state.Terminal() && row.planned > 0 && !m.dryRun):
		detail = fmt.Sprintf("%s %d/%d", row.state, row.done, row.planned)
	case m.dryRun && row.state.Terminal() && row.err == nil:
		detail = fmt.Sprintf("%s, %d of %d would be deleted", row.state, row.planned, row.evaluated)
	}
	if row.failed > 0 {
		detail += errorStyle.Render(fmt.Sprintf(" (%d failed)", row.failed))
	}
	if row.err != nil {
		detail += errorStyle.Render(": " + row.err.Error())
	}
	return fmt.Sprintf("%s %s %s", icon, row.name, labelStyle.Render(detail))
}
