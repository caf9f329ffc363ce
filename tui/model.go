package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	gomidi "gitlab.com/gomidi/midi/v2"

	"spreadsheet-music/midi"
	"spreadsheet-music/sequencer"
	"spreadsheet-music/sheet"
	"spreadsheet-music/theme"
)

// refresh keeps the clock moving when nothing fires
const refresh = 250 * time.Millisecond

// Engine is what the monitor reads from the running scheduler.
type Engine interface {
	Status() sequencer.Status
	Updates() <-chan struct{}
}

// Health reports the poller's failure streak.
type Health interface {
	ConsecutiveFailures() int
}

type Model struct {
	Engine Engine
	Feed   *sheet.Feed
	Health Health
	Theme  *theme.Theme
	Title  string
	Port   string

	// Quit is called when the user quits, to stop the engine.
	Quit func()

	quitting bool
	width    int
}

type UpdateMsg struct{}

type tickMsg time.Time

func NewModel(engine Engine, feed *sheet.Feed, health Health, th *theme.Theme) Model {
	return Model{
		Engine: engine,
		Feed:   feed,
		Health: health,
		Theme:  th,
	}
}

func ListenForUpdates(engine Engine) tea.Cmd {
	return func() tea.Msg {
		<-engine.Updates()
		return UpdateMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(ListenForUpdates(m.Engine), tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.Quit != nil {
				m.Quit()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case UpdateMsg:
		return m, ListenForUpdates(m.Engine)

	case tickMsg:
		return m, tick()
	}

	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	st := m.Engine.Status()
	snap := m.Feed.Load()

	headerStyle := lipgloss.NewStyle().Foreground(m.Theme.Accent()).Bold(true)
	dimStyle := lipgloss.NewStyle().Foreground(m.Theme.Muted())
	warnStyle := lipgloss.NewStyle().Foreground(m.Theme.Warning())
	heldStyle := lipgloss.NewStyle().Foreground(m.Theme.Success())

	header := headerStyle.Render(fmt.Sprintf("spreadsheet-music  %s → %s", m.Title, m.Port))
	clock := fmt.Sprintf("%s  snapshot #%d  %d notes", formatElapsed(st.Elapsed), snap.Seq, snap.Len())
	if n := m.failures(); n > 0 {
		clock += warnStyle.Render(fmt.Sprintf("  %c %d failed reads, playing last good sheet", m.Theme.Symbols.Failing, n))
	}

	held := make(map[midi.Key]bool, len(st.Held))
	for _, k := range st.Held {
		held[k] = true
	}

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(header)
	out.WriteString("\n")
	out.WriteString(dimStyle.Render(clock))
	out.WriteString("\n\n")
	out.WriteString(dimStyle.Render(fmt.Sprintf("  %4s    %-3s %-5s %3s %8s %8s %8s %5s", "line", "ch", "note", "vel", "onset", "dur", "loop", "prob")))
	out.WriteString("\n")

	for _, n := range snap.Notes {
		k := midi.Key{Channel: n.Channel, Pitch: n.Pitch}
		mark := string(m.Theme.Symbols.Idle)
		if held[k] {
			mark = heldStyle.Render(string(m.Theme.Symbols.Held))
		}
		kind := m.Theme.Symbols.Once
		loop := "-"
		if n.Loops() {
			kind = m.Theme.Symbols.Looping
			loop = formatSeconds(n.Loop)
		}

		ch := lipgloss.NewStyle().Foreground(m.Theme.Channel(n.Channel)).Render(fmt.Sprintf("%-3d", n.Channel+1))
		fmt.Fprintf(&out, "%s %4d %c  %s %-5s %3d %8s %8s %8s %5.2f\n",
			mark, sheet.SheetLine(n.Row), kind, ch, gomidi.Note(n.Pitch).String(), n.Velocity,
			formatSeconds(n.Onset), formatSeconds(n.Duration), loop, n.Probability)
	}
	if snap.Len() == 0 {
		out.WriteString(dimStyle.Render("  (no playable rows yet)"))
		out.WriteString("\n")
	}

	out.WriteString("\n")
	out.WriteString(dimStyle.Render(fmt.Sprintf("fired %d  skipped %d  forced off %d  send errors %d  holding %d",
		st.Fired, st.Suppressed, st.Forced, st.Failed, len(st.Held))))
	out.WriteString("\n\n")
	out.WriteString(dimStyle.Render("q:quit"))

	return out.String()
}

func (m Model) failures() int {
	if m.Health == nil {
		return 0
	}
	return m.Health.ConsecutiveFailures()
}

func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Millisecond)
	return fmt.Sprintf("%02d:%02d.%03d", int(d.Minutes()), int(d.Seconds())%60, d.Milliseconds()%1000)
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3gs", d.Seconds())
}
