package cli

import (
	"fmt"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	brokerpkg "github.com/raphaelgruber/coderag/internal/progress"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// eventMsg carries one broker event into the TUI.
type eventMsg brokerpkg.Event

// streamClosedMsg signals that the broker subscription ended.
type streamClosedMsg struct{}

// progressModel is the bubbletea model for ingestion progress.
type progressModel struct {
	repoID   string
	events   <-chan brokerpkg.Event
	snapshot brokerpkg.Snapshot
	progress     progress.Model
	theme        Theme
	lastFile     string
	filesIndexed int
	done         bool
	quitting     bool
	err          error
}

// newProgressModel creates a progress model over a broker subscription.
func newProgressModel(repoID string, snapshot brokerpkg.Snapshot, events <-chan brokerpkg.Event) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		repoID:   repoID,
		events:   events,
		snapshot: snapshot,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (wait for the first event).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.waitForEvent(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case eventMsg:
		m.applyEvent(brokerpkg.Event(msg))

		switch msg.Phase {
		case brokerpkg.PhaseIndexed:
			m.done = true
			return m, tea.Quit
		case brokerpkg.PhaseError:
			m.done = true
			if msg.Message != nil {
				m.err = fmt.Errorf("%s", *msg.Message)
			} else {
				m.err = fmt.Errorf("ingestion failed with unknown error")
			}
			return m, tea.Quit
		}

		return m, m.waitForEvent()

	case streamClosedMsg:
		m.done = true
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// applyEvent folds one event into the locally tracked snapshot.
func (m *progressModel) applyEvent(ev brokerpkg.Event) {
	if m.snapshot.Phases == nil {
		m.snapshot.Phases = make(map[string]brokerpkg.PhaseState)
	}

	state := m.snapshot.Phases[ev.Phase]
	state.Status = ev.Status
	if ev.Processed != nil {
		state.Processed = ev.Processed
	}
	if ev.Total != nil {
		state.Total = ev.Total
	}
	if ev.Progress != nil {
		state.Progress = ev.Progress
	}
	m.snapshot.Phases[ev.Phase] = state

	switch ev.Phase {
	case brokerpkg.PhaseIndexed:
		m.snapshot.Status = brokerpkg.OverallIndexed
	case brokerpkg.PhaseError:
		m.snapshot.Status = brokerpkg.OverallError
	case brokerpkg.PhaseIndexing:
		m.snapshot.Status = brokerpkg.OverallIndexing
		if ev.Event == brokerpkg.EventFileIndexed {
			m.filesIndexed++
			if ev.Message != nil {
				m.lastFile = *ev.Message
			}
		}
	case brokerpkg.PhaseEmbedding:
		m.snapshot.Status = brokerpkg.OverallIndexing
	}
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	embedding := m.snapshot.Phases[brokerpkg.PhaseEmbedding]

	var pct float64
	if embedding.Processed != nil && embedding.Total != nil && *embedding.Total > 0 {
		pct = float64(*embedding.Processed) / float64(*embedding.Total)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.snapshot.Status))
	progressBar := m.progress.ViewAs(pct)

	counts := "starting..."
	if embedding.Processed != nil && embedding.Total != nil {
		counts = fmt.Sprintf("%d/%d chunks", *embedding.Processed, *embedding.Total)
	}
	if m.filesIndexed > 0 {
		counts += fmt.Sprintf(", %d files done", m.filesIndexed)
	}

	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	out := fmt.Sprintf("%s %s %s\n", status, progressBar, counts)
	if m.lastFile != "" {
		out += m.theme.hintStyle().Render(m.lastFile) + "\n"
	}
	return out + hint + "\n"
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nIngestion of %s continues in background.\nUse 'coderag status %s' to check progress.\n",
			m.repoID, m.repoID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Ingestion failed: %s\n", m.err))
	}

	var output string
	output = m.theme.completedStyle().Render("✓ Indexed") + "\n\n"
	if emb := m.snapshot.Phases[brokerpkg.PhaseEmbedding]; emb.Processed != nil {
		output += fmt.Sprintf("  Chunks embedded: %d\n", *emb.Processed)
	}
	if m.filesIndexed > 0 {
		output += fmt.Sprintf("  Files indexed:   %d\n", m.filesIndexed)
	}
	return output
}

// waitForEvent blocks on the subscription channel as a command so
// Update never blocks.
func (m progressModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// runIngestProgress runs the interactive progress UI over a broker
// subscription. Returns nil on success or Ctrl+C (background), error
// on ingestion failure.
func runIngestProgress(repoID string, snapshot brokerpkg.Snapshot, events <-chan brokerpkg.Event) error {
	model := newProgressModel(repoID, snapshot, events)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
