package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bdougie/frameprompt/internal/extractor"
	"github.com/bdougie/frameprompt/internal/models"
	"github.com/bdougie/frameprompt/internal/pipeline"
)

// Controls is the part of the pipeline the UI drives.
type Controls interface {
	Start(src extractor.Source, cfg models.AnalysisConfig)
	Stop()
	Reset()
	Snapshot() models.Snapshot
}

// UpdateMsg carries a pipeline update into the program.
type UpdateMsg pipeline.Update

// Forward returns a pipeline listener that sends every update to the program.
func Forward(p *tea.Program) pipeline.Listener {
	return func(u pipeline.Update) {
		p.Send(UpdateMsg(u))
	}
}

type mode int

const (
	modeBrowse mode = iota
	modeInstructions
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	selStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
	noticeStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("203")).Padding(0, 1)
)

const (
	maxListRows  = 12
	resultIndent = "    "
)

// Model is the terminal projection of the pipeline state.
type Model struct {
	ctrl   Controls
	source extractor.Source
	cfg    models.AnalysisConfig
	snap   models.Snapshot

	mode     mode
	cursor   int
	width    int
	height   int
	status   string
	progress progress.Model
	spinner  spinner.Model
	input    textinput.Model
}

// New builds the model for src with the initial run configuration.
func New(ctrl Controls, src extractor.Source, cfg models.AnalysisConfig) Model {
	cfg.Normalize()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = activeStyle

	input := textinput.New()
	input.Prompt = "> "
	input.Placeholder = "e.g. in the style of a 1970s sci-fi paperback cover"
	input.CharLimit = 1024
	input.Width = 60

	return Model{
		ctrl:     ctrl,
		source:   src,
		cfg:      cfg,
		snap:     ctrl.Snapshot(),
		progress: progress.New(progress.WithDefaultGradient()),
		spinner:  sp,
		input:    input,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = clamp(msg.Width-10, 20, 100)
		m.input.Width = clamp(msg.Width-8, 20, 120)
		return m, nil
	case UpdateMsg:
		m.snap = msg.Snapshot
		if n := len(m.snap.Frames); m.cursor >= n {
			m.cursor = max(0, n-1)
		}
		if m.snap.State == models.RunAllDone {
			m.status = fmt.Sprintf("analysis complete: %d frames", len(m.snap.Frames))
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch m.mode {
	case modeInstructions:
		return m.updateInstructions(keyMsg)
	default:
		return m.updateBrowse(keyMsg)
	}
}

func (m Model) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	running := m.snap.State == models.RunCapturing
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "s", "enter":
		if running {
			m.status = "already running, press x to stop"
			return m, nil
		}
		m.status = fmt.Sprintf("started: every %ds", m.cfg.IntervalSeconds)
		ctrl, src, cfg := m.ctrl, m.source, m.cfg
		return m, func() tea.Msg {
			ctrl.Start(src, cfg)
			return nil
		}
	case "x":
		if !running {
			return m, nil
		}
		m.status = "stopped"
		ctrl := m.ctrl
		return m, func() tea.Msg {
			ctrl.Stop()
			return nil
		}
	case "r":
		m.status = "reset"
		m.cursor = 0
		ctrl := m.ctrl
		return m, func() tea.Msg {
			ctrl.Reset()
			return nil
		}
	case "+", "=":
		m.cfg.IntervalSeconds++
		m.cfg.Normalize()
		m.status = intervalStatus(m.cfg, running)
		return m, nil
	case "-", "_":
		m.cfg.IntervalSeconds--
		m.cfg.Normalize()
		m.status = intervalStatus(m.cfg, running)
		return m, nil
	case "i":
		m.mode = modeInstructions
		m.input.SetValue(m.cfg.CustomInstructions)
		m.input.CursorEnd()
		return m, m.input.Focus()
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.snap.Frames)-1 {
			m.cursor++
		}
		return m, nil
	}
	return m, nil
}

func (m Model) updateInstructions(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "ctrl+c":
		m.mode = modeBrowse
		m.input.Blur()
		m.status = "instructions unchanged"
		return m, nil
	case "enter":
		m.mode = modeBrowse
		m.input.Blur()
		m.cfg.CustomInstructions = strings.TrimSpace(m.input.Value())
		m.status = "instructions saved, applied on next start"
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func intervalStatus(cfg models.AnalysisConfig, running bool) string {
	s := fmt.Sprintf("interval: %ds", cfg.IntervalSeconds)
	if running {
		s += " (applied on next start)"
	}
	return s
}

// Config returns the run configuration as edited in the UI.
func (m Model) Config() models.AnalysisConfig {
	return m.cfg
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("frameprompt"))
	b.WriteString(mutedStyle.Render("  " + m.source.Name))
	b.WriteString("\n")

	instructions := m.cfg.CustomInstructions
	if instructions == "" {
		instructions = "none"
	}
	b.WriteString(mutedStyle.Render(fmt.Sprintf("interval %ds · instructions: %s", m.cfg.IntervalSeconds, truncate(instructions, 60))))
	b.WriteString("\n\n")

	b.WriteString(m.stateLine())
	b.WriteString("\n")
	b.WriteString(m.progress.ViewAs(m.snap.Progress / 100))
	b.WriteString("\n")

	c := m.snap.Counts()
	b.WriteString(mutedStyle.Render(fmt.Sprintf("captured %d/%d · pending %d · analyzing %d · done %d · errors %d",
		m.snap.Captured, max(m.snap.Expected, m.snap.Captured), c.Pending, c.Analyzing, c.Completed, c.Error)))
	b.WriteString("\n")

	if m.snap.State == models.RunFailed && m.snap.Err != nil {
		b.WriteString(noticeStyle.Render(errorStyle.Render("capture failed: ") + m.snap.Err.Error()))
		b.WriteString("\n")
	}

	if len(m.snap.Frames) > 0 {
		b.WriteString(panelStyle.Render(m.frameList()))
		b.WriteString("\n")
		if detail := m.frameDetail(); detail != "" {
			b.WriteString(detail)
			b.WriteString("\n")
		}
	}

	if m.mode == modeInstructions {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("Custom instructions"))
		b.WriteString("\n")
		b.WriteString(m.input.View())
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("enter save · esc cancel"))
		b.WriteString("\n")
		return b.String()
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render("s start · x stop · r reset · +/- interval · i instructions · ↑/↓ select · q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) stateLine() string {
	switch m.snap.State {
	case models.RunCapturing:
		if !m.snap.CaptureDone {
			return m.spinner.View() + activeStyle.Render(" capturing and analyzing")
		}
		return m.spinner.View() + activeStyle.Render(" analyzing")
	case models.RunAllDone:
		return okStyle.Render("✓ done")
	case models.RunStopped:
		return mutedStyle.Render("■ stopped")
	case models.RunFailed:
		return errorStyle.Render("✗ failed")
	default:
		return mutedStyle.Render("idle, press s to start")
	}
}

func (m Model) frameList() string {
	frames := m.snap.Frames
	start := 0
	if m.cursor >= maxListRows {
		start = m.cursor - maxListRows + 1
	}
	end := min(len(frames), start+maxListRows)

	lines := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		f := frames[i]
		line := fmt.Sprintf("%s %s  %s", statusIcon(f.Status), formatTimestamp(f.Timestamp), summary(f))
		if i == m.cursor {
			line = selStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) frameDetail() string {
	if m.cursor >= len(m.snap.Frames) {
		return ""
	}
	f := m.snap.Frames[m.cursor]
	switch f.Status {
	case models.StatusCompleted:
		return resultIndent + strings.ReplaceAll(f.Result, "\n", "\n"+resultIndent)
	case models.StatusError:
		return resultIndent + errorStyle.Render(f.ErrorDetail)
	default:
		return ""
	}
}

func statusIcon(s models.FrameStatus) string {
	switch s {
	case models.StatusAnalyzing:
		return activeStyle.Render("◐")
	case models.StatusCompleted:
		return okStyle.Render("●")
	case models.StatusError:
		return errorStyle.Render("✗")
	default:
		return mutedStyle.Render("○")
	}
}

func summary(f models.Frame) string {
	switch f.Status {
	case models.StatusCompleted:
		first, _, _ := strings.Cut(f.Result, "\n")
		return truncate(first, 70)
	case models.StatusError:
		return truncate(f.ErrorDetail, 70)
	default:
		return f.Status.String()
	}
}

func formatTimestamp(ts float64) string {
	total := int(ts)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
