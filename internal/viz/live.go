package viz

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/san-kum/jetpool/internal/metrics"
)

const (
	chartWidth  = 60
	chartHeight = 12
	// historyCapacity bounds the points handed to the chart.
	historyCapacity = 2000
)

type Status uint8

const (
	StatusWaiting Status = iota
	StatusRunning
	StatusPaused
	StatusHalted
	StatusDone
	StatusMissing
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusPaused:
		return "PAUSED"
	case StatusHalted:
		return "HALTED"
	case StatusDone:
		return "DONE"
	case StatusMissing:
		return "NO LOG"
	}
	return "WAITING"
}

type TickMsg time.Time

type logMsg struct {
	log metrics.Log
	err error
}

// Model follows an energy log file. It rereads the file on every tick; the
// writer reopens it per record, so a reread always sees whole lines.
type Model struct {
	path     string
	tmax     float64
	interval time.Duration
	log      metrics.Log
	err      error
	paused   bool
	showHelp bool
}

// NewModel watches path. tmax scales the progress bar; zero hides it.
func NewModel(path string, tmax float64, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{path: path, tmax: tmax, interval: interval}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), m.tick())
}

func (m Model) load() tea.Cmd {
	path := m.path
	return func() tea.Msg {
		log, err := metrics.ReadLog(path)
		return logMsg{log: log, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return TickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ":
			m.paused = !m.paused
		case "t":
			SetTheme(NextTheme())
		case "?":
			m.showHelp = !m.showHelp
		}
	case TickMsg:
		if m.paused {
			return m, m.tick()
		}
		return m, tea.Batch(m.load(), m.tick())
	case logMsg:
		m.log, m.err = msg.log, msg.err
	}
	return m, nil
}

func (m Model) Status() Status {
	switch {
	case m.err != nil:
		return StatusMissing
	case m.paused:
		return StatusPaused
	case len(m.log.Notes) > 0:
		return StatusHalted
	}
	last, ok := m.log.Last()
	if !ok {
		return StatusWaiting
	}
	if m.tmax > 0 && last.Time >= m.tmax*(1-1e-9) {
		return StatusDone
	}
	return StatusRunning
}

func (m Model) View() string {
	var s strings.Builder
	s.WriteString(headerStyle().Render("JET ON POOL  "+m.path) + "\n")
	st := m.Status()
	s.WriteString(statusStyle(st).Render(st.String()) + "\n\n")

	if m.err != nil {
		if errors.Is(m.err, fs.ErrNotExist) {
			s.WriteString(valueStyle().Render("waiting for the log file to appear") + "\n")
		} else {
			s.WriteString(valueStyle().Render(m.err.Error()) + "\n")
		}
	}
	if m.log.Header != "" {
		s.WriteString(labelStyle().Render("Regime") + valueStyle().Render(m.log.Header) + "\n")
	}

	if last, ok := m.log.Last(); ok {
		s.WriteString(labelStyle().Render("Step") + valueStyle().Render(fmt.Sprintf("%d", last.Step)) + "\n")
		s.WriteString(labelStyle().Render("Time") + valueStyle().Render(fmt.Sprintf("%.6g", last.Time)) + "\n")
		s.WriteString(labelStyle().Render("dt") + valueStyle().Render(fmt.Sprintf("%.3g", last.Dt)) + "\n")
		s.WriteString(labelStyle().Render("Energy") + valueStyle().Render(fmt.Sprintf("%.6g", last.KE)) + "\n")
		if m.tmax > 0 {
			s.WriteString(labelStyle().Render("Progress") + ProgressBar(last.Time/m.tmax, 30) + "\n")
		}
		dts := make([]float64, len(m.log.Records))
		for i, r := range m.log.Records {
			dts[i] = r.Dt
		}
		s.WriteString(labelStyle().Render("dt trend") + Sparkline(tail(dts), 30) + "\n")
	}

	if chart := Plot(m.log, chartWidth, chartHeight); chart != "" {
		s.WriteString(Separator(chartWidth) + "\n")
		s.WriteString(graphStyle().Render(chart) + "\n")
	}
	for _, n := range m.log.Notes {
		s.WriteString(statusStyle(StatusHalted).Render(n) + "\n")
	}
	s.WriteString(helpStyle().Render("SP:Pause T:Theme ?:Help Q:Quit"))

	view := panelStyle().Render(s.String())
	if m.showHelp {
		help := lipgloss.JoinVertical(lipgloss.Left,
			"Space  pause or resume following the log",
			"T      cycle themes",
			"?      toggle this help",
			"Q      quit",
		)
		return panelStyle().Render(help) + "\n" + view
	}
	return view
}

// Plot renders the kinetic energy of the most recent records as an ascii
// chart. It returns "" when there is nothing to draw.
func Plot(log metrics.Log, width, height int) string {
	ke := tail(log.Energies())
	if len(ke) == 0 {
		return ""
	}
	first := log.Records[len(log.Records)-len(ke)].Step
	last := log.Records[len(log.Records)-1].Step
	return asciigraph.Plot(ke,
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Caption(fmt.Sprintf("kinetic energy, steps %d to %d", first, last)),
	)
}

func tail(v []float64) []float64 {
	if len(v) > historyCapacity {
		return v[len(v)-historyCapacity:]
	}
	return v
}
