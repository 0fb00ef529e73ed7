// Package tui implements the --tui progress renderer: a bubbletea
// program that shows one live progress bar per device instead of the
// plain schollz/progressbar line the CLI uses by default.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Update reports one progress step for a single device/operation. DevID
// identifies the row; Op is the operation label shown in the row;
// Pct follows the same convention as operation.ProgressFunc: [0,99]
// in-progress, 100 success-terminal, negative error-terminal.
type Update struct {
	DevID uint8
	Op    string
	Pct   int
}

type row struct {
	op   string
	pct  int
	bar  progress.Model
	done bool
	errd bool
}

type model struct {
	updates <-chan Update
	rows    map[uint8]*row
	order   []uint8
	quit    bool
}

type closedMsg struct{}

func waitForUpdate(ch <-chan Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return u
	}
}

func newModel(updates <-chan Update) model {
	return model{updates: updates, rows: make(map[uint8]*row)}
}

func (m model) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quit = true
			return m, tea.Quit
		}
		return m, nil

	case Update:
		r, ok := m.rows[msg.DevID]
		if !ok {
			r = &row{bar: progress.New(progress.WithDefaultGradient())}
			m.rows[msg.DevID] = r
			m.order = append(m.order, msg.DevID)
			sort.Slice(m.order, func(i, j int) bool { return m.order[i] < m.order[j] })
		}
		r.op = msg.Op
		r.pct = msg.Pct
		if msg.Pct >= 100 {
			r.done = true
		} else if msg.Pct < 0 {
			r.done = true
			r.errd = true
		}

		barCmd := r.bar.SetPercent(clampPct(msg.Pct))
		if m.allDone() {
			return m, tea.Batch(barCmd, waitForUpdate(m.updates))
		}
		return m, tea.Batch(barCmd, waitForUpdate(m.updates))

	case progress.FrameMsg:
		for _, devID := range m.order {
			r := m.rows[devID]
			newModel, cmd := r.bar.Update(msg)
			if pm, ok := newModel.(progress.Model); ok {
				r.bar = pm
			}
			if cmd != nil {
				return m, cmd
			}
		}
		return m, nil

	case closedMsg:
		m.quit = true
		return m, tea.Quit
	}
	return m, nil
}

func clampPct(pct int) float64 {
	if pct < 0 {
		return 1
	}
	if pct > 100 {
		return 1
	}
	return float64(pct) / 100
}

func (m model) allDone() bool {
	if len(m.rows) == 0 {
		return false
	}
	for _, r := range m.rows {
		if !r.done {
			return false
		}
	}
	return true
}

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func (m model) View() string {
	if len(m.rows) == 0 {
		return "waiting for devices...\n"
	}

	var b strings.Builder
	for _, devID := range m.order {
		r := m.rows[devID]
		label := labelStyle.Render(fmt.Sprintf("device 0x%02X [%-5s]", devID, r.op))
		status := fmt.Sprintf("%3d%%", r.pct)
		if r.errd {
			status = errStyle.Render(fmt.Sprintf("error %d", r.pct))
		} else if r.done {
			status = okStyle.Render("done")
		}
		fmt.Fprintf(&b, "%s %s %s\n", label, r.bar.View(), status)
	}
	if m.allDone() {
		b.WriteString("\nall operations finished, press q to exit\n")
	}
	return b.String()
}

// Run drives the interactive progress view until the user quits or
// updates is closed. Rows that reach a terminal progress value stay on
// screen; Run does not exit on its own when every row is done.
func Run(updates <-chan Update) error {
	_, err := tea.NewProgram(newModel(updates)).Run()
	return err
}
