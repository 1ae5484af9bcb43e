// Package tui is the interactive terminal presenter for the updater. It
// renders the controller's View and the activity log, and maps keys to the
// controller's start and cancel actions.
package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/breeze-rmm/updater/internal/activity"
	"github.com/breeze-rmm/updater/internal/controller"
	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("tui")

const (
	defaultLogLines = 12
	maxBarWidth     = 60
)

var (
	primaryColor = lipgloss.Color("#7D56F4")
	accentColor  = lipgloss.Color("#FF79C6")
	dimColor     = lipgloss.Color("#6272A4")
	textColor    = lipgloss.Color("#F8F8F2")
	warnColor    = lipgloss.Color("#F1FA8C")
	errorColor   = lipgloss.Color("#FF5555")
	successColor = lipgloss.Color("#50FA7B")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	infoStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Italic(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(textColor)

	buttonStyle = lipgloss.NewStyle().
			Foreground(textColor).
			Background(primaryColor).
			Padding(0, 2)

	disabledButtonStyle = lipgloss.NewStyle().
				Foreground(dimColor).
				Padding(0, 2)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor).
			MarginTop(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			MarginTop(1)

	noticeStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	containerStyle = lipgloss.NewStyle().
			Padding(1, 2)
)

func entryStyle(c activity.Category) lipgloss.Style {
	switch c {
	case activity.Warning:
		return lipgloss.NewStyle().Foreground(warnColor)
	case activity.Error:
		return lipgloss.NewStyle().Foreground(errorColor)
	case activity.Success:
		return lipgloss.NewStyle().Foreground(successColor)
	case activity.User:
		return lipgloss.NewStyle().Foreground(accentColor)
	case activity.System:
		return lipgloss.NewStyle().Foreground(dimColor)
	default:
		return lipgloss.NewStyle().Foreground(textColor)
	}
}

// changedMsg tells the model to re-read the controller and the log.
type changedMsg struct{}

// autoStartMsg starts a run on launch when autoCheck is set.
type autoStartMsg struct{}

// Model is the bubbletea model for the updater screen.
type Model struct {
	ctrl *controller.Controller
	log  *activity.Log

	// changed coalesces controller and log notifications. Observers never
	// block on it, so they may fire from inside Update.
	changed     chan struct{}
	unsubscribe []func()
	autoStart   bool

	spinner  spinner.Model
	progress progress.Model

	view    controller.View
	entries []activity.Entry
	notice  string
	width   int
	height  int
}

// New returns a model bound to ctrl and activityLog. When autoStart is true
// a run begins as soon as the program starts.
func New(ctrl *controller.Controller, activityLog *activity.Log, autoStart bool) *Model {
	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = lipgloss.NewStyle().Foreground(accentColor)

	m := &Model{
		ctrl:      ctrl,
		log:       activityLog,
		changed:   make(chan struct{}, 1),
		autoStart: autoStart,
		spinner:   s,
		progress:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
	m.unsubscribe = []func(){
		ctrl.Subscribe(func(controller.View) { m.signal() }),
		activityLog.Subscribe(func(activity.Entry) { m.signal() }),
	}
	m.refresh()
	return m
}

func (m *Model) signal() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *Model) waitForChange() tea.Cmd {
	return func() tea.Msg {
		<-m.changed
		return changedMsg{}
	}
}

func (m *Model) refresh() {
	m.view = m.ctrl.Snapshot()
	m.entries = m.log.Entries()
}

// Close detaches the model from the controller and the log.
func (m *Model) Close() {
	for _, fn := range m.unsubscribe {
		fn()
	}
	m.unsubscribe = nil
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, m.waitForChange()}
	if m.autoStart {
		cmds = append(cmds, func() tea.Msg { return autoStartMsg{} })
	}
	return tea.Batch(cmds...)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = min(max(msg.Width-8, 10), maxBarWidth)
		return m, nil

	case changedMsg:
		m.refresh()
		return m, m.waitForChange()

	case autoStartMsg:
		log.Info("auto-check enabled, starting update")
		m.start()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "u":
			m.start()
		case "c", "esc":
			m.cancel()
		case "q", "ctrl+c":
			if m.ctrl.CanCancel() {
				m.cancel()
			}
			return m, tea.Quit
		}
		return m, nil
	}

	return m, nil
}

// start and cancel ignore presses while the matching button is disabled.
func (m *Model) start() {
	if !m.ctrl.CanStart() {
		return
	}
	m.notice = ""
	if err := m.ctrl.Start(); err != nil {
		m.notice = err.Error()
	}
	m.refresh()
}

func (m *Model) cancel() {
	if !m.ctrl.CanCancel() {
		return
	}
	if err := m.ctrl.Cancel(); err != nil {
		m.notice = err.Error()
	}
	m.refresh()
}

func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Software Updater"))
	b.WriteString("\n")
	b.WriteString(infoStyle.Render(m.view.VersionInfo))
	b.WriteString("\n\n")

	busy := m.view.State == controller.Running || m.view.State == controller.Cancelling
	if busy {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
	}
	b.WriteString(statusStyle.Render(m.view.Status))
	b.WriteString("\n")
	b.WriteString(m.progress.ViewAs(float64(m.view.Percent) / 100))
	b.WriteString("\n\n")

	b.WriteString(button(m.view.ButtonLabel, m.view.CanStart))
	b.WriteString("  ")
	b.WriteString(button("Cancel", m.view.CanCancel))
	b.WriteString("\n")

	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice))
		b.WriteString("\n")
	}

	b.WriteString(sectionStyle.Render("Activity"))
	b.WriteString("\n")
	for _, e := range tail(m.entries, m.logLines()) {
		b.WriteString(entryStyle(e.Category).Render(e.Formatted()))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("enter/u: check for updates • c/esc: cancel • q: quit"))

	return containerStyle.Render(b.String())
}

func (m *Model) logLines() int {
	if m.height <= 0 {
		return defaultLogLines
	}
	return max(m.height-14, 3)
}

func button(label string, enabled bool) string {
	if enabled {
		return buttonStyle.Render(label)
	}
	return disabledButtonStyle.Render(label)
}

func tail(entries []activity.Entry, n int) []activity.Entry {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

// Run shows the updater screen until the user quits or ctx is done. A run
// still in progress on exit is cancelled; the caller closes the controller.
func Run(ctx context.Context, ctrl *controller.Controller, activityLog *activity.Log, autoStart bool) error {
	m := New(ctrl, activityLog, autoStart)
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !(errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil) {
		return err
	}
	if ctrl.CanCancel() {
		if err := ctrl.Cancel(); err != nil {
			log.Warn("cancel on exit failed", logging.KeyError, err)
		}
	}
	return nil
}
