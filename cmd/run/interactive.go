package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/nnbridge/config"
	"github.com/wippyai/nnbridge/host"
	"github.com/wippyai/nnbridge/lineio"
	"github.com/wippyai/nnbridge/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	outputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// Placeholders shown in the command box as the engine starts up.
const (
	placeholderLoading = "Loading model..."
	placeholderReady   = "GTP command"
	placeholderFailed  = "Engine failed loading a weight"
)

type lineMsg struct {
	text string
	dir  lineio.Direction
}

type statusMsg int32

type exitMsg struct {
	err error
}

type consoleModel struct {
	err      error
	rt       *runtime.Runtime
	run      func() error
	title    string
	lines    []string
	input    textinput.Model
	view     viewport.Model
	sized    bool
	exited   bool
	failed   bool
	headroom int
}

func newConsoleModel(rt *runtime.Runtime, title string, run func() error) *consoleModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = placeholderLoading
	ti.CharLimit = 512
	ti.Focus()

	return &consoleModel{
		rt:       rt,
		run:      run,
		title:    title,
		input:    ti,
		headroom: 4,
	}
}

func (m *consoleModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.runEngine)
}

func (m *consoleModel) runEngine() tea.Msg {
	return exitMsg{err: m.run()}
}

func (m *consoleModel) submit(line string) tea.Cmd {
	stream := m.rt.Stream()
	return func() tea.Msg {
		stream.Submit(line)
		return nil
	}
}

func (m *consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := msg.Height - m.headroom
		if height < 1 {
			height = 1
		}
		if !m.sized {
			m.view = viewport.New(msg.Width, height)
			m.sized = true
		} else {
			m.view.Width = msg.Width
			m.view.Height = height
		}
		m.input.Width = msg.Width - len(m.input.Prompt) - 1
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.exited {
				return m, tea.Quit
			}
			line := m.input.Value()
			m.input.Reset()
			cmds = append(cmds, m.submit(line))
		}

	case lineMsg:
		style := outputStyle
		if msg.dir == lineio.Input {
			style = inputStyle
			msg.text = "> " + msg.text
		}
		m.lines = append(m.lines, style.Render(msg.text))
		m.refresh()

	case statusMsg:
		switch int32(msg) {
		case host.StatusReady:
			m.input.Placeholder = placeholderReady
		case host.StatusFailed:
			m.failed = true
			m.input.Placeholder = placeholderFailed
		}

	case exitMsg:
		m.exited = true
		m.err = msg.err
		m.input.Blur()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	if m.sized {
		m.view, cmd = m.view.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *consoleModel) refresh() {
	if !m.sized {
		return
	}
	m.view.SetContent(strings.Join(m.lines, "\n"))
	m.view.GotoBottom()
}

func (m *consoleModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("nnbridge"))
	b.WriteString(" ")
	b.WriteString(m.title)
	b.WriteString("\n")

	if m.sized {
		b.WriteString(m.view.View())
	} else {
		b.WriteString(strings.Join(m.lines, "\n"))
	}
	b.WriteString("\n")

	switch {
	case m.exited && m.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Engine stopped: %v", m.err)))
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter or ctrl+c quit"))
	case m.exited:
		b.WriteString(helpStyle.Render("Engine exited. enter or ctrl+c quit"))
	default:
		if m.failed {
			b.WriteString(errorStyle.Render(m.input.View()))
		} else {
			b.WriteString(m.input.View())
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter send • ctrl+c quit"))
	}
	return b.String()
}

func runInteractive(ctx context.Context, cfg *config.Config, target config.Target, opts []runtime.Option) error {
	var p *tea.Program
	sink := lineio.SinkFunc(func(dir lineio.Direction, line string) {
		p.Send(lineMsg{dir: dir, text: line})
	})
	status := func(code int32) {
		p.Send(statusMsg(code))
	}

	rt, err := runtime.New(ctx, cfg.Engine, target,
		append(opts, runtime.WithSink(sink), runtime.WithStatusHandler(status))...)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	title := fmt.Sprintf("%s · %s · %s", target.Name, cfg.Engine.Model, cfg.Engine.Subcommand)
	model := newConsoleModel(rt, title, func() error {
		return rt.RunFile(ctx, target.Engine)
	})
	p = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	final, err := p.Run()
	if err != nil {
		return err
	}
	if cm, ok := final.(*consoleModel); ok && cm.exited {
		return cm.err
	}
	return nil
}
