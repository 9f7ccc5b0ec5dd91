package client

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("9"))
)

type lineMsg string

type closedMsg struct{ err error }

type sendErrMsg struct{ err error }

// Model is the bubbletea model of the chat window: received lines above, an
// input line below.
type Model struct {
	conn     *Conn
	name     string
	viewport viewport.Model
	input    textinput.Model
	lines    []string
	closed   bool
}

// NewModel builds the chat window for a joined connection.
func NewModel(conn *Conn, name string) Model {
	input := textinput.New()
	input.Placeholder = "Type a message and press Enter"
	input.Prompt = "> "
	input.CharLimit = maxLineSize
	input.Focus()

	return Model{
		conn:     conn,
		name:     name,
		viewport: viewport.New(80, 20),
		input:    input,
	}
}

// Init starts the cursor blink and the first wait for a server line.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForLine(m.conn))
}

func waitForLine(c *Conn) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-c.Lines()
		if !ok {
			return closedMsg{err: c.Err()}
		}
		return lineMsg(line)
	}
}

func (m Model) send(text string) tea.Cmd {
	return func() tea.Msg {
		if err := m.conn.Send(text); err != nil {
			return sendErrMsg{err: err}
		}
		return nil
	}
}

// Update handles window, key, and connection events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(1, msg.Height-3)
		m.input.Width = max(1, msg.Width-len(m.input.Prompt)-1)
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			_ = m.conn.Close()
			return m, tea.Quit
		case tea.KeyEnter:
			if m.closed {
				return m, tea.Quit
			}
			text := m.input.Value()
			m.input.Reset()
			m.appendLine(selfStyle.Render(m.name + ": " + text))
			return m, m.send(text)
		}

	case lineMsg:
		m.appendLine(string(msg))
		return m, waitForLine(m.conn)

	case closedMsg:
		m.closed = true
		status := "connection closed"
		if msg.err != nil {
			status += ": " + msg.err.Error()
		}
		m.appendLine(statusStyle.Render(status + " (press Enter to quit)"))
		return m, nil

	case sendErrMsg:
		m.appendLine(statusStyle.Render("send failed: " + msg.err.Error()))
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// View renders the header, transcript, and input line.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("relaychat: " + m.name))
	b.WriteByte('\n')
	b.WriteString(m.viewport.View())
	b.WriteByte('\n')
	b.WriteString(m.input.View())
	return b.String()
}

// Lines returns the transcript shown so far.
func (m Model) Lines() []string {
	return append([]string(nil), m.lines...)
}
