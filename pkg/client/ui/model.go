// Package ui is the terminal chat interface, a Bubble Tea program fed by
// the client pipeline's event channel.
package ui

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/lugchat/lugchat/pkg/client"
)

var (
	nickStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	ownStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).
			BorderStyle(lipgloss.NormalBorder()).BorderTop(true)
)

// chatLine is one rendered line of the transcript.
type chatLine struct {
	when time.Time
	text string
}

// Model is the Bubble Tea model for the chat screen.
type Model struct {
	conn *client.Client
	nick string

	viewport viewport.Model
	input    textinput.Model
	ready    bool
	width    int
	height   int

	lines      []chatLine
	identified bool
	serverHash string
	quitting   bool
}

// New builds the model around an already-dialed connection. The caller
// runs Hello/Subscribe before starting the program or lets Init do it.
func New(conn *client.Client, nick string) Model {
	input := textinput.New()
	input.Placeholder = "message (/users, /history, .disconnect)"
	input.CharLimit = 4096
	input.Focus()

	return Model{
		conn:  conn,
		nick:  nick,
		input: input,
	}
}

// eventMsg carries one pipeline event into the Bubble Tea loop.
type eventMsg client.Event

// waitForEvent blocks on the pipeline until something happens.
func waitForEvent(conn *client.Client) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-conn.Events())
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		func() tea.Msg {
			if err := m.conn.Hello(); err != nil {
				return eventMsg(client.Event{Kind: client.KindClosed, Err: err})
			}
			return nil
		},
		waitForEvent(m.conn),
	)
}
