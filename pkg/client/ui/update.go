package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/lugchat/lugchat/pkg/client"
	"github.com/lugchat/lugchat/pkg/protocol"
)

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		viewportHeight := msg.Height - 4 // input line + status bar
		if !m.ready {
			m.viewport.Width = msg.Width
			m.viewport.Height = viewportHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = viewportHeight
		}
		m.refreshViewport()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.conn.Disconnect()
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			cmd := m.handleSubmit()
			m.input.Reset()
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
		}

	case eventMsg:
		quit := m.handleEvent(client.Event(msg))
		if quit {
			return m, tea.Quit
		}
		cmds = append(cmds, waitForEvent(m.conn))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// handleSubmit interprets the input line: commands start with "/" or ".",
// anything else posts.
func (m *Model) handleSubmit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}

	switch {
	case text == ".disconnect":
		m.conn.Disconnect()
		m.addSystem("disconnecting...")
		return nil

	case text == "/users":
		if err := m.conn.RequestUsers(0); err != nil {
			m.addError(err.Error())
		}
		return nil

	case strings.HasPrefix(text, "/history"):
		// "/history" alone fetches the last hour.
		end := time.Now().UnixMilli()
		start := end - time.Hour.Milliseconds()
		if err := m.conn.RequestHistory(start, end); err != nil {
			m.addError(err.Error())
		}
		return nil

	default:
		if !m.identified {
			m.addError("not identified yet")
			return nil
		}
		if err := m.conn.Post(text); err != nil {
			m.addError(err.Error())
			return nil
		}
		m.addLine(ownStyle.Render(m.nick) + " " + text)
		return nil
	}
}

// handleEvent renders one pipeline event. Returns true when the program
// should exit.
func (m *Model) handleEvent(ev client.Event) bool {
	switch ev.Kind {
	case client.KindIdentified:
		m.identified = true
		m.serverHash = protocol.Fingerprint(ev.ServerKey)
		m.addSystem("identified, server key " + m.serverHash)
		// Live updates from here on.
		if err := m.conn.Subscribe(0); err != nil {
			m.addError(err.Error())
		}

	case client.KindPost:
		m.renderPost(*ev.Post)

	case client.KindHistory:
		m.addSystem(fmt.Sprintf("--- history (%d messages) ---", len(ev.History)))
		for _, post := range ev.History {
			m.renderPost(post)
		}

	case client.KindUsers:
		m.addSystem(fmt.Sprintf("--- users (%d) ---", len(ev.Users)))
		for _, u := range ev.Users {
			m.addSystem(fmt.Sprintf("  %s [%s] since %s",
				u.Nick, u.Status, time.UnixMilli(u.JoinTime).Format("15:04:05")))
		}

	case client.KindResponse:
		if !ev.Response.Accept {
			m.addError(fmt.Sprintf("server rejected %s: %s", ev.Response.To, ev.Response.Reason))
		}

	case client.KindDropped:
		m.addError(fmt.Sprintf("dropped %s: %s", ev.Dropped.Type, ev.Dropped.Reason))

	case client.KindClosed:
		if ev.Err != nil {
			m.addError("connection lost: " + ev.Err.Error())
		}
		m.quitting = true
		return true
	}
	return false
}

func (m *Model) renderPost(post client.PostEvent) {
	prefix := nickStyle.Render(post.Nick)
	if post.Nick == m.nick {
		prefix = ownStyle.Render(post.Nick)
	}
	stamp := timeStyle.Render(time.UnixMilli(post.Time).Format("15:04:05"))
	line := stamp + " " + prefix + " " + post.Text
	if post.ReplyTo != "" {
		line = stamp + " " + prefix + " ↳ " + post.Text
	}
	m.addLine(line)
}

func (m *Model) addSystem(text string) {
	m.addLine(systemStyle.Render(text))
}

func (m *Model) addError(text string) {
	m.addLine(errorStyle.Render(text))
}

func (m *Model) addLine(text string) {
	m.lines = append(m.lines, chatLine{when: time.Now(), text: text})
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	rendered := make([]string, len(m.lines))
	for i, line := range m.lines {
		rendered[i] = line.text
	}
	m.viewport.SetContent(strings.Join(rendered, "\n"))
	m.viewport.GotoBottom()
}
