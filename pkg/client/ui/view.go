package ui

import (
	"fmt"
)

func (m Model) View() string {
	if m.quitting {
		return "goodbye\n"
	}
	if !m.ready {
		return "connecting...\n"
	}

	status := "connecting"
	if m.identified {
		status = fmt.Sprintf("connected as %s | server %s", m.nick, m.serverHash)
	}

	return m.viewport.View() + "\n" +
		m.input.View() + "\n" +
		statusStyle.Width(m.width).Render(status)
}
