// Package scenes provides the console's tabs.
package scenes

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// TickMsg is sent on each refresh tick. The parent model forwards it to the
// active scene only.
type TickMsg struct {
	Scene string
	Time  time.Time
}

func tick(scene string, every time.Duration) tea.Cmd {
	return tea.Tick(every, func(t time.Time) tea.Msg {
		return TickMsg{Scene: scene, Time: t}
	})
}

// list tracks a cursor over rows with a scrolling window.
type list struct {
	cursor  int
	offset  int
	maxRows int
}

func (l *list) move(key string, n int) {
	switch key {
	case "up", "k":
		if l.cursor > 0 {
			l.cursor--
		}
	case "down", "j":
		if l.cursor < n-1 {
			l.cursor++
		}
	case "pgup":
		l.cursor = max(0, l.cursor-l.maxRows)
	case "pgdown":
		l.cursor = max(0, min(n-1, l.cursor+l.maxRows))
	}
	l.clamp(n)
}

func (l *list) clamp(n int) {
	if l.cursor >= n {
		l.cursor = max(0, n-1)
	}
	if l.cursor < l.offset {
		l.offset = l.cursor
	}
	if l.cursor >= l.offset+l.maxRows {
		l.offset = l.cursor - l.maxRows + 1
	}
	if l.offset > max(0, n-l.maxRows) {
		l.offset = max(0, n-l.maxRows)
	}
}

func (l *list) window(n int) (start, end int) {
	return l.offset, min(l.offset+l.maxRows, n)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
