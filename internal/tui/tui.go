// Package tui provides the terminal approval console for the SOAR service.
package tui

import (
	"fmt"
	"strings"

	"boundary-soar/internal/tui/api"
	"boundary-soar/internal/tui/scenes"
	"boundary-soar/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene identifies a tab.
type Scene int

const (
	SceneExecutions Scene = iota
	SceneApprovals
	ScenePlaybooks
	sceneCount
)

// Model is the console model.
type Model struct {
	client *api.Client

	scene Scene

	// Only the active scene receives ticks.
	executions *scenes.ExecutionsScene
	approvals  *scenes.ApprovalsScene
	playbooks  *scenes.PlaybooksScene

	width  int
	height int

	quitting bool
}

// New creates a console talking to baseURL and resolving approvals as
// approver. An empty approver makes the console read only.
func New(baseURL, approver string) *Model {
	client := api.NewClient(baseURL)
	return &Model{
		client:     client,
		scene:      SceneExecutions,
		executions: scenes.NewExecutionsScene(client),
		approvals:  scenes.NewApprovalsScene(client, approver),
		playbooks:  scenes.NewPlaybooksScene(client),
	}
}

// Init starts the first scene.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.executions.Init(), m.activeTick())
}

func (m *Model) activeTick() tea.Cmd {
	switch m.scene {
	case SceneExecutions:
		return m.executions.TickCmd()
	case SceneApprovals:
		return m.approvals.TickCmd()
	case ScenePlaybooks:
		return m.playbooks.TickCmd()
	}
	return nil
}

func (m *Model) activeInit() tea.Cmd {
	switch m.scene {
	case SceneExecutions:
		return m.executions.Init()
	case SceneApprovals:
		return m.approvals.Init()
	case ScenePlaybooks:
		return m.playbooks.Init()
	}
	return nil
}

func (m *Model) switchTo(s Scene) tea.Cmd {
	if m.scene == s {
		return nil
	}
	m.scene = s
	return tea.Batch(m.activeInit(), m.activeTick())
}

// Update handles all messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1":
			return m, m.switchTo(SceneExecutions)
		case "2":
			return m, m.switchTo(SceneApprovals)
		case "3":
			return m, m.switchTo(ScenePlaybooks)
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.executions, _ = m.executions.Update(msg)
		m.approvals, _ = m.approvals.Update(msg)
		m.playbooks, _ = m.playbooks.Update(msg)
		return m, nil

	case scenes.TickMsg:
		cmd := m.forward(msg)
		return m, tea.Batch(cmd, m.activeTick())
	}

	return m, m.forward(msg)
}

func (m *Model) forward(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	switch m.scene {
	case SceneExecutions:
		m.executions, cmd = m.executions.Update(msg)
	case SceneApprovals:
		m.approvals, cmd = m.approvals.Update(msg)
	case ScenePlaybooks:
		m.playbooks, cmd = m.playbooks.Update(msg)
	}
	return cmd
}

// View renders the console.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	switch m.scene {
	case SceneExecutions:
		b.WriteString(m.executions.View())
	case SceneApprovals:
		b.WriteString(m.approvals.View())
	case ScenePlaybooks:
		b.WriteString(m.playbooks.View())
	}
	b.WriteString("\n")
	b.WriteString(styles.Help.Render(" [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [q] Quit "))
	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Executions", "1", SceneExecutions},
		{"Approvals", "2", SceneApprovals},
		{"Playbooks", "3", ScenePlaybooks},
	}

	var views []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			views = append(views, styles.TabActive.Render(label))
		} else {
			views = append(views, styles.TabInactive.Render(label))
		}
	}

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, views...))
}

// Run starts the console.
func Run(baseURL, approver string) error {
	p := tea.NewProgram(New(baseURL, approver), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
