package scenes

import (
	"fmt"
	"strings"
	"time"

	"boundary-soar/internal/tui/api"
	"boundary-soar/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// PlaybooksScene lists the registered playbooks.
type PlaybooksScene struct {
	client    *api.Client
	playbooks []api.Playbook
	err       string
	rows      list
	loading   bool
}

type playbooksMsg struct {
	playbooks []api.Playbook
	err       string
}

// NewPlaybooksScene creates the playbooks scene.
func NewPlaybooksScene(client *api.Client) *PlaybooksScene {
	return &PlaybooksScene{client: client, loading: true, rows: list{maxRows: 10}}
}

// Init fetches the playbooks.
func (p *PlaybooksScene) Init() tea.Cmd {
	return func() tea.Msg {
		pbs, err := p.client.ListPlaybooks()
		if err != nil {
			return playbooksMsg{err: err.Error()}
		}
		return playbooksMsg{playbooks: pbs}
	}
}

// TickCmd schedules the next refresh. Playbooks change rarely.
func (p *PlaybooksScene) TickCmd() tea.Cmd {
	return tick("playbooks", 30*time.Second)
}

// Update handles messages for the playbooks scene.
func (p *PlaybooksScene) Update(msg tea.Msg) (*PlaybooksScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.rows.maxRows = max(5, msg.Height-10)
		p.rows.clamp(len(p.playbooks))
	case tea.KeyMsg:
		if msg.String() == "r" {
			p.loading = true
			return p, p.Init()
		}
		p.rows.move(msg.String(), len(p.playbooks))
	case playbooksMsg:
		p.loading = false
		p.err = msg.err
		if msg.err == "" {
			p.playbooks = msg.playbooks
		}
		p.rows.clamp(len(p.playbooks))
	case TickMsg:
		if msg.Scene == "playbooks" {
			return p, p.Init()
		}
	}
	return p, nil
}

// View renders the playbook table.
func (p *PlaybooksScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  Playbooks"))
	b.WriteString("\n\n")

	switch {
	case p.err != "":
		b.WriteString(styles.StatusError.Render("  Error: " + p.err))
		return b.String()
	case p.loading && len(p.playbooks) == 0:
		b.WriteString(styles.Muted.Render("  Loading playbooks..."))
		return b.String()
	case len(p.playbooks) == 0:
		b.WriteString(styles.Muted.Render("  No playbooks registered."))
		return b.String()
	}

	header := fmt.Sprintf("  %-28s %-8s %-7s %-5s %s", "ID", "Priority", "Actions", "Auto", "Tags")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")
	start, end := p.rows.window(len(p.playbooks))
	for i := start; i < end; i++ {
		pb := p.playbooks[i]
		auto := "no"
		if pb.AutoExecute {
			auto = "yes"
		}
		row := fmt.Sprintf("  %-28s %-8d %-7d %-5s %s",
			truncate(pb.ID, 28), pb.Priority, len(pb.Actions), auto, truncate(strings.Join(pb.Tags, ","), 40))
		if i == p.rows.cursor {
			row = lipgloss.NewStyle().Background(styles.Primary).Foreground(styles.White).Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}
	return b.String()
}
