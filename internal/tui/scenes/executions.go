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

// statusFilters is the cycle of status filters toggled with [f].
var statusFilters = []string{"", "running", "paused", "pending", "completed", "failed", "cancelled"}

// ExecutionsScene lists recent executions with their progress.
type ExecutionsScene struct {
	client     *api.Client
	stats      *api.Stats
	executions []api.Execution
	filter     int
	err        string
	width      int
	height     int
	rows       list
	loading    bool
	lastUpdate time.Time
}

type executionsMsg struct {
	executions []api.Execution
	stats      *api.Stats
	err        string
}

// NewExecutionsScene creates the executions scene.
func NewExecutionsScene(client *api.Client) *ExecutionsScene {
	return &ExecutionsScene{
		client:  client,
		loading: true,
		rows:    list{maxRows: 10},
	}
}

// Init fetches the first page.
func (e *ExecutionsScene) Init() tea.Cmd {
	return e.fetch()
}

func (e *ExecutionsScene) fetch() tea.Cmd {
	status := statusFilters[e.filter]
	return func() tea.Msg {
		execs, err := e.client.ListExecutions(status, 200)
		if err != nil {
			return executionsMsg{err: err.Error()}
		}
		// Stats are optional decoration.
		stats, _ := e.client.GetStats()
		return executionsMsg{executions: execs, stats: stats}
	}
}

// TickCmd schedules the next refresh.
func (e *ExecutionsScene) TickCmd() tea.Cmd {
	return tick("executions", 2*time.Second)
}

// Update handles messages for the executions scene.
func (e *ExecutionsScene) Update(msg tea.Msg) (*ExecutionsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		e.width = msg.Width
		e.height = msg.Height
		e.rows.maxRows = max(5, e.height-12)
		e.rows.clamp(len(e.executions))
		return e, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "f":
			e.filter = (e.filter + 1) % len(statusFilters)
			e.loading = true
			return e, e.fetch()
		case "r":
			e.loading = true
			return e, e.fetch()
		default:
			e.rows.move(msg.String(), len(e.executions))
		}
		return e, nil

	case executionsMsg:
		e.loading = false
		e.err = msg.err
		if msg.err == "" {
			e.executions = msg.executions
			e.stats = msg.stats
		}
		e.lastUpdate = time.Now()
		e.rows.clamp(len(e.executions))
		return e, nil

	case TickMsg:
		if msg.Scene == "executions" {
			return e, e.fetch()
		}
	}
	return e, nil
}

// Filter returns the active status filter; "" means all.
func (e *ExecutionsScene) Filter() string {
	return statusFilters[e.filter]
}

// View renders the executions table.
func (e *ExecutionsScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  Executions"))
	b.WriteString("\n")
	b.WriteString(e.renderSummary())
	b.WriteString("\n\n")

	if e.loading && len(e.executions) == 0 && e.err == "" {
		b.WriteString(styles.Muted.Render("  Loading executions..."))
		return b.String()
	}
	if e.err != "" {
		b.WriteString(styles.StatusError.Render("  Error: " + e.err))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}
	if len(e.executions) == 0 {
		b.WriteString(styles.Muted.Render("  No executions."))
		return b.String()
	}

	header := fmt.Sprintf("  %-10s %-11s %-28s %-10s %s", "Created", "Status", "Playbook", "Progress", "Error")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	start, end := e.rows.window(len(e.executions))
	for i := start; i < end; i++ {
		b.WriteString(e.renderRow(e.executions[i], i == e.rows.cursor))
		b.WriteString("\n")
	}

	footer := fmt.Sprintf("\n  %d-%d of %d  [f] filter  [r] refresh", start+1, end, len(e.executions))
	if !e.lastUpdate.IsZero() {
		footer += "  |  Updated: " + e.lastUpdate.Format("15:04:05")
	}
	b.WriteString(styles.Muted.Render(footer))
	return b.String()
}

func (e *ExecutionsScene) renderSummary() string {
	filter := "all"
	if f := e.Filter(); f != "" {
		filter = f
	}
	line := "  Filter: " + filter
	if e.stats != nil {
		line += fmt.Sprintf("  |  active %d  |  pending approvals %d  |  total %d  |  policy %s",
			e.stats.ActiveExecutions, e.stats.PendingApprovals, e.stats.TotalExecutions, e.stats.FailurePolicy)
	}
	return styles.Subtitle.Render(line)
}

func (e *ExecutionsScene) renderRow(x api.Execution, selected bool) string {
	name := x.PlaybookName
	if name == "" {
		name = x.PlaybookID
	}
	progress := fmt.Sprintf("%d/%d", x.Progress.CompletedActions+x.Progress.FailedActions, x.Progress.TotalActions)
	status := styles.ForStatus(x.Status).Render(fmt.Sprintf("%-11s", x.Status))
	row := fmt.Sprintf("  %-10s %s %-28s %-10s %s",
		x.CreatedAt.Local().Format("15:04:05"), status, truncate(name, 28), progress, truncate(x.Error, 40))
	if selected {
		return lipgloss.NewStyle().Background(styles.Primary).Foreground(styles.White).Render(row)
	}
	return row
}
