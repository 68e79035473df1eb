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

// ApprovalsScene lists pending approval requests and lets the operator
// approve or deny the selected one.
type ApprovalsScene struct {
	client     *api.Client
	approver   string
	approvals  []api.Approval
	err        string
	notice     string
	width      int
	height     int
	rows       list
	loading    bool
	lastUpdate time.Time
}

type approvalsMsg struct {
	approvals []api.Approval
	err       string
}

type resolvedMsg struct {
	id     string
	result string
	err    string
}

// NewApprovalsScene creates the approvals scene acting as approver.
func NewApprovalsScene(client *api.Client, approver string) *ApprovalsScene {
	return &ApprovalsScene{
		client:   client,
		approver: approver,
		loading:  true,
		rows:     list{maxRows: 10},
	}
}

// Init fetches the pending requests.
func (a *ApprovalsScene) Init() tea.Cmd {
	return a.fetch()
}

func (a *ApprovalsScene) fetch() tea.Cmd {
	return func() tea.Msg {
		reqs, err := a.client.ListApprovals("pending")
		if err != nil {
			return approvalsMsg{err: err.Error()}
		}
		return approvalsMsg{approvals: reqs}
	}
}

func (a *ApprovalsScene) resolve(id string, approved bool) tea.Cmd {
	approver := a.approver
	return func() tea.Msg {
		result, err := a.client.Resolve(id, approver, approved, "via console")
		if err != nil {
			return resolvedMsg{id: id, err: err.Error()}
		}
		return resolvedMsg{id: id, result: result}
	}
}

// TickCmd schedules the next refresh.
func (a *ApprovalsScene) TickCmd() tea.Cmd {
	return tick("approvals", 3*time.Second)
}

// Selected returns the request under the cursor.
func (a *ApprovalsScene) Selected() (api.Approval, bool) {
	if len(a.approvals) == 0 {
		return api.Approval{}, false
	}
	return a.approvals[a.rows.cursor], true
}

// Update handles messages for the approvals scene.
func (a *ApprovalsScene) Update(msg tea.Msg) (*ApprovalsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.rows.maxRows = max(5, a.height-14)
		a.rows.clamp(len(a.approvals))
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "a", "d":
			req, ok := a.Selected()
			if !ok {
				return a, nil
			}
			if a.approver == "" {
				a.notice = "no approver identity; start the console with -approver"
				return a, nil
			}
			return a, a.resolve(req.ID, msg.String() == "a")
		case "r":
			a.loading = true
			return a, a.fetch()
		default:
			a.rows.move(msg.String(), len(a.approvals))
		}
		return a, nil

	case approvalsMsg:
		a.loading = false
		a.err = msg.err
		if msg.err == "" {
			a.approvals = msg.approvals
		}
		a.lastUpdate = time.Now()
		a.rows.clamp(len(a.approvals))
		return a, nil

	case resolvedMsg:
		if msg.err != "" {
			a.notice = fmt.Sprintf("%s: %s", truncate(msg.id, 8), msg.err)
			return a, nil
		}
		a.notice = fmt.Sprintf("%s: %s", truncate(msg.id, 8), msg.result)
		return a, a.fetch()

	case TickMsg:
		if msg.Scene == "approvals" {
			return a, a.fetch()
		}
	}
	return a, nil
}

// View renders the pending requests.
func (a *ApprovalsScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  Pending Approvals"))
	b.WriteString("\n")
	who := a.approver
	if who == "" {
		who = "(read only)"
	}
	b.WriteString(styles.Subtitle.Render("  Approver: " + who))
	b.WriteString("\n\n")

	if a.loading && len(a.approvals) == 0 && a.err == "" {
		b.WriteString(styles.Muted.Render("  Loading approvals..."))
		return b.String()
	}
	if a.err != "" {
		b.WriteString(styles.StatusError.Render("  Error: " + a.err))
		return b.String()
	}
	if len(a.approvals) == 0 {
		b.WriteString(styles.StatusOK.Render("  Nothing waiting for approval."))
	} else {
		header := fmt.Sprintf("  %-10s %-9s %-22s %-20s %-10s %s", "Requested", "Level", "Playbook", "Action", "Expires", "Summary")
		b.WriteString(styles.TableHeader.Render(header))
		b.WriteString("\n")
		start, end := a.rows.window(len(a.approvals))
		for i := start; i < end; i++ {
			b.WriteString(a.renderRow(a.approvals[i], i == a.rows.cursor))
			b.WriteString("\n")
		}
	}

	if a.notice != "" {
		b.WriteString("\n")
		b.WriteString(styles.StatusWarning.Render("  " + a.notice))
	}
	b.WriteString(styles.Muted.Render("\n  [a] approve  [d] deny  [r] refresh"))
	return b.String()
}

func (a *ApprovalsScene) renderRow(req api.Approval, selected bool) string {
	expires := "never"
	if !req.ExpiresAt.IsZero() {
		expires = req.ExpiresAt.Local().Format("15:04:05")
	}
	level := styles.ForLevel(req.RequiredLevel).Render(fmt.Sprintf("%-9s", req.RequiredLevel))
	row := fmt.Sprintf("  %-10s %s %-22s %-20s %-10s %s",
		req.RequestedAt.Local().Format("15:04:05"), level,
		truncate(req.PlaybookID, 22), truncate(req.ActionID, 20), expires, truncate(req.Summary, 40))
	if selected {
		return lipgloss.NewStyle().Background(styles.Primary).Foreground(styles.White).Render(row)
	}
	return row
}
