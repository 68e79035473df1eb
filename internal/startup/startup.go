// Package startup runs preflight diagnostics before the SOAR service
// begins accepting triggers.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"boundary-soar/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostics runs the startup checks against a loaded configuration.
type Diagnostics struct {
	cfg         *config.Config
	configPath  string
	dialTimeout time.Duration
	checkPort   bool
	results     []DiagnosticResult
	logger      *slog.Logger
}

// NewDiagnostics creates a diagnostics runner. configPath is the file the
// configuration was read from.
func NewDiagnostics(cfg *config.Config, configPath string, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:         cfg,
		configPath:  configPath,
		dialTimeout: 3 * time.Second,
		checkPort:   true,
		logger:      logger.With("component", "startup"),
	}
}

// RunAll runs every check and logs a summary.
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")
	d.results = nil

	d.checkSystem()
	d.checkConfiguration()
	d.checkPlaybooks()
	if d.checkPort {
		d.checkHTTPPort()
	}
	d.checkApprovals()
	d.checkIntegrations()
	d.checkSecurity()
	d.checkDependencies(ctx)

	d.printSummary()
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	if d.configPath != "" {
		if _, err := os.Stat(d.configPath); os.IsNotExist(err) {
			d.addResult(DiagnosticResult{
				Name:    "config_file",
				Status:  StatusWarning,
				Message: "Config file not found, using defaults",
				Details: map[string]string{"path": d.configPath},
			})
		} else {
			d.addResult(DiagnosticResult{
				Name:    "config_file",
				Status:  StatusOK,
				Message: "Config file found",
				Details: map[string]string{"path": d.configPath},
			})
		}
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

func (d *Diagnostics) checkPlaybooks() {
	dir := d.cfg.Playbooks.Dir
	if dir == "" {
		d.addResult(DiagnosticResult{
			Name:    "playbook_dir",
			Status:  StatusSkipped,
			Message: "No playbook directory configured",
		})
		return
	}

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		status := StatusWarning
		msg := "Playbook directory missing, only built-in playbooks will load"
		if !d.cfg.Playbooks.LoadBuiltIns {
			status = StatusError
			msg = "Playbook directory missing and built-in playbooks are disabled"
		}
		d.addResult(DiagnosticResult{Name: "playbook_dir", Status: status, Message: msg, Details: map[string]string{"path": dir}})
		return
	case err != nil:
		d.addResult(DiagnosticResult{
			Name:    "playbook_dir",
			Status:  StatusError,
			Message: fmt.Sprintf("Error checking playbook directory: %s", err),
		})
		return
	case !info.IsDir():
		d.addResult(DiagnosticResult{
			Name:    "playbook_dir",
			Status:  StatusError,
			Message: "Path exists but is not a directory",
			Details: map[string]string{"path": dir},
		})
		return
	}

	var files int
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		files += len(matches)
	}
	status := StatusOK
	msg := "Playbook directory found"
	if files == 0 && !d.cfg.Playbooks.LoadBuiltIns {
		status = StatusWarning
		msg = "Playbook directory is empty and built-in playbooks are disabled"
	}
	d.addResult(DiagnosticResult{
		Name:    "playbook_dir",
		Status:  status,
		Message: msg,
		Details: map[string]string{"path": dir, "files": fmt.Sprintf("%d", files)},
	})
}

func (d *Diagnostics) checkHTTPPort() {
	port := d.cfg.Server.HTTPPort
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_http",
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", port, err),
			Details: map[string]string{"port": fmt.Sprintf("%d", port)},
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "port_http",
		Status:  StatusOK,
		Message: fmt.Sprintf("Port %d is available", port),
		Details: map[string]string{"port": fmt.Sprintf("%d", port)},
	})
}

func (d *Diagnostics) checkApprovals() {
	levels := map[string]int{}
	for _, level := range d.cfg.Approvals.Approvers {
		levels[level]++
	}
	if len(d.cfg.Approvals.Approvers) == 0 {
		d.addResult(DiagnosticResult{
			Name:    "approvers",
			Status:  StatusWarning,
			Message: "No approvers configured, gated actions can only expire",
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "approvers",
		Status:  StatusOK,
		Message: fmt.Sprintf("%d approvers configured", len(d.cfg.Approvals.Approvers)),
		Details: map[string]string{
			"analyst": fmt.Sprintf("%d", levels["analyst"]),
			"manager": fmt.Sprintf("%d", levels["manager"]),
			"ciso":    fmt.Sprintf("%d", levels["ciso"]),
		},
	})
	if levels["ciso"] == 0 {
		d.addResult(DiagnosticResult{
			Name:    "approvers_ciso",
			Status:  StatusWarning,
			Message: "No ciso-level approver, ciso-gated actions can only expire",
		})
	}
}

func (d *Diagnostics) checkIntegrations() {
	ic := d.cfg.Integrations
	bound := len(ic.Webhooks) + len(ic.DryRun)
	if ic.Slack.WebhookURL != "" {
		bound++
	}
	if ic.CommandBus.Enabled {
		bound += len(ic.CommandBus.Capabilities)
	}
	if bound == 0 {
		d.addResult(DiagnosticResult{
			Name:    "integrations",
			Status:  StatusWarning,
			Message: "No integrations configured, every action will fail",
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "integrations",
		Status:  StatusOK,
		Message: "Integrations configured",
		Details: map[string]string{
			"webhooks":    fmt.Sprintf("%d", len(ic.Webhooks)),
			"slack":       fmt.Sprintf("%t", ic.Slack.WebhookURL != ""),
			"command_bus": fmt.Sprintf("%t", ic.CommandBus.Enabled),
		},
	})

	if len(ic.DryRun) > 0 {
		status := StatusOK
		if d.cfg.Server.Production {
			status = StatusWarning
		}
		d.addResult(DiagnosticResult{
			Name:    "dry_run",
			Status:  status,
			Message: "Dry-run adapter answers some capabilities",
			Details: map[string]string{"capabilities": strings.Join(ic.DryRun, ",")},
		})
	}
}

func (d *Diagnostics) checkSecurity() {
	if !d.cfg.Server.Production {
		d.addResult(DiagnosticResult{
			Name:    "production_mode",
			Status:  StatusWarning,
			Message: "Production mode is DISABLED, internal error details are returned to clients",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "production_mode",
			Status:  StatusOK,
			Message: "Production mode is enabled",
		})
	}

	if !d.cfg.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusWarning,
			Message: "Rate limiting is DISABLED",
			Details: map[string]string{"recommendation": "Enable rate limiting for production"},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusOK,
			Message: "Rate limiting is enabled",
			Details: map[string]string{
				"requests_per_ip":  fmt.Sprintf("%d", d.cfg.RateLimit.RequestsPerIP),
				"decisions_per_ip": fmt.Sprintf("%d", d.cfg.RateLimit.DecisionsPerIP),
				"window":           d.cfg.RateLimit.WindowSize.String(),
			},
		})
	}

	if !d.cfg.SecurityHeaders.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "security_headers",
			Status:  StatusWarning,
			Message: "Security headers are DISABLED",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "security_headers",
			Status:  StatusOK,
			Message: "Security headers are enabled",
		})
	}
}

// checkDependencies dials the first address of each enabled backing
// service.
func (d *Diagnostics) checkDependencies(ctx context.Context) {
	deps := []struct {
		name    string
		enabled bool
		addr    string
	}{
		{"kafka", d.cfg.Kafka.Enabled, first(d.cfg.Kafka.Brokers)},
		{"clickhouse", d.cfg.Storage.Enabled, first(d.cfg.Storage.ClickHouse.Hosts)},
		{"redis", d.cfg.Cache.Enabled, d.cfg.Cache.Redis.Addr},
		{"s3", d.cfg.Archive.Enabled && d.cfg.Archive.S3.Endpoint != "", endpointAddr(d.cfg.Archive.S3.Endpoint)},
	}

	dialer := net.Dialer{Timeout: d.dialTimeout}
	for _, dep := range deps {
		name := dep.name + "_connectivity"
		if !dep.enabled || dep.addr == "" {
			d.addResult(DiagnosticResult{Name: name, Status: StatusSkipped, Message: "Disabled"})
			continue
		}
		conn, err := dialer.DialContext(ctx, "tcp", dep.addr)
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Cannot connect to %s: %s", dep.name, err),
				Details: map[string]string{"address": dep.addr},
			})
			continue
		}
		conn.Close()
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: dep.name + " is reachable",
			Details: map[string]string{"address": dep.addr},
		})
	}
}

func first(addrs []string) string {
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// endpointAddr turns an S3 endpoint URL into host:port.
func endpointAddr(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "http" {
		return net.JoinHostPort(u.Hostname(), "80")
	}
	return net.JoinHostPort(u.Hostname(), "443")
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors - service may not function correctly")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	} else {
		d.logger.Info("all startup diagnostics passed")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}
