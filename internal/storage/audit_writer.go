package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"boundary-soar/internal/soar"
)

// AuditWriterConfig holds configuration for the audit writer.
type AuditWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxBuffered   int           `yaml:"max_buffered"`
}

// DefaultAuditWriterConfig returns the default audit writer configuration.
func DefaultAuditWriterConfig() AuditWriterConfig {
	return AuditWriterConfig{
		BatchSize:     200,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		MaxBuffered:   10000,
	}
}

// AuditMetrics are the writer's counters.
type AuditMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Batches uint64 `json:"batches"`
}

// AuditWriter records terminal executions and their action logs in
// ClickHouse. It is a soar.Observer; ExecutionChanged never blocks on the
// database, rows are flushed by a background goroutine.
type AuditWriter struct {
	client *ClickHouseClient
	config AuditWriterConfig
	logger *slog.Logger

	mu      sync.Mutex
	buffer  []*soar.Execution
	closed  bool
	trigger chan struct{}
	done    chan struct{}
	stopped chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
	batches atomic.Uint64
}

// NewAuditWriter creates the writer and starts its flush loop.
func NewAuditWriter(client *ClickHouseClient, cfg AuditWriterConfig, logger *slog.Logger) *AuditWriter {
	def := DefaultAuditWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = def.MaxBuffered
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &AuditWriter{
		client:  client,
		config:  cfg,
		logger:  logger.With("component", "audit_writer"),
		buffer:  make([]*soar.Execution, 0, cfg.BatchSize),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

// ExecutionChanged buffers terminal snapshots. A later snapshot of an
// already written execution is written again and replaces the earlier row.
func (w *AuditWriter) ExecutionChanged(exec *soar.Execution) {
	if !exec.Status.Terminal() {
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if len(w.buffer) >= w.config.MaxBuffered {
		w.mu.Unlock()
		w.dropped.Add(1)
		w.logger.Warn("audit buffer full, dropping execution", "execution_id", exec.ID)
		return
	}
	w.buffer = append(w.buffer, exec)
	full := len(w.buffer) >= w.config.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
}

func (w *AuditWriter) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			w.flush()
			return
		case <-ticker.C:
		case <-w.trigger:
		}
		w.flush()
	}
}

// Flush writes everything buffered so far.
func (w *AuditWriter) Flush() error {
	return w.flush()
}

func (w *AuditWriter) flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	execs := w.buffer
	w.buffer = make([]*soar.Execution, 0, w.config.BatchSize)
	w.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryDelay * time.Duration(attempt))
		}
		if lastErr = w.insert(execs); lastErr == nil {
			w.written.Add(uint64(len(execs)))
			w.batches.Add(1)
			return nil
		}
		w.logger.Warn("audit insert failed",
			"attempt", attempt+1,
			"max_retries", w.config.MaxRetries,
			"error", lastErr,
		)
	}

	w.failed.Add(uint64(len(execs)))
	err := &StorageError{Op: "Flush", Table: "executions", Err: fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr), Retries: w.config.MaxRetries}
	w.logger.Error("audit batch lost", "executions", len(execs), "error", err)
	return err
}

func (w *AuditWriter) insert(execs []*soar.Execution) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := time.Now().UTC()

	batch, err := w.client.PrepareBatch(ctx, `
		INSERT INTO executions (
			execution_id, playbook_id, playbook_name, event_type, event,
			status, error, total_actions, completed_actions, failed_actions,
			created_at, started_at, completed_at, updated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare executions batch: %w", err)
	}
	for _, e := range execs {
		event, _ := json.Marshal(e.Event)
		p := e.Progress()
		if err := batch.Append(
			e.ID,
			e.PlaybookID,
			e.PlaybookName,
			e.Event.Type(),
			string(event),
			string(e.Status),
			e.Error,
			uint16(p.TotalActions),
			uint16(p.CompletedActions),
			uint16(p.FailedActions),
			e.CreatedAt,
			nullableTime(e.StartedAt),
			nullableTime(e.CompletedAt),
			now,
		); err != nil {
			batch.Abort()
			return fmt.Errorf("append execution %s: %w", e.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send executions batch: %w", err)
	}

	actions, err := w.client.PrepareBatch(ctx, `
		INSERT INTO action_log (
			execution_id, playbook_id, action_id, capability, outcome,
			attempts, error, result, approval_request_id,
			started_at, completed_at, updated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare action_log batch: %w", err)
	}
	for _, e := range execs {
		for _, rec := range e.Executed {
			result, _ := json.Marshal(rec.Result)
			if err := actions.Append(
				e.ID,
				e.PlaybookID,
				rec.ActionID,
				string(rec.Capability),
				string(rec.Outcome),
				uint8(rec.Attempts),
				rec.Error,
				string(result),
				rec.ApprovalRequestID,
				rec.Timestamp,
				nullableTime(rec.CompletedAt),
				now,
			); err != nil {
				actions.Abort()
				return fmt.Errorf("append action %s/%s: %w", e.ID, rec.ActionID, err)
			}
		}
	}
	return actions.Send()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Metrics returns the writer's counters.
func (w *AuditWriter) Metrics() AuditMetrics {
	return AuditMetrics{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
		Batches: w.batches.Load(),
	}
}

// Close stops the flush loop after a final flush.
func (w *AuditWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
