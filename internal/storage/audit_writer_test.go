package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"boundary-soar/internal/playbook"
	"boundary-soar/internal/soar"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches map[string][]*mockBatch
	sendErr error
}

func (r *batchRecorder) prepare(_ context.Context, query string) (driver.Batch, error) {
	table := "executions"
	if strings.Contains(query, "action_log") {
		table = "action_log"
	}
	b := &mockBatch{sendFunc: func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.sendErr
	}}
	r.mu.Lock()
	if r.batches == nil {
		r.batches = make(map[string][]*mockBatch)
	}
	r.batches[table] = append(r.batches[table], b)
	r.mu.Unlock()
	return b, nil
}

func (r *batchRecorder) rows(table string) [][]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]any
	for _, b := range r.batches[table] {
		b.mu.Lock()
		out = append(out, b.rows...)
		b.mu.Unlock()
	}
	return out
}

func terminalExecution(id string, status soar.Status) *soar.Execution {
	now := time.Now().UTC()
	return &soar.Execution{
		ID:           id,
		PlaybookID:   "malware-response",
		PlaybookName: "Malware response",
		Event:        playbook.Event{"event_type": "malware_detected", "host": "ws-042"},
		Status:       status,
		TotalActions: 2,
		CreatedAt:    now,
		StartedAt:    now,
		CompletedAt:  now,
		Executed: []soar.ActionRecord{
			{ActionID: "isolate", Capability: playbook.CapabilityContain, Attempts: 1, Outcome: soar.OutcomeSucceeded, Timestamp: now, CompletedAt: now},
			{ActionID: "notify", Capability: playbook.CapabilityNotify, Attempts: 3, Outcome: soar.OutcomeFailed, Error: "timeout", Timestamp: now},
		},
	}
}

func newRecordingWriter(t *testing.T, cfg AuditWriterConfig) (*AuditWriter, *batchRecorder) {
	t.Helper()
	rec := &batchRecorder{}
	conn := &mockConn{prepareBatchFunc: rec.prepare}
	w := NewAuditWriter(newMockClient(conn), cfg, nil)
	t.Cleanup(func() { w.Close(context.Background()) })
	return w, rec
}

func TestAuditWriterIgnoresNonTerminal(t *testing.T) {
	w, rec := newRecordingWriter(t, AuditWriterConfig{FlushInterval: time.Hour})

	for _, s := range []soar.Status{soar.StatusPending, soar.StatusRunning, soar.StatusPaused} {
		w.ExecutionChanged(terminalExecution("exec-"+string(s), s))
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n := len(rec.rows("executions")); n != 0 {
		t.Errorf("wrote %d execution rows, want 0", n)
	}
}

func TestAuditWriterWritesExecutionsAndActions(t *testing.T) {
	w, rec := newRecordingWriter(t, AuditWriterConfig{FlushInterval: time.Hour})

	w.ExecutionChanged(terminalExecution("exec-1", soar.StatusCompleted))
	w.ExecutionChanged(terminalExecution("exec-2", soar.StatusFailed))
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	execRows := rec.rows("executions")
	if len(execRows) != 2 {
		t.Fatalf("execution rows = %d, want 2", len(execRows))
	}
	if execRows[0][0] != "exec-1" || execRows[0][3] != "malware_detected" || execRows[0][5] != "completed" {
		t.Errorf("first row = %v", execRows[0][:6])
	}
	if execRows[1][5] != "failed" {
		t.Errorf("second status = %v, want failed", execRows[1][5])
	}

	actionRows := rec.rows("action_log")
	if len(actionRows) != 4 {
		t.Fatalf("action rows = %d, want 4", len(actionRows))
	}
	if actionRows[1][2] != "notify" || actionRows[1][5] != uint8(3) {
		t.Errorf("notify row = %v", actionRows[1][:6])
	}
	if completed, ok := actionRows[1][10].(*time.Time); !ok || completed != nil {
		t.Errorf("unfinished action completed_at = %v, want nil", actionRows[1][10])
	}

	m := w.Metrics()
	if m.Written != 2 || m.Batches != 1 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestAuditWriterFlushesOnBatchSize(t *testing.T) {
	w, rec := newRecordingWriter(t, AuditWriterConfig{BatchSize: 2, FlushInterval: time.Hour})

	w.ExecutionChanged(terminalExecution("exec-1", soar.StatusCompleted))
	w.ExecutionChanged(terminalExecution("exec-2", soar.StatusCancelled))

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.rows("executions")) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("batch was not flushed when full")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAuditWriterRetriesThenCountsFailure(t *testing.T) {
	w, rec := newRecordingWriter(t, AuditWriterConfig{FlushInterval: time.Hour, MaxRetries: 2, RetryDelay: time.Millisecond})
	rec.sendErr = errors.New("connection reset")

	w.ExecutionChanged(terminalExecution("exec-1", soar.StatusCompleted))
	err := w.Flush()
	if !errors.Is(err, ErrBatchInsertFailed) {
		t.Fatalf("Flush() error = %v, want ErrBatchInsertFailed", err)
	}
	if !IsRetryable(err) {
		t.Error("batch failure should be retryable")
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Retries != 2 {
		t.Errorf("error = %#v, want StorageError with 2 retries", err)
	}

	rec.mu.Lock()
	attempts := len(rec.batches["executions"])
	rec.mu.Unlock()
	if attempts != 3 {
		t.Errorf("insert attempts = %d, want 3", attempts)
	}
	if m := w.Metrics(); m.Failed != 1 || m.Written != 0 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestAuditWriterDropsWhenBufferFull(t *testing.T) {
	w, _ := newRecordingWriter(t, AuditWriterConfig{BatchSize: 100, FlushInterval: time.Hour, MaxBuffered: 2})

	for _, id := range []string{"a", "b", "c", "d"} {
		w.ExecutionChanged(terminalExecution(id, soar.StatusCompleted))
	}
	if m := w.Metrics(); m.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", m.Dropped)
	}
}

func TestAuditWriterCloseFlushes(t *testing.T) {
	rec := &batchRecorder{}
	w := NewAuditWriter(newMockClient(&mockConn{prepareBatchFunc: rec.prepare}), AuditWriterConfig{FlushInterval: time.Hour}, nil)

	w.ExecutionChanged(terminalExecution("exec-1", soar.StatusCompleted))
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := len(rec.rows("executions")); n != 1 {
		t.Errorf("rows after Close() = %d, want 1", n)
	}
	if err := w.Close(context.Background()); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("second Close() error = %v, want ErrWriterClosed", err)
	}

	w.ExecutionChanged(terminalExecution("exec-2", soar.StatusCompleted))
	if err := w.Flush(); err != nil || len(rec.rows("executions")) != 1 {
		t.Error("writes after Close() must be ignored")
	}
}
