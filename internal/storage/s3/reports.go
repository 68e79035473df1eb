package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"boundary-soar/internal/soar"
)

// ReportArchiverConfig configures the report archiver.
type ReportArchiverConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// DefaultReportArchiverConfig returns the default archiver configuration.
func DefaultReportArchiverConfig() ReportArchiverConfig {
	return ReportArchiverConfig{QueueSize: 1024, Workers: 2}
}

// Sealer encrypts report bodies at rest. Open must return data it did not
// seal unchanged.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(data []byte) ([]byte, error)
}

// ReportArchiver uploads a gzipped JSON report of every execution that
// reaches a terminal status. It is a soar.Observer; uploads happen on
// worker goroutines and a full queue drops the report.
type ReportArchiver struct {
	client *Client
	sealer Sealer
	logger *slog.Logger

	queue  chan *soar.Execution
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	archived atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewReportArchiver starts the archiver's workers.
func NewReportArchiver(client *Client, cfg ReportArchiverConfig, logger *slog.Logger) *ReportArchiver {
	def := DefaultReportArchiverConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &ReportArchiver{
		client: client,
		logger: logger.With("component", "report_archiver"),
		queue:  make(chan *soar.Execution, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

// WithSealer encrypts reports before upload and decrypts them on Fetch.
// It must be called before the archiver is registered as an observer.
func (a *ReportArchiver) WithSealer(s Sealer) *ReportArchiver {
	a.sealer = s
	return a
}

// ReportKey is the object key of an execution's report.
func ReportKey(executionID string) string {
	return "executions/" + executionID + ".json.gz"
}

// ExecutionChanged queues terminal executions for upload.
func (a *ReportArchiver) ExecutionChanged(exec *soar.Execution) {
	if !exec.Status.Terminal() {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- exec:
	default:
		a.dropped.Add(1)
		a.logger.Warn("report queue full, dropping report", "execution_id", exec.ID)
	}
}

func (a *ReportArchiver) worker() {
	defer a.wg.Done()
	for exec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := a.Archive(ctx, exec); err != nil {
			a.failed.Add(1)
			a.logger.Error("failed to archive report", "execution_id", exec.ID, "error", err)
		}
		cancel()
	}
}

// Archive uploads the report of one execution.
func (a *ReportArchiver) Archive(ctx context.Context, exec *soar.Execution) error {
	data, err := encodeReport(exec)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"execution-id": exec.ID,
		"playbook-id":  exec.PlaybookID,
		"status":       string(exec.Status),
	}
	contentType := "application/gzip"
	if a.sealer != nil {
		if data, err = a.sealer.Seal(data); err != nil {
			return fmt.Errorf("seal report %s: %w", exec.ID, err)
		}
		contentType = "application/octet-stream"
		meta["sealed"] = "true"
	}
	if err := a.client.Put(ctx, ReportKey(exec.ID), data, contentType, meta); err != nil {
		return err
	}
	a.archived.Add(1)
	return nil
}

// Fetch downloads and decodes an archived report.
func (a *ReportArchiver) Fetch(ctx context.Context, executionID string) (*soar.Execution, error) {
	data, err := a.client.Get(ctx, ReportKey(executionID))
	if err != nil {
		return nil, err
	}
	if a.sealer != nil {
		if data, err = a.sealer.Open(data); err != nil {
			return nil, fmt.Errorf("open report %s: %w", executionID, err)
		}
	}
	return decodeReport(data)
}

func encodeReport(exec *soar.Execution) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(exec); err != nil {
		return nil, fmt.Errorf("encode report %s: %w", exec.ID, err)
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeReport(data []byte) (*soar.Execution, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	var exec soar.Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &exec, nil
}

// ArchiverMetrics are the archiver's counters.
type ArchiverMetrics struct {
	Archived int64 `json:"archived"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
	Client   Metrics
}

// Metrics returns the archiver's counters.
func (a *ReportArchiver) Metrics() ArchiverMetrics {
	return ArchiverMetrics{
		Archived: a.archived.Load(),
		Dropped:  a.dropped.Load(),
		Failed:   a.failed.Load(),
		Client:   a.client.Metrics(),
	}
}

// Close stops accepting reports and waits for queued uploads.
func (a *ReportArchiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
