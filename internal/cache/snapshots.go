package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"boundary-soar/internal/soar"
)

// SnapshotConfig configures the snapshot cache.
type SnapshotConfig struct {
	Prefix      string        `yaml:"prefix"`
	TTL         time.Duration `yaml:"ttl"`
	TerminalTTL time.Duration `yaml:"terminal_ttl"`
}

// DefaultSnapshotConfig returns the default snapshot cache configuration.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Prefix:      "soar:",
		TTL:         24 * time.Hour,
		TerminalTTL: 7 * 24 * time.Hour,
	}
}

// SnapshotCache is a soar.Observer that writes the latest snapshot of each
// execution to Redis and tracks non-terminal executions in a set. Writes
// are coalesced per execution and performed by one background goroutine.
type SnapshotCache struct {
	client Client
	config SnapshotConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*soar.Execution
	order   []string
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	writes   atomic.Int64
	failures atomic.Int64
}

// NewSnapshotCache starts the cache's writer goroutine.
func NewSnapshotCache(client Client, cfg SnapshotConfig, logger *slog.Logger) *SnapshotCache {
	def := DefaultSnapshotConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.TerminalTTL <= 0 {
		cfg.TerminalTTL = def.TerminalTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &SnapshotCache{
		client:  client,
		config:  cfg,
		logger:  logger.With("component", "snapshot_cache"),
		pending: make(map[string]*soar.Execution),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *SnapshotCache) executionKey(id string) string {
	return c.config.Prefix + "execution:" + id
}

func (c *SnapshotCache) activeKey() string {
	return c.config.Prefix + "executions:active"
}

// ExecutionChanged queues the snapshot; a newer snapshot of the same
// execution replaces one not yet written.
func (c *SnapshotCache) ExecutionChanged(exec *soar.Execution) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, queued := c.pending[exec.ID]; !queued {
		c.order = append(c.order, exec.ID)
	}
	c.pending[exec.ID] = exec
	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.mu.Unlock()
}

func (c *SnapshotCache) run() {
	defer close(c.stopped)
	for range c.wake {
		c.drain()
	}
	c.drain()
}

func (c *SnapshotCache) drain() {
	c.mu.Lock()
	pending, order := c.pending, c.order
	c.pending = make(map[string]*soar.Execution)
	c.order = nil
	c.mu.Unlock()

	for _, id := range order {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.write(ctx, pending[id]); err != nil {
			c.failures.Add(1)
			c.logger.Warn("failed to cache execution", "execution_id", id, "error", err)
		} else {
			c.writes.Add(1)
		}
		cancel()
	}
}

func (c *SnapshotCache) write(ctx context.Context, exec *soar.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	ttl := c.config.TTL
	if exec.Status.Terminal() {
		ttl = c.config.TerminalTTL
	}
	if err := c.client.Set(ctx, c.executionKey(exec.ID), data, ttl); err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return c.client.SRem(ctx, c.activeKey(), exec.ID)
	}
	return c.client.SAdd(ctx, c.activeKey(), exec.ID)
}

// Fetch returns the cached snapshot of an execution.
func (c *SnapshotCache) Fetch(ctx context.Context, executionID string) (*soar.Execution, error) {
	data, err := c.client.Get(ctx, c.executionKey(executionID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: execution %s", ErrKeyNotFound, executionID)
		}
		return nil, err
	}
	var exec soar.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("cache: decode execution %s: %w", executionID, err)
	}
	return &exec, nil
}

// Active returns the ids of cached non-terminal executions.
func (c *SnapshotCache) Active(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, c.activeKey())
}

// Forget removes an execution from the cache.
func (c *SnapshotCache) Forget(ctx context.Context, executionID string) error {
	if err := c.client.SRem(ctx, c.activeKey(), executionID); err != nil {
		return err
	}
	return c.client.Delete(ctx, c.executionKey(executionID))
}

// Stats returns successful and failed write counts.
func (c *SnapshotCache) Stats() (writes, failures int64) {
	return c.writes.Load(), c.failures.Load()
}

// Close writes what is queued and stops the writer.
func (c *SnapshotCache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.wake)
	c.mu.Unlock()

	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
