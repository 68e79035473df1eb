package storage

import (
	"context"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// mockConn implements driver.Conn without a ClickHouse server.
type mockConn struct {
	mu       sync.Mutex
	execs    []string
	versions []uint32
	execErr  error

	prepareBatchFunc func(ctx context.Context, query string) (driver.Batch, error)
}

func (m *mockConn) Contributors() []string                                          { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                   { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error       { return nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row       { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error { return nil }
func (m *mockConn) Ping(_ context.Context) error                                    { return nil }
func (m *mockConn) Stats() driver.Stats                                             { return driver.Stats{} }
func (m *mockConn) Close() error                                                    { return nil }

func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &mockRows{versions: append([]uint32(nil), m.versions...), pos: -1}, nil
}

func (m *mockConn) Exec(_ context.Context, query string, _ ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.execErr != nil {
		return m.execErr
	}
	m.execs = append(m.execs, query)
	return nil
}

func (m *mockConn) statements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.execs...)
}

func (m *mockConn) PrepareBatch(ctx context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu       sync.Mutex
	rows     [][]any
	sendFunc func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(v ...any) error {
	m.mu.Lock()
	m.rows = append(m.rows, v)
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return len(m.rows) }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

type mockRows struct {
	versions []uint32
	pos      int
}

func (r *mockRows) Next() bool {
	r.pos++
	return r.pos < len(r.versions)
}

func (r *mockRows) Scan(dest ...any) error {
	if p, ok := dest[0].(*uint32); ok {
		*p = r.versions[r.pos]
	}
	return nil
}

func (r *mockRows) ScanStruct(_ any) error           { return nil }
func (r *mockRows) ColumnTypes() []driver.ColumnType { return nil }
func (r *mockRows) Totals(_ ...any) error            { return nil }
func (r *mockRows) Columns() []string                { return []string{"version"} }
func (r *mockRows) Close() error                     { return nil }
func (r *mockRows) Err() error                       { return nil }

func newMockClient(conn driver.Conn) *ClickHouseClient {
	return NewClickHouseClientWithConn(conn, DefaultClickHouseConfig())
}
