package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE test (id INT)",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "multiple statements",
			sql:      "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name: "statement with semicolon in string",
			sql:  "INSERT INTO t VALUES ('hello; world')",
			expected: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name: "multiple with comments",
			sql: `-- Comment
CREATE TABLE a (id INT);
-- Another comment
CREATE TABLE b (id INT)`,
			expected: []string{"-- Comment\nCREATE TABLE a (id INT)", "-- Another comment\nCREATE TABLE b (id INT)"},
		},
		{
			name:     "empty string",
			sql:      "",
			expected: nil,
		},
		{
			name:     "only whitespace",
			sql:      "   \n\t  ",
			expected: nil,
		},
		{
			name:     "trailing semicolon",
			sql:      "CREATE TABLE test (id INT);",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)

			if len(result) != len(tt.expected) {
				t.Errorf("splitStatements() returned %d statements, want %d", len(result), len(tt.expected))
				t.Errorf("Got: %v", result)
				t.Errorf("Want: %v", tt.expected)
				return
			}

			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("loadMigrations() returned %d migrations, want 2", len(migrations))
	}
	want := []struct {
		version int
		name    string
	}{
		{1, "create_executions"},
		{2, "create_action_log"},
	}
	for i, w := range want {
		if migrations[i].Version != w.version || migrations[i].Name != w.name {
			t.Errorf("migration[%d] = %d %s, want %d %s", i, migrations[i].Version, migrations[i].Name, w.version, w.name)
		}
	}
}

func TestMigratorRunSkipsApplied(t *testing.T) {
	conn := &mockConn{versions: []uint32{1}}
	m := NewMigrator(newMockClient(conn), nil)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var creates, records []string
	for _, stmt := range conn.statements() {
		switch {
		case strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS executions"):
			creates = append(creates, "executions")
		case strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS action_log"):
			creates = append(creates, "action_log")
		case strings.HasPrefix(stmt, "INSERT INTO "+migrationsTable):
			records = append(records, stmt)
		}
	}
	if len(creates) != 1 || creates[0] != "action_log" {
		t.Errorf("created tables = %v, want only action_log", creates)
	}
	if len(records) != 1 {
		t.Errorf("recorded %d migrations, want 1", len(records))
	}
}

func TestMigratorRunStopsOnError(t *testing.T) {
	conn := &mockConn{execErr: errors.New("Code: 62. Syntax error")}
	m := NewMigrator(newMockClient(conn), nil)

	err := m.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when statements fail")
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Table != migrationsTable {
		t.Errorf("error = %v, want StorageError for %s", err, migrationsTable)
	}
}

func TestIsCommentOnly(t *testing.T) {
	if !isCommentOnly("-- a\n  -- b\n") {
		t.Error("comment lines should be skipped")
	}
	if isCommentOnly("-- header\nCREATE TABLE t (id UInt8)") {
		t.Error("statement with a leading comment must run")
	}
}
