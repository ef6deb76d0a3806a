package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	statements []string
	failOn     string
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if r.failOn != "" && strings.Contains(sql, r.failOn) {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	r.statements = append(r.statements, sql)
	return pgconn.CommandTag{}, nil
}

func TestApplyFS_OrdersAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0002_b.sql":   {Data: []byte("SELECT 2;")},
		"m/0001_a.sql":   {Data: []byte("SELECT 1;")},
		"m/README.md":    {Data: []byte("docs")},
		"m/nested/x.sql": {Data: []byte("SELECT 3;")},
	}
	execer := &recordingExecer{}

	applied, err := ApplyFS(context.Background(), execer, fsys, "m")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(applied) != 2 || applied[0] != "0001_a.sql" || applied[1] != "0002_b.sql" {
		t.Fatalf("unexpected applied order: %v", applied)
	}
	if len(execer.statements) != 2 || execer.statements[0] != "SELECT 1;" {
		t.Fatalf("unexpected statements: %v", execer.statements)
	}
}

func TestApplyFS_StopsOnError(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0001_a.sql": {Data: []byte("SELECT 1;")},
		"m/0002_b.sql": {Data: []byte("BROKEN;")},
		"m/0003_c.sql": {Data: []byte("SELECT 3;")},
	}
	execer := &recordingExecer{failOn: "BROKEN"}

	applied, err := ApplyFS(context.Background(), execer, fsys, "m")
	if err == nil {
		t.Fatal("expected error from failing migration")
	}
	if !strings.Contains(err.Error(), "0002_b.sql") {
		t.Fatalf("expected error to name the failing file, got %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("expected only the first migration applied, got %v", applied)
	}
}

func TestMigrate_EmbeddedSchema(t *testing.T) {
	execer := &recordingExecer{}

	applied, err := Migrate(context.Background(), execer)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if !strings.Contains(execer.statements[0], "CREATE TABLE IF NOT EXISTS loans") {
		t.Fatalf("first migration should create loans table")
	}
}

func TestNewPool_EmptyConnString(t *testing.T) {
	if _, err := NewPool(context.Background(), "", PoolOptions{}); err == nil {
		t.Fatal("expected error for empty connection string")
	}
}
