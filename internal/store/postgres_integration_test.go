package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openIntegrationStore(t *testing.T, now *time.Time) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("DOCDRAFT_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("DOCDRAFT_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(ctx, db, os.DirFS(filepath.Join("..", "..", "db", "migrations"))); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		t.Fatalf("clear sessions: %v", err)
	}
	return NewPostgresStore(db, 30*time.Minute).WithClock(func() time.Time { return *now })
}

func TestPostgresLeaseLifecycle(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s := openIntegrationStore(t, &now)
	ctx := context.Background()
	key := Key{FilePath: "guide.md", Branch: "main"}

	ok, err := s.Acquire(ctx, key, "client-a")
	if err != nil || !ok {
		t.Fatalf("Acquire(a) = %v, %v", ok, err)
	}
	ok, err = s.Acquire(ctx, key, "client-b")
	if err != nil || ok {
		t.Fatalf("Acquire(b) while a holds = %v, %v", ok, err)
	}

	now = now.Add(20 * time.Minute)
	if ok, err := s.Heartbeat(ctx, key, "client-a"); err != nil || !ok {
		t.Fatalf("Heartbeat(a) = %v, %v", ok, err)
	}
	now = now.Add(20 * time.Minute)
	if ok, _ := s.Acquire(ctx, key, "client-b"); ok {
		t.Fatal("heartbeat should have kept the lease alive")
	}

	now = now.Add(31 * time.Minute)
	ok, err = s.Acquire(ctx, key, "client-b")
	if err != nil || !ok {
		t.Fatalf("Acquire(b) after expiry = %v, %v", ok, err)
	}

	released, err := s.Release(ctx, key, "client-a")
	if err != nil || released {
		t.Fatalf("Release by non-holder = %v, %v", released, err)
	}

	row, found, err := s.GetByKey(ctx, key)
	if err != nil || !found {
		t.Fatalf("GetByKey() = %v, %v", found, err)
	}
	if row.LockedBy != "client-b" {
		t.Fatalf("expected client-b to hold, got %q", row.LockedBy)
	}
}

func TestPostgresTransferAndContent(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s := openIntegrationStore(t, &now)
	ctx := context.Background()
	first := Key{FilePath: "guide.md", Branch: "main"}
	second := Key{FilePath: "intro.md", Branch: "main"}

	if ok, err := s.Acquire(ctx, first, "client-a"); err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}
	if _, err := s.UpsertContent(ctx, first, "# Guide", "client-a"); err != nil {
		t.Fatalf("UpsertContent() error = %v", err)
	}

	acquired, released, err := s.Transfer(ctx, second, "client-a")
	if err != nil || !acquired {
		t.Fatalf("Transfer() = %v, %v", acquired, err)
	}
	if len(released) != 1 || released[0] != first {
		t.Fatalf("expected %v released, got %v", first, released)
	}

	rows, err := s.ListByBranch(ctx, "main")
	if err != nil {
		t.Fatalf("ListByBranch() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Content == nil || *rows[0].Content != "# Guide" || rows[0].LockedBy != "" {
		t.Fatalf("unexpected first row %+v", rows[0])
	}

	keys, err := s.ReleaseAll(ctx, "client-a")
	if err != nil || len(keys) != 1 || keys[0] != second {
		t.Fatalf("ReleaseAll() = %v, %v", keys, err)
	}
}
