package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSessionsNotifyMigrationMatchesListener(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0002_sessions_notify.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"pg_notify('" + notifyChannel + "'",
		"'content_omitted', true",
		"'kind', lower(TG_OP)",
		"AFTER INSERT OR UPDATE OR DELETE ON sessions",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "'content', rec.content") {
		t.Fatal("notify payload must not carry the content body")
	}
}

func TestSessionsTableHasCompositeUniqueKey(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0001_sessions.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(sqlBytes), "UNIQUE (file_path, branch_name)") {
		t.Fatal("sessions table must be unique on (file_path, branch_name)")
	}
}
