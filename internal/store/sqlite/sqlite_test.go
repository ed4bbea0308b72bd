package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

func TestNew_CreatesSchema(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rows, err := db.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan error: %v", err)
		}
		tables = append(tables, name)
	}
	for _, want := range []string{"accounts", "attachments", "messages", "messages_fts"} {
		if !slices.Contains(tables, want) {
			t.Errorf("table %q not found in %v", want, tables)
		}
	}

	version, err := db.schemaVersion(ctx)
	if err != nil {
		t.Fatalf("schemaVersion() error: %v", err)
	}
	if version != schemaVersion {
		t.Errorf("user_version = %d, want %d", version, schemaVersion)
	}
}

func TestNew_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.db")
	ctx := context.Background()

	db, err := New(path)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	acct := &domain.Account{ID: "acc-1", Email: "a@example.com", Provider: domain.ProviderGmail, Active: true}
	if err := db.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	db.Close()

	db, err = New(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer db.Close()
	if _, err := db.GetAccount(ctx, "acc-1"); err != nil {
		t.Errorf("GetAccount() after reopen error: %v", err)
	}
}

func TestNew_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.db")
	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatal(err)
	}
	raw.Close()

	_, err = New(path)
	if err == nil {
		t.Fatal("New() should refuse a newer schema")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Errorf("error = %q, want it to mention the newer schema", err)
	}
}

func TestConnString(t *testing.T) {
	tests := []struct {
		dsn          string
		wantContains []string
		wantMissing  []string
	}{
		{":memory:", []string{"_foreign_keys=on"}, []string{"_journal_mode"}},
		{"/tmp/x.db", []string{"_foreign_keys=on", "_journal_mode=WAL", "_busy_timeout=5000", "_txlock=immediate"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			got := connString(tt.dsn)
			if !strings.HasPrefix(got, tt.dsn+"?") {
				t.Errorf("connString(%q) = %q, want dsn prefix", tt.dsn, got)
			}
			for _, s := range tt.wantContains {
				if !strings.Contains(got, s) {
					t.Errorf("connString(%q) = %q, missing %q", tt.dsn, got, s)
				}
			}
			for _, s := range tt.wantMissing {
				if strings.Contains(got, s) {
					t.Errorf("connString(%q) = %q, unexpected %q", tt.dsn, got, s)
				}
			}
		})
	}
}
