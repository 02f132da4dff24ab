package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestNew_CreatesTables(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer db.Close()

	var tables []string
	err = db.db.SelectContext(context.Background(), &tables,
		"SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}

	expected := []string{"accounts", "messages", "sync_state"}
	for _, exp := range expected {
		found := false
		for _, tbl := range tables {
			if tbl == exp {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected table %q not found in %v", exp, tables)
		}
	}
}

func TestNew_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.db")
	ctx := context.Background()

	db, err := New(path)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := addAccount(t, db, "keep@example.com"); err != nil {
		t.Fatalf("AddAccount() error: %v", err)
	}
	db.Close()

	db, err = New(path)
	if err != nil {
		t.Fatalf("reopen New() error: %v", err)
	}
	defer db.Close()

	var version int
	if err := db.db.Get(&version, "PRAGMA user_version"); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("user_version = %d, want %d", version, len(migrations))
	}
	if _, err := db.GetAccountByEmail(ctx, "keep@example.com"); err != nil {
		t.Errorf("GetAccountByEmail() after reopen error: %v", err)
	}
}
