package settings

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SetGet(t *testing.T) {
	s := openTestStore(t)

	type creds struct {
		Host     string `json:"host"`
		Username string `json:"username"`
	}
	if err := s.Set("credentials", creds{Host: "srv", Username: "alice"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var got creds
	if err := s.Get("credentials", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Host != "srv" || got.Username != "alice" {
		t.Errorf("got %+v", got)
	}
}

func TestStore_Overwrite(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set("theme", "dark"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("theme", "light"); err != nil {
		t.Fatal(err)
	}

	var got string
	if err := s.Get("theme", &got); err != nil {
		t.Fatal(err)
	}
	if got != "light" {
		t.Errorf("got %q", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	var v string
	if err := s.Get("absent", &v); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set("k", 42); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	var v int
	if err := s.Get("k", &v); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an absent key is fine.
	if err := s.Delete("k"); err != nil {
		t.Errorf("second delete errored: %v", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("persisted", true); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	var v bool
	if err := s2.Get("persisted", &v); err != nil || !v {
		t.Errorf("value lost across reopen: %v %v", v, err)
	}
}
