package transfer

import (
	"strings"
	"testing"
)

func TestRegistry_CreatePlaceholder(t *testing.T) {
	r := NewRegistry()
	tr := r.Create(DirectionUpload, "f.bin", "/up/f.bin", 1000)

	if !strings.HasPrefix(tr.ID, "local-") {
		t.Errorf("expected placeholder id, got %s", tr.ID)
	}
	if tr.Status != StatusPending {
		t.Errorf("expected pending status, got %s", tr.Status)
	}

	got, ok := r.Resolve(tr.ID)
	if !ok {
		t.Fatal("placeholder id does not resolve")
	}
	if got.Key != tr.Key {
		t.Error("resolved record key mismatch")
	}
}

func TestRegistry_AdoptServerID(t *testing.T) {
	r := NewRegistry()
	tr := r.Create(DirectionUpload, "f.bin", "/up/f.bin", 1000)
	r.Progress(tr.Key, 512)

	if err := r.AdoptServerID(tr.ID, "srv-42"); err != nil {
		t.Fatalf("AdoptServerID failed: %v", err)
	}

	// All fields preserved under the new identifier.
	got, ok := r.Resolve("srv-42")
	if !ok {
		t.Fatal("server id does not resolve")
	}
	if got.FileName != "f.bin" || got.RemotePath != "/up/f.bin" || got.TotalBytes != 1000 {
		t.Error("fields lost across identifier substitution")
	}
	if got.BytesTransferred != 512 {
		t.Errorf("expected 512 bytes preserved, got %d", got.BytesTransferred)
	}

	// The placeholder still resolves to the same record, so a progress
	// update racing the swap is neither lost nor duplicated.
	viaOld, ok := r.Resolve(tr.ID)
	if !ok {
		t.Fatal("placeholder stopped resolving after adoption")
	}
	if viaOld.Key != got.Key {
		t.Error("placeholder resolves to a different record")
	}
	if viaOld.ID != "srv-42" {
		t.Errorf("expected public id srv-42, got %s", viaOld.ID)
	}

	// Only one record remains listed.
	if n := len(r.List()); n != 1 {
		t.Errorf("expected 1 record, got %d", n)
	}
}

func TestRegistry_AdoptUnknownID(t *testing.T) {
	r := NewRegistry()
	if err := r.AdoptServerID("local-nope", "srv-1"); err == nil {
		t.Fatal("expected error for unknown placeholder")
	}
}

func TestRegistry_ProgressMonotonic(t *testing.T) {
	r := NewRegistry()
	tr := r.Create(DirectionDownload, "f", "/f", 100)

	r.Progress(tr.Key, 60)
	r.Progress(tr.Key, 40) // decrease ignored

	got, _ := r.Get(tr.Key)
	if got.BytesTransferred != 60 {
		t.Errorf("expected 60 bytes, got %d", got.BytesTransferred)
	}
}

func TestTransfer_PercentComplete(t *testing.T) {
	tests := []struct {
		name  string
		total int64
		done  int64
		want  int
	}{
		{"zero total is complete", 0, 0, 100},
		{"half", 200, 100, 50},
		{"rounding", 3, 2, 67},
		{"clamped above", 100, 150, 100},
		{"complete", 100_000, 100_000, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Transfer{TotalBytes: tt.total, BytesTransferred: tt.done}
			if got := tr.PercentComplete(); got != tt.want {
				t.Errorf("expected %d%%, got %d%%", tt.want, got)
			}
		})
	}
}

func TestRegistry_ClearIsExplicit(t *testing.T) {
	r := NewRegistry()
	tr := r.Create(DirectionUpload, "f", "/f", 10)
	r.SetStatus(tr.Key, StatusCompleted, "")

	// Completion does not remove the record.
	if n := len(r.List()); n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}

	if !r.Clear(tr.ID) {
		t.Fatal("Clear failed")
	}
	if n := len(r.List()); n != 0 {
		t.Errorf("expected 0 records, got %d", n)
	}
	if r.Clear(tr.ID) {
		t.Error("expected second Clear to report missing record")
	}
}

func TestRegistry_ListNewestFirst(t *testing.T) {
	r := NewRegistry()
	r.Create(DirectionUpload, "a", "/a", 1)
	r.Create(DirectionUpload, "b", "/b", 1)

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if list[0].StartedAt.Before(list[1].StartedAt) {
		t.Error("expected newest record first")
	}
}
