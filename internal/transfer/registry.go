package transfer

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction of a transfer, from the client's point of view.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Status of a transfer record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Transfer is a snapshot of one transfer record. Key is the stable arena
// key; ID is the public identifier, a client placeholder until the server
// assigns a canonical one.
type Transfer struct {
	Key              string    `json:"-"`
	ID               string    `json:"id"`
	Direction        Direction `json:"direction"`
	FileName         string    `json:"fileName"`
	RemotePath       string    `json:"remotePath"`
	TotalBytes       int64     `json:"totalBytes"`
	BytesTransferred int64     `json:"bytesTransferred"`
	Status           Status    `json:"status"`
	Message          string    `json:"message,omitempty"`
	StartedAt        time.Time `json:"startedAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// PercentComplete is bytesTransferred/totalBytes clamped to [0,100].
// A zero-byte transfer is defined as already complete.
func (t Transfer) PercentComplete() int {
	if t.TotalBytes == 0 {
		return 100
	}
	pct := int(math.Round(float64(t.BytesTransferred) / float64(t.TotalBytes) * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Registry is the arena of transfer records. Records are addressed
// internally by a stable key; the public identifier is a plain field that
// gets reassigned when the server adopts a transfer. Both the placeholder
// and canonical identifiers resolve to the record afterwards, so a progress
// update racing the swap is never lost or applied twice.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*Transfer // arena key → record
	byPublic map[string]string    // public id (incl. superseded) → arena key
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records:  make(map[string]*Transfer),
		byPublic: make(map[string]string),
	}
}

// Create adds a pending record with a locally generated placeholder
// identifier and returns its snapshot.
func (r *Registry) Create(dir Direction, fileName, remotePath string, totalBytes int64) Transfer {
	now := time.Now().UTC()
	t := &Transfer{
		Key:        uuid.New().String(),
		ID:         "local-" + uuid.New().String(),
		Direction:  dir,
		FileName:   fileName,
		RemotePath: remotePath,
		TotalBytes: totalBytes,
		Status:     StatusPending,
		StartedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	r.records[t.Key] = t
	r.byPublic[t.ID] = t.Key
	r.mu.Unlock()

	return *t
}

// Resolve finds a record by any public identifier it has carried.
func (r *Registry) Resolve(publicID string) (Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byPublic[publicID]
	if !ok {
		return Transfer{}, false
	}
	t, ok := r.records[key]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

// Get returns a record snapshot by arena key.
func (r *Registry) Get(key string) (Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.records[key]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

// AdoptServerID replaces a placeholder identifier with the server-assigned
// one, preserving every other field. The swap is atomic under the registry
// lock; the placeholder keeps resolving to the same record.
func (r *Registry) AdoptServerID(placeholderID, serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byPublic[placeholderID]
	if !ok {
		return fmt.Errorf("unknown transfer: %s", placeholderID)
	}
	t := r.records[key]
	t.ID = serverID
	t.UpdatedAt = time.Now().UTC()
	r.byPublic[serverID] = key
	return nil
}

// Progress raises a record's transferred byte count. Decreases are ignored
// so the count stays monotonic while active.
func (r *Registry) Progress(key string, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.records[key]
	if !ok {
		return
	}
	if bytes > t.BytesTransferred {
		t.BytesTransferred = bytes
		t.UpdatedAt = time.Now().UTC()
	}
}

// SetTotalBytes fills in a size learned after creation (downloads).
func (r *Registry) SetTotalBytes(key string, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.records[key]; ok && total > 0 {
		t.TotalBytes = total
		t.UpdatedAt = time.Now().UTC()
	}
}

// SetStatus moves a record to a new status with an optional message.
func (r *Registry) SetStatus(key string, status Status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.records[key]
	if !ok {
		return
	}
	t.Status = status
	if message != "" {
		t.Message = message
	}
	t.UpdatedAt = time.Now().UTC()
}

// List returns snapshots of all records, newest first.
func (r *Registry) List() []Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Transfer, 0, len(r.records))
	for _, t := range r.records {
		result = append(result, *t)
	}
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].StartedAt.After(result[i].StartedAt) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	return result
}

// Clear removes a record by public identifier. Records are never removed
// automatically.
func (r *Registry) Clear(publicID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byPublic[publicID]
	if !ok {
		return false
	}
	delete(r.records, key)
	for id, k := range r.byPublic {
		if k == key {
			delete(r.byPublic, id)
		}
	}
	return true
}
