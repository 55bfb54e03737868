package accounts

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Directory answers account existence and enumeration. The ledger core does
// not own account data (profiles, KYC and auth live elsewhere); it only
// needs to know whether an id is real before mutating a balance.
type Directory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	List(ctx context.Context) ([]uuid.UUID, error)
}

// MemoryDirectory is an in-memory Directory for tests and local runs.
type MemoryDirectory struct {
	mu  sync.RWMutex
	ids map[uuid.UUID]struct{}
}

func NewMemoryDirectory(ids ...uuid.UUID) *MemoryDirectory {
	d := &MemoryDirectory{ids: make(map[uuid.UUID]struct{}, len(ids))}
	for _, id := range ids {
		d.ids[id] = struct{}{}
	}
	return d
}

// Add registers an account id.
func (d *MemoryDirectory) Add(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids[id] = struct{}{}
}

func (d *MemoryDirectory) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ids[id]
	return ok, nil
}

func (d *MemoryDirectory) List(_ context.Context) ([]uuid.UUID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(d.ids))
	for id := range d.ids {
		out = append(out, id)
	}
	return out, nil
}
