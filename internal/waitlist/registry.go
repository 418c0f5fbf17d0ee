package waitlist

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is pure data access for waitlist entries.
type Registry interface {
	Add(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	ListWaiting(ctx context.Context, orgID, serviceID string) ([]Entry, error)
	Transition(ctx context.Context, id string, from []Status, to Status) error
	Remove(ctx context.Context, id string) error
	ExpireStale(ctx context.Context, asOf time.Time) (int64, error)
}

// MemoryRegistry keeps entries in process memory.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]*Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var _ Registry = (*MemoryRegistry)(nil)

func (r *MemoryRegistry) Add(_ context.Context, e *Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	e.UpdatedAt = e.CreatedAt
	if e.Status == "" {
		e.Status = StatusWaiting
	}
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

// ListWaiting returns waiting entries for the org and service, oldest first.
func (r *MemoryRegistry) ListWaiting(_ context.Context, orgID, serviceID string) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.OrgID == orgID && e.ServiceID == serviceID && e.Status == StatusWaiting {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRegistry) Transition(_ context.Context, id string, from []Status, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if !statusIn(e.Status, from) {
		return fmt.Errorf("%w: %s is %s", ErrTransitionConflict, id, e.Status)
	}
	e.Status = to
	e.UpdatedAt = r.now()
	return nil
}

// Remove marks an entry removed, e.g. when the customer stops waiting.
// Entries holding an open offer must have that offer declined first.
func (r *MemoryRegistry) Remove(ctx context.Context, id string) error {
	return r.Transition(ctx, id, removableStatuses, StatusRemoved)
}

// ExpireStale marks waiting entries whose window has closed as expired_out.
func (r *MemoryRegistry) ExpireStale(_ context.Context, asOf time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.entries {
		if e.Status == StatusWaiting && !e.WindowEnd.IsZero() && !asOf.Before(e.WindowEnd) {
			e.Status = StatusExpiredOut
			e.UpdatedAt = r.now()
			n++
		}
	}
	return n, nil
}
