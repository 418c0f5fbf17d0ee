package backfill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists offers and per-slot backfill records.
type Store interface {
	CreateOffer(ctx context.Context, offer *Offer) error
	GetOffer(ctx context.Context, id string) (*Offer, error)
	GetOfferByClaimRef(ctx context.Context, ref string) (*Offer, error)
	ListOffersBySlot(ctx context.Context, slotID string) ([]Offer, error)
	// ListOpenOffers returns scheduled and pending offers, oldest first.
	ListOpenOffers(ctx context.Context, limit int) ([]Offer, error)
	// TransitionOffer moves an offer to `to` only if its status is one of
	// `from`, applying mutate to the stored copy first. Returns
	// ErrTransitionConflict when the status does not match.
	TransitionOffer(ctx context.Context, id string, from []OfferStatus, to OfferStatus, mutate func(*Offer)) (*Offer, error)
	GetBackfill(ctx context.Context, slotID string) (*Backfill, error)
	SaveBackfill(ctx context.Context, b *Backfill) error
	// ListStalledBackfills returns idle backfills that recorded an error,
	// least recently updated first.
	ListStalledBackfills(ctx context.Context, limit int) ([]Backfill, error)
}

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu        sync.RWMutex
	offers    map[string]*Offer
	byRef     map[string]string
	backfills map[string]*Backfill
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:    make(map[string]*Offer),
		byRef:     make(map[string]string),
		backfills: make(map[string]*Backfill),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateOffer(ctx context.Context, offer *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[offer.ID]; ok {
		return fmt.Errorf("backfill: offer %s already exists", offer.ID)
	}
	if _, ok := s.byRef[offer.ClaimRef]; ok {
		return fmt.Errorf("backfill: claim ref %s already in use", offer.ClaimRef)
	}
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = s.now()
	}
	offer.UpdatedAt = offer.CreatedAt
	cp := *offer
	s.offers[offer.ID] = &cp
	s.byRef[offer.ClaimRef] = offer.ID
	return nil
}

func (s *MemoryStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetOfferByClaimRef(ctx context.Context, ref string) (*Offer, error) {
	s.mu.RLock()
	id, ok := s.byRef[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrOfferNotFound
	}
	return s.GetOffer(ctx, id)
}

func (s *MemoryStore) ListOffersBySlot(ctx context.Context, slotID string) ([]Offer, error) {
	s.mu.RLock()
	var out []Offer
	for _, o := range s.offers {
		if o.SlotID == slotID {
			out = append(out, *o)
		}
	}
	s.mu.RUnlock()
	sortOffers(out)
	return out, nil
}

func (s *MemoryStore) ListOpenOffers(ctx context.Context, limit int) ([]Offer, error) {
	s.mu.RLock()
	var out []Offer
	for _, o := range s.offers {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	s.mu.RUnlock()
	sortOffers(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TransitionOffer(ctx context.Context, id string, from []OfferStatus, to OfferStatus, mutate func(*Offer)) (*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if !offerStatusIn(o.Status, from) {
		return nil, fmt.Errorf("%w: %s is %s", ErrTransitionConflict, id, o.Status)
	}
	next := *o
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to
	next.UpdatedAt = s.now()
	s.offers[id] = &next
	cp := next
	return &cp, nil
}

func (s *MemoryStore) GetBackfill(ctx context.Context, slotID string) (*Backfill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backfills[slotID]
	if !ok {
		return nil, ErrBackfillNotFound
	}
	return b.clone(), nil
}

func (s *MemoryStore) SaveBackfill(ctx context.Context, b *Backfill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.UpdatedAt = s.now()
	s.backfills[b.SlotID] = b.clone()
	return nil
}

func (s *MemoryStore) ListStalledBackfills(ctx context.Context, limit int) ([]Backfill, error) {
	s.mu.RLock()
	var out []Backfill
	for _, b := range s.backfills {
		if b.State == StateIdle && b.LastError != "" {
			out = append(out, *b.clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].SlotID < out[j].SlotID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortOffers(offers []Offer) {
	sort.SliceStable(offers, func(i, j int) bool {
		if !offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].CreatedAt.Before(offers[j].CreatedAt)
		}
		return offers[i].ID < offers[j].ID
	})
}

func offerStatusIn(s OfferStatus, set []OfferStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
