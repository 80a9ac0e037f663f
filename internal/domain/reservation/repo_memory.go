package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for single-instance deployments and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	live map[SlotKey]uuid.UUID
	byID map[uuid.UUID]*Reservation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		live: make(map[SlotKey]uuid.UUID),
		byID: make(map[uuid.UUID]*Reservation),
	}
}

func (m *MemoryStore) GetLive(_ context.Context, key SlotKey) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.live[key]
	if !ok {
		return nil, nil
	}
	return m.byID[id].Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byID[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Insert(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.live[r.Key]; exists && r.State.Live() {
		return errLiveExists
	}
	m.byID[r.ID] = r.Clone()
	if r.State.Live() {
		m.live[r.Key] = r.ID
	}
	return nil
}

func (m *MemoryStore) Update(_ context.Context, r *Reservation, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[r.ID]
	if !ok || cur.Version != expectedVersion {
		return errStaleWrite
	}
	m.byID[r.ID] = r.Clone()
	if r.State.Live() {
		m.live[r.Key] = r.ID
	} else if m.live[r.Key] == r.ID {
		delete(m.live, r.Key)
	}
	return nil
}

func (m *MemoryStore) ListLive(_ context.Context, doctorID, date string) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Reservation
	for key, id := range m.live {
		if key.DoctorID != doctorID || key.Date != date {
			continue
		}
		out = append(out, m.byID[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Start < out[j].Key.Start })
	return out, nil
}

func (m *MemoryStore) ListHeldExpiringBy(_ context.Context, t time.Time) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Reservation
	for _, id := range m.live {
		r := m.byID[id]
		if r.State == StateHeld && r.ExpiresAt != nil && !r.ExpiresAt.After(t) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryStore) PurgeArchived(_ context.Context, before time.Time, confirmedBefore string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, r := range m.byID {
		switch r.State {
		case StateReleased, StateExpired:
			if !r.UpdatedAt.Before(before) {
				continue
			}
		case StateConfirmed:
			if r.Key.Date >= confirmedBefore {
				continue
			}
			if m.live[r.Key] == id {
				delete(m.live, r.Key)
			}
		default:
			continue
		}
		delete(m.byID, id)
		purged++
	}
	return purged, nil
}
