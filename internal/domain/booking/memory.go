// Package booking persists the appointments created when reservations are
// confirmed.
package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/slotreserve/internal/domain/reservation"
)

const StatusBooked = "booked"

// MemoryStore is an in-process reservation.BookingStore.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]*reservation.BookingRecord
	bySlot   map[reservation.SlotKey]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[uuid.UUID]*reservation.BookingRecord),
		bySlot:   make(map[reservation.SlotKey]uuid.UUID),
	}
}

// CreateBooking returns the existing record when the holder booked the slot
// before. A slot booked by someone else is reservation.ErrSlotUnavailable.
func (m *MemoryStore) CreateBooking(_ context.Context, req reservation.BookingRequest) (*reservation.BookingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.bySlot[req.Key]; ok {
		rec := *m.bookings[id]
		if rec.HolderID != req.HolderID {
			return nil, slotTaken(req.Key)
		}
		return &rec, nil
	}

	rec := &reservation.BookingRecord{
		ID:            uuid.New(),
		ReservationID: req.ReservationID,
		Key:           req.Key,
		HolderID:      req.HolderID,
		Metadata:      req.Metadata,
		Status:        StatusBooked,
		CreatedAt:     req.ConfirmedAt,
	}
	m.bookings[rec.ID] = rec
	m.bySlot[req.Key] = rec.ID

	out := *rec
	return &out, nil
}

// BookedStarts lists the booked start times for a doctor's day.
func (m *MemoryStore) BookedStarts(_ context.Context, doctorID, date string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, rec := range m.bookings {
		if rec.Status == StatusBooked && rec.Key.DoctorID == doctorID && rec.Key.Date == date {
			out = append(out, rec.Key.Start)
		}
	}
	sort.Strings(out)
	return out, nil
}

func slotTaken(key reservation.SlotKey) error {
	return fmt.Errorf("%w: %s is booked by another holder", reservation.ErrSlotUnavailable, key)
}
