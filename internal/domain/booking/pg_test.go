package booking

import (
	"context"
	"errors"
	"testing"

	"github.com/ehr/slotreserve/internal/domain/reservation"
	"github.com/ehr/slotreserve/internal/platform/db/dbtest"
)

func TestPGStore_CreateBookingIsIdempotent(t *testing.T) {
	pool := dbtest.Open(t)
	s := NewPGStore(pool)
	ctx := context.Background()

	first, err := s.CreateBooking(ctx, request("09:00", "A"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.CreateBooking(ctx, request("09:00", "A"))
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if first.ID != second.ID || first.ReservationID != second.ReservationID {
		t.Errorf("expected the original booking back, got %+v and %+v", first, second)
	}
	if second.Metadata.AppointmentType != "consultation" {
		t.Errorf("unexpected metadata %+v", second.Metadata)
	}

	s.CreateBooking(ctx, request("10:30", "B"))
	starts, err := s.BookedStarts(ctx, "D", "2024-06-01")
	if err != nil {
		t.Fatalf("booked starts: %v", err)
	}
	if len(starts) != 2 || starts[0] != "09:00" || starts[1] != "10:30" {
		t.Errorf("expected [09:00 10:30], got %v", starts)
	}
}

func TestPGStore_OneBookingPerSlot(t *testing.T) {
	pool := dbtest.Open(t)
	s := NewPGStore(pool)
	ctx := context.Background()

	if _, err := s.CreateBooking(ctx, request("09:00", "A")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateBooking(ctx, request("09:00", "B")); !errors.Is(err, reservation.ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable for a second holder, got %v", err)
	}
}
