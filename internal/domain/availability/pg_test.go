package availability

import (
	"context"
	"errors"
	"testing"

	"github.com/ehr/slotreserve/internal/domain/reservation"
	"github.com/ehr/slotreserve/internal/platform/db/dbtest"
)

func TestPGProvider_DaySchedule(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		INSERT INTO doctor_working_hours (doctor_id, weekday, start_time, end_time, slot_minutes) VALUES
			('dr-a', 1, '09:00', '12:00', 30),
			('dr-a', 1, '14:00', '16:00', 30),
			('dr-a', 2, '10:00', '11:00', 15);
		INSERT INTO doctor_absence (doctor_id, day) VALUES ('dr-a', '2024-06-10');`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	p := NewPGProvider(pool)

	s, err := p.DaySchedule(ctx, "dr-a", monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Windows) != 2 || s.SlotMinutes != 30 {
		t.Errorf("unexpected Monday schedule %+v", s)
	}

	if s, _ := p.DaySchedule(ctx, "dr-a", saturday); len(s.Windows) != 0 {
		t.Errorf("expected Saturday off, got %+v", s)
	}
	if s, _ := p.DaySchedule(ctx, "dr-a", monday.AddDate(0, 0, 7)); len(s.Windows) != 0 {
		t.Errorf("expected absence to clear the day, got %+v", s)
	}
	if _, err := p.DaySchedule(ctx, "dr-z", monday); !errors.Is(err, reservation.ErrDoctorNotFound) {
		t.Errorf("expected ErrDoctorNotFound, got %v", err)
	}
}
