package reservation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func starts(keys []SlotKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Start
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCatalog_AvailableSlots_FullDay(t *testing.T) {
	env := newTestEnv(t)
	got, err := env.catalog.AvailableSlots(context.Background(), testDoctor, testDate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"}
	if !equalStrings(starts(got), want) {
		t.Errorf("expected %v, got %v", want, starts(got))
	}
}

func TestCatalog_AvailableSlots_ExcludesLiveAndBooked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.reserve(t, "A")
	h, _ := env.svc.ReserveSlot(ctx, ReserveRequest{DoctorID: testDoctor, Date: testDate, Time: "10:00", HolderID: "B"})
	env.svc.ConfirmReservation(ctx, h, BookingMetadata{})
	env.bookings.CreateBooking(ctx, BookingRequest{Key: SlotKey{DoctorID: testDoctor, Date: testDate, Start: "11:30"}, HolderID: "walk-in"})

	got, err := env.catalog.AvailableSlots(ctx, testDoctor, testDate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"09:30", "10:30", "11:00"}
	if !equalStrings(starts(got), want) {
		t.Errorf("expected %v, got %v", want, starts(got))
	}
}

func TestCatalog_AvailableSlots_LapsedHoldIsFree(t *testing.T) {
	env := newTestEnv(t)
	h := env.reserve(t, "A")
	env.clock.Set(h.ExpiresAt)

	got, _ := env.catalog.AvailableSlots(context.Background(), testDoctor, testDate)
	if len(got) == 0 || got[0].Start != testStart {
		t.Errorf("expected a lapsed hold to be shown free before the sweep, got %v", starts(got))
	}
}

func TestCatalog_AvailableSlots_SkipsStartedSlots(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Set(time.Date(2024, 6, 1, 10, 15, 0, 0, time.UTC))

	got, _ := env.catalog.AvailableSlots(context.Background(), testDoctor, testDate)
	want := []string{"10:30", "11:00", "11:30"}
	if !equalStrings(starts(got), want) {
		t.Errorf("expected %v, got %v", want, starts(got))
	}
}

func TestCatalog_AvailableSlots_NoWorkingHours(t *testing.T) {
	env := newTestEnv(t)
	env.provider.schedules["off"] = DaySchedule{SlotMinutes: 30}

	got, err := env.catalog.AvailableSlots(context.Background(), "off", testDate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected an empty non-nil list, got %#v", got)
	}
}

func TestCatalog_AvailableSlots_Errors(t *testing.T) {
	tests := []struct {
		name   string
		doctor string
		date   string
		setup  func(*testEnv)
		want   error
	}{
		{name: "unknown doctor", doctor: "nobody", date: testDate, want: ErrDoctorNotFound},
		{name: "malformed date", doctor: testDoctor, date: "June 1", want: ErrInvalidSlotRequest},
		{name: "past date", doctor: testDoctor, date: "2024-05-01", want: ErrInvalidSlotRequest},
		{name: "beyond horizon", doctor: testDoctor, date: "2024-07-15", want: ErrInvalidSlotRequest},
		{
			name: "provider down", doctor: testDoctor, date: testDate,
			setup: func(env *testEnv) { env.provider.err = errors.New("timeout") },
			want:  ErrStorageFault,
		},
		{
			name: "bad granularity", doctor: "zero", date: testDate,
			setup: func(env *testEnv) {
				env.provider.schedules["zero"] = DaySchedule{Windows: []WorkingWindow{{Start: 540, End: 600}}}
			},
			want: ErrStorageFault,
		},
		{
			name: "booking store down", doctor: testDoctor, date: testDate,
			setup: func(env *testEnv) { env.bookings.err = errors.New("timeout") },
			want:  ErrStorageFault,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			_, err := env.catalog.AvailableSlots(context.Background(), tt.doctor, tt.date)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCatalog_OverlappingWindowsAreMerged(t *testing.T) {
	env := newTestEnv(t)
	env.provider.schedules["split"] = DaySchedule{
		Windows: []WorkingWindow{
			{Start: 14 * 60, End: 15 * 60},
			{Start: 9 * 60, End: 10 * 60},
			{Start: 9*60 + 30, End: 10*60 + 30},
		},
		SlotMinutes: 30,
	}
	got, err := env.catalog.AvailableSlots(context.Background(), "split", testDate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"09:00", "09:30", "10:00", "14:00", "14:30"}
	if !equalStrings(starts(got), want) {
		t.Errorf("expected %v, got %v", want, starts(got))
	}
}

func TestCatalog_ValidateDate(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skip("timezone database unavailable")
	}
	env := newTestEnv(t)
	c := NewCatalog(env.provider, env.ledger, env.bookings, env.clock, loc, 10)

	// 2024-05-31 20:00 UTC is already 2024-06-01 in Kolkata.
	now := time.Date(2024, 5, 31, 20, 0, 0, 0, time.UTC)
	if _, err := c.ValidateDate("2024-05-31", now); !errors.Is(err, ErrInvalidSlotRequest) {
		t.Errorf("expected the clinic's yesterday to be rejected, got %v", err)
	}
	if _, err := c.ValidateDate("2024-06-11", now); err != nil {
		t.Errorf("expected the horizon day to be accepted, got %v", err)
	}
	if _, err := c.ValidateDate("2024-06-12", now); !errors.Is(err, ErrInvalidSlotRequest) {
		t.Errorf("expected a day past the horizon to be rejected, got %v", err)
	}
}
