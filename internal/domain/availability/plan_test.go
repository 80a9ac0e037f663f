package availability

import (
	"testing"
	"time"

	"github.com/ehr/slotreserve/internal/domain/reservation"
)

func TestParseDays(t *testing.T) {
	tests := []struct {
		in      string
		want    []time.Weekday
		wantErr bool
	}{
		{in: "mon,wed,fri", want: []time.Weekday{time.Monday, time.Wednesday, time.Friday}},
		{in: "mon-fri", want: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}},
		{in: "fri-mon", want: []time.Weekday{time.Sunday, time.Monday, time.Friday, time.Saturday}},
		{in: " Sat , sun ", want: []time.Weekday{time.Sunday, time.Saturday}},
		{in: "mon,mon", want: []time.Weekday{time.Monday}},
		{in: "funday", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDays(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestParseWindows(t *testing.T) {
	got, err := ParseWindows("09:00-12:00, 13:30-24:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []reservation.WorkingWindow{{Start: 540, End: 720}, {Start: 810, End: 1440}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected %v, got %v", want, got)
	}

	for _, bad := range []string{"", "09:00", "12:00-09:00", "9am-5pm"} {
		if _, err := ParseWindows(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestWeeklyPlan_On(t *testing.T) {
	p, err := NewWeeklyPlan("09:00-12:00", "mon-fri", 15)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	monday := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	if s := p.On(monday); len(s.Windows) != 1 || s.SlotMinutes != 15 {
		t.Errorf("unexpected Monday schedule %+v", s)
	}
	saturday := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if s := p.On(saturday); len(s.Windows) != 0 {
		t.Errorf("expected Saturday off, got %+v", s)
	}

	if _, err := NewWeeklyPlan("09:00-12:00", "mon", 0); err == nil {
		t.Error("expected zero slot minutes to be rejected")
	}
}
