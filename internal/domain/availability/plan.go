// Package availability supplies doctors' working hours to the slot catalog.
package availability

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/slotreserve/internal/domain/reservation"
)

// WeeklyPlan is a repeating working pattern.
type WeeklyPlan struct {
	Days        map[time.Weekday][]reservation.WorkingWindow
	SlotMinutes int
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseDays parses a comma list of weekday abbreviations ("mon,tue") or
// ranges ("mon-fri").
func ParseDays(s string) ([]time.Weekday, error) {
	var out []time.Weekday
	seen := make(map[time.Weekday]bool)
	add := func(d time.Weekday) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		from, to, isRange := strings.Cut(part, "-")
		start, ok := weekdays[strings.TrimSpace(from)]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", from)
		}
		if !isRange {
			add(start)
			continue
		}
		end, ok := weekdays[strings.TrimSpace(to)]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", to)
		}
		for d := start; ; d = (d + 1) % 7 {
			add(d)
			if d == end {
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no working days in %q", s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ParseWindows parses "09:00-12:00,13:00-17:00".
func ParseWindows(s string) ([]reservation.WorkingWindow, error) {
	var out []reservation.WorkingWindow
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		from, to, ok := strings.Cut(part, "-")
		if !ok {
			return nil, fmt.Errorf("working window %q: expected HH:MM-HH:MM", part)
		}
		w, err := NewWindow(from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no working windows in %q", s)
	}
	return out, nil
}

// NewWindow builds the window [from, to).
func NewWindow(from, to string) (reservation.WorkingWindow, error) {
	start, err := reservation.ParseClockTime(from)
	if err != nil {
		return reservation.WorkingWindow{}, err
	}
	end, err := reservation.ParseClockTime(to)
	if err != nil {
		return reservation.WorkingWindow{}, err
	}
	if end <= start {
		return reservation.WorkingWindow{}, fmt.Errorf("working window %s-%s ends before it starts", from, to)
	}
	return reservation.WorkingWindow{Start: start, End: end}, nil
}

// NewWeeklyPlan builds a plan with the same windows on every listed day.
func NewWeeklyPlan(hours, days string, slotMinutes int) (WeeklyPlan, error) {
	if slotMinutes <= 0 {
		return WeeklyPlan{}, fmt.Errorf("slot minutes must be positive, got %d", slotMinutes)
	}
	windows, err := ParseWindows(hours)
	if err != nil {
		return WeeklyPlan{}, err
	}
	wd, err := ParseDays(days)
	if err != nil {
		return WeeklyPlan{}, err
	}
	p := WeeklyPlan{Days: make(map[time.Weekday][]reservation.WorkingWindow, len(wd)), SlotMinutes: slotMinutes}
	for _, d := range wd {
		p.Days[d] = windows
	}
	return p, nil
}

// On returns the schedule for date's weekday. Days off have no windows.
func (p WeeklyPlan) On(date time.Time) reservation.DaySchedule {
	windows := p.Days[date.Weekday()]
	return reservation.DaySchedule{
		Windows:     append([]reservation.WorkingWindow(nil), windows...),
		SlotMinutes: p.SlotMinutes,
	}
}
