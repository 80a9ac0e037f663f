package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ehr/slotreserve/internal/platform/clock"
)

// AvailabilityProvider supplies a doctor's working windows for a date.
// Unknown doctors yield ErrDoctorNotFound.
type AvailabilityProvider interface {
	DaySchedule(ctx context.Context, doctorID string, date time.Time) (DaySchedule, error)
}

// BookingStore persists appointments created from confirmed reservations.
// CreateBooking must be idempotent on SlotKey+HolderID: a repeated request
// returns the record created the first time.
type BookingStore interface {
	CreateBooking(ctx context.Context, req BookingRequest) (*BookingRecord, error)
	BookedStarts(ctx context.Context, doctorID, date string) ([]string, error)
}

const DefaultHorizonDays = 60

// Catalog derives free slots from working hours, the ledger and bookings.
// It never writes and never caches.
type Catalog struct {
	provider    AvailabilityProvider
	ledger      *Ledger
	bookings    BookingStore
	clock       clock.Clock
	loc         *time.Location
	horizonDays int
}

// NewCatalog creates a Catalog. Dates are interpreted in loc.
func NewCatalog(provider AvailabilityProvider, ledger *Ledger, bookings BookingStore, clk clock.Clock, loc *time.Location, horizonDays int) *Catalog {
	if loc == nil {
		loc = time.UTC
	}
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	return &Catalog{
		provider:    provider,
		ledger:      ledger,
		bookings:    bookings,
		clock:       clk,
		loc:         loc,
		horizonDays: horizonDays,
	}
}

// Location is the clinic timezone slot times are expressed in.
func (c *Catalog) Location() *time.Location { return c.loc }

// ValidateDate checks date lies between today and today+horizon in the clinic
// timezone and returns it as midnight in that zone.
func (c *Catalog) ValidateDate(date string, now time.Time) (time.Time, error) {
	day, err := time.ParseInLocation(DateLayout, date, c.loc)
	if err != nil {
		return time.Time{}, invalidRequest("invalid date %q: expected YYYY-MM-DD", date)
	}
	local := now.In(c.loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	if day.Before(today) {
		return time.Time{}, invalidRequest("date %s is in the past", date)
	}
	if day.After(today.AddDate(0, 0, c.horizonDays)) {
		return time.Time{}, invalidRequest("date %s is beyond the %d day booking horizon", date, c.horizonDays)
	}
	return day, nil
}

// candidates returns the ordered start times on the doctor's grid for day.
func (c *Catalog) candidates(ctx context.Context, doctorID string, day time.Time) ([]string, error) {
	sched, err := c.provider.DaySchedule(ctx, doctorID, day)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, storageFault("load doctor schedule", err)
	}
	if len(sched.Windows) == 0 {
		return nil, nil
	}
	if sched.SlotMinutes <= 0 {
		return nil, storageFault("load doctor schedule", fmt.Errorf("doctor %s has slot granularity %d", doctorID, sched.SlotMinutes))
	}

	step := ClockTime(sched.SlotMinutes)
	seen := make(map[ClockTime]struct{})
	var starts []ClockTime
	for _, w := range sched.Windows {
		for t := w.Start; t+step <= w.End && t < 24*60; t += step {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			starts = append(starts, t)
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	out := make([]string, len(starts))
	for i, t := range starts {
		out[i] = t.String()
	}
	return out, nil
}

// AvailableSlots lists the free slots for doctorID on date in start order.
// An empty result is not an error.
func (c *Catalog) AvailableSlots(ctx context.Context, doctorID, date string) ([]SlotKey, error) {
	now := c.clock.Now()
	probe, err := NewSlotKey(doctorID, date, "00:00")
	if err != nil {
		return nil, err
	}
	day, err := c.ValidateDate(probe.Date, now)
	if err != nil {
		return nil, err
	}
	starts, err := c.candidates(ctx, probe.DoctorID, day)
	if err != nil {
		return nil, err
	}
	if len(starts) == 0 {
		return []SlotKey{}, nil
	}

	taken := make(map[string]struct{})
	live, err := c.ledger.LiveByDoctorDate(ctx, probe.DoctorID, probe.Date, now)
	if err != nil {
		return nil, err
	}
	for _, r := range live {
		taken[r.Key.Start] = struct{}{}
	}
	booked, err := c.bookings.BookedStarts(ctx, probe.DoctorID, probe.Date)
	if err != nil {
		return nil, storageFault("list booked slots", err)
	}
	for _, s := range booked {
		taken[s] = struct{}{}
	}

	out := make([]SlotKey, 0, len(starts))
	for _, start := range starts {
		if _, ok := taken[start]; ok {
			continue
		}
		key := SlotKey{DoctorID: probe.DoctorID, Date: probe.Date, Start: start}
		if c.started(key, now) {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

// IsCandidate checks key is a bookable start on the doctor's grid that has
// not begun at now and is not already booked.
func (c *Catalog) IsCandidate(ctx context.Context, key SlotKey, now time.Time) error {
	day, err := c.ValidateDate(key.Date, now)
	if err != nil {
		return err
	}
	if c.started(key, now) {
		return invalidRequest("slot %s has already started", key)
	}
	starts, err := c.candidates(ctx, key.DoctorID, day)
	if err != nil {
		return err
	}
	onGrid := false
	for _, s := range starts {
		if s == key.Start {
			onGrid = true
			break
		}
	}
	if !onGrid {
		return invalidRequest("%s is not a bookable start time for doctor %s on %s", key.Start, key.DoctorID, key.Date)
	}

	booked, err := c.bookings.BookedStarts(ctx, key.DoctorID, key.Date)
	if err != nil {
		return storageFault("list booked slots", err)
	}
	for _, s := range booked {
		if s == key.Start {
			return &Conflict{Key: key, Reason: ConflictOccupied}
		}
	}
	return nil
}

func (c *Catalog) started(key SlotKey, now time.Time) bool {
	at, err := key.StartsAt(c.loc)
	if err != nil {
		return true
	}
	return !at.After(now)
}
