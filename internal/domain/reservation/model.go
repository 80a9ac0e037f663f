package reservation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// SlotKey identifies one bookable interval. Two live reservations with the
// same SlotKey are mutually exclusive.
type SlotKey struct {
	DoctorID string `json:"doctor_id"`
	Date     string `json:"date"`
	Start    string `json:"time"`
}

// NewSlotKey validates and normalises the parts of a SlotKey.
func NewSlotKey(doctorID, date, start string) (SlotKey, error) {
	doctorID = strings.TrimSpace(doctorID)
	if doctorID == "" {
		return SlotKey{}, invalidRequest("doctor_id is required")
	}
	if strings.Contains(doctorID, "/") {
		return SlotKey{}, invalidRequest("doctor_id must not contain '/'")
	}
	d, err := time.Parse(DateLayout, strings.TrimSpace(date))
	if err != nil {
		return SlotKey{}, invalidRequest("invalid date %q: expected YYYY-MM-DD", date)
	}
	st, err := time.Parse(TimeLayout, strings.TrimSpace(start))
	if err != nil {
		return SlotKey{}, invalidRequest("invalid time %q: expected HH:MM", start)
	}
	return SlotKey{
		DoctorID: doctorID,
		Date:     d.Format(DateLayout),
		Start:    st.Format(TimeLayout),
	}, nil
}

// String is the key's canonical form and its lock name.
func (k SlotKey) String() string {
	return k.DoctorID + "/" + k.Date + "/" + k.Start
}

// StartsAt returns the slot's start instant in loc.
func (k SlotKey) StartsAt(loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, k.Date+" "+k.Start, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("slot key %s: %w", k, err)
	}
	return t, nil
}

// State is the reservation lifecycle state.
type State string

const (
	StateHeld      State = "held"
	StateConfirmed State = "confirmed"
	StateReleased  State = "released"
	StateExpired   State = "expired"
)

// Live reports whether the state blocks new holds on the same key.
func (s State) Live() bool {
	return s == StateHeld || s == StateConfirmed
}

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateReleased || s == StateExpired
}

// Reservation is one hold or confirmed booking of a slot.
type Reservation struct {
	ID         uuid.UUID  `json:"id"`
	Key        SlotKey    `json:"slot"`
	HolderID   string     `json:"holder_id"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Extensions int        `json:"extensions"`
	Version    int        `json:"version"`
}

// Clone returns a deep copy so callers never share a record with the store.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// ExpiredAt reports whether a held reservation has lapsed at now.
// expiresAt <= now counts as expired.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return r.State == StateHeld && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Handle is what callers keep between checkout steps.
type Handle struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	Key           SlotKey   `json:"slot"`
	HolderID      string    `json:"holder_id"`
	Version       int       `json:"version"`
	ExpiresAt     time.Time `json:"expires_at"`
	// RemainingSeconds drives the client countdown; computed at issue time.
	RemainingSeconds int `json:"remaining_seconds"`
}

func newHandle(r *Reservation, now time.Time) Handle {
	h := Handle{
		ReservationID: r.ID,
		Key:           r.Key,
		HolderID:      r.HolderID,
		Version:       r.Version,
	}
	if r.ExpiresAt != nil {
		h.ExpiresAt = *r.ExpiresAt
		if rem := r.ExpiresAt.Sub(now); rem > 0 {
			h.RemainingSeconds = int(rem.Round(time.Second) / time.Second)
		}
	}
	return h
}

// BookingMetadata is the checkout detail handed to the booking store.
type BookingMetadata struct {
	AppointmentType  string `json:"appointment_type,omitempty"`
	Reason           string `json:"reason,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
}

// BookingRequest is the idempotent hand-off to the booking store.
type BookingRequest struct {
	ReservationID uuid.UUID
	Key           SlotKey
	HolderID      string
	Metadata      BookingMetadata
	ConfirmedAt   time.Time
}

// BookingRecord is a durable appointment created from a confirmed reservation.
type BookingRecord struct {
	ID            uuid.UUID       `json:"id"`
	ReservationID uuid.UUID       `json:"reservation_id"`
	Key           SlotKey         `json:"slot"`
	HolderID      string          `json:"holder_id"`
	Metadata      BookingMetadata `json:"metadata"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ClockTime is a time of day in minutes since midnight.
type ClockTime int

// ParseClockTime parses "HH:MM". "24:00" is accepted as end of day.
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" {
		return ClockTime(24 * 60), nil
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// WorkingWindow is a half-open interval [Start, End) of a working day.
type WorkingWindow struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
}

// DaySchedule is a doctor's working pattern for one date.
type DaySchedule struct {
	Windows     []WorkingWindow `json:"windows"`
	SlotMinutes int             `json:"slot_minutes"`
}
