package reservation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/slotreserve/internal/platform/clock"
	"github.com/ehr/slotreserve/internal/platform/lock"
)

// Service is the checkout-facing API over the catalog, ledger and booking
// store. It reads the clock once per operation.
type Service struct {
	ledger   *Ledger
	catalog  *Catalog
	bookings BookingStore
	events   Emitter
	clock    clock.Clock
	log      zerolog.Logger
}

type ServiceOption func(*Service)

func WithEmitter(e Emitter) ServiceOption {
	return func(s *Service) {
		if e != nil {
			s.events = e
		}
	}
}

func WithServiceLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) { s.log = logger }
}

func NewService(ledger *Ledger, catalog *Catalog, bookings BookingStore, clk clock.Clock, opts ...ServiceOption) *Service {
	s := &Service{
		ledger:   ledger,
		catalog:  catalog,
		bookings: bookings,
		events:   nopEmitter{},
		clock:    clk,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReserveRequest asks for a hold on one slot.
type ReserveRequest struct {
	DoctorID string
	Date     string
	Time     string
	HolderID string
}

// ReserveSlot holds the requested slot for the configured hold duration.
func (s *Service) ReserveSlot(ctx context.Context, req ReserveRequest) (Handle, error) {
	holderID := strings.TrimSpace(req.HolderID)
	if holderID == "" {
		return Handle{}, invalidRequest("holder_id is required")
	}
	key, err := NewSlotKey(req.DoctorID, req.Date, req.Time)
	if err != nil {
		return Handle{}, err
	}

	now := s.clock.Now()
	if err := s.catalog.IsCandidate(ctx, key, now); err != nil {
		return Handle{}, s.fail("reserve", key, err)
	}
	r, err := s.ledger.TryHold(ctx, key, holderID, now)
	if err != nil {
		return Handle{}, s.fail("reserve", key, err)
	}

	s.events.Emit(newEvent(EventSlotHeld, r, now))
	s.log.Info().Str("slot", key.String()).Str("reservation_id", r.ID.String()).
		Time("expires_at", *r.ExpiresAt).Msg("slot held")
	return newHandle(r, now), nil
}

// ConfirmReservation turns the hold into a booking. The ledger transition
// commits first; the booking hand-off is idempotent, so confirming an
// already-confirmed reservation again returns the original record and
// completes a hand-off that failed earlier.
func (s *Service) ConfirmReservation(ctx context.Context, h Handle, meta BookingMetadata) (*BookingRecord, error) {
	h, err := normaliseHandle(h)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	r, err := s.transition(ctx, h, StateConfirmed, now)
	switch {
	case err == nil:
		s.events.Emit(newEvent(EventSlotConfirmed, r, now))
	case alreadyConfirmed(err):
		s.log.Debug().Str("slot", h.Key.String()).Str("reservation_id", h.ReservationID.String()).
			Msg("reservation already confirmed, replaying booking hand-off")
	default:
		s.noteInlineExpiry(err, h, now)
		return nil, s.fail("confirm", h.Key, err)
	}

	rec, err := s.bookings.CreateBooking(ctx, BookingRequest{
		ReservationID: h.ReservationID,
		Key:           h.Key,
		HolderID:      h.HolderID,
		Metadata:      meta,
		ConfirmedAt:   now,
	})
	if errors.Is(err, ErrSlotUnavailable) {
		s.log.Error().Err(err).Str("slot", h.Key.String()).Str("reservation_id", h.ReservationID.String()).
			Msg("confirmed reservation collides with an existing booking")
		return nil, err
	}
	if err != nil {
		return nil, s.fail("confirm", h.Key, storageFault("create booking", err))
	}
	return rec, nil
}

// ReleaseReservation gives the slot back. Releasing a reservation that is
// already terminal, or that the caller does not hold, is a no-op.
func (s *Service) ReleaseReservation(ctx context.Context, h Handle) error {
	h, err := normaliseHandle(h)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	r, err := s.transition(ctx, h, StateReleased, now)
	if err == nil {
		s.events.Emit(newEvent(EventSlotFreed, r, now))
		s.log.Info().Str("slot", h.Key.String()).Str("reservation_id", h.ReservationID.String()).Msg("slot released")
		return nil
	}

	var c *Conflict
	if errors.As(err, &c) {
		switch c.Reason {
		case ConflictTerminal, ConflictExpired, ConflictNotFound, ConflictNotHolder:
			s.noteInlineExpiry(err, h, now)
			s.log.Debug().Str("slot", h.Key.String()).Str("reason", string(c.Reason)).Msg("release ignored")
			return nil
		}
	}
	return s.fail("release", h.Key, err)
}

// ExtendReservation re-arms a live hold for another hold duration.
func (s *Service) ExtendReservation(ctx context.Context, h Handle) (Handle, error) {
	h, err := normaliseHandle(h)
	if err != nil {
		return Handle{}, err
	}

	now := s.clock.Now()
	r, err := s.transition(ctx, h, StateHeld, now)
	if err != nil {
		s.noteInlineExpiry(err, h, now)
		return Handle{}, s.fail("extend", h.Key, err)
	}
	s.events.Emit(newEvent(EventSlotHeld, r, now))
	return newHandle(r, now), nil
}

// GetReservation returns a reservation by id. A non-empty holderID must match
// the reservation's holder. A hold that has lapsed but not been swept yet is
// reported as expired.
func (s *Service) GetReservation(ctx context.Context, id uuid.UUID, holderID string) (*Reservation, error) {
	r, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, s.fail("get", SlotKey{}, err)
	}
	if holderID != "" && r.HolderID != holderID {
		return nil, ErrNotHolder
	}
	if r.ExpiredAt(s.clock.Now()) {
		r.State = StateExpired
	}
	return r, nil
}

// ListReservations lists the reservations blocking slots for a doctor's day.
func (s *Service) ListReservations(ctx context.Context, doctorID, date string) ([]*Reservation, error) {
	probe, err := NewSlotKey(doctorID, date, "00:00")
	if err != nil {
		return nil, err
	}
	rs, err := s.ledger.LiveByDoctorDate(ctx, probe.DoctorID, probe.Date, s.clock.Now())
	if err != nil {
		return nil, s.fail("list", probe, err)
	}
	return rs, nil
}

// HandleFor rebuilds a handle for a reservation the caller holds, for clients
// that kept only the reservation id.
func (s *Service) HandleFor(r *Reservation) Handle {
	return newHandle(r, s.clock.Now())
}

// transition runs a ledger transition, retrying once with a re-read version
// when the caller's version is stale but the reservation is still theirs.
func (s *Service) transition(ctx context.Context, h Handle, target State, now time.Time) (*Reservation, error) {
	req := TransitionRequest{
		Key:             h.Key,
		ReservationID:   h.ReservationID,
		HolderID:        h.HolderID,
		ExpectedVersion: h.Version,
		Target:          target,
	}
	r, err := s.ledger.Transition(ctx, req, now)
	if !errors.Is(err, ErrVersionMismatch) {
		return r, err
	}

	cur, getErr := s.ledger.Get(ctx, h.ReservationID)
	if getErr != nil || cur.HolderID != h.HolderID || cur.State != StateHeld {
		return nil, err
	}
	s.log.Debug().Str("slot", h.Key.String()).Int("expected", h.Version).Int("current", cur.Version).
		Msg("version mismatch, retrying once")
	req.ExpectedVersion = cur.Version
	return s.ledger.Transition(ctx, req, now)
}

// noteInlineExpiry announces a hold the ledger expired while refusing an
// operation, since the sweeper will not see it.
func (s *Service) noteInlineExpiry(err error, h Handle, now time.Time) {
	var c *Conflict
	if errors.As(err, &c) && c.Reason == ConflictExpired {
		s.events.Emit(Event{
			Type:          EventSlotFreed,
			Slot:          h.Key,
			ReservationID: h.ReservationID,
			State:         StateExpired,
			OccurredAt:    now,
		})
	}
}

// fail logs err at the level its kind deserves and returns it unchanged.
func (s *Service) fail(op string, key SlotKey, err error) error {
	switch {
	case errors.Is(err, ErrStorageFault):
		s.log.Error().Err(err).Str("op", op).Str("slot", key.String()).Msg("reservation storage fault")
	case errors.Is(err, lock.ErrTimeout):
	default:
		s.log.Debug().Err(err).Str("op", op).Str("slot", key.String()).Msg("reservation request refused")
	}
	return err
}

func alreadyConfirmed(err error) bool {
	var c *Conflict
	return errors.As(err, &c) && c.Reason == ConflictTerminal && c.State == StateConfirmed
}

func normaliseHandle(h Handle) (Handle, error) {
	if h.ReservationID == uuid.Nil {
		return Handle{}, invalidRequest("reservation_id is required")
	}
	h.HolderID = strings.TrimSpace(h.HolderID)
	if h.HolderID == "" {
		return Handle{}, invalidRequest("holder_id is required")
	}
	if h.Version < 1 {
		return Handle{}, invalidRequest("version must be positive")
	}
	key, err := NewSlotKey(h.Key.DoctorID, h.Key.Date, h.Key.Start)
	if err != nil {
		return Handle{}, err
	}
	h.Key = key
	return h, nil
}
