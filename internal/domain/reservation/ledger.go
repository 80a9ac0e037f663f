package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/slotreserve/internal/platform/lock"
)

const (
	DefaultHoldDuration  = 10 * time.Minute
	DefaultMaxExtensions = 2
	DefaultLockWait      = 2 * time.Second
)

// Ledger is the single writer of reservation records. Every read-then-write
// for a SlotKey happens inside that key's critical section, against the now
// supplied by the caller.
type Ledger struct {
	store         Store
	locker        lock.Locker
	holdDuration  time.Duration
	maxExtensions int
	lockWait      time.Duration
	log           zerolog.Logger
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

func WithHoldDuration(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.holdDuration = d
		}
	}
}

func WithMaxExtensions(n int) LedgerOption {
	return func(l *Ledger) {
		if n >= 0 {
			l.maxExtensions = n
		}
	}
}

func WithLockWait(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d >= 0 {
			l.lockWait = d
		}
	}
}

func WithLedgerLogger(logger zerolog.Logger) LedgerOption {
	return func(l *Ledger) { l.log = logger }
}

// NewLedger creates a Ledger over store, serialising keys through locker.
func NewLedger(store Store, locker lock.Locker, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:         store,
		locker:        locker,
		holdDuration:  DefaultHoldDuration,
		maxExtensions: DefaultMaxExtensions,
		lockWait:      DefaultLockWait,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HoldDuration is the lifetime of a fresh or re-armed hold.
func (l *Ledger) HoldDuration() time.Duration { return l.holdDuration }

func (l *Ledger) withKey(ctx context.Context, key SlotKey, fn func() error) error {
	release, err := l.locker.Acquire(ctx, key.String(), l.lockWait)
	if err != nil {
		switch {
		case errors.Is(err, lock.ErrTimeout):
			l.log.Warn().Str("slot", key.String()).Dur("wait", l.lockWait).Msg("slot lock wait timed out")
			return fmt.Errorf("slot %s: %w", key, err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			return storageFault("acquire slot lock", err)
		}
	}
	defer release()
	return fn()
}

// TryHold places a new Held reservation on key if no live one exists. A held
// reservation that has lapsed at now is expired first. A repeated hold by the
// current holder returns the existing reservation unchanged.
func (l *Ledger) TryHold(ctx context.Context, key SlotKey, holderID string, now time.Time) (*Reservation, error) {
	var out *Reservation
	err := l.withKey(ctx, key, func() error {
		cur, err := l.store.GetLive(ctx, key)
		if err != nil {
			return storageFault("get live reservation", err)
		}
		if cur != nil && cur.ExpiredAt(now) {
			if _, err := l.expire(ctx, cur, now); err != nil {
				return err
			}
			cur = nil
		}
		if cur != nil {
			if cur.State == StateHeld && cur.HolderID == holderID {
				out = cur
				return nil
			}
			return &Conflict{Key: key, Reason: ConflictOccupied, State: cur.State, Version: cur.Version}
		}

		expiresAt := now.Add(l.holdDuration)
		r := &Reservation{
			ID:        uuid.New(),
			Key:       key,
			HolderID:  holderID,
			State:     StateHeld,
			CreatedAt: now,
			ExpiresAt: &expiresAt,
			UpdatedAt: now,
			Version:   1,
		}
		if err := l.store.Insert(ctx, r); err != nil {
			if errors.Is(err, errLiveExists) {
				return &Conflict{Key: key, Reason: ConflictOccupied}
			}
			return storageFault("insert reservation", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// TransitionRequest identifies the reservation a caller believes it holds.
// Target is StateConfirmed, StateReleased, or StateHeld to re-arm the expiry.
type TransitionRequest struct {
	Key             SlotKey
	ReservationID   uuid.UUID
	HolderID        string
	ExpectedVersion int
	Target          State
}

// Transition compare-and-swaps the live reservation on req.Key. It proceeds
// only when the reservation id, holder and version all match and the hold has
// not lapsed at now.
func (l *Ledger) Transition(ctx context.Context, req TransitionRequest, now time.Time) (*Reservation, error) {
	switch req.Target {
	case StateConfirmed, StateReleased, StateHeld:
	default:
		return nil, invalidRequest("unsupported target state %q", req.Target)
	}

	var out *Reservation
	err := l.withKey(ctx, req.Key, func() error {
		cur, err := l.store.GetLive(ctx, req.Key)
		if err != nil {
			return storageFault("get live reservation", err)
		}
		if cur == nil || cur.ID != req.ReservationID {
			return l.classifyMissing(ctx, req)
		}
		if cur.HolderID != req.HolderID {
			return &Conflict{Key: req.Key, Reason: ConflictNotHolder, State: cur.State, Version: cur.Version}
		}
		if cur.State != StateHeld {
			return &Conflict{Key: req.Key, Reason: ConflictTerminal, State: cur.State, Version: cur.Version}
		}
		if cur.ExpiredAt(now) {
			expired, err := l.expire(ctx, cur, now)
			if err != nil {
				return err
			}
			return &Conflict{Key: req.Key, Reason: ConflictExpired, State: expired.State, Version: expired.Version}
		}
		if cur.Version != req.ExpectedVersion {
			return &Conflict{Key: req.Key, Reason: ConflictVersion, State: cur.State, Version: cur.Version}
		}

		next := cur.Clone()
		next.Version++
		next.UpdatedAt = now
		switch req.Target {
		case StateConfirmed:
			next.State = StateConfirmed
			next.ExpiresAt = nil
		case StateReleased:
			next.State = StateReleased
		case StateHeld:
			if cur.Extensions >= l.maxExtensions {
				return &Conflict{Key: req.Key, Reason: ConflictExtensionLimit, State: cur.State, Version: cur.Version}
			}
			expiresAt := now.Add(l.holdDuration)
			next.ExpiresAt = &expiresAt
			next.Extensions++
		}

		if err := l.store.Update(ctx, next, cur.Version); err != nil {
			if errors.Is(err, errStaleWrite) {
				return &Conflict{Key: req.Key, Reason: ConflictVersion, State: cur.State, Version: cur.Version}
			}
			return storageFault("update reservation", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// classifyMissing explains why the requested reservation is not the live one
// on its key: never existed, belongs to someone else, or already archived.
func (l *Ledger) classifyMissing(ctx context.Context, req TransitionRequest) error {
	archived, err := l.store.Get(ctx, req.ReservationID)
	if errors.Is(err, ErrReservationNotFound) {
		return &Conflict{Key: req.Key, Reason: ConflictNotFound}
	}
	if err != nil {
		return storageFault("get reservation", err)
	}
	if archived.Key != req.Key {
		return &Conflict{Key: req.Key, Reason: ConflictNotFound}
	}
	if archived.HolderID != req.HolderID {
		return &Conflict{Key: req.Key, Reason: ConflictNotHolder, State: archived.State, Version: archived.Version}
	}
	return &Conflict{Key: req.Key, Reason: ConflictTerminal, State: archived.State, Version: archived.Version}
}

// expire moves cur to Expired. Caller holds the key lock.
func (l *Ledger) expire(ctx context.Context, cur *Reservation, now time.Time) (*Reservation, error) {
	next := cur.Clone()
	next.State = StateExpired
	next.Version++
	next.UpdatedAt = now
	if err := l.store.Update(ctx, next, cur.Version); err != nil {
		if errors.Is(err, errStaleWrite) {
			return nil, &Conflict{Key: cur.Key, Reason: ConflictVersion, State: cur.State, Version: cur.Version}
		}
		return nil, storageFault("expire reservation", err)
	}
	l.log.Debug().Str("slot", cur.Key.String()).Str("reservation_id", cur.ID.String()).Msg("hold expired")
	return next, nil
}

// SweepExpired expires every held reservation whose expiry is at or before
// now and returns them. Each candidate is re-checked under its key lock, so a
// confirm that committed first wins. Keys whose lock is busy are left for the
// next sweep.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time) ([]*Reservation, error) {
	candidates, err := l.store.ListHeldExpiringBy(ctx, now)
	if err != nil {
		return nil, storageFault("list expired holds", err)
	}

	var evicted []*Reservation
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		var expired *Reservation
		err := l.withKey(ctx, c.Key, func() error {
			cur, err := l.store.GetLive(ctx, c.Key)
			if err != nil {
				return storageFault("get live reservation", err)
			}
			if cur == nil || cur.ID != c.ID || !cur.ExpiredAt(now) {
				return nil
			}
			expired, err = l.expire(ctx, cur, now)
			return err
		})

		var conflict *Conflict
		switch {
		case err == nil:
			if expired != nil {
				evicted = append(evicted, expired)
			}
		case errors.Is(err, lock.ErrTimeout), errors.As(err, &conflict):
			l.log.Debug().Err(err).Str("slot", c.Key.String()).Msg("sweep skipped slot")
		default:
			return evicted, err
		}
	}
	return evicted, nil
}

// Get returns a reservation by id, live or archived.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r, err := l.store.Get(ctx, id)
	if errors.Is(err, ErrReservationNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storageFault("get reservation", err)
	}
	return r, nil
}

// GetLive returns the live reservation on key, or nil. A lapsed hold the
// sweeper has not reached yet is reported as nil.
func (l *Ledger) GetLive(ctx context.Context, key SlotKey, now time.Time) (*Reservation, error) {
	r, err := l.store.GetLive(ctx, key)
	if err != nil {
		return nil, storageFault("get live reservation", err)
	}
	if r != nil && r.ExpiredAt(now) {
		return nil, nil
	}
	return r, nil
}

// LiveByDoctorDate lists reservations that block slots for a doctor on a date
// at now, ordered by start time.
func (l *Ledger) LiveByDoctorDate(ctx context.Context, doctorID, date string, now time.Time) ([]*Reservation, error) {
	all, err := l.store.ListLive(ctx, doctorID, date)
	if err != nil {
		return nil, storageFault("list live reservations", err)
	}
	out := all[:0]
	for _, r := range all {
		if !r.ExpiredAt(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ExpiringBy lists held reservations whose expiry is at or before t.
func (l *Ledger) ExpiringBy(ctx context.Context, t time.Time) ([]*Reservation, error) {
	rs, err := l.store.ListHeldExpiringBy(ctx, t)
	if err != nil {
		return nil, storageFault("list expiring holds", err)
	}
	return rs, nil
}

// PurgeArchive drops released and expired records older than before, and
// confirmed records for slot dates earlier than confirmedBefore.
func (l *Ledger) PurgeArchive(ctx context.Context, before time.Time, confirmedBefore string) (int, error) {
	n, err := l.store.PurgeArchived(ctx, before, confirmedBefore)
	if err != nil {
		return 0, storageFault("purge archive", err)
	}
	return n, nil
}
