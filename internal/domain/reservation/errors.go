package reservation

import (
	"errors"
	"fmt"
)

var (
	ErrSlotUnavailable     = errors.New("slot unavailable")
	ErrReservationExpired  = errors.New("reservation expired")
	ErrVersionMismatch     = errors.New("reservation version mismatch")
	ErrInvalidSlotRequest  = errors.New("invalid slot request")
	ErrStorageFault        = errors.New("storage fault")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrNotHolder           = errors.New("reservation belongs to another holder")
	ErrExtensionLimit      = errors.New("reservation extension limit reached")
	ErrAlreadyFinal        = errors.New("reservation already finalised")
)

func invalidRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidSlotRequest, fmt.Sprintf(format, args...))
}

// ConflictReason says why the ledger refused an operation.
type ConflictReason string

const (
	ConflictOccupied       ConflictReason = "occupied"
	ConflictNotFound       ConflictReason = "not_found"
	ConflictNotHolder      ConflictReason = "not_holder"
	ConflictExpired        ConflictReason = "expired"
	ConflictTerminal       ConflictReason = "terminal"
	ConflictVersion        ConflictReason = "version_mismatch"
	ConflictExtensionLimit ConflictReason = "extension_limit"
)

// Conflict is a normal ledger outcome, not a fault. State and Version
// describe the reservation that caused it, when there is one.
type Conflict struct {
	Key     SlotKey
	Reason  ConflictReason
	State   State
	Version int
}

func (c *Conflict) Error() string {
	if c.State != "" {
		return fmt.Sprintf("slot %s: %s (state %s, version %d)", c.Key, c.Reason, c.State, c.Version)
	}
	return fmt.Sprintf("slot %s: %s", c.Key, c.Reason)
}

// Is maps conflicts onto the public error taxonomy.
func (c *Conflict) Is(target error) bool {
	switch target {
	case ErrSlotUnavailable:
		return c.Reason == ConflictOccupied
	case ErrReservationExpired:
		return c.Reason == ConflictExpired || (c.Reason == ConflictTerminal && c.State == StateExpired)
	case ErrVersionMismatch:
		return c.Reason == ConflictVersion
	case ErrReservationNotFound:
		return c.Reason == ConflictNotFound
	case ErrNotHolder:
		return c.Reason == ConflictNotHolder
	case ErrExtensionLimit:
		return c.Reason == ConflictExtensionLimit
	case ErrAlreadyFinal:
		return c.Reason == ConflictTerminal
	}
	return false
}

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageFault, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageFault }

func storageFault(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
