package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Store errors the ledger turns into conflicts.
var (
	errLiveExists = errors.New("live reservation already exists for slot")
	errStaleWrite = errors.New("reservation changed since read")
)

// Store persists reservations. Only the Ledger calls it. Implementations
// return copies and keep terminal Released/Expired records out of the live
// index while retaining them for Get.
type Store interface {
	GetLive(ctx context.Context, key SlotKey) (*Reservation, error)
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)
	Insert(ctx context.Context, r *Reservation) error
	Update(ctx context.Context, r *Reservation, expectedVersion int) error
	ListLive(ctx context.Context, doctorID, date string) ([]*Reservation, error)
	ListHeldExpiringBy(ctx context.Context, t time.Time) ([]*Reservation, error)
	// PurgeArchived drops released/expired records last updated before the
	// cutoff and confirmed records whose slot date sorts before
	// confirmedBefore (YYYY-MM-DD, clinic-local).
	PurgeArchived(ctx context.Context, before time.Time, confirmedBefore string) (int, error)
}
