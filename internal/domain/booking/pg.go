package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/slotreserve/internal/domain/reservation"
	"github.com/ehr/slotreserve/internal/platform/db"
)

// PGStore keeps bookings in the booking table. The partial unique index on
// booked (doctor_id, slot_date, start_time) allows one booking per slot and
// makes CreateBooking idempotent for its holder across instances.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *PGStore) CreateBooking(ctx context.Context, req reservation.BookingRequest) (*reservation.BookingRecord, error) {
	day, err := time.Parse(reservation.DateLayout, req.Key.Date)
	if err != nil {
		return nil, fmt.Errorf("parse slot date %q: %w", req.Key.Date, err)
	}
	createdAt := req.ConfirmedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// The no-op update makes RETURNING yield the existing row when the same
	// holder booked the slot; another holder's row yields no row at all.
	rec := &reservation.BookingRecord{Key: req.Key, HolderID: req.HolderID}
	err = s.conn(ctx).QueryRow(ctx, `
		INSERT INTO booking (id, reservation_id, doctor_id, slot_date, start_time, holder_id,
			appointment_type, reason, payment_reference, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (doctor_id, slot_date, start_time) WHERE status = 'booked'
		DO UPDATE SET holder_id = booking.holder_id
		WHERE booking.holder_id = EXCLUDED.holder_id
		RETURNING id, reservation_id, appointment_type, reason, payment_reference, status, created_at`,
		uuid.New(), req.ReservationID, req.Key.DoctorID, day, req.Key.Start, req.HolderID,
		req.Metadata.AppointmentType, req.Metadata.Reason, req.Metadata.PaymentReference,
		StatusBooked, createdAt,
	).Scan(&rec.ID, &rec.ReservationID, &rec.Metadata.AppointmentType, &rec.Metadata.Reason,
		&rec.Metadata.PaymentReference, &rec.Status, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, slotTaken(req.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("insert booking: %w", err)
	}
	return rec, nil
}

func (s *PGStore) BookedStarts(ctx context.Context, doctorID, date string) ([]string, error) {
	day, err := time.Parse(reservation.DateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("parse slot date %q: %w", date, err)
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT start_time FROM booking
		WHERE doctor_id = $1 AND slot_date = $2 AND status = $3
		ORDER BY start_time`, doctorID, day, StatusBooked)
	if err != nil {
		return nil, fmt.Errorf("query booked slots: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var start string
		if err := rows.Scan(&start); err != nil {
			return nil, fmt.Errorf("scan booked slot: %w", err)
		}
		out = append(out, start)
	}
	return out, rows.Err()
}
