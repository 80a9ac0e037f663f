package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/slotreserve/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by the slot_reservation table. A partial
// unique index on live rows backs the one-live-reservation-per-slot rule when
// several instances share the database.
func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

// conn joins a transaction opened with db.WithTx, if any.
func (s *storePG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const reservationCols = `id, doctor_id, slot_date, start_time, holder_id, state,
	created_at, expires_at, updated_at, extensions, version`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var (
		r        Reservation
		slotDate time.Time
		state    string
	)
	err := row.Scan(&r.ID, &r.Key.DoctorID, &slotDate, &r.Key.Start, &r.HolderID, &state,
		&r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt, &r.Extensions, &r.Version)
	if err != nil {
		return nil, err
	}
	r.Key.Date = slotDate.Format(DateLayout)
	r.State = State(state)
	return &r, nil
}

func collectReservations(rows pgx.Rows) ([]*Reservation, error) {
	defer rows.Close()
	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func slotDate(date string) (time.Time, error) {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse slot date %q: %w", date, err)
	}
	return d, nil
}

func (s *storePG) GetLive(ctx context.Context, key SlotKey) (*Reservation, error) {
	d, err := slotDate(key.Date)
	if err != nil {
		return nil, err
	}
	r, err := scanReservation(s.conn(ctx).QueryRow(ctx, `
		SELECT `+reservationCols+` FROM slot_reservation
		WHERE doctor_id = $1 AND slot_date = $2 AND start_time = $3
			AND state IN ('held','confirmed')`,
		key.DoctorID, d, key.Start))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *storePG) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r, err := scanReservation(s.conn(ctx).QueryRow(ctx,
		`SELECT `+reservationCols+` FROM slot_reservation WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	return r, err
}

func (s *storePG) Insert(ctx context.Context, r *Reservation) error {
	d, err := slotDate(r.Key.Date)
	if err != nil {
		return err
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO slot_reservation (`+reservationCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.Key.DoctorID, d, r.Key.Start, r.HolderID, string(r.State),
		r.CreatedAt, r.ExpiresAt, r.UpdatedAt, r.Extensions, r.Version)
	if isUniqueViolation(err) {
		return errLiveExists
	}
	return err
}

func (s *storePG) Update(ctx context.Context, r *Reservation, expectedVersion int) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE slot_reservation SET state=$3, expires_at=$4, updated_at=$5,
			extensions=$6, version=$7
		WHERE id = $1 AND version = $2`,
		r.ID, expectedVersion, string(r.State), r.ExpiresAt, r.UpdatedAt, r.Extensions, r.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errStaleWrite
	}
	return nil
}

func (s *storePG) ListLive(ctx context.Context, doctorID, date string) ([]*Reservation, error) {
	d, err := slotDate(date)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+reservationCols+` FROM slot_reservation
		WHERE doctor_id = $1 AND slot_date = $2 AND state IN ('held','confirmed')
		ORDER BY start_time`, doctorID, d)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (s *storePG) ListHeldExpiringBy(ctx context.Context, t time.Time) ([]*Reservation, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+reservationCols+` FROM slot_reservation
		WHERE state = 'held' AND expires_at <= $1
		ORDER BY expires_at`, t)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (s *storePG) PurgeArchived(ctx context.Context, before time.Time, confirmedBefore string) (int, error) {
	cutoff, err := slotDate(confirmedBefore)
	if err != nil {
		return 0, err
	}
	tag, err := s.conn(ctx).Exec(ctx, `
		DELETE FROM slot_reservation
		WHERE (state IN ('released','expired') AND updated_at < $1)
			OR (state = 'confirmed' AND slot_date < $2)`, before, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
