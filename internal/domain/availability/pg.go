package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/slotreserve/internal/domain/reservation"
)

// PGProvider reads doctor_working_hours and doctor_absence. A doctor with no
// working-hours rows is unknown.
type PGProvider struct{ pool *pgxpool.Pool }

func NewPGProvider(pool *pgxpool.Pool) *PGProvider { return &PGProvider{pool: pool} }

func (p *PGProvider) DaySchedule(ctx context.Context, doctorID string, date time.Time) (reservation.DaySchedule, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT weekday, start_time, end_time, slot_minutes
		FROM doctor_working_hours
		WHERE doctor_id = $1
		ORDER BY weekday, start_time`, doctorID)
	if err != nil {
		return reservation.DaySchedule{}, fmt.Errorf("query working hours: %w", err)
	}
	defer rows.Close()

	var (
		known bool
		sched reservation.DaySchedule
	)
	for rows.Next() {
		var (
			weekday     int16
			from, to    string
			slotMinutes int
		)
		if err := rows.Scan(&weekday, &from, &to, &slotMinutes); err != nil {
			return reservation.DaySchedule{}, fmt.Errorf("scan working hours: %w", err)
		}
		known = true
		if time.Weekday(weekday) != date.Weekday() {
			continue
		}
		w, err := NewWindow(from, to)
		if err != nil {
			return reservation.DaySchedule{}, fmt.Errorf("doctor %s: %w", doctorID, err)
		}
		sched.Windows = append(sched.Windows, w)
		if sched.SlotMinutes == 0 || slotMinutes < sched.SlotMinutes {
			sched.SlotMinutes = slotMinutes
		}
	}
	if err := rows.Err(); err != nil {
		return reservation.DaySchedule{}, fmt.Errorf("iterate working hours: %w", err)
	}
	if !known {
		return reservation.DaySchedule{}, reservation.ErrDoctorNotFound
	}
	if len(sched.Windows) == 0 {
		return sched, nil
	}

	var off bool
	err = p.pool.QueryRow(ctx,
		`SELECT true FROM doctor_absence WHERE doctor_id = $1 AND day = $2`,
		doctorID, date).Scan(&off)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return reservation.DaySchedule{}, fmt.Errorf("query absence: %w", err)
	}
	if off {
		sched.Windows = nil
	}
	return sched, nil
}
