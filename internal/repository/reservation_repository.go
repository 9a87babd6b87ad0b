package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// ReservationRecord represents the persistence model for a confirmed
// reservation.  One record covers the whole seat batch of a payment;
// individual seats live in reservation_seats.
type ReservationRecord struct {
	ID               uint64 // primary key of the reservations row
	UserID           uint64 // buyer
	ScheduleID       uint64 // schedule the seats belong to
	PaymentID        string // payment attempt that funded this reservation
	Status           string // CONFIRMED or CANCELED
	TotalAmountCents uint32 // paid amount
}

// ReservationRepo provides data access to the reservations and
// reservation_seats tables.  Creation and cancellation each run in one
// transaction so a reservation is never visible without its seats.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the provided database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

// Create inserts the reservation row plus one reservation_seats row per
// seat and fills in the generated ID on the passed record.
func (r *ReservationRepo) Create(ctx context.Context, rec *ReservationRecord, seatIDs []uint64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reservation tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (user_id, schedule_id, payment_id, status, total_amount_cents) VALUES (?, ?, ?, ?, ?)`,
		rec.UserID, rec.ScheduleID, rec.PaymentID, rec.Status, rec.TotalAmountCents,
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reservation id: %w", err)
	}
	rec.ID = uint64(id)
	if len(seatIDs) > 0 {
		query := `INSERT INTO reservation_seats (reservation_id, schedule_id, seat_id) VALUES `
		args := make([]interface{}, 0, len(seatIDs)*3)
		for i, sid := range seatIDs {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?)"
			args = append(args, rec.ID, rec.ScheduleID, sid)
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert reservation seats: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit reservation tx: %w", err)
	}
	committed = true
	return nil
}

// Cancel flips the reservation to CANCELED.  Used as the compensation
// for a committed create step; repeating it is harmless.
func (r *ReservationRepo) Cancel(ctx context.Context, reservationID uint64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE reservations SET status = 'CANCELED' WHERE id = ?`, reservationID,
	); err != nil {
		return fmt.Errorf("cancel reservation: %w", err)
	}
	return nil
}

// GetByID loads a reservation with its seat IDs.
func (r *ReservationRepo) GetByID(ctx context.Context, reservationID uint64) (*ReservationRecord, []uint64, error) {
	rec := &ReservationRecord{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, schedule_id, payment_id, status, total_amount_cents FROM reservations WHERE id = ?`,
		reservationID,
	).Scan(&rec.ID, &rec.UserID, &rec.ScheduleID, &rec.PaymentID, &rec.Status, &rec.TotalAmountCents)
	if err != nil {
		return nil, nil, fmt.Errorf("load reservation: %w", err)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT seat_id FROM reservation_seats WHERE reservation_id = ? ORDER BY seat_id`, reservationID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("load reservation seats: %w", err)
	}
	defer rows.Close()
	var seatIDs []uint64
	for rows.Next() {
		var sid uint64
		if err := rows.Scan(&sid); err != nil {
			return nil, nil, err
		}
		seatIDs = append(seatIDs, sid)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return rec, seatIDs, nil
}

// SeatPrices returns the price in cents of each requested seat for a
// schedule.  Seats missing from the result do not exist for that
// schedule; callers must treat that as a bad request.
func (r *ReservationRepo) SeatPrices(ctx context.Context, scheduleID uint64, seatIDs []uint64) (map[uint64]uint32, error) {
	if len(seatIDs) == 0 {
		return map[uint64]uint32{}, nil
	}
	query := `SELECT seat_id, price_cents FROM schedule_seats WHERE schedule_id = ? AND seat_id IN (`
	args := make([]interface{}, 0, len(seatIDs)+1)
	args = append(args, scheduleID)
	for i, sid := range seatIDs {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, sid)
	}
	query += ")"
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("seat prices: %w", err)
	}
	defer rows.Close()
	prices := make(map[uint64]uint32, len(seatIDs))
	for rows.Next() {
		var sid uint64
		var price uint32
		if err := rows.Scan(&sid, &price); err != nil {
			return nil, err
		}
		prices[sid] = price
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return prices, nil
}
