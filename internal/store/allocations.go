package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertAllocation persists a new fund reservation.
func InsertAllocation(ctx context.Context, q Querier, a Allocation) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO allocation (
			id, owner_id, payment_platform, address, total_amount, spent_amount,
			timeout, deposit, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.PaymentPlatform, a.Address, a.TotalAmount, a.SpentAmount,
		nullTime(a.Timeout), a.Deposit, string(a.Status), a.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: inserting allocation %s: %w", a.ID, err)
	}
	return nil
}

// GetAllocation loads an Allocation by id, regardless of status.
func GetAllocation(ctx context.Context, q Querier, id string) (Allocation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, owner_id, payment_platform, address, total_amount, spent_amount,
			timeout, deposit, status, created_at
		FROM allocation WHERE id = ?`, id)
	return scanAllocation(row)
}

func scanAllocation(row *sql.Row) (Allocation, error) {
	var a Allocation
	var timeout sql.NullInt64
	var deposit sql.NullString
	var status string
	var createdAt int64
	if err := row.Scan(&a.ID, &a.OwnerID, &a.PaymentPlatform, &a.Address, &a.TotalAmount, &a.SpentAmount,
		&timeout, &deposit, &status, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Allocation{}, ErrNotFound
		}
		return Allocation{}, fmt.Errorf("store: scanning allocation: %w", err)
	}
	if timeout.Valid {
		t := time.Unix(0, timeout.Int64)
		a.Timeout = &t
	}
	if deposit.Valid {
		a.Deposit = &deposit.String
	}
	a.Status = AllocationStatus(status)
	a.CreatedAt = time.Unix(0, createdAt)
	return a, nil
}

// UpdateAllocationAmounts overwrites total/spent after a JSON-Patch amend
// or a SchedulePayment debit.
func UpdateAllocationAmounts(ctx context.Context, q Querier, id, totalAmount, spentAmount string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE allocation SET total_amount = ?, spent_amount = ?
		WHERE id = ? AND status = 'Active'`, totalAmount, spentAmount, id)
	if err != nil {
		return fmt.Errorf("store: updating allocation %s amounts: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseAllocation tombstones an Allocation (status -> Gone) rather than
// deleting it, per spec.md §3.
func ReleaseAllocation(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `UPDATE allocation SET status = 'Gone' WHERE id = ? AND status = 'Active'`, id)
	if err != nil {
		return fmt.Errorf("store: releasing allocation %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveAllocationsWithTimeout returns every Active allocation that
// carries an auto-release timeout, used to re-arm the deadline checker
// after a restart.
func ListActiveAllocationsWithTimeout(ctx context.Context, q Querier) ([]Allocation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, owner_id, payment_platform, address, total_amount, spent_amount,
			timeout, deposit, status, created_at
		FROM allocation WHERE status = 'Active' AND timeout IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: listing timed allocations: %w", err)
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		var a Allocation
		var timeout sql.NullInt64
		var deposit sql.NullString
		var status string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.PaymentPlatform, &a.Address, &a.TotalAmount, &a.SpentAmount,
			&timeout, &deposit, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scanning allocation row: %w", err)
		}
		if timeout.Valid {
			t := time.Unix(0, timeout.Int64)
			a.Timeout = &t
		}
		if deposit.Valid {
			a.Deposit = &deposit.String
		}
		a.Status = AllocationStatus(status)
		a.CreatedAt = time.Unix(0, createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActiveAllocationsByOwner returns every Active allocation owned by
// ownerID, used by the fund availability check on Allocation create and
// amend, and for listing.
func ListActiveAllocationsByOwner(ctx context.Context, q Querier, ownerID string) ([]Allocation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, owner_id, payment_platform, address, total_amount, spent_amount,
			timeout, deposit, status, created_at
		FROM allocation WHERE owner_id = ? AND status = 'Active'`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("store: listing allocations for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		var a Allocation
		var timeout sql.NullInt64
		var deposit sql.NullString
		var status string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.PaymentPlatform, &a.Address, &a.TotalAmount, &a.SpentAmount,
			&timeout, &deposit, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scanning allocation row: %w", err)
		}
		if timeout.Valid {
			t := time.Unix(0, timeout.Int64)
			a.Timeout = &t
		}
		if deposit.Valid {
			a.Deposit = &deposit.String
		}
		a.Status = AllocationStatus(status)
		a.CreatedAt = time.Unix(0, createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
