package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertPayment records a SchedulePayment call against the driver, prior
// to its confirmation.
func InsertPayment(ctx context.Context, q Querier, p Payment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment (order_id, agreement_id, allocation_id, amount, confirmation, scheduled_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.OrderID, p.AgreementID, p.AllocationID, p.Amount, p.Confirmation, p.ScheduledAt.UnixNano(), nullTime(p.SettledAt))
	if err != nil {
		return fmt.Errorf("store: inserting payment %s: %w", p.OrderID, err)
	}
	return nil
}

// GetPayment loads a Payment by order id.
func GetPayment(ctx context.Context, q Querier, orderID string) (Payment, error) {
	row := q.QueryRowContext(ctx, `
		SELECT order_id, agreement_id, allocation_id, amount, confirmation, scheduled_at, settled_at
		FROM payment WHERE order_id = ?`, orderID)
	return scanPayment(row)
}

func scanPayment(row *sql.Row) (Payment, error) {
	var p Payment
	var confirmation sql.NullString
	var scheduledAt int64
	var settledAt sql.NullInt64
	if err := row.Scan(&p.OrderID, &p.AgreementID, &p.AllocationID, &p.Amount, &confirmation, &scheduledAt, &settledAt); err != nil {
		if err == sql.ErrNoRows {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("store: scanning payment: %w", err)
	}
	if confirmation.Valid {
		p.Confirmation = &confirmation.String
	}
	p.ScheduledAt = time.Unix(0, scheduledAt)
	if settledAt.Valid {
		t := time.Unix(0, settledAt.Int64)
		p.SettledAt = &t
	}
	return p, nil
}

// SettlePayment records the driver's NotifyPayment confirmation.
func SettlePayment(ctx context.Context, q Querier, orderID, confirmation string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE payment SET confirmation = ?, settled_at = ? WHERE order_id = ?`,
		confirmation, at.UnixNano(), orderID)
	if err != nil {
		return fmt.Errorf("store: settling payment %s: %w", orderID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPaymentsByAgreement returns every payment scheduled against an
// Agreement. Amounts are decimal strings, which would be lossy to add in
// SQL, so callers receive the raw rows and reduce with a decimal library.
func ListPaymentsByAgreement(ctx context.Context, q Querier, agreementID string) ([]Payment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT order_id, agreement_id, allocation_id, amount, confirmation, scheduled_at, settled_at
		FROM payment WHERE agreement_id = ? ORDER BY scheduled_at ASC`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("store: listing payments for %s: %w", agreementID, err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var p Payment
		var confirmation sql.NullString
		var scheduledAt int64
		var settledAt sql.NullInt64
		if err := rows.Scan(&p.OrderID, &p.AgreementID, &p.AllocationID, &p.Amount, &confirmation, &scheduledAt, &settledAt); err != nil {
			return nil, fmt.Errorf("store: scanning payment row: %w", err)
		}
		if confirmation.Valid {
			p.Confirmation = &confirmation.String
		}
		p.ScheduledAt = time.Unix(0, scheduledAt)
		if settledAt.Valid {
			t := time.Unix(0, settledAt.Int64)
			p.SettledAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListUnsettledPayments returns every payment still awaiting driver
// confirmation, used by the cron-driven reconciliation sweep
// (internal/adapters/paymentdriver.Reconciler, SPEC_FULL.md §12).
func ListUnsettledPayments(ctx context.Context, q Querier) ([]Payment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT order_id, agreement_id, allocation_id, amount, confirmation, scheduled_at, settled_at
		FROM payment WHERE settled_at IS NULL ORDER BY scheduled_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: listing unsettled payments: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var p Payment
		var confirmation sql.NullString
		var scheduledAt int64
		var settledAt sql.NullInt64
		if err := rows.Scan(&p.OrderID, &p.AgreementID, &p.AllocationID, &p.Amount, &confirmation, &scheduledAt, &settledAt); err != nil {
			return nil, fmt.Errorf("store: scanning payment row: %w", err)
		}
		if confirmation.Valid {
			p.Confirmation = &confirmation.String
		}
		p.ScheduledAt = time.Unix(0, scheduledAt)
		if settledAt.Valid {
			t := time.Unix(0, settledAt.Int64)
			p.SettledAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
