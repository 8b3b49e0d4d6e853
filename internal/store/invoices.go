package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertInvoice persists a newly issued Invoice.
func InsertInvoice(ctx context.Context, q Querier, inv Invoice) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO invoice (id, agreement_id, owner, activity_ids, amount, status, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.AgreementID, inv.Owner, inv.ActivityIDs, inv.Amount, string(inv.Status), inv.IssuedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: inserting invoice %s: %w", inv.ID, err)
	}
	return nil
}

// GetInvoice loads an Invoice by id.
func GetInvoice(ctx context.Context, q Querier, id string) (Invoice, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, agreement_id, owner, activity_ids, amount, status, issued_at
		FROM invoice WHERE id = ?`, id)
	return scanInvoice(row)
}

func scanInvoice(row *sql.Row) (Invoice, error) {
	var inv Invoice
	var status string
	var issuedAt int64
	if err := row.Scan(&inv.ID, &inv.AgreementID, &inv.Owner, &inv.ActivityIDs, &inv.Amount, &status, &issuedAt); err != nil {
		if err == sql.ErrNoRows {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, fmt.Errorf("store: scanning invoice: %w", err)
	}
	inv.Status = DocumentStatus(status)
	inv.IssuedAt = time.Unix(0, issuedAt)
	return inv, nil
}

// GetInvoiceByAgreement returns the (at most one) Invoice issued against
// an Agreement, per spec.md §3's "one Invoice per Agreement" invariant.
func GetInvoiceByAgreement(ctx context.Context, q Querier, agreementID string) (Invoice, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, agreement_id, owner, activity_ids, amount, status, issued_at
		FROM invoice WHERE agreement_id = ?`, agreementID)
	inv, err := scanInvoice(row)
	if err == ErrNotFound {
		return Invoice{}, false, nil
	}
	if err != nil {
		return Invoice{}, false, err
	}
	return inv, true, nil
}

// SetInvoiceStatus transitions an Invoice's status.
func SetInvoiceStatus(ctx context.Context, q Querier, id string, status DocumentStatus) error {
	res, err := q.ExecContext(ctx, `UPDATE invoice SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: updating invoice %s status: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendInvoiceEvent inserts one event onto an Invoice's event queue.
func AppendInvoiceEvent(ctx context.Context, q Querier, e InvoiceEvent) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO invoice_event (invoice_id, owner, event_type, app_session_id, ts)
		VALUES (?, ?, ?, ?, ?)`,
		e.InvoiceID, e.Owner, e.EventType, e.AppSessionID, e.Timestamp.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: appending invoice event for %s: %w", e.InvoiceID, err)
	}
	return res.LastInsertId()
}

// QueryInvoiceEventsAfter mirrors QueryAgreementEventsAfter for Invoice
// events.
func QueryInvoiceEventsAfter(ctx context.Context, q Querier, owner string, after time.Time, limit int) ([]InvoiceEvent, error) {
	query := `
		SELECT id, invoice_id, owner, event_type, app_session_id, ts
		FROM invoice_event WHERE owner = ? AND ts > ? ORDER BY ts ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.QueryContext(ctx, query, owner, after.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: querying invoice events: %w", err)
	}
	defer rows.Close()

	var out []InvoiceEvent
	for rows.Next() {
		var ev InvoiceEvent
		var appSess sql.NullString
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.InvoiceID, &ev.Owner, &ev.EventType, &appSess, &ts); err != nil {
			return nil, fmt.Errorf("store: scanning invoice event: %w", err)
		}
		if appSess.Valid {
			ev.AppSessionID = &appSess.String
		}
		ev.Timestamp = time.Unix(0, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}
