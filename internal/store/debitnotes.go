package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertDebitNote persists a newly issued DebitNote.
func InsertDebitNote(ctx context.Context, q Querier, d DebitNote) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO debit_note (
			id, agreement_id, owner, activity_id, previous_debit_note_id,
			total_amount_due, usage_counter_vector, payment_due_date, status, issued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AgreementID, d.Owner, d.ActivityID, d.PreviousDebitNoteID,
		d.TotalAmountDue, d.UsageCounterVector, nullTime(d.PaymentDueDate), string(d.Status), d.IssuedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: inserting debit note %s: %w", d.ID, err)
	}
	return nil
}

// GetDebitNote loads a DebitNote by id.
func GetDebitNote(ctx context.Context, q Querier, id string) (DebitNote, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, agreement_id, owner, activity_id, previous_debit_note_id,
			total_amount_due, usage_counter_vector, payment_due_date, status, issued_at
		FROM debit_note WHERE id = ?`, id)
	return scanDebitNote(row)
}

func scanDebitNote(row *sql.Row) (DebitNote, error) {
	var d DebitNote
	var prev sql.NullString
	var dueDate sql.NullInt64
	var status string
	var issuedAt int64
	if err := row.Scan(&d.ID, &d.AgreementID, &d.Owner, &d.ActivityID, &prev,
		&d.TotalAmountDue, &d.UsageCounterVector, &dueDate, &status, &issuedAt); err != nil {
		if err == sql.ErrNoRows {
			return DebitNote{}, ErrNotFound
		}
		return DebitNote{}, fmt.Errorf("store: scanning debit note: %w", err)
	}
	if prev.Valid {
		d.PreviousDebitNoteID = &prev.String
	}
	if dueDate.Valid {
		t := time.Unix(0, dueDate.Int64)
		d.PaymentDueDate = &t
	}
	d.Status = DocumentStatus(status)
	d.IssuedAt = time.Unix(0, issuedAt)
	return d, nil
}

// SetDebitNoteStatus transitions a DebitNote's status.
func SetDebitNoteStatus(ctx context.Context, q Querier, id string, status DocumentStatus) error {
	res, err := q.ExecContext(ctx, `UPDATE debit_note SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: updating debit note %s status: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestDebitNoteForActivity returns the most recently issued DebitNote
// for an Activity, used to chain PreviousDebitNoteID.
func LatestDebitNoteForActivity(ctx context.Context, q Querier, activityID string) (DebitNote, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, agreement_id, owner, activity_id, previous_debit_note_id,
			total_amount_due, usage_counter_vector, payment_due_date, status, issued_at
		FROM debit_note WHERE activity_id = ? ORDER BY issued_at DESC LIMIT 1`, activityID)
	d, err := scanDebitNote(row)
	if err == ErrNotFound {
		return DebitNote{}, false, nil
	}
	if err != nil {
		return DebitNote{}, false, err
	}
	return d, true, nil
}

// ListDebitNotesByAgreement returns every DebitNote issued against an
// Agreement, oldest first -- used by the Payment Engine when settling a
// payment, when superseding notes on Invoice acceptance, and for listing.
func ListDebitNotesByAgreement(ctx context.Context, q Querier, agreementID string) ([]DebitNote, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, agreement_id, owner, activity_id, previous_debit_note_id,
			total_amount_due, usage_counter_vector, payment_due_date, status, issued_at
		FROM debit_note WHERE agreement_id = ? ORDER BY issued_at ASC`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("store: listing debit notes for %s: %w", agreementID, err)
	}
	defer rows.Close()

	var out []DebitNote
	for rows.Next() {
		var d DebitNote
		var prev sql.NullString
		var dueDate sql.NullInt64
		var status string
		var issuedAt int64
		if err := rows.Scan(&d.ID, &d.AgreementID, &d.Owner, &d.ActivityID, &prev,
			&d.TotalAmountDue, &d.UsageCounterVector, &dueDate, &status, &issuedAt); err != nil {
			return nil, fmt.Errorf("store: scanning debit note row: %w", err)
		}
		if prev.Valid {
			d.PreviousDebitNoteID = &prev.String
		}
		if dueDate.Valid {
			t := time.Unix(0, dueDate.Int64)
			d.PaymentDueDate = &t
		}
		d.Status = DocumentStatus(status)
		d.IssuedAt = time.Unix(0, issuedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// AppendDebitNoteEvent inserts one event onto a DebitNote's event queue.
func AppendDebitNoteEvent(ctx context.Context, q Querier, e DebitNoteEvent) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO debit_note_event (debit_note_id, owner, event_type, app_session_id, ts)
		VALUES (?, ?, ?, ?, ?)`,
		e.DebitNoteID, e.Owner, e.EventType, e.AppSessionID, e.Timestamp.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: appending debit note event for %s: %w", e.DebitNoteID, err)
	}
	return res.LastInsertId()
}

// QueryDebitNoteEventsAfter mirrors QueryAgreementEventsAfter for
// DebitNote events.
func QueryDebitNoteEventsAfter(ctx context.Context, q Querier, owner string, after time.Time, limit int) ([]DebitNoteEvent, error) {
	query := `
		SELECT id, debit_note_id, owner, event_type, app_session_id, ts
		FROM debit_note_event WHERE owner = ? AND ts > ? ORDER BY ts ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.QueryContext(ctx, query, owner, after.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: querying debit note events: %w", err)
	}
	defer rows.Close()

	var out []DebitNoteEvent
	for rows.Next() {
		var ev DebitNoteEvent
		var appSess sql.NullString
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.DebitNoteID, &ev.Owner, &ev.EventType, &appSess, &ts); err != nil {
			return nil, fmt.Errorf("store: scanning debit note event: %w", err)
		}
		if appSess.Valid {
			ev.AppSessionID = &appSess.String
		}
		ev.Timestamp = time.Unix(0, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}
