package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendAgreementEvent inserts one event onto an Agreement's event queue.
// The autoincrement id gives QueryAgreementEventsAfter a stable cursor for
// long-polling (spec.md §6's query_agreement_events "after_timestamp").
func AppendAgreementEvent(ctx context.Context, q Querier, e AgreementEvent) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO agreement_event (agreement_id, owner, event_type, reason, signature, app_session_id, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AgreementID, e.Owner, e.EventType, e.Reason, e.Signature, e.AppSessionID, e.Timestamp.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: appending agreement event for %s: %w", e.AgreementID, err)
	}
	return res.LastInsertId()
}

// QueryAgreementEventsAfter returns events timestamped strictly after
// `after`, for the given owner, newest last. If appSessionID is non-nil
// only events with a matching AppSessionID (or none) are returned.
func QueryAgreementEventsAfter(ctx context.Context, q Querier, owner string, after time.Time, appSessionID *string, limit int) ([]AgreementEvent, error) {
	args := []any{owner, after.UnixNano()}
	query := `
		SELECT id, agreement_id, owner, event_type, reason, signature, app_session_id, ts
		FROM agreement_event WHERE owner = ? AND ts > ?`
	if appSessionID != nil {
		query += ` AND (app_session_id = ? OR app_session_id IS NULL)`
		args = append(args, *appSessionID)
	}
	query += ` ORDER BY ts ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying agreement events: %w", err)
	}
	defer rows.Close()

	var out []AgreementEvent
	for rows.Next() {
		var ev AgreementEvent
		var reason, signature, appSess sql.NullString
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.AgreementID, &ev.Owner, &ev.EventType, &reason, &signature, &appSess, &ts); err != nil {
			return nil, fmt.Errorf("store: scanning agreement event: %w", err)
		}
		if reason.Valid {
			ev.Reason = &reason.String
		}
		if signature.Valid {
			ev.Signature = &signature.String
		}
		if appSess.Valid {
			ev.AppSessionID = &appSess.String
		}
		ev.Timestamp = time.Unix(0, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}
