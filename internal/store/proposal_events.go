package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendProposalEvent inserts one event onto a subscription's Proposal
// event queue (the Negotiation Broker's query_events).
func AppendProposalEvent(ctx context.Context, q Querier, e ProposalEvent) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO proposal_event (subscription_id, proposal_id, event_type, reason, ts)
		VALUES (?, ?, ?, ?, ?)`,
		e.SubscriptionID, e.ProposalID, e.EventType, e.Reason, e.Timestamp.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: appending proposal event for %s: %w", e.SubscriptionID, err)
	}
	return res.LastInsertId()
}

// QueryProposalEventsAfter returns events timestamped strictly after
// `after` for a subscription, oldest first.
func QueryProposalEventsAfter(ctx context.Context, q Querier, subscriptionID string, after time.Time, limit int) ([]ProposalEvent, error) {
	query := `
		SELECT id, subscription_id, proposal_id, event_type, reason, ts
		FROM proposal_event WHERE subscription_id = ? AND ts > ? ORDER BY ts ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.QueryContext(ctx, query, subscriptionID, after.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: querying proposal events: %w", err)
	}
	defer rows.Close()

	var out []ProposalEvent
	for rows.Next() {
		var ev ProposalEvent
		var reason sql.NullString
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.SubscriptionID, &ev.ProposalID, &ev.EventType, &reason, &ts); err != nil {
			return nil, fmt.Errorf("store: scanning proposal event: %w", err)
		}
		if reason.Valid {
			ev.Reason = &reason.String
		}
		ev.Timestamp = time.Unix(0, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// HasProposalEventsAfter reports whether any event exists for a
// subscription after the given timestamp, without paying for a full row
// fetch.
func HasProposalEventsAfter(ctx context.Context, q Querier, subscriptionID string, after time.Time) (bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT 1 FROM proposal_event WHERE subscription_id = ? AND ts > ? LIMIT 1`, subscriptionID, after.UnixNano())
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("store: checking proposal events: %w", err)
	}
	return true, nil
}
