package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertSubscription persists a new Offer or Demand.
func InsertSubscription(ctx context.Context, q Querier, sub Subscription) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO subscription (id, owner_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sub.ID, sub.OwnerID, string(sub.Kind), sub.Payload, sub.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: inserting subscription %s: %w", sub.ID, err)
	}
	return nil
}

// GetSubscription loads a Subscription by id.
func GetSubscription(ctx context.Context, q Querier, id string) (Subscription, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, payload, created_at, unsubscribed_at
		FROM subscription WHERE id = ?`, id)
	return scanSubscription(row)
}

func scanSubscription(row *sql.Row) (Subscription, error) {
	var sub Subscription
	var kind string
	var createdAt int64
	var unsubAt sql.NullInt64
	if err := row.Scan(&sub.ID, &sub.OwnerID, &kind, &sub.Payload, &createdAt, &unsubAt); err != nil {
		if err == sql.ErrNoRows {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, fmt.Errorf("store: scanning subscription: %w", err)
	}
	sub.Kind = SubscriptionKind(kind)
	sub.CreatedAt = time.Unix(0, createdAt)
	if unsubAt.Valid {
		t := time.Unix(0, unsubAt.Int64)
		sub.UnsubscribedAt = &t
	}
	return sub, nil
}

// UnsubscribeSubscription marks a subscription as unsubscribed at the
// given time. Idempotent: re-unsubscribing is a no-op.
func UnsubscribeSubscription(ctx context.Context, q Querier, id string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE subscription SET unsubscribed_at = ?
		WHERE id = ? AND unsubscribed_at IS NULL`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("store: unsubscribing %s: %w", id, err)
	}
	return nil
}

// IsUnsubscribed reports whether the subscription has been unsubscribed
// (or does not exist, which is treated as unsubscribed for safety).
func IsUnsubscribed(ctx context.Context, q Querier, id string) (bool, error) {
	sub, err := GetSubscription(ctx, q, id)
	if err == ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return sub.UnsubscribedAt != nil, nil
}
