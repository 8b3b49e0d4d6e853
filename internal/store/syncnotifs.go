package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertSyncNotif records (or bumps the attempt count of) an undelivered
// Accept message that must be replayed to a peer, per spec.md §4.3's
// sync_notif mechanism.
func UpsertSyncNotif(ctx context.Context, q Querier, n SyncNotif) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_notif (peer_node_id, last_attempt, attempts, payload_kind, payload_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_node_id, payload_kind, payload_id) DO UPDATE SET
			last_attempt = excluded.last_attempt,
			attempts = excluded.attempts`,
		n.PeerNodeID, n.LastAttempt.UnixNano(), n.Attempts, n.PayloadKind, n.PayloadID)
	if err != nil {
		return fmt.Errorf("store: upserting sync notif for %s/%s: %w", n.PeerNodeID, n.PayloadID, err)
	}
	return nil
}

// DeleteSyncNotif removes a sync notif once it has been delivered.
func DeleteSyncNotif(ctx context.Context, q Querier, peerNodeID, payloadKind, payloadID string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM sync_notif WHERE peer_node_id = ? AND payload_kind = ? AND payload_id = ?`,
		peerNodeID, payloadKind, payloadID)
	if err != nil {
		return fmt.Errorf("store: deleting sync notif for %s/%s: %w", peerNodeID, payloadID, err)
	}
	return nil
}

// ListDueSyncNotifs returns every sync notif whose last attempt is at
// least retryInterval in the past, for the retry sweep in
// internal/payment/sync.go.
func ListDueSyncNotifs(ctx context.Context, q Querier, now time.Time, retryInterval time.Duration) ([]SyncNotif, error) {
	cutoff := now.Add(-retryInterval)
	rows, err := q.QueryContext(ctx, `
		SELECT peer_node_id, last_attempt, attempts, payload_kind, payload_id
		FROM sync_notif WHERE last_attempt <= ? ORDER BY last_attempt ASC`, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: listing due sync notifs: %w", err)
	}
	defer rows.Close()

	var out []SyncNotif
	for rows.Next() {
		var n SyncNotif
		var lastAttempt int64
		if err := rows.Scan(&n.PeerNodeID, &lastAttempt, &n.Attempts, &n.PayloadKind, &n.PayloadID); err != nil {
			return nil, fmt.Errorf("store: scanning sync notif row: %w", err)
		}
		n.LastAttempt = time.Unix(0, lastAttempt)
		out = append(out, n)
	}
	return out, rows.Err()
}
