package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertProposal persists a new Proposal link.
func InsertProposal(ctx context.Context, q Querier, p Proposal) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO proposal (id, subscription_id, prev_proposal_id, issuer, state, body, body_digest, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SubscriptionID, p.PrevProposalID, string(p.Issuer), string(p.State), p.Body, p.BodyDigest, p.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("store: inserting proposal %s: %w", p.ID, err)
	}
	return nil
}

// GetProposal loads a Proposal by id.
func GetProposal(ctx context.Context, q Querier, id string) (Proposal, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, subscription_id, prev_proposal_id, issuer, state, body, body_digest, ts
		FROM proposal WHERE id = ?`, id)
	return scanProposal(row)
}

func scanProposal(row *sql.Row) (Proposal, error) {
	var p Proposal
	var prev sql.NullString
	var issuer, state string
	var ts int64
	if err := row.Scan(&p.ID, &p.SubscriptionID, &prev, &issuer, &state, &p.Body, &p.BodyDigest, &ts); err != nil {
		if err == sql.ErrNoRows {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("store: scanning proposal: %w", err)
	}
	if prev.Valid {
		p.PrevProposalID = &prev.String
	}
	p.Issuer = Issuer(issuer)
	p.State = ProposalState(state)
	p.Timestamp = time.Unix(0, ts)
	return p, nil
}

// SetProposalState updates a Proposal's state.
func SetProposalState(ctx context.Context, q Querier, id string, state ProposalState) error {
	res, err := q.ExecContext(ctx, `UPDATE proposal SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("store: updating proposal %s state: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindCounterOf returns the Proposal (if any) whose prev_proposal_id is
// id -- used to enforce "a Proposal may be countered at most once".
func FindCounterOf(ctx context.Context, q Querier, id string) (Proposal, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, subscription_id, prev_proposal_id, issuer, state, body, body_digest, ts
		FROM proposal WHERE prev_proposal_id = ?`, id)
	p, err := scanProposal(row)
	if err == ErrNotFound {
		return Proposal{}, false, nil
	}
	if err != nil {
		return Proposal{}, false, err
	}
	return p, true, nil
}
