package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertAgreement persists a new Agreement row for one local owning role.
func InsertAgreement(ctx context.Context, q Querier, a Agreement) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO agreement (
			id, owner, demand_proposal_id, offer_proposal_id, provider_id, requestor_id,
			valid_to, app_session_id, state, proposed_sig, approved_sig, committed_sig,
			approved_ts, total_amount_scheduled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Owner, a.DemandProposalID, a.OfferProposalID, a.ProviderID, a.RequestorID,
		a.ValidTo.UnixNano(), a.AppSessionID, string(a.State), a.ProposedSig, a.ApprovedSig, a.CommittedSig,
		nullTime(a.ApprovedTs), a.TotalAmountScheduled)
	if err != nil {
		return fmt.Errorf("store: inserting agreement %s: %w", a.ID, err)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// GetAgreement loads an Agreement by (id, owner).
func GetAgreement(ctx context.Context, q Querier, id, owner string) (Agreement, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, owner, demand_proposal_id, offer_proposal_id, provider_id, requestor_id,
			valid_to, app_session_id, state, proposed_sig, approved_sig, committed_sig,
			approved_ts, total_amount_scheduled
		FROM agreement WHERE id = ? AND owner = ?`, id, owner)
	return scanAgreement(row)
}

func scanAgreement(row *sql.Row) (Agreement, error) {
	var a Agreement
	var validTo int64
	var appSessionID, proposedSig, approvedSig, committedSig sql.NullString
	var approvedTs sql.NullInt64
	var state string
	if err := row.Scan(&a.ID, &a.Owner, &a.DemandProposalID, &a.OfferProposalID, &a.ProviderID, &a.RequestorID,
		&validTo, &appSessionID, &state, &proposedSig, &approvedSig, &committedSig,
		&approvedTs, &a.TotalAmountScheduled); err != nil {
		if err == sql.ErrNoRows {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("store: scanning agreement: %w", err)
	}
	a.ValidTo = time.Unix(0, validTo)
	a.State = AgreementState(state)
	if appSessionID.Valid {
		a.AppSessionID = &appSessionID.String
	}
	if proposedSig.Valid {
		a.ProposedSig = &proposedSig.String
	}
	if approvedSig.Valid {
		a.ApprovedSig = &approvedSig.String
	}
	if committedSig.Valid {
		a.CommittedSig = &committedSig.String
	}
	if approvedTs.Valid {
		t := time.Unix(0, approvedTs.Int64)
		a.ApprovedTs = &t
	}
	return a, nil
}

// UpdateAgreementState performs a compare-and-set transition: it only
// applies if the row's current state equals expectFrom, returning
// ErrCASMismatch otherwise. Callers are expected to already hold the
// per-agreement serial lock (internal/market); this is a defense in depth
// against any caller that forgets to.
var ErrCASMismatch = fmt.Errorf("store: agreement state changed concurrently")

func UpdateAgreementState(ctx context.Context, q Querier, id, owner string, expectFrom, to AgreementState) error {
	res, err := q.ExecContext(ctx, `
		UPDATE agreement SET state = ? WHERE id = ? AND owner = ? AND state = ?`,
		string(to), id, owner, string(expectFrom))
	if err != nil {
		return fmt.Errorf("store: updating agreement %s state: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrCASMismatch
	}
	return nil
}

// SetAgreementSignature attaches one of the three signature fields.
func SetAgreementSignature(ctx context.Context, q Querier, id, owner, field, sig string) error {
	var column string
	switch field {
	case "proposed":
		column = "proposed_sig"
	case "approved":
		column = "approved_sig"
	case "committed":
		column = "committed_sig"
	default:
		return fmt.Errorf("store: unknown signature field %q", field)
	}
	_, err := q.ExecContext(ctx, `UPDATE agreement SET `+column+` = ? WHERE id = ? AND owner = ?`, sig, id, owner)
	if err != nil {
		return fmt.Errorf("store: setting %s signature on %s: %w", field, id, err)
	}
	return nil
}

// SetAgreementApprovedTs records the moment an Agreement became Approved.
func SetAgreementApprovedTs(ctx context.Context, q Querier, id, owner string, at time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE agreement SET approved_ts = ? WHERE id = ? AND owner = ?`, at.UnixNano(), id, owner)
	if err != nil {
		return fmt.Errorf("store: setting approved_ts on %s: %w", id, err)
	}
	return nil
}

// SetAgreementTotalScheduled records the running total scheduled for
// payment against this Agreement, used by the Payment Engine's
// double-debit guard.
func SetAgreementTotalScheduled(ctx context.Context, q Querier, id, owner, amount string) error {
	_, err := q.ExecContext(ctx, `UPDATE agreement SET total_amount_scheduled = ? WHERE id = ? AND owner = ?`, amount, id, owner)
	if err != nil {
		return fmt.Errorf("store: setting total_amount_scheduled on %s: %w", id, err)
	}
	return nil
}

// ListNonTerminalPastValidTo returns every non-terminal Agreement whose
// valid_to has already passed -- used to promote to Expired at read time
// per spec.md §3's invariant, and to re-arm the expiration deadline
// checker after a restart.
func ListNonTerminalPastValidTo(ctx context.Context, q Querier, now time.Time) ([]Agreement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, owner, demand_proposal_id, offer_proposal_id, provider_id, requestor_id,
			valid_to, app_session_id, state, proposed_sig, approved_sig, committed_sig,
			approved_ts, total_amount_scheduled
		FROM agreement
		WHERE valid_to <= ? AND state NOT IN ('Terminated','Rejected','Cancelled','Expired')`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: listing expired agreements: %w", err)
	}
	defer rows.Close()
	return scanAgreements(rows)
}

// ListAllNonTerminal returns every non-terminal Agreement, used to
// re-arm timers after a restart.
func ListAllNonTerminal(ctx context.Context, q Querier) ([]Agreement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, owner, demand_proposal_id, offer_proposal_id, provider_id, requestor_id,
			valid_to, app_session_id, state, proposed_sig, approved_sig, committed_sig,
			approved_ts, total_amount_scheduled
		FROM agreement
		WHERE state NOT IN ('Terminated','Rejected','Cancelled','Expired')`)
	if err != nil {
		return nil, fmt.Errorf("store: listing non-terminal agreements: %w", err)
	}
	defer rows.Close()
	return scanAgreements(rows)
}

func scanAgreements(rows *sql.Rows) ([]Agreement, error) {
	var out []Agreement
	for rows.Next() {
		var a Agreement
		var validTo int64
		var appSessionID, proposedSig, approvedSig, committedSig sql.NullString
		var approvedTs sql.NullInt64
		var state string
		if err := rows.Scan(&a.ID, &a.Owner, &a.DemandProposalID, &a.OfferProposalID, &a.ProviderID, &a.RequestorID,
			&validTo, &appSessionID, &state, &proposedSig, &approvedSig, &committedSig,
			&approvedTs, &a.TotalAmountScheduled); err != nil {
			return nil, fmt.Errorf("store: scanning agreement row: %w", err)
		}
		a.ValidTo = time.Unix(0, validTo)
		a.State = AgreementState(state)
		if appSessionID.Valid {
			a.AppSessionID = &appSessionID.String
		}
		if proposedSig.Valid {
			a.ProposedSig = &proposedSig.String
		}
		if approvedSig.Valid {
			a.ApprovedSig = &approvedSig.String
		}
		if committedSig.Valid {
			a.CommittedSig = &committedSig.String
		}
		if approvedTs.Valid {
			t := time.Unix(0, approvedTs.Int64)
			a.ApprovedTs = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AgreementExistsNonTerminalForProposal reports whether a non-terminal
// Agreement already references offerProposalID, used by create_agreement's
// AlreadyExists check.
func AgreementExistsNonTerminalForProposal(ctx context.Context, q Querier, offerProposalID, owner string) (string, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id FROM agreement
		WHERE offer_proposal_id = ? AND owner = ?
		AND state NOT IN ('Terminated','Rejected','Cancelled','Expired')
		LIMIT 1`, offerProposalID, owner)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: checking existing agreement: %w", err)
	}
	return id, true, nil
}
