package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/shopspring/decimal"

	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

// CreateAllocationParams is create_allocation's argument set.
type CreateAllocationParams struct {
	OwnerID         string
	PaymentPlatform string
	Address         string
	TotalAmount     decimal.Decimal
	Timeout         *time.Time
	Deposit         *string
}

// CreateAllocation implements spec.md §4.4's create_allocation:
// validates against the driver (sum of existing allocations on the same
// platform + the new total ≤ account balance), then persists and arms
// the optional auto-release timer.
func (e *Engine) CreateAllocation(ctx context.Context, p CreateAllocationParams) (store.Allocation, error) {
	if err := e.validateAllocationExposure(ctx, p.OwnerID, p.PaymentPlatform, p.Address, p.TotalAmount); err != nil {
		return store.Allocation{}, err
	}

	a := store.Allocation{
		ID:              ids.New(),
		OwnerID:         p.OwnerID,
		PaymentPlatform: p.PaymentPlatform,
		Address:         p.Address,
		TotalAmount:     p.TotalAmount.String(),
		SpentAmount:     "0",
		Timeout:         p.Timeout,
		Deposit:         p.Deposit,
		Status:          store.AllocationActive,
		CreatedAt:       time.Now(),
	}
	if err := store.InsertAllocation(ctx, e.db.DB(), a); err != nil {
		return store.Allocation{}, err
	}
	if p.Timeout != nil {
		e.deadlines.TrackDeadline(deadlineCategoryAllocation, a.ID, *p.Timeout)
	}
	return a, nil
}

// validateAllocationExposure checks that delta, added to the owner's
// existing Active allocations on platform, still fits the driver's
// reported balance. Concurrent callers for the same (owner, platform)
// pair are collapsed via singleflight so a create/amend burst never
// drives more than one ValidateAllocation call in flight, per
// SPEC_FULL.md §4.4's added concurrency note.
func (e *Engine) validateAllocationExposure(ctx context.Context, ownerID, platform, address string, delta decimal.Decimal) error {
	key := ownerID + "|" + platform
	_, err, _ := e.validateGroup.Do(key, func() (any, error) {
		existing, err := store.ListActiveAllocationsByOwner(ctx, e.db.DB(), ownerID)
		if err != nil {
			return nil, err
		}
		sum := decimal.Zero
		for _, a := range existing {
			if a.PaymentPlatform != platform {
				continue
			}
			total, parseErr := decimal.NewFromString(a.TotalAmount)
			if parseErr != nil {
				return nil, fmt.Errorf("payment: parsing allocation %s total: %w", a.ID, parseErr)
			}
			sum = sum.Add(total)
		}
		requested := sum.Add(delta)
		if err := e.driver.ValidateAllocation(ctx, platform, address, requested); err != nil {
			return nil, &AllocationExceeded{Requested: requested.String(), Available: sum.String()}
		}
		return nil, nil
	})
	return err
}

// allocationAmendDoc is the JSON shape amend_allocation's RFC 6902 JSON
// Patch is applied against, per SPEC_FULL.md §4.4's added API rendering.
type allocationAmendDoc struct {
	TotalAmount string  `json:"total_amount"`
	Deposit     *string `json:"deposit,omitempty"`
}

// AmendAllocation implements amend_allocation(id, patch). Per spec.md
// §4.4, amending is additive only in the validation check: only a
// positive delta (new_total − old_total) is re-validated against the
// driver, since a reduction can never violate the exposure invariant.
func (e *Engine) AmendAllocation(ctx context.Context, id string, patch []byte) (store.Allocation, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	a, err := store.GetAllocation(ctx, e.db.DB(), id)
	if err != nil {
		if err == store.ErrNotFound {
			return store.Allocation{}, &NotFound{Kind: "allocation", ID: id}
		}
		return store.Allocation{}, err
	}
	if a.Status != store.AllocationActive {
		return store.Allocation{}, &AllocationNotActive{ID: id}
	}

	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return store.Allocation{}, fmt.Errorf("payment: decoding allocation patch: %w", err)
	}
	current, err := json.Marshal(allocationAmendDoc{TotalAmount: a.TotalAmount, Deposit: a.Deposit})
	if err != nil {
		return store.Allocation{}, fmt.Errorf("payment: encoding allocation %s: %w", id, err)
	}
	modified, err := decoded.Apply(current)
	if err != nil {
		return store.Allocation{}, fmt.Errorf("payment: applying patch to allocation %s: %w", id, err)
	}
	var doc allocationAmendDoc
	if err := json.Unmarshal(modified, &doc); err != nil {
		return store.Allocation{}, fmt.Errorf("payment: decoding patched allocation %s: %w", id, err)
	}

	newTotal, err := decimal.NewFromString(doc.TotalAmount)
	if err != nil {
		return store.Allocation{}, fmt.Errorf("payment: parsing patched total_amount %q: %w", doc.TotalAmount, err)
	}
	oldTotal, err := decimal.NewFromString(a.TotalAmount)
	if err != nil {
		return store.Allocation{}, fmt.Errorf("payment: parsing allocation %s total: %w", id, err)
	}
	if delta := newTotal.Sub(oldTotal); delta.IsPositive() {
		if err := e.validateAllocationExposure(ctx, a.OwnerID, a.PaymentPlatform, a.Address, delta); err != nil {
			return store.Allocation{}, err
		}
	}

	if err := store.UpdateAllocationAmounts(ctx, e.db.DB(), id, newTotal.String(), a.SpentAmount); err != nil {
		return store.Allocation{}, err
	}
	a.TotalAmount = newTotal.String()
	a.Deposit = doc.Deposit
	return a, nil
}

// ReleaseAllocation implements release_allocation(id): a manual release
// request from the owner.
func (e *Engine) ReleaseAllocation(ctx context.Context, id string) error {
	unlock := e.locks.lock(id)
	defer unlock()
	return e.releaseAllocation(ctx, id)
}

// releaseAllocation tombstones id and, if a deposit was attached, asks
// the driver to release it. Called both from ReleaseAllocation and from
// the auto-release deadline path, so it does not itself take the
// per-allocation lock (the deadline path does not route through
// ReleaseAllocation's lock acquisition).
func (e *Engine) releaseAllocation(ctx context.Context, id string) error {
	a, err := store.GetAllocation(ctx, e.db.DB(), id)
	if err != nil {
		if err == store.ErrNotFound {
			return &NotFound{Kind: "allocation", ID: id}
		}
		return err
	}
	if err := store.ReleaseAllocation(ctx, e.db.DB(), id); err != nil {
		if err == store.ErrNotFound {
			return nil // already released: idempotent
		}
		return err
	}
	e.deadlines.StopTracking(deadlineCategoryAllocation, id)
	e.locks.evict(id)

	if a.Deposit != nil {
		if err := e.driver.ReleaseDeposit(ctx, a.PaymentPlatform, *a.Deposit); err != nil {
			ops.Warnf(e.log, "payment: releasing deposit for allocation %s: %v", id, err)
		}
	}
	return nil
}

// GetAllocation implements get_allocation(id).
func (e *Engine) GetAllocation(ctx context.Context, id string) (store.Allocation, error) {
	a, err := store.GetAllocation(ctx, e.db.DB(), id)
	if err != nil {
		if err == store.ErrNotFound {
			return store.Allocation{}, &NotFound{Kind: "allocation", ID: id}
		}
		return store.Allocation{}, err
	}
	return a, nil
}

// ListAllocations implements list_allocations(owner_id): every Active
// reservation the caller holds.
func (e *Engine) ListAllocations(ctx context.Context, ownerID string) ([]store.Allocation, error) {
	return store.ListActiveAllocationsByOwner(ctx, e.db.DB(), ownerID)
}

// WarmDeadlines re-arms the deadline checker for every Active,
// timeout-bearing Allocation, for use at daemon startup after a restart
// (the in-memory deadline.Checker otherwise starts empty).
func (e *Engine) WarmDeadlines(ctx context.Context) error {
	pending, err := store.ListActiveAllocationsWithTimeout(ctx, e.db.DB())
	if err != nil {
		return err
	}
	for _, a := range pending {
		e.deadlines.TrackDeadline(deadlineCategoryAllocation, a.ID, *a.Timeout)
	}
	return nil
}
