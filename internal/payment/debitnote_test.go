package payment

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

func TestIssueAndAcceptDebitNote(t *testing.T) {
	h := newTestEngine(t)
	agreementID := ids.New()
	h.seedAgreement(t, agreementID)
	alloc := h.createAllocation(t, decimal.NewFromInt(500))

	d, err := h.engine.IssueDebitNote(context.Background(), IssueDebitNoteParams{
		AgreementID: agreementID, ActivityID: "activity-1",
		TotalAmountDue: decimal.NewFromInt(100), UsageCounterVector: "[1,2]",
	})
	require.NoError(t, err)
	require.Equal(t, store.StatusIssued, d.Status)

	h.markReceived(t, d.ID)

	require.NoError(t, h.engine.AcceptDebitNote(context.Background(), d.ID, alloc.ID))

	reloaded, err := h.engine.GetDebitNote(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusAccepted, reloaded.Status)

	updatedAlloc, err := h.engine.GetAllocation(context.Background(), alloc.ID)
	require.NoError(t, err)
	require.Equal(t, "100", updatedAlloc.SpentAmount)
}

func TestAcceptDebitNoteIsIdempotent(t *testing.T) {
	h := newTestEngine(t)
	agreementID := ids.New()
	h.seedAgreement(t, agreementID)
	alloc := h.createAllocation(t, decimal.NewFromInt(500))

	d, err := h.engine.IssueDebitNote(context.Background(), IssueDebitNoteParams{
		AgreementID: agreementID, ActivityID: "activity-1",
		TotalAmountDue: decimal.NewFromInt(100), UsageCounterVector: "[1]",
	})
	require.NoError(t, err)
	h.markReceived(t, d.ID)

	require.NoError(t, h.engine.AcceptDebitNote(context.Background(), d.ID, alloc.ID))
	require.NoError(t, h.engine.AcceptDebitNote(context.Background(), d.ID, alloc.ID))

	updatedAlloc, err := h.engine.GetAllocation(context.Background(), alloc.ID)
	require.NoError(t, err)
	require.Equal(t, "100", updatedAlloc.SpentAmount) // not double-debited
}

func TestAcceptSecondDebitNoteOnlyDebitsTheIncrement(t *testing.T) {
	h := newTestEngine(t)
	agreementID := ids.New()
	h.seedAgreement(t, agreementID)
	alloc := h.createAllocation(t, decimal.NewFromInt(500))

	first, err := h.engine.IssueDebitNote(context.Background(), IssueDebitNoteParams{
		AgreementID: agreementID, ActivityID: "activity-1",
		TotalAmountDue: decimal.NewFromInt(100), UsageCounterVector: "[1]",
	})
	require.NoError(t, err)
	h.markReceived(t, first.ID)
	require.NoError(t, h.engine.AcceptDebitNote(context.Background(), first.ID, alloc.ID))

	second, err := h.engine.IssueDebitNote(context.Background(), IssueDebitNoteParams{
		AgreementID: agreementID, ActivityID: "activity-1",
		TotalAmountDue: decimal.NewFromInt(150), UsageCounterVector: "[1,2]",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, *second.PreviousDebitNoteID)
	h.markReceived(t, second.ID)
	require.NoError(t, h.engine.AcceptDebitNote(context.Background(), second.ID, alloc.ID))

	updatedAlloc, err := h.engine.GetAllocation(context.Background(), alloc.ID)
	require.NoError(t, err)
	require.Equal(t, "150", updatedAlloc.SpentAmount) // 100 from first + only the 50 increment from second
}

func TestAcceptDebitNoteExceedsAllocation(t *testing.T) {
	h := newTestEngine(t)
	agreementID := ids.New()
	h.seedAgreement(t, agreementID)
	alloc := h.createAllocation(t, decimal.NewFromInt(50))

	d, err := h.engine.IssueDebitNote(context.Background(), IssueDebitNoteParams{
		AgreementID: agreementID, ActivityID: "activity-1",
		TotalAmountDue: decimal.NewFromInt(100), UsageCounterVector: "[1]",
	})
	require.NoError(t, err)
	h.markReceived(t, d.ID)

	err = h.engine.AcceptDebitNote(context.Background(), d.ID, alloc.ID)
	require.Error(t, err)
	require.IsType(t, &AllocationExceeded{}, err)
}

func TestCancelDebitNoteBeforeAcceptance(t *testing.T) {
	h := newTestEngine(t)
	agreementID := ids.New()
	h.seedAgreement(t, agreementID)

	d, err := h.engine.IssueDebitNote(context.Background(), IssueDebitNoteParams{
		AgreementID: agreementID, ActivityID: "activity-1",
		TotalAmountDue: decimal.NewFromInt(10), UsageCounterVector: "[1]",
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.CancelDebitNote(context.Background(), d.ID))

	reloaded, err := h.engine.GetDebitNote(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelled, reloaded.Status)
}

func TestCancelDebitNoteRejectsAlreadyAccepted(t *testing.T) {
	h := newTestEngine(t)
	agreementID := ids.New()
	h.seedAgreement(t, agreementID)
	alloc := h.createAllocation(t, decimal.NewFromInt(500))

	d, err := h.engine.IssueDebitNote(context.Background(), IssueDebitNoteParams{
		AgreementID: agreementID, ActivityID: "activity-1",
		TotalAmountDue: decimal.NewFromInt(100), UsageCounterVector: "[1]",
	})
	require.NoError(t, err)
	h.markReceived(t, d.ID)
	require.NoError(t, h.engine.AcceptDebitNote(context.Background(), d.ID, alloc.ID))

	err = h.engine.CancelDebitNote(context.Background(), d.ID)
	require.Error(t, err)
	require.IsType(t, &InvalidStatus{}, err)
}

func TestRejectDebitNoteRequiresReceived(t *testing.T) {
	h := newTestEngine(t)
	agreementID := ids.New()
	h.seedAgreement(t, agreementID)

	d, err := h.engine.IssueDebitNote(context.Background(), IssueDebitNoteParams{
		AgreementID: agreementID, ActivityID: "activity-1",
		TotalAmountDue: decimal.NewFromInt(10), UsageCounterVector: "[1]",
	})
	require.NoError(t, err)

	err = h.engine.RejectDebitNote(context.Background(), d.ID)
	require.Error(t, err)
	require.IsType(t, &InvalidStatus{}, err)
}
