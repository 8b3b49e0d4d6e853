// Package paymentdriver is the Payment Driver collaborator spec.md §1/§6
// leave external: validate_allocation, schedule_payment, notify_payment,
// release_deposit. This package defines the contract and an in-memory
// reference implementation good enough to drive internal/payment's
// Allocation/DebitNote/Invoice lifecycles in tests, the same way
// internal/adapters/identity stands in for a real keystore.
package paymentdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/golemfactory/yagna-sub001/internal/bus"
)

// Driver is what internal/payment depends on to reserve funds and move
// them on-chain. SchedulePayment is fire-and-forget: the driver confirms
// asynchronously via a NotifyPayment message published on the bus.
type Driver interface {
	ValidateAllocation(ctx context.Context, platform, address string, requestedTotal decimal.Decimal) error
	SchedulePayment(ctx context.Context, orderID, platform, payerAddress, payeeAddress string, amount decimal.Decimal) error
	ReleaseDeposit(ctx context.Context, platform, deposit string) error
}

// NotifyPayment is the driver's asynchronous confirmation of a scheduled
// payment, published on TopicNotifyPayment.
type NotifyPayment struct {
	Platform     string
	OrderID      string
	Confirmation string
}

// TopicNotifyPayment is the bus topic internal/payment subscribes to for
// NotifyPayment confirmations.
const TopicNotifyPayment = "paymentdriver/notify-payment"

// InMemory is a reference Driver: it tracks a balance per (platform,
// address) and confirms scheduled payments after ConfirmDelay (zero means
// "next tick", still asynchronous relative to the caller).
type InMemory struct {
	mu           sync.Mutex
	balances     map[string]decimal.Decimal
	ConfirmDelay time.Duration
	bus          *bus.Bus
}

// NewInMemory returns a driver with b wired for NotifyPayment publication.
func NewInMemory(b *bus.Bus) *InMemory {
	return &InMemory{balances: make(map[string]decimal.Decimal), bus: b}
}

func balanceKey(platform, address string) string { return platform + "/" + address }

// SetBalance configures the simulated on-chain balance backing an
// address on a platform, used by tests.
func (d *InMemory) SetBalance(platform, address string, amount decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.balances[balanceKey(platform, address)] = amount
}

// ValidateAllocation reports an error unless requestedTotal fits within
// the tracked balance.
func (d *InMemory) ValidateAllocation(ctx context.Context, platform, address string, requestedTotal decimal.Decimal) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	balance, ok := d.balances[balanceKey(platform, address)]
	if !ok {
		return fmt.Errorf("paymentdriver: no known balance for %s on %s", address, platform)
	}
	if requestedTotal.GreaterThan(balance) {
		return fmt.Errorf("paymentdriver: requested %s exceeds balance %s for %s on %s", requestedTotal, balance, address, platform)
	}
	return nil
}

// SchedulePayment asynchronously publishes a confirmation for the order
// after ConfirmDelay; it keeps no record of the order itself.
func (d *InMemory) SchedulePayment(ctx context.Context, orderID, platform, payerAddress, payeeAddress string, amount decimal.Decimal) error {
	time.AfterFunc(d.ConfirmDelay, func() {
		if d.bus == nil {
			return
		}
		d.bus.Publish(TopicNotifyPayment, NotifyPayment{
			Platform:     platform,
			OrderID:      orderID,
			Confirmation: fmt.Sprintf("confirmed:%s", orderID),
		})
	})
	return nil
}

// ReleaseDeposit is a no-op in the reference implementation beyond
// logging via the returned error being nil; a real ERC-20 driver would
// submit the on-chain deposit-release transaction here.
func (d *InMemory) ReleaseDeposit(ctx context.Context, platform, deposit string) error {
	return nil
}
