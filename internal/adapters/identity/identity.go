// Package identity is the Identity/keystore collaborator spec.md §1
// leaves external: signer, list of active node ids, lock/unlock events.
// Signer backs internal/market/signature.go's JWT signing; the rest is
// a thin in-memory reference implementation used by tests and by
// cmd/yagnad when no production keystore is configured.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/golemfactory/yagna-sub001/internal/bus"
)

// Signer produces and verifies the HMAC secret used to sign Agreement
// bodies (see internal/market/signature.go). A production keystore
// would back this with a real per-identity private key and an
// asymmetric scheme; the reference implementation below uses one shared
// per-node secret, which is sufficient to exercise the contract this
// repo specifies (JWT issuance/verification), without inventing key
// distribution machinery out of scope for this spec.
type Signer interface {
	SigningKey(ctx context.Context, nodeID string) ([]byte, error)
}

// Locked/Unlocked events, published on the bus per spec.md §6.
type AccountLocked struct{ NodeID string }
type AccountUnlocked struct{ NodeID string }

const TopicAccountLocked = "identity/locked"
const TopicAccountUnlocked = "identity/unlocked"

// Account is a minimal local identity record.
type Account struct {
	NodeID  string
	Alias   string
	Default bool
	Locked  bool
}

// Registry is the in-memory reference Identity implementation.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	keys     map[string][]byte
	bus      *bus.Bus
}

// NewRegistry returns an empty Registry wired to publish lock events on
// b.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{
		accounts: make(map[string]*Account),
		keys:     make(map[string][]byte),
		bus:      b,
	}
}

// CreateGenerated registers a fresh identity under nodeID with the
// caller-supplied signing key.
func (r *Registry) CreateGenerated(nodeID, alias string, key []byte) *Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := &Account{NodeID: nodeID, Alias: alias, Default: len(r.accounts) == 0}
	r.accounts[nodeID] = a
	r.keys[nodeID] = key
	return a
}

// List returns every known account.
func (r *Registry) List() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	return out
}

// GetByNodeID looks up an account.
func (r *Registry) GetByNodeID(nodeID string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[nodeID]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// GetDefault returns the default identity, if any.
func (r *Registry) GetDefault() (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.accounts {
		if a.Default {
			return *a, true
		}
	}
	return Account{}, false
}

// Lock marks an identity locked and publishes AccountLocked.
func (r *Registry) Lock(nodeID string) error {
	r.mu.Lock()
	a, ok := r.accounts[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("identity: unknown node %s", nodeID)
	}
	a.Locked = true
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.Publish(TopicAccountLocked, AccountLocked{NodeID: nodeID})
	}
	return nil
}

// Unlock marks an identity unlocked and publishes AccountUnlocked.
func (r *Registry) Unlock(nodeID string) error {
	r.mu.Lock()
	a, ok := r.accounts[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("identity: unknown node %s", nodeID)
	}
	a.Locked = false
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.Publish(TopicAccountUnlocked, AccountUnlocked{NodeID: nodeID})
	}
	return nil
}

// SigningKey implements Signer.
func (r *Registry) SigningKey(ctx context.Context, nodeID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[nodeID]
	if !ok {
		return nil, fmt.Errorf("identity: no signing key for node %s", nodeID)
	}
	return k, nil
}
