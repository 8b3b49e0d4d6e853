// Package exeunit is the ExeUnit runtime collaborator spec.md §1/§6 leave
// external: "create_activity, destroy_activity, exec, get_state". This
// package only defines the contract and an in-memory reference
// implementation sufficient to drive internal/task's Activity lifecycle
// in tests, mirroring the narrow trait boundary
// original_source/agent/provider/src/execution/task_runner.rs exposes to
// TaskManager (it never reaches into ExeUnit internals itself).
package exeunit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActivityState is the ExeUnit's reported activity lifecycle state.
type ActivityState string

const (
	StateNew        ActivityState = "New"
	StateInitialized ActivityState = "Initialized"
	StateDeployed    ActivityState = "Deployed"
	StateReady       ActivityState = "Ready"
	StateTerminated  ActivityState = "Terminated"
)

// BatchResult is one command's outcome within an exec batch.
type BatchResult struct {
	Index      int
	Success    bool
	Message    string
	FinishedAt time.Time
}

// Runtime is what internal/task depends on to drive Activities.
type Runtime interface {
	CreateActivity(ctx context.Context, agreementID string) (activityID string, err error)
	Exec(ctx context.Context, activityID, script string) (batchID string, err error)
	GetState(ctx context.Context, activityID string) (ActivityState, error)
	GetExecBatchResults(ctx context.Context, activityID, batchID string) ([]BatchResult, error)
	DestroyActivity(ctx context.Context, activityID string) error
}

type activity struct {
	id          string
	agreementID string
	state       ActivityState
	batches     map[string][]BatchResult
}

// InMemory is a reference Runtime: activities run no real sandbox, but
// every state transition and batch bookkeeping is real, which is enough
// to exercise internal/task's coupling to ExeUnit lifecycle events.
type InMemory struct {
	mu         sync.Mutex
	activities map[string]*activity
}

// NewInMemory returns an empty in-memory runtime.
func NewInMemory() *InMemory {
	return &InMemory{activities: make(map[string]*activity)}
}

func (r *InMemory) CreateActivity(ctx context.Context, agreementID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.activities[id] = &activity{id: id, agreementID: agreementID, state: StateReady, batches: make(map[string][]BatchResult)}
	return id, nil
}

func (r *InMemory) Exec(ctx context.Context, activityID, script string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activities[activityID]
	if !ok {
		return "", fmt.Errorf("exeunit: unknown activity %s", activityID)
	}
	if a.state == StateTerminated {
		return "", fmt.Errorf("exeunit: activity %s already terminated", activityID)
	}
	batchID := uuid.NewString()
	a.batches[batchID] = []BatchResult{{Index: 0, Success: true, Message: "ok", FinishedAt: time.Now()}}
	return batchID, nil
}

func (r *InMemory) GetState(ctx context.Context, activityID string) (ActivityState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activities[activityID]
	if !ok {
		return "", fmt.Errorf("exeunit: unknown activity %s", activityID)
	}
	return a.state, nil
}

func (r *InMemory) GetExecBatchResults(ctx context.Context, activityID, batchID string) ([]BatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activities[activityID]
	if !ok {
		return nil, fmt.Errorf("exeunit: unknown activity %s", activityID)
	}
	results, ok := a.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("exeunit: unknown batch %s on activity %s", batchID, activityID)
	}
	return results, nil
}

func (r *InMemory) DestroyActivity(ctx context.Context, activityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activities[activityID]
	if !ok {
		return fmt.Errorf("exeunit: unknown activity %s", activityID)
	}
	a.state = StateTerminated
	return nil
}
