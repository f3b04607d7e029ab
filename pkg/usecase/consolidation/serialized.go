package consolidation

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/model"
)

// Serialized runs at most one ProcessMessage per owner at a time. Pipeline
// itself reads and then writes the store without locking, so concurrent calls
// for the same owner may lose updates or add duplicates.
type Serialized struct {
	*Pipeline

	mu    sync.Mutex
	locks map[model.Owner]*ownerLock
}

// ownerLock is held while ch has a token in it
type ownerLock struct {
	ch   chan struct{}
	refs int
}

// NewSerialized wraps p with a per-owner critical section
func NewSerialized(p *Pipeline) *Serialized {
	return &Serialized{
		Pipeline: p,
		locks:    make(map[model.Owner]*ownerLock),
	}
}

// ProcessMessage waits for other calls of the same owner to finish. If ctx ends
// while waiting, nothing is processed and the result carries an empty plan.
func (x *Serialized) ProcessMessage(ctx context.Context, owner model.Owner, message string) *Result {
	lock, err := x.acquire(ctx, owner)
	if err != nil {
		x.Pipeline.report.diagnostic(withOwner(ctx, owner), StageInit, DelegateFailure, err)
		return &Result{
			Owner:  owner,
			State:  StageDone,
			Plan:   &model.Plan{},
			Report: &ExecutionReport{},
		}
	}
	defer x.release(owner, lock)

	return x.Pipeline.ProcessMessage(ctx, owner, message)
}

func (x *Serialized) acquire(ctx context.Context, owner model.Owner) (*ownerLock, error) {
	x.mu.Lock()
	lock, ok := x.locks[owner]
	if !ok {
		lock = &ownerLock{ch: make(chan struct{}, 1)}
		x.locks[owner] = lock
	}
	lock.refs++
	x.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
		return lock, nil
	case <-ctx.Done():
		x.unref(owner, lock)
		return nil, goerr.Wrap(ctx.Err(), "canceled while waiting for owner lock", goerr.V("owner", owner))
	}
}

func (x *Serialized) release(owner model.Owner, lock *ownerLock) {
	<-lock.ch
	x.unref(owner, lock)
}

func (x *Serialized) unref(owner model.Owner, lock *ownerLock) {
	x.mu.Lock()
	defer x.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(x.locks, owner)
	}
}
