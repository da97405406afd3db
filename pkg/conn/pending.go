package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rexliu/drvlink/pkg/wire"
)

// PendingCall is an outstanding request awaiting its result. It is resolved
// exactly once.
type PendingCall struct {
	ID     uint64
	GUID   string
	Method string

	done     chan struct{}
	resolved atomic.Bool
	result   wire.Value
	err      error
}

func newPendingCall(id uint64, guid, method string) *PendingCall {
	return &PendingCall{ID: id, GUID: guid, Method: method, done: make(chan struct{})}
}

// resolve stores the outcome and wakes waiters. A second resolution is a
// logic error in the dispatcher and panics.
func (p *PendingCall) resolve(result wire.Value, err error) {
	if !p.resolved.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("conn: call %d (%s.%s) resolved twice", p.ID, p.GUID, p.Method))
	}
	p.result = result
	p.err = err
	close(p.done)
}

// Done is closed once the call has a result.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It must only be called after Done is closed.
func (p *PendingCall) Result() (wire.Value, error) {
	<-p.done
	return p.result, p.err
}

// Wait blocks until the call resolves or ctx ends.
func (p *PendingCall) Wait(ctx context.Context) (wire.Value, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return wire.Value{}, ctx.Err()
	}
}

type pendingTable struct {
	mu     sync.Mutex
	calls  map[uint64]*PendingCall
	closed error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[uint64]*PendingCall)}
}

func (t *pendingTable) add(p *PendingCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return t.closed
	}
	t.calls[p.ID] = p
	return nil
}

// take removes and returns the call, so a duplicate result finds nothing.
func (t *pendingTable) take(id uint64) (*PendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return p, ok
}

func (t *pendingTable) forget(id uint64) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

// failAll resolves every outstanding call with err and refuses new ones.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[uint64]*PendingCall)
	t.closed = err
	t.mu.Unlock()
	for _, p := range calls {
		p.resolve(wire.Value{}, err)
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
