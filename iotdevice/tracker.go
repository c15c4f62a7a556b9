package iotdevice

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/pkg/errors"
)

// Completion is passed to completion functions exactly once per operation.
type Completion struct {
	ID      OperationID
	Kind    OpKind
	Result  Result
	Err     error
	Status  int
	Version int
	Message *common.Message
	Context interface{}
}

type completionFunc func(c *Completion)

type pendingOp struct {
	id        OperationID
	kind      OpKind
	context   interface{}
	message   *common.Message
	submitted time.Time
	deadline  time.Time
	fn        completionFunc
}

type contextKey struct {
	kind OpKind
	ctx  interface{}
}

// settledRetention is the minimal time a late acknowledgement
// of an expired or drained operation is recognised for.
const settledRetention = time.Minute

// tracker registers outbound operations and completes each of them
// exactly once, by the transport, by expiry or by draining.
//
// Completion functions are always invoked without the lock held,
// so they may submit new operations.
type tracker struct {
	mu      sync.Mutex
	lastID  OperationID
	pending map[OperationID]*pendingOp
	byCtx   map[contextKey]OperationID

	// settled are operations that were completed on the session side
	// (expired or drained) mapped to the time they are forgotten at,
	// the transport may still acknowledge them until then.
	settled map[OperationID]time.Time

	closed bool
	idle   chan struct{} // closed when there are no pending operations
	isIdle bool

	metrics *Metrics
	logger  common.Logger
	now     func() time.Time
}

func newTracker(metrics *Metrics, logger common.Logger) *tracker {
	idle := make(chan struct{})
	close(idle)
	return &tracker{
		pending: map[OperationID]*pendingOp{},
		byCtx:   map[contextKey]OperationID{},
		settled: map[OperationID]time.Time{},
		idle:    idle,
		isIdle:  true,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// submit registers a new operation, zero timeout means it never expires.
func (t *tracker) submit(
	kind OpKind, userCtx interface{}, msg *common.Message, timeout time.Duration, fn completionFunc,
) (OperationID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrNotConnected
	}

	var key *contextKey
	if userCtx != nil && reflect.TypeOf(userCtx).Comparable() {
		key = &contextKey{kind: kind, ctx: userCtx}
		if id, ok := t.byCtx[*key]; ok {
			return 0, errors.Wrapf(ErrDuplicateContext, "%s operation %d", kind, id)
		}
	}

	t.lastID++
	op := &pendingOp{
		id:        t.lastID,
		kind:      kind,
		context:   userCtx,
		message:   msg,
		submitted: t.now(),
		fn:        fn,
	}
	if timeout > 0 {
		op.deadline = op.submitted.Add(timeout)
	}
	if t.isIdle {
		t.idle = make(chan struct{})
		t.isIdle = false
	}
	t.pending[op.id] = op
	if key != nil {
		t.byCtx[*key] = op.id
	}
	t.metrics.incSubmitted(kind)
	return op.id, nil
}

// remove unregisters the operation, must be called with the lock held.
func (t *tracker) remove(op *pendingOp) {
	delete(t.pending, op.id)
	if op.context != nil && reflect.TypeOf(op.context).Comparable() {
		k := contextKey{kind: op.kind, ctx: op.context}
		if t.byCtx[k] == op.id {
			delete(t.byCtx, k)
		}
	}
}

// signalIdle wakes up idle waiters when nothing is pending,
// it's called after completion functions have returned.
func (t *tracker) signalIdle() {
	t.mu.Lock()
	t.signalIdleLocked()
	t.mu.Unlock()
}

func (t *tracker) signalIdleLocked() {
	if len(t.pending) == 0 && !t.isIdle {
		close(t.idle)
		t.isIdle = true
	}
}

// abort drops the operation without invoking its completion function,
// it's used when the transport refused the submission synchronously.
// It returns false when the operation has already been completed.
func (t *tracker) abort(id OperationID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.pending[id]
	if !ok {
		return false
	}
	t.remove(op)
	t.metrics.submitted[op.kind].Add(-1)
	t.signalIdleLocked()
	return true
}

// complete finishes the operation with the given outcome.
//
// An operation that already expired or was drained is dropped
// silently once, any other repeated completion is a DoubleCompletionError.
func (t *tracker) complete(id OperationID, c *Completion) error {
	t.mu.Lock()
	op, ok := t.pending[id]
	if !ok {
		_, late := t.settled[id]
		if late {
			delete(t.settled, id)
		}
		last := t.lastID
		t.mu.Unlock()
		switch {
		case late:
			t.logger.Debugf("operation %d is already settled, dropping late completion", id)
			return nil
		case id != 0 && id <= last:
			return &DoubleCompletionError{ID: id}
		default:
			return errors.Errorf("unknown operation %d", id)
		}
	}
	t.remove(op)
	t.mu.Unlock()

	t.fire(op, c)
	t.signalIdle()
	return nil
}

func (t *tracker) fire(op *pendingOp, c *Completion) {
	c.ID = op.id
	c.Kind = op.kind
	c.Message = op.message
	c.Context = op.context
	t.metrics.incCompleted(op.kind, c.Result)
	if op.fn != nil {
		op.fn(c)
	}
}

// sweep expires operations whose deadline is not after now,
// in submission order, and forgets settled operations past retention.
func (t *tracker) sweep(now time.Time) int {
	t.mu.Lock()
	var expired []*pendingOp
	for _, op := range t.pending {
		if !op.deadline.IsZero() && !now.Before(op.deadline) {
			expired = append(expired, op)
		}
	}
	for _, op := range expired {
		t.remove(op)
		keep := 3 * op.deadline.Sub(op.submitted)
		if keep < settledRetention {
			keep = settledRetention
		}
		t.settled[op.id] = now.Add(keep)
	}
	for id, until := range t.settled {
		if now.After(until) {
			delete(t.settled, id)
		}
	}
	t.mu.Unlock()

	sortOps(expired)
	for _, op := range expired {
		t.logger.Warnf("%s operation %d timed out", op.kind, op.id)
		t.fire(op, &Completion{Result: ResultTimeout, Err: ErrTimeout})
	}
	if len(expired) != 0 {
		t.signalIdle()
	}
	return len(expired)
}

// drain closes the tracker and completes all pending operations
// with the given result in submission order, later submissions fail.
func (t *tracker) drain(r Result, err error) int {
	t.mu.Lock()
	t.closed = true
	ops := make([]*pendingOp, 0, len(t.pending))
	for _, op := range t.pending {
		ops = append(ops, op)
	}
	until := t.now().Add(settledRetention)
	for _, op := range ops {
		t.remove(op)
		t.settled[op.id] = until
	}
	t.mu.Unlock()

	sortOps(ops)
	for _, op := range ops {
		t.fire(op, &Completion{Result: r, Err: err})
	}
	t.signalIdle()
	return len(ops)
}

// len returns the number of pending operations.
func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// waitIdle blocks until there are no pending operations or ctx is done.
func (t *tracker) waitIdle(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortOps(ops []*pendingOp) {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].id < ops[j].id
	})
}
