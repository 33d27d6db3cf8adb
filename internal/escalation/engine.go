// Package escalation keeps one auto-escalation deadline per active alert and
// fires them in deadline order.
package escalation

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"SafeHerHub/pkg/logger"

	"go.uber.org/zap"
)

// FireFunc escalates one overdue alert. It must re-check the alert's state.
type FireFunc func(ctx context.Context, alertID string)

// Observer receives the number of pending deadlines after every change.
type Observer interface {
	SetEscalationPending(n int)
}

type Engine struct {
	mu       sync.Mutex
	queue    deadlineHeap
	byAlert  map[string]*deadline
	seq      uint64
	gen      uint64
	changed  map[string]uint64 // alertID -> 最近一次变更的 gen
	wake     chan struct{}
	now      func() time.Time
	observer Observer
}

type Option func(*Engine)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		byAlert: make(map[string]*deadline),
		changed: make(map[string]uint64),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schedule sets or moves the deadline of alertID.
func (e *Engine) Schedule(alertID string, at time.Time) {
	e.mu.Lock()
	e.touch(alertID)
	e.put(alertID, at)
	n := len(e.queue)
	e.mu.Unlock()
	e.report(n)
	e.notify()
}

func (e *Engine) put(alertID string, at time.Time) {
	if d, ok := e.byAlert[alertID]; ok {
		d.at = at
		heap.Fix(&e.queue, d.index)
		return
	}
	e.seq++
	d := &deadline{alertID: alertID, at: at, seq: e.seq}
	heap.Push(&e.queue, d)
	e.byAlert[alertID] = d
}

func (e *Engine) touch(alertID string) {
	e.gen++
	e.changed[alertID] = e.gen
}

// Cancel drops the deadline of alertID if one is pending.
func (e *Engine) Cancel(alertID string) {
	e.mu.Lock()
	d, ok := e.byAlert[alertID]
	e.touch(alertID)
	if ok {
		heap.Remove(&e.queue, d.index)
		delete(e.byAlert, alertID)
	}
	n := len(e.queue)
	e.mu.Unlock()
	if ok {
		e.report(n)
		e.notify()
	}
}

// Mark returns a token taken before loading a storage snapshot for Replace.
func (e *Engine) Mark() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

// Replace reconciles the pending set with a storage snapshot loaded after
// Mark returned since. Alerts scheduled, cancelled or fired after the mark
// keep their current state; every other alert takes the snapshot's value
// and is dropped when the snapshot does not list it.
func (e *Engine) Replace(deadlines map[string]time.Time, since uint64) {
	e.mu.Lock()
	for id, d := range e.byAlert {
		if _, ok := deadlines[id]; !ok && e.changed[id] <= since {
			heap.Remove(&e.queue, d.index)
			delete(e.byAlert, id)
		}
	}
	for id, at := range deadlines {
		if e.changed[id] <= since {
			e.put(id, at)
		}
	}
	for id, g := range e.changed {
		if g <= since {
			delete(e.changed, id)
		}
	}
	n := len(e.queue)
	e.mu.Unlock()
	e.report(n)
	e.notify()
}

func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Due pops every deadline at or before now, earliest first.
func (e *Engine) Due(now time.Time) []string {
	e.mu.Lock()
	var ids []string
	for {
		d := e.queue.peek()
		if d == nil || d.at.After(now) {
			break
		}
		heap.Pop(&e.queue)
		delete(e.byAlert, d.alertID)
		e.touch(d.alertID)
		ids = append(ids, d.alertID)
	}
	n := len(e.queue)
	e.mu.Unlock()
	if len(ids) > 0 {
		e.report(n)
	}
	return ids
}

// next returns how long to sleep before the earliest deadline.
func (e *Engine) next() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.queue.peek()
	if d == nil {
		return 0, false
	}
	return max(0, d.at.Sub(e.now())), true
}

// Run fires due deadlines until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, fire FireFunc) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		for _, id := range e.Due(e.now()) {
			e.fire(ctx, fire, id)
		}

		wait, ok := e.next()
		if !ok {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-timer.C:
		}
	}
}

func (e *Engine) fire(ctx context.Context, fire FireFunc, id string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("escalation fire panicked", zap.String("alert", id), zap.Any("panic", r))
		}
	}()
	if fire != nil {
		fire(ctx, id)
	}
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) report(n int) {
	if e.observer != nil {
		e.observer.SetEscalationPending(n)
	}
}
