package queue

import (
	"fmt"
	"sync"

	gods "github.com/Workiva/go-datastructures/queue"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"go.uber.org/atomic"
)

var ErrQueueClosed = errors.New("action queue closed")

// Work is one unit of work. Returning an error only logs it; the queue
// keeps going.
type Work func() error

type DequeueFunc func(label string)

// CompleteFunc is called after each unit finishes with the number of
// units still waiting.
type CompleteFunc func(remaining int, label string)

type Option func(*ActionQueue)

func WithDequeueFunc(f DequeueFunc) Option {
	return func(q *ActionQueue) {
		q.onDequeue = f
	}
}

func WithCompleteFunc(f CompleteFunc) Option {
	return func(q *ActionQueue) {
		q.onComplete = f
	}
}

type item struct {
	work  Work
	label string
}

type closeMarker struct{}

// ActionQueue runs units of work one at a time in admission order on a
// single goroutine. A unit starts only after the previous unit has fully
// completed, including any time it spent blocked.
type ActionQueue struct {
	log        logr.Logger
	items      *gods.Queue
	onDequeue  DequeueFunc
	onComplete CompleteFunc

	lock    sync.Mutex
	closed  bool
	pending *atomic.Int64
	done    chan struct{}
}

func New(log logr.Logger, opts ...Option) *ActionQueue {
	q := &ActionQueue{
		log:     log,
		items:   gods.New(16),
		pending: atomic.NewInt64(0),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.loop()
	return q
}

// Add admits work with a label used for logging and the queue callbacks.
func (q *ActionQueue) Add(work Work, label string) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return errors.WithDetailf(ErrQueueClosed, "cannot admit %q", label)
	}
	q.pending.Inc()
	if err := q.items.Put(&item{work: work, label: label}); err != nil {
		q.pending.Dec()
		return errors.Mark(err, ErrQueueClosed)
	}
	return nil
}

// Pending is the number of admitted units that have not completed,
// including the one currently running.
func (q *ActionQueue) Pending() int {
	return int(q.pending.Load())
}

// Close stops admission. Units already admitted still run; Done is closed
// once the last of them completes.
func (q *ActionQueue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if err := q.items.Put(closeMarker{}); err != nil {
		q.log.V(1).Error(err, "failed to close queue")
	}
}

func (q *ActionQueue) Done() <-chan struct{} {
	return q.done
}

func (q *ActionQueue) loop() {
	defer close(q.done)
	for {
		items, err := q.items.Get(1)
		if err != nil {
			return
		}
		if len(items) == 0 {
			continue
		}
		if _, ok := items[0].(closeMarker); ok {
			q.items.Dispose()
			return
		}
		it := items[0].(*item)
		if q.onDequeue != nil {
			q.onDequeue(it.label)
		}
		if err := q.run(it); err != nil {
			q.log.V(1).Error(err, "queued work failed", "label", it.label)
		}
		remaining := int(q.pending.Dec())
		if q.onComplete != nil {
			q.onComplete(remaining, it.label)
		}
	}
}

func (q *ActionQueue) run(it *item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic in queued work: %s", fmt.Sprint(r))
		}
	}()
	return it.work()
}
