package correlation

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/segmentio/ksuid"

	"github.com/jaym/goor/future"
	"github.com/jaym/goor/grain"
)

// DefaultTombstoneTTL bounds how long a timed out id is remembered so a
// late response can be recognized as such.
const DefaultTombstoneTTL = time.Minute

type AnomalyFunc func(id string, err error)

type Option func(*options)

type options struct {
	clock        clock.Clock
	tombstoneTTL time.Duration
	onAnomaly    AnomalyFunc
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithTombstoneTTL(d time.Duration) Option {
	return func(o *options) {
		o.tombstoneTTL = d
	}
}

func WithAnomalyFunc(f AnomalyFunc) Option {
	return func(o *options) {
		o.onAnomaly = f
	}
}

type entry[T any] struct {
	resolve func(T)
	reject  func(error)
	timer   *clock.Timer
	retired bool
}

// Registry pairs outgoing requests with the responses that eventually
// answer them. Every registered id settles exactly once: by a response, by
// its timeout, or by Close. An id that timed out stays behind as a retired
// sink so a late response is absorbed and reported instead of settling
// anything.
type Registry[T any] struct {
	log  logr.Logger
	opts options

	lock    sync.Mutex
	entries map[string]*entry[T]
	closed  error
}

func NewRegistry[T any](log logr.Logger, opts ...Option) *Registry[T] {
	o := options{
		clock:        clock.New(),
		tombstoneTTL: DefaultTombstoneTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[T]{
		log:     log,
		opts:    o,
		entries: map[string]*entry[T]{},
	}
}

// RegisterFunc records the callbacks for a new request and returns its
// correlation id. A timeout of zero or less disables the timer.
func (r *Registry[T]) RegisterFunc(resolve func(T), reject func(error), timeout time.Duration) string {
	id := ksuid.New().String()
	e := &entry[T]{
		resolve: resolve,
		reject:  reject,
	}

	r.lock.Lock()
	if r.closed != nil {
		err := r.closed
		r.lock.Unlock()
		reject(err)
		return id
	}
	if timeout > 0 {
		e.timer = r.opts.clock.AfterFunc(timeout, func() {
			r.expire(id, timeout)
		})
	}
	r.entries[id] = e
	r.lock.Unlock()

	return id
}

// Register is RegisterFunc returning a future instead of taking callbacks.
func (r *Registry[T]) Register(timeout time.Duration) (string, future.Future[T]) {
	var deadline time.Time
	if timeout > 0 {
		deadline = r.opts.clock.Now().Add(timeout)
	}
	f, p := future.NewFuture[T](deadline)
	id := r.RegisterFunc(p.Resolve, p.Reject, timeout)
	return id, f
}

func (r *Registry[T]) expire(id string, timeout time.Duration) {
	r.lock.Lock()
	e, ok := r.entries[id]
	if !ok || e.retired {
		r.lock.Unlock()
		return
	}
	e.retired = true
	if r.opts.tombstoneTTL > 0 {
		e.timer = r.opts.clock.AfterFunc(r.opts.tombstoneTTL, func() {
			r.forget(id)
		})
	}
	r.lock.Unlock()

	r.log.V(1).Info("request timed out", "correlationID", id, "timeout", timeout)
	e.reject(errors.Mark(errors.Newf("request %s timed out after %s", id, timeout), grain.ErrTimeout))
}

func (r *Registry[T]) forget(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if e, ok := r.entries[id]; ok && e.retired {
		delete(r.entries, id)
	}
}

// take removes the live entry for id. Unknown and retired ids are
// reported as anomalies.
func (r *Registry[T]) take(id string) (*entry[T], error) {
	r.lock.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	r.lock.Unlock()

	var err error
	switch {
	case !ok:
		err = errors.Mark(errors.Newf("no pending request for correlation id %q", id), grain.ErrAnomaly)
	case e.retired:
		err = errors.Mark(errors.Newf("late response for timed out correlation id %q", id), grain.ErrAnomaly)
	default:
		return e, nil
	}
	r.log.V(0).Error(err, "dropping response", "correlationID", id)
	if r.opts.onAnomaly != nil {
		r.opts.onAnomaly(id, err)
	}
	return nil, err
}

// ResolveFor settles the request registered under id with v.
func (r *Registry[T]) ResolveFor(id string, v T) error {
	e, err := r.take(id)
	if err != nil {
		return err
	}
	e.resolve(v)
	return nil
}

// RejectFor settles the request registered under id with cause.
func (r *Registry[T]) RejectFor(id string, cause error) error {
	e, err := r.take(id)
	if err != nil {
		return err
	}
	e.reject(cause)
	return nil
}

// Has reports whether id is still awaiting a response.
func (r *Registry[T]) Has(id string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	e, ok := r.entries[id]
	return ok && !e.retired
}

// Pending returns the number of requests awaiting a response.
func (r *Registry[T]) Pending() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.retired {
			n++
		}
	}
	return n
}

// Close rejects every pending request with cause. Requests registered
// afterwards are rejected immediately.
func (r *Registry[T]) Close(cause error) {
	r.lock.Lock()
	if r.closed != nil {
		r.lock.Unlock()
		return
	}
	r.closed = cause
	pending := r.entries
	r.entries = map[string]*entry[T]{}
	r.lock.Unlock()

	for _, e := range pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		if !e.retired {
			e.reject(cause)
		}
	}
}
