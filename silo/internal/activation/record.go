package activation

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/silo/internal/queue"
)

type State int32

const (
	Activating State = iota
	Activated
	// Paused is reserved for activations that stop accepting turns while
	// being moved between workers.
	Paused
	Deactivating
	Deactivated
)

func (s State) String() string {
	switch s {
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Paused:
		return "paused"
	case Deactivating:
		return "deactivating"
	case Deactivated:
		return "deactivated"
	}
	return "unknown"
}

// Labels for the units of work a Record's queue runs.
const (
	LabelCreate     = "create"
	LabelLocate     = "locate"
	LabelInvoke     = "invoke"
	LabelDeactivate = "deactivate"
)

// Record is the master's view of one activation. Every operation on the
// identity is admitted to the record's queue, which gives the identity a
// single total order of create, invoke and deactivate turns.
type Record struct {
	Identity grain.Identity

	clock clock.Clock
	queue *queue.ActionQueue

	lock         sync.Mutex
	state        State
	owner        int
	lastActivity time.Time
	err          error
	done         chan struct{}
	doneOnce     sync.Once
}

func NewRecord(log logr.Logger, identity grain.Identity, clk clock.Clock) *Record {
	r := &Record{
		Identity:     identity,
		clock:        clk,
		state:        Activating,
		lastActivity: clk.Now(),
		done:         make(chan struct{}),
	}
	r.queue = queue.New(log.WithValues("identity", identity),
		queue.WithDequeueFunc(r.onDequeue),
		queue.WithCompleteFunc(r.onComplete),
	)
	return r
}

func (r *Record) onDequeue(label string) {
	if label != LabelDeactivate {
		return
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.state == Activated {
		r.state = Deactivating
	}
}

func (r *Record) onComplete(_ int, _ string) {
	r.Touch()
}

// Add admits work to the record's queue.
func (r *Record) Add(work queue.Work, label string) error {
	return r.queue.Add(work, label)
}

func (r *Record) Touch() {
	now := r.clock.Now()
	r.lock.Lock()
	defer r.lock.Unlock()
	r.lastActivity = now
}

func (r *Record) State() State {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

// Owner is the pid of the worker hosting the activation, or 0 if the
// activation never came up.
func (r *Record) Owner() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.owner
}

// Err is the activation failure, if the record failed to activate.
func (r *Record) Err() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.err
}

func (r *Record) LastActivity() time.Time {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.lastActivity
}

// Busy reports whether the record has admitted work that has not
// completed.
func (r *Record) Busy() bool {
	return r.queue.Pending() > 0
}

// IdleFor reports whether the record is activated, has no outstanding
// work and has seen no completed work for at least d.
func (r *Record) IdleFor(now time.Time, d time.Duration) bool {
	if r.Busy() {
		return false
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state == Activated && now.Sub(r.lastActivity) >= d
}

func (r *Record) MarkActivated(owner int) {
	r.lock.Lock()
	r.state = Activated
	r.owner = owner
	r.lock.Unlock()
	r.Touch()
}

// MarkFailed ends a record whose activation never came up.
func (r *Record) MarkFailed(err error) {
	r.lock.Lock()
	r.err = err
	r.lock.Unlock()
	r.MarkDeactivated()
}

// MarkDeactivated ends the record. Work already admitted still runs and
// observes the Deactivated state; Done is closed immediately.
func (r *Record) MarkDeactivated() {
	r.lock.Lock()
	r.state = Deactivated
	r.lock.Unlock()
	r.queue.Close()
	r.doneOnce.Do(func() {
		close(r.done)
	})
}

// Done is closed once the record has ended.
func (r *Record) Done() <-chan struct{} {
	return r.done
}

// Drained is closed once every unit admitted to the record has run.
func (r *Record) Drained() <-chan struct{} {
	return r.queue.Done()
}
