package worker

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/jaym/goor/grain"
)

const defaultTimerResolution = time.Second

// timerTrigger fires a timer. It returns false once the grain is no longer
// hosted here, which drops the timer.
type timerTrigger func(identity grain.Identity, name string) bool

type timerKey struct {
	identity grain.Identity
	name     string
}

type timerEntry struct {
	key    timerKey
	d      time.Duration
	repeat bool

	triggerAt time.Time
	canceled  bool
}

type timerCtlMsgType int

const (
	timerCtlRegister timerCtlMsgType = iota
	timerCtlCancel
	timerCtlCancelAll
)

type timerCtlMsg struct {
	msgType  timerCtlMsgType
	key      timerKey
	d        time.Duration
	repeat   bool
	resp     chan error
	canceled chan bool
}

// timerService keeps the timers of every local activation in one heap,
// checked once per resolution tick.
type timerService struct {
	log        logr.Logger
	clock      clock.Clock
	resolution time.Duration
	trigger    timerTrigger

	ctlChan  chan timerCtlMsg
	stopChan chan struct{}
	doneChan chan struct{}

	entries map[timerKey]*timerEntry
	queue   *timerEntryHeap
}

func newTimerService(log logr.Logger, c clock.Clock, resolution time.Duration, trigger timerTrigger) *timerService {
	queue := make(timerEntryHeap, 0, 64)
	heap.Init(&queue)
	return &timerService{
		log:        log,
		clock:      c,
		resolution: resolution,
		trigger:    trigger,
		ctlChan:    make(chan timerCtlMsg),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		entries:    map[timerKey]*timerEntry{},
		queue:      &queue,
	}
}

func (s *timerService) start() {
	ticker := s.clock.Ticker(s.resolution)
	go func() {
		defer close(s.doneChan)
		defer ticker.Stop()
		for {
			select {
			case msg := <-s.ctlChan:
				s.handle(msg)
			case <-ticker.C:
				s.fire(s.clock.Now())
			case <-s.stopChan:
				s.log.V(1).Info("stopping timer service")
				return
			}
		}
	}()
}

func (s *timerService) handle(msg timerCtlMsg) {
	switch msg.msgType {
	case timerCtlRegister:
		msg.resp <- s.register(msg.key, msg.d, msg.repeat)
	case timerCtlCancel:
		msg.canceled <- s.cancel(msg.key)
	case timerCtlCancelAll:
		for key := range s.entries {
			if key.identity == msg.key.identity {
				s.cancel(key)
			}
		}
		msg.canceled <- true
	default:
		s.log.V(0).Info("unknown timer control message", "type", msg.msgType)
	}
}

func (s *timerService) fire(now time.Time) {
	for len(*s.queue) > 0 && !(*s.queue)[0].triggerAt.After(now) {
		v := heap.Pop(s.queue).(*timerEntry)
		if v.canceled {
			continue
		}
		s.log.V(4).Info("triggering grain timer", "identity", v.key.identity, "name", v.key.name)
		if s.trigger(v.key.identity, v.key.name) && v.repeat {
			v.triggerAt = now.Add(v.d)
			heap.Push(s.queue, v)
			continue
		}
		delete(s.entries, v.key)
	}
}

func (s *timerService) register(key timerKey, d time.Duration, repeat bool) error {
	if e, ok := s.entries[key]; ok && !e.canceled {
		return grain.ErrTimerAlreadyRegistered
	}
	entry := &timerEntry{
		key:       key,
		d:         d,
		repeat:    repeat,
		triggerAt: s.clock.Now().Add(d),
	}
	s.entries[key] = entry
	heap.Push(s.queue, entry)
	return nil
}

func (s *timerService) cancel(key timerKey) bool {
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	entry.canceled = true
	delete(s.entries, key)
	return true
}

func (s *timerService) send(msg timerCtlMsg) bool {
	select {
	case s.ctlChan <- msg:
		return true
	case <-s.stopChan:
		return false
	}
}

func (s *timerService) Register(identity grain.Identity, name string, d time.Duration, repeat bool) error {
	resp := make(chan error, 1)
	if !s.send(timerCtlMsg{msgType: timerCtlRegister, key: timerKey{identity, name}, d: d, repeat: repeat, resp: resp}) {
		return grain.ErrStopped
	}
	return <-resp
}

func (s *timerService) Cancel(identity grain.Identity, name string) bool {
	canceled := make(chan bool, 1)
	if !s.send(timerCtlMsg{msgType: timerCtlCancel, key: timerKey{identity, name}, canceled: canceled}) {
		return false
	}
	return <-canceled
}

func (s *timerService) CancelAll(identity grain.Identity) {
	canceled := make(chan bool, 1)
	if s.send(timerCtlMsg{msgType: timerCtlCancelAll, key: timerKey{identity: identity}, canceled: canceled}) {
		<-canceled
	}
}

func (s *timerService) Stop(ctx context.Context) error {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneChan:
	}
	return nil
}

type timerEntryHeap []*timerEntry

func (h timerEntryHeap) Len() int           { return len(h) }
func (h timerEntryHeap) Less(i, j int) bool { return h[i].triggerAt.Before(h[j].triggerAt) }
func (h timerEntryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerEntryHeap) Push(x interface{}) {
	*h = append(*h, x.(*timerEntry))
}

func (h *timerEntryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// registerTimer must be called from a turn on identity's queue.
func (w *Coordinator) registerTimer(identity grain.Identity, name string, d time.Duration, repeat bool, fn grain.TimerFunc) error {
	act := w.local(identity)
	if act == nil {
		return notFound(identity)
	}
	if err := w.timers.Register(identity, name, d, repeat); err != nil {
		return err
	}
	act.timers[name] = fn
	return nil
}

// fireTimer admits a timer turn. The callback is looked up when the turn
// runs, so a timer cancelled in the meantime does nothing.
func (w *Coordinator) fireTimer(identity grain.Identity, name string) bool {
	act := w.local(identity)
	if act == nil {
		return false
	}
	err := act.queue.Add(func() error {
		fn, ok := act.timers[name]
		if !ok || act.instance == nil || act.deactivated {
			return nil
		}
		ctx := grain.WithIdentity(context.Background(), identity)
		return runTimer(ctx, fn)
	}, labelTimer)
	return err == nil
}

func runTimer(ctx context.Context, fn grain.TimerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic in timer: %s", fmt.Sprint(r))
		}
	}()
	return fn(ctx)
}
