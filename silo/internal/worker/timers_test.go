package worker

import (
	"container/heap"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/grain/descriptor"
	"github.com/jaym/goor/silo/internal/protocol"
)

func TestTimerEntryHeap(t *testing.T) {
	now := time.Now()
	h := make(timerEntryHeap, 0, 4)
	heap.Init(&h)

	for _, i := range []int{3, 1, 4, 0, 2} {
		heap.Push(&h, &timerEntry{
			key:       timerKey{name: string(rune('a' + i))},
			triggerAt: now.Add(time.Duration(i) * time.Second),
		})
	}

	names := []string{}
	for h.Len() > 0 {
		names = append(names, heap.Pop(&h).(*timerEntry).key.name)
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, names)
}

type recordingTrigger struct {
	lock   sync.Mutex
	fired  []string
	hosted bool
}

func (r *recordingTrigger) trigger(identity grain.Identity, name string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.fired = append(r.fired, name)
	return r.hosted
}

func (r *recordingTrigger) count(name string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := 0
	for _, f := range r.fired {
		if f == name {
			n++
		}
	}
	return n
}

func (r *recordingTrigger) setHosted(v bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.hosted = v
}

func newTestTimerService(t *testing.T) (*timerService, *clock.Mock, *recordingTrigger) {
	mock := clock.NewMock()
	rec := &recordingTrigger{hosted: true}
	s := newTimerService(logr.Discard(), mock, time.Second, rec.trigger)
	s.start()
	t.Cleanup(func() {
		require.NoError(t, s.Stop(context.Background()))
	})
	return s, mock, rec
}

// advance moves the mock clock a second at a time until cond holds.
func advance(t *testing.T, mock *clock.Mock, cond func() bool) {
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func TestTimerService(t *testing.T) {
	id := grain.NewIdentity("TickerGrain", "a")

	t.Run("one shot timers fire once", func(t *testing.T) {
		s, mock, rec := newTestTimerService(t)

		require.NoError(t, s.Register(id, "once", 2*time.Second, false))
		advance(t, mock, func() bool { return rec.count("once") == 1 })

		mock.Add(5 * time.Second)
		require.Equal(t, 1, rec.count("once"))

		// the name is free again once the timer has fired
		require.NoError(t, s.Register(id, "once", time.Second, false))
	})

	t.Run("duplicate names are rejected", func(t *testing.T) {
		s, _, _ := newTestTimerService(t)

		require.NoError(t, s.Register(id, "t", time.Minute, false))
		err := s.Register(id, "t", time.Minute, true)
		require.True(t, errors.Is(err, grain.ErrTimerAlreadyRegistered))

		other := grain.NewIdentity("TickerGrain", "b")
		require.NoError(t, s.Register(other, "t", time.Minute, false))
	})

	t.Run("tickers repeat until canceled", func(t *testing.T) {
		s, mock, rec := newTestTimerService(t)

		require.NoError(t, s.Register(id, "tick", time.Second, true))
		advance(t, mock, func() bool { return rec.count("tick") >= 3 })

		require.True(t, s.Cancel(id, "tick"))
		require.False(t, s.Cancel(id, "tick"))
		n := rec.count("tick")
		mock.Add(5 * time.Second)
		require.Equal(t, n, rec.count("tick"))
	})

	t.Run("cancel all drops every timer of an identity", func(t *testing.T) {
		s, mock, rec := newTestTimerService(t)
		other := grain.NewIdentity("TickerGrain", "b")

		require.NoError(t, s.Register(id, "x", time.Second, true))
		require.NoError(t, s.Register(id, "y", time.Second, true))
		require.NoError(t, s.Register(other, "z", time.Second, true))

		s.CancelAll(id)
		advance(t, mock, func() bool { return rec.count("z") >= 2 })
		require.Zero(t, rec.count("x"))
		require.Zero(t, rec.count("y"))
	})

	t.Run("timers of departed grains are dropped", func(t *testing.T) {
		s, mock, rec := newTestTimerService(t)
		rec.setHosted(false)

		require.NoError(t, s.Register(id, "tick", time.Second, true))
		advance(t, mock, func() bool { return rec.count("tick") == 1 })
		mock.Add(5 * time.Second)
		require.Equal(t, 1, rec.count("tick"))
		require.NoError(t, s.Register(id, "tick", time.Second, true))
	})

	t.Run("stopped service refuses registrations", func(t *testing.T) {
		s := newTimerService(logr.Discard(), clock.NewMock(), time.Second, func(grain.Identity, string) bool { return true })
		s.start()
		require.NoError(t, s.Stop(context.Background()))
		require.NoError(t, s.Stop(context.Background()))

		err := s.Register(id, "t", time.Second, false)
		require.True(t, errors.Is(err, grain.ErrStopped))
		require.False(t, s.Cancel(id, "t"))
	})
}

type tickerGrain struct {
	grain.Base
	ticks *atomic.Int32
}

var tickerTicks = atomic.NewInt32(0)

func tickerDescription() *descriptor.Description {
	return &descriptor.Description{
		GrainType: "TickerGrain",
		Activator: func(ctx context.Context, identity grain.Identity, services grain.Services) (grain.Grain, error) {
			return &tickerGrain{Base: grain.NewBase(identity, services), ticks: tickerTicks}, nil
		},
		Methods: []descriptor.MethodDesc{
			{Name: "Start", Handler: func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error) {
				tg := g.(*tickerGrain)
				return nil, tg.RegisterTicker("tick", time.Second, func(ctx context.Context) error {
					tg.ticks.Inc()
					return nil
				})
			}},
			{Name: "Stop", Handler: func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error) {
				return g.(*tickerGrain).CancelTimer("tick"), nil
			}},
		},
	}
}

func TestGrainTimers(t *testing.T) {
	ticker := grain.NewIdentity("TickerGrain", "t1")

	t.Run("ticker runs as a turn until canceled", func(t *testing.T) {
		tickerTicks.Store(0)
		mock := clock.NewMock()
		f := newFixture(t, WithClock(mock))
		defer f.stop()

		reply := f.command(&protocol.Message{Kind: protocol.CreateActivation, CorrelationID: "c", Identity: ticker})
		require.Equal(t, protocol.Created, reply.Kind)

		reply = f.command(&protocol.Message{Kind: protocol.Invoke, CorrelationID: "start", Identity: ticker, Method: "Start"})
		require.Equal(t, protocol.InvokeResult, reply.Kind)

		reply = f.command(&protocol.Message{Kind: protocol.Invoke, CorrelationID: "again", Identity: ticker, Method: "Start"})
		require.Equal(t, protocol.InvokeError, reply.Kind)
		require.Contains(t, reply.Err().Error(), grain.ErrTimerAlreadyRegistered.Error())

		advance(t, mock, func() bool { return tickerTicks.Load() >= 2 })

		reply = f.command(&protocol.Message{Kind: protocol.Invoke, CorrelationID: "stop", Identity: ticker, Method: "Stop"})
		require.Equal(t, protocol.InvokeResult, reply.Kind)
		require.Equal(t, []byte("true"), reply.Result)

		n := tickerTicks.Load()
		mock.Add(5 * time.Second)
		time.Sleep(10 * time.Millisecond)
		require.Equal(t, n, tickerTicks.Load())
	})

	t.Run("deactivation cancels timers", func(t *testing.T) {
		tickerTicks.Store(0)
		mock := clock.NewMock()
		f := newFixture(t, WithClock(mock))
		defer f.stop()

		f.command(&protocol.Message{Kind: protocol.CreateActivation, CorrelationID: "c", Identity: ticker})
		reply := f.command(&protocol.Message{Kind: protocol.Invoke, CorrelationID: "start", Identity: ticker, Method: "Start"})
		require.Equal(t, protocol.InvokeResult, reply.Kind)
		advance(t, mock, func() bool { return tickerTicks.Load() >= 1 })

		reply = f.command(&protocol.Message{Kind: protocol.Deactivate, CorrelationID: "d", Identity: ticker})
		require.Equal(t, protocol.Deactivated, reply.Kind)
		require.Eventually(t, func() bool { return len(f.worker.LocalActivations()) == 0 }, time.Second, time.Millisecond)

		n := tickerTicks.Load()
		mock.Add(5 * time.Second)
		time.Sleep(10 * time.Millisecond)
		require.Equal(t, n, tickerTicks.Load())
	})
}
