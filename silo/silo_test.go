package silo_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/plugins/storage/memory"
	"github.com/jaym/goor/silo"
)

const waitFor = 3 * time.Second

func testConfig() silo.Config {
	cfg := silo.DefaultConfig()
	cfg.MaxWorkers = 2
	cfg.GrainInvokeTimeout = 0.3
	cfg.GrainActivateTimeout = 0.3
	cfg.IdleSweepInterval = 0.05
	return cfg
}

func startSilo(t *testing.T, cfg silo.Config, opts ...silo.Option) *silo.Silo {
	t.Helper()
	opts = append([]silo.Option{
		silo.WithConfig(cfg),
		silo.WithSpawner(silo.InProcessSpawner()),
	}, opts...)
	s, err := silo.New(logr.Discard(), opts...)
	require.NoError(t, err)
	require.True(t, s.IsMaster())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.Len(t, s.Workers(), cfg.MaxWorkers)
	require.Len(t, s.WorkerPIDs(), cfg.MaxWorkers)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	})
	return s
}

func getGrain(t *testing.T, w *silo.Silo, grainType string, key string) grain.Proxy {
	t.Helper()
	p, err := w.GrainFactory().GetGrain(context.Background(), grainType, key)
	require.NoError(t, err)
	return p
}

func TestBasicRoundTrip(t *testing.T) {
	stats := &grainStats{}
	s := startSilo(t, testConfig(), silo.WithGrain(echoDescription(stats)))
	ctx := context.Background()
	workers := s.Workers()

	p := getGrain(t, workers[0], "Echo", "a")
	require.Equal(t, grain.NewIdentity("Echo", "a"), p.Identity())

	out, err := grain.As[string](p.Invoke(ctx, "Echo", "hello"))
	require.NoError(t, err)
	require.Equal(t, "hello", out)

	t.Run("one activation across workers", func(t *testing.T) {
		other := getGrain(t, workers[1], "Echo", "a")
		out, err := grain.As[string](other.Invoke(ctx, "Echo", "again"))
		require.NoError(t, err)
		require.Equal(t, "again", out)
		require.Equal(t, int32(1), stats.activated.Load())

		owner, active := s.ActivationInfo(p.Identity())
		require.True(t, active)
		require.Contains(t, s.WorkerPIDs(), owner)
	})

	t.Run("grain calls grain", func(t *testing.T) {
		out, err := grain.As[string](p.Invoke(ctx, "Call", "b"))
		require.NoError(t, err)
		require.Equal(t, "via a", out)
		require.Equal(t, 2, s.ActivationCount())
	})

	t.Run("method errors", func(t *testing.T) {
		_, err := p.Invoke(ctx, "Fail")
		require.True(t, errors.Is(err, grain.ErrInvoke))
		require.Contains(t, err.Error(), "method failed")

		_, err = p.Invoke(ctx, "Nope")
		require.True(t, errors.Is(err, grain.ErrMethodNotFound))

		// the activation survives a failed call
		out, err := grain.As[string](p.Invoke(ctx, "Echo", "still here"))
		require.NoError(t, err)
		require.Equal(t, "still here", out)
	})

	t.Run("unknown grain type", func(t *testing.T) {
		_, err := workers[0].GrainFactory().GetGrain(ctx, "Missing", "a")
		require.True(t, errors.Is(err, grain.ErrUnknownGrainType))
	})

	t.Run("master cannot get grains", func(t *testing.T) {
		_, err := s.GrainFactory().GetGrain(ctx, "Echo", "a")
		require.True(t, errors.Is(err, grain.ErrRoleViolation))
		err = workers[0].Deactivate(ctx, p.Identity())
		require.True(t, errors.Is(err, grain.ErrRoleViolation))
	})
}

func TestActivationFailure(t *testing.T) {
	stats := &grainStats{}
	stats.failing.Store(true)
	s := startSilo(t, testConfig(), silo.WithGrain(echoDescription(stats)))
	w := s.Workers()[0]
	ctx := context.Background()

	_, err := w.GrainFactory().GetGrain(ctx, "Echo", "broken")
	require.True(t, errors.Is(err, grain.ErrActivation))
	require.Contains(t, err.Error(), "boom")
	require.Eventually(t, func() bool {
		return s.ActivationCount() == 0
	}, waitFor, 10*time.Millisecond)

	stats.failing.Store(false)
	p, err := w.GrainFactory().GetGrain(ctx, "Echo", "broken")
	require.NoError(t, err)
	out, err := grain.As[string](p.Invoke(ctx, "Echo", "fixed"))
	require.NoError(t, err)
	require.Equal(t, "fixed", out)
}

func TestInvokeTimeout(t *testing.T) {
	stats := &grainStats{}
	s := startSilo(t, testConfig(), silo.WithGrain(echoDescription(stats)))
	ctx := context.Background()

	for i, w := range s.Workers() {
		w := w
		t.Run(fmt.Sprintf("from worker %d", i), func(t *testing.T) {
			p := getGrain(t, w, "Echo", "slow")
			_, err := p.Invoke(ctx, "Sleep", 600)
			require.True(t, errors.Is(err, grain.ErrTimeout), "%v", err)

			// the late result is dropped and the activation keeps working
			time.Sleep(400 * time.Millisecond)
			out, err := grain.As[string](p.Invoke(ctx, "Echo", "awake"))
			require.NoError(t, err)
			require.Equal(t, "awake", out)
		})
	}
	require.Equal(t, int32(1), stats.activated.Load())
}

func TestIdleDeactivation(t *testing.T) {
	stats := &grainStats{}
	cfg := testConfig()
	cfg.GrainDeactivateOnIdle = 0.2
	s := startSilo(t, cfg, silo.WithGrain(echoDescription(stats)))
	ctx := context.Background()

	p := getGrain(t, s.Workers()[0], "Echo", "idle")
	_, err := p.Invoke(ctx, "Echo", "x")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.ActivationCount() == 0 && stats.deactivated.Load() == 1
	}, waitFor, 10*time.Millisecond)

	// the same handle reactivates the grain
	out, err := grain.As[string](p.Invoke(ctx, "Echo", "back"))
	require.NoError(t, err)
	require.Equal(t, "back", out)
	require.Equal(t, int32(2), stats.activated.Load())
}

func TestGetGrainAfterIdleDeactivation(t *testing.T) {
	stats := &grainStats{}
	cfg := testConfig()
	cfg.GrainDeactivateOnIdle = 0.2
	s := startSilo(t, cfg, silo.WithGrain(echoDescription(stats)))
	ctx := context.Background()

	// both workers hold a binding, one local and one remote
	for _, w := range s.Workers() {
		_, err := getGrain(t, w, "Echo", "idle").Invoke(ctx, "Echo", "x")
		require.NoError(t, err)
	}
	owner, active := s.ActivationInfo(grain.NewIdentity("Echo", "idle"))
	require.True(t, active)
	var remote *silo.Silo
	for _, w := range s.Workers() {
		if w.PID() != owner {
			remote = w
		}
	}
	require.NotNil(t, remote)

	require.Eventually(t, func() bool {
		return s.ActivationCount() == 0 && stats.deactivated.Load() == 1
	}, waitFor, 10*time.Millisecond)

	getGrain(t, remote, "Echo", "idle")
	require.Equal(t, int32(2), stats.activated.Load())
	require.Equal(t, 1, s.ActivationCount())

	t.Run("activation errors surface from GetGrain", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return s.ActivationCount() == 0 && stats.deactivated.Load() == 2
		}, waitFor, 10*time.Millisecond)

		stats.failing.Store(true)
		defer stats.failing.Store(false)
		_, err := remote.GrainFactory().GetGrain(ctx, "Echo", "idle")
		require.True(t, errors.Is(err, grain.ErrActivation))
	})
}

func TestRemoteCallsKeepOrder(t *testing.T) {
	stats := &grainStats{}
	s := startSilo(t, testConfig(), silo.WithGrain(echoDescription(stats)))
	ctx := context.Background()

	identity := grain.NewIdentity("Echo", "ordered")
	getGrain(t, s.Workers()[0], "Echo", "ordered")
	owner, _ := s.ActivationInfo(identity)
	var p grain.Proxy
	for _, w := range s.Workers() {
		if w.PID() != owner {
			p = getGrain(t, w, "Echo", "ordered")
		}
	}
	require.NotNil(t, p)

	for i := 1; i <= 5; i++ {
		n, err := grain.As[int](p.Invoke(ctx, "Count"))
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
	for _, word := range []string{"echo:a", "echo:b"} {
		out, err := grain.As[string](p.Invoke(ctx, "Echo", word))
		require.NoError(t, err)
		require.Equal(t, word, out)
	}
}

func TestDeactivation(t *testing.T) {
	stats := &grainStats{}
	s := startSilo(t, testConfig(), silo.WithGrain(echoDescription(stats)))
	ctx := context.Background()

	t.Run("requested by the grain", func(t *testing.T) {
		p := getGrain(t, s.Workers()[1], "Echo", "self")
		_, err := p.Invoke(ctx, "Idle")
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			_, active := s.ActivationInfo(p.Identity())
			return !active && stats.deactivated.Load() == 1
		}, waitFor, 10*time.Millisecond)
	})

	t.Run("requested on the master", func(t *testing.T) {
		p := getGrain(t, s.Workers()[0], "Echo", "explicit")
		require.NoError(t, s.Deactivate(ctx, p.Identity()))
		require.Equal(t, int32(2), stats.deactivated.Load())
		_, active := s.ActivationInfo(p.Identity())
		require.False(t, active)

		err := s.Deactivate(ctx, grain.NewIdentity("Echo", "never"))
		require.True(t, errors.Is(err, grain.ErrActivationNotFound))
	})
}

func TestTurnsAreSerialized(t *testing.T) {
	stats := &grainStats{}
	cfg := testConfig()
	cfg.GrainInvokeTimeout = 5
	s := startSilo(t, cfg, silo.WithGrain(echoDescription(stats)))
	ctx := context.Background()

	const callers = 10
	const calls = 5
	var wg sync.WaitGroup
	for _, w := range s.Workers() {
		p := getGrain(t, w, "Echo", "counter")
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < calls; j++ {
					_, err := p.Invoke(ctx, "Count")
					if err != nil {
						t.Error(err)
					}
				}
			}()
		}
	}
	wg.Wait()

	p := getGrain(t, s.Workers()[0], "Echo", "counter")
	n, err := grain.As[int](p.Invoke(ctx, "Count"))
	require.NoError(t, err)
	require.Equal(t, 2*callers*calls+1, n)
	require.Zero(t, stats.overlaps.Load())
	require.Equal(t, int32(1), stats.activated.Load())
}

func TestStatefulGrain(t *testing.T) {
	ctx := context.Background()

	t.Run("state survives deactivation", func(t *testing.T) {
		store := memory.New()
		s := startSilo(t, testConfig(),
			silo.WithGrain(counterDescription()),
			silo.WithStorage(store.Factory()),
		)
		p := getGrain(t, s.Workers()[0], "Counter", "c")
		n, err := grain.As[int](p.Invoke(ctx, "Add", 5))
		require.NoError(t, err)
		require.Equal(t, 5, n)

		require.NoError(t, s.Deactivate(ctx, p.Identity()))
		require.Equal(t, 1, store.Len())

		n, err = grain.As[int](p.Invoke(ctx, "Add", 1))
		require.NoError(t, err)
		require.Equal(t, 6, n)
	})

	t.Run("no storage configured", func(t *testing.T) {
		s := startSilo(t, testConfig(), silo.WithGrain(counterDescription()))
		_, err := s.Workers()[0].GrainFactory().GetGrain(ctx, "Counter", "c")
		require.True(t, errors.Is(err, grain.ErrActivation))
		require.True(t, errors.Is(err, grain.ErrNoStorage))
	})
}

func TestInheritance(t *testing.T) {
	stats := &grainStats{}
	echo := echoDescription(stats)
	s := startSilo(t, testConfig(), silo.WithGrain(echo), silo.WithGrain(loudDescription(echo)))
	require.Equal(t, []string{"Echo", "Loud"}, s.GrainTypes())

	p := getGrain(t, s.Workers()[0], "Loud", "l")
	require.Contains(t, p.Methods(), "Sleep")
	require.Contains(t, p.Methods(), "OnActivate")

	out, err := grain.As[string](p.Invoke(context.Background(), "Echo", "quiet"))
	require.NoError(t, err)
	require.Equal(t, "QUIET", out)
}

func TestPlacement(t *testing.T) {
	stats := &grainStats{}
	s := startSilo(t, testConfig(),
		silo.WithGrain(echoDescription(stats)),
		silo.WithPlacement("leastActivations"),
	)
	w := s.Workers()[0]
	for _, key := range []string{"a", "b", "c", "d"} {
		getGrain(t, w, "Echo", key)
	}
	for _, ws := range s.Workers() {
		require.Len(t, ws.LocalActivations(), 2)
	}
}

func TestStop(t *testing.T) {
	t.Run("master stop deactivates everything", func(t *testing.T) {
		stats := &grainStats{}
		s, err := silo.New(logr.Discard(),
			silo.WithConfig(testConfig()),
			silo.WithSpawner(silo.InProcessSpawner()),
			silo.WithGrain(echoDescription(stats)),
		)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, s.Start(ctx))

		workers := s.Workers()
		for _, key := range []string{"a", "b", "c"} {
			getGrain(t, workers[0], "Echo", key)
		}
		require.NoError(t, s.Stop(ctx))
		require.Equal(t, int32(3), stats.deactivated.Load())
		for _, w := range workers {
			require.NoError(t, w.Wait(ctx))
		}
		require.NoError(t, s.Wait(ctx))

		_, err = workers[0].GrainFactory().GetGrain(ctx, "Echo", "a")
		require.Error(t, err)
	})

	t.Run("worker asks the silo to stop", func(t *testing.T) {
		var mains atomic.Int32
		var cancelled atomic.Int32
		s, err := silo.New(logr.Discard(),
			silo.WithConfig(testConfig()),
			silo.WithSpawner(silo.InProcessSpawner()),
			silo.WithWorkerMain(func(ctx context.Context, w *silo.Silo) error {
				mains.Inc()
				<-ctx.Done()
				cancelled.Inc()
				return ctx.Err()
			}),
		)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, s.Start(ctx))
		require.Eventually(t, func() bool {
			return mains.Load() == 2
		}, waitFor, 10*time.Millisecond)

		require.NoError(t, s.Workers()[1].Stop(ctx))
		require.NoError(t, s.Wait(ctx))
		require.Eventually(t, func() bool {
			return cancelled.Load() == 2
		}, waitFor, 10*time.Millisecond)
	})
}

func TestGrainTimers(t *testing.T) {
	stats := &grainStats{}
	cfg := testConfig()
	cfg.TimerResolution = 0.01
	s := startSilo(t, cfg, silo.WithGrain(echoDescription(stats)))
	ctx := context.Background()

	p := getGrain(t, s.Workers()[0], "Echo", "timer")
	_, err := p.Invoke(ctx, "Remind", 200)
	require.NoError(t, err)

	_, err = p.Invoke(ctx, "Remind", 200)
	require.True(t, errors.Is(err, grain.ErrInvoke))

	require.Eventually(t, func() bool { return stats.reminders.Load() == 1 }, waitFor, 5*time.Millisecond)

	// a fired one-shot timer frees its name
	_, err = p.Invoke(ctx, "Remind", 20)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stats.reminders.Load() == 2 }, waitFor, 5*time.Millisecond)
}
