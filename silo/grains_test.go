package silo_test

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/grain/descriptor"
)

type grainStats struct {
	activated   atomic.Int32
	deactivated atomic.Int32
	inflight    atomic.Int32
	overlaps    atomic.Int32
	failing     atomic.Bool
	reminders   atomic.Int32
}

type echoGrain struct {
	grain.Base
	stats *grainStats
	count int
}

func (g *echoGrain) OnActivate(ctx context.Context) error {
	if g.stats.failing.Load() {
		return errors.New("boom")
	}
	return nil
}

func (g *echoGrain) OnDeactivate(ctx context.Context) error {
	g.stats.deactivated.Inc()
	return nil
}

func echoDescription(stats *grainStats) *descriptor.Description {
	return &descriptor.Description{
		GrainType: "Echo",
		Activator: func(ctx context.Context, identity grain.Identity, services grain.Services) (grain.Grain, error) {
			stats.activated.Inc()
			return &echoGrain{Base: grain.NewBase(identity, services), stats: stats}, nil
		},
		Methods: []descriptor.MethodDesc{
			{Name: "Echo", Handler: func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error) {
				return grain.Arg[string](args, 0)
			}},
			{Name: "Sleep", Handler: func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error) {
				ms, err := grain.Arg[int](args, 0)
				if err != nil {
					return nil, err
				}
				time.Sleep(time.Duration(ms) * time.Millisecond)
				return "slept", nil
			}},
			{Name: "Count", Handler: func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error) {
				eg := g.(*echoGrain)
				if eg.stats.inflight.Inc() > 1 {
					eg.stats.overlaps.Inc()
				}
				defer eg.stats.inflight.Dec()
				time.Sleep(time.Millisecond)
				eg.count++
				return eg.count, nil
			}},
			{Name: "Fail", Handler: func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error) {
				return nil, errors.New("method failed")
			}},
			{Name: "Idle", Handler: func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error) {
				return nil, g.DeactivateOnIdle(ctx)
			}},
			{Name: "Remind", Handler: func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error) {
				ms, err := grain.Arg[int](args, 0)
				if err != nil {
					return nil, err
				}
				eg := g.(*echoGrain)
				return nil, eg.RegisterTimer("remind", time.Duration(ms)*time.Millisecond, func(ctx context.Context) error {
					eg.stats.reminders.Inc()
					return nil
				})
			}},
			{Name: "Call", Handler: func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error) {
				key, err := grain.Arg[string](args, 0)
				if err != nil {
					return nil, err
				}
				other, err := g.(*echoGrain).GrainFactory().GetGrain(ctx, "Echo", key)
				if err != nil {
					return nil, err
				}
				return grain.As[string](other.Invoke(ctx, "Echo", "via "+g.(*echoGrain).Key()))
			}},
		},
	}
}

// loudDescription extends Echo and overrides its Echo method.
func loudDescription(parent *descriptor.Description) *descriptor.Description {
	return &descriptor.Description{
		GrainType: "Loud",
		Extends:   parent,
		Activator: parent.Activator,
		Methods: []descriptor.MethodDesc{
			{Name: "Echo", Handler: func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error) {
				s, err := grain.Arg[string](args, 0)
				return strings.ToUpper(s), err
			}},
		},
	}
}

type counterState struct {
	N int `json:"n"`
}

type counterGrain struct {
	grain.Stateful[counterState]
}

func counterDescription() *descriptor.Description {
	return &descriptor.Description{
		GrainType: "Counter",
		Activator: func(ctx context.Context, identity grain.Identity, services grain.Services) (grain.Grain, error) {
			return &counterGrain{Stateful: grain.NewStateful[counterState](identity, services)}, nil
		},
		Methods: []descriptor.MethodDesc{
			{Name: "Add", Handler: func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error) {
				n, err := grain.Arg[int](args, 0)
				if err != nil {
					return nil, err
				}
				c := g.(*counterGrain)
				c.SetState(counterState{N: c.State().N + n})
				return c.State().N, nil
			}},
		},
	}
}
