package silo

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/grain/descriptor"
	"github.com/jaym/goor/plugins/codec"
	"github.com/jaym/goor/silo/internal/transport"
)

// WorkerMainFunc is run on every worker once it is ready.
type WorkerMainFunc func(ctx context.Context, s *Silo) error

type siloOptions struct {
	cfg           Config
	grains        []*descriptor.Description
	storage       grain.StorageFactory
	spawner       Spawner
	clock         clock.Clock
	meterProvider metric.MeterProvider
	codec         codec.Codec
	workerMain    WorkerMainFunc

	// set for in-process workers
	role *Role
	pid  int
	conn transport.Conn
}

func (so *siloOptions) Spawner() Spawner {
	if so.spawner == nil {
		return ExecSpawner()
	}
	return so.spawner
}

func (so *siloOptions) Clock() clock.Clock {
	if so.clock == nil {
		return clock.New()
	}
	return so.clock
}

func (so *siloOptions) Codec() codec.Codec {
	if so.codec == nil {
		return codec.NewJSONCodec()
	}
	return so.codec
}

type Option func(*siloOptions)

func WithConfig(cfg Config) Option {
	return func(so *siloOptions) {
		so.cfg = cfg
	}
}

// WithGrain registers a grain type. Every role registers the same grains.
func WithGrain(desc *descriptor.Description) Option {
	return func(so *siloOptions) {
		so.grains = append(so.grains, desc)
	}
}

// WithStorage sets the storage module used by stateful grains. Each
// worker calls factory once.
func WithStorage(factory grain.StorageFactory) Option {
	return func(so *siloOptions) {
		so.storage = factory
	}
}

func WithSpawner(s Spawner) Option {
	return func(so *siloOptions) {
		so.spawner = s
	}
}

func WithClock(c clock.Clock) Option {
	return func(so *siloOptions) {
		so.clock = c
	}
}

// WithPlacement selects the placement strategy by name: roundRobin,
// random or leastActivations.
func WithPlacement(name string) Option {
	return func(so *siloOptions) {
		so.cfg.Placement = name
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(so *siloOptions) {
		so.meterProvider = mp
	}
}

func WithCodec(c codec.Codec) Option {
	return func(so *siloOptions) {
		so.codec = c
	}
}

func WithWorkerMain(f WorkerMainFunc) Option {
	return func(so *siloOptions) {
		so.workerMain = f
	}
}
