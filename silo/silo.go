package silo

import (
	"context"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/silo/internal/activation"
	"github.com/jaym/goor/silo/internal/master"
	"github.com/jaym/goor/silo/internal/metrics"
	"github.com/jaym/goor/silo/internal/placement"
	"github.com/jaym/goor/silo/internal/transport"
	"github.com/jaym/goor/silo/internal/worker"
)

type Role int

const (
	RoleMaster Role = iota
	RoleWorker
)

func (r Role) String() string {
	if r == RoleWorker {
		return "worker"
	}
	return "master"
}

// Silo is one process of a grain runtime: either the master, which owns
// the activation directory, or a worker, which hosts grain instances and
// runs application code. The role is fixed when the silo is built.
type Silo struct {
	root      logr.Logger
	log       logr.Logger
	role      Role
	pid       int
	options   siloOptions
	registrar *registrarImpl

	master  *master.Coordinator
	spawner master.Spawner
	worker  *worker.Coordinator

	mainOnce sync.Once
}

// New builds a silo. A process started by the exec spawner builds a
// worker, any other process builds the master.
func New(log logr.Logger, opts ...Option) (*Silo, error) {
	options := siloOptions{cfg: DefaultConfig()}
	for _, o := range opts {
		o(&options)
	}
	if WorkerProcess() {
		role := RoleWorker
		options.role = &role
		options.pid = os.Getpid()
		options.conn = workerConn(log.WithName("conn"))
	}
	return build(log, options)
}

// WorkerProcess reports whether this process was started by the exec
// spawner as a worker.
func WorkerProcess() bool {
	return os.Getenv(RoleEnv) == RoleWorker.String()
}

func build(log logr.Logger, options siloOptions) (*Silo, error) {
	if err := options.cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Silo{
		root:      log,
		role:      RoleMaster,
		pid:       os.Getpid(),
		options:   options,
		registrar: newRegistrar(),
	}
	if options.role != nil {
		s.role = *options.role
		s.pid = options.pid
	}
	s.log = log.WithName(s.role.String())
	if s.role == RoleWorker {
		s.log = s.log.WithValues("pid", s.pid)
	}

	for _, desc := range options.grains {
		if err := s.registrar.Register(desc); err != nil {
			return nil, errors.Wrapf(err, "registering %s", desc.GrainType)
		}
	}

	recorder, err := metrics.New(options.meterProvider, s.role.String())
	if err != nil {
		return nil, errors.Wrap(err, "creating metrics")
	}

	cfg := options.cfg
	switch s.role {
	case RoleMaster:
		strategy, err := placement.NewStrategy(cfg.Placement)
		if err != nil {
			return nil, err
		}
		s.spawner = options.Spawner().spawner(s)
		s.master = master.New(s.log, master.Config{
			Workers:          cfg.MaxWorkers,
			InvokeTimeout:    cfg.GrainInvokeTimeout.Duration(),
			ActivateTimeout:  cfg.GrainActivateTimeout.Duration(),
			DeactivateOnIdle: cfg.GrainDeactivateOnIdle.Duration(),
			SweepInterval:    cfg.IdleSweepInterval.Duration(),
		}, s.registrar, s.spawner,
			master.WithClock(options.Clock()),
			master.WithStrategy(strategy),
			master.WithMetrics(recorder),
		)
	case RoleWorker:
		wopts := []worker.Option{
			worker.WithClock(options.Clock()),
			worker.WithMetrics(recorder),
			worker.WithCodec(options.Codec()),
		}
		if options.storage != nil {
			storage, err := options.storage()
			if err != nil {
				return nil, errors.Wrap(err, "opening grain storage")
			}
			wopts = append(wopts, worker.WithStorage(storage))
		}
		s.worker = worker.New(s.log, worker.Config{
			PID:             s.pid,
			InvokeTimeout:   cfg.GrainInvokeTimeout.Duration(),
			ActivateTimeout: cfg.GrainActivateTimeout.Duration(),
			TimerResolution: cfg.TimerResolution.Duration(),
		}, s.registrar, options.conn, wopts...)
	}
	return s, nil
}

// workerSilo builds an in-process worker sharing this silo's options.
func (s *Silo) workerSilo(pid int, conn transport.Conn) (*Silo, error) {
	options := s.options
	role := RoleWorker
	options.role = &role
	options.pid = pid
	options.conn = conn
	return build(s.root, options)
}

func (s *Silo) Logger() logr.Logger {
	return s.log
}

func (s *Silo) Role() Role {
	return s.role
}

func (s *Silo) IsMaster() bool {
	return s.role == RoleMaster
}

func (s *Silo) IsWorker() bool {
	return s.role == RoleWorker
}

// PID identifies this silo among the workers. For the master it is the
// process id.
func (s *Silo) PID() int {
	return s.pid
}

// Start brings the silo up. On the master it spawns the workers and
// returns once all of them are ready. On a worker it returns once the
// master is ready, and then runs the WithWorkerMain function.
func (s *Silo) Start(ctx context.Context) error {
	if s.IsMaster() {
		return s.master.Start(ctx)
	}
	if err := s.worker.Start(ctx); err != nil {
		return err
	}
	s.runWorkerMain()
	return nil
}

func (s *Silo) runWorkerMain() {
	if s.options.workerMain == nil {
		return
	}
	s.mainOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-s.worker.Done()
			cancel()
		}()
		go func() {
			if err := s.options.workerMain(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error(err, "worker main failed")
			}
		}()
	})
}

// Stop shuts the whole silo down. Called on a worker it asks the master
// to stop and waits for this worker to be told to exit.
func (s *Silo) Stop(ctx context.Context) error {
	if s.IsMaster() {
		return s.master.Stop(ctx)
	}
	return s.worker.Stop(ctx)
}

// Wait blocks until the silo has stopped.
func (s *Silo) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Silo) Done() <-chan struct{} {
	if s.IsMaster() {
		return s.master.Done()
	}
	return s.worker.Done()
}

// Workers returns the in-process workers started by this master. It is
// empty for any other spawner.
func (s *Silo) Workers() []*Silo {
	if sp, ok := s.spawner.(*inProcessSpawner); ok {
		return sp.Workers()
	}
	return nil
}

// WorkerPIDs returns the pids of the master's live workers.
func (s *Silo) WorkerPIDs() []int {
	if !s.IsMaster() {
		return nil
	}
	return s.master.Workers()
}

// Deactivate tears down the activation of identity, if any. It is only
// available on the master.
func (s *Silo) Deactivate(ctx context.Context, identity grain.Identity) error {
	if !s.IsMaster() {
		return errors.WithDetail(grain.ErrRoleViolation, "Deactivate must be called on the master")
	}
	return s.master.Deactivate(ctx, identity)
}

// ActivationInfo reports where identity is activated. It is only
// meaningful on the master.
func (s *Silo) ActivationInfo(identity grain.Identity) (owner int, active bool) {
	if !s.IsMaster() {
		return 0, false
	}
	owner, state, ok := s.master.Lookup(identity)
	return owner, ok && state == activation.Activated
}

// ActivationCount is the number of activations in the master's
// directory.
func (s *Silo) ActivationCount() int {
	if !s.IsMaster() {
		return 0
	}
	return s.master.ActivationCount()
}

// LocalActivations lists the grains hosted by this worker.
func (s *Silo) LocalActivations() []grain.Identity {
	if !s.IsWorker() {
		return nil
	}
	return s.worker.LocalActivations()
}

func (s *Silo) GrainTypes() []string {
	return s.registrar.GrainTypes()
}

func (s *Silo) GrainFactory() grain.Factory {
	return &GrainFactory{silo: s}
}
