package master

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/jaym/goor/future"
	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/grain/descriptor"
	"github.com/jaym/goor/silo/internal/activation"
	"github.com/jaym/goor/silo/internal/correlation"
	"github.com/jaym/goor/silo/internal/metrics"
	"github.com/jaym/goor/silo/internal/placement"
	"github.com/jaym/goor/silo/internal/protocol"
	"github.com/jaym/goor/silo/internal/transport"
)

const defaultSweepInterval = time.Second

// Spawner starts the worker processes and hands back one connection per
// worker.
type Spawner interface {
	Spawn(ctx context.Context, n int) ([]transport.Conn, error)
	// Terminate waits for the workers to exit, killing any that outlive
	// ctx.
	Terminate(ctx context.Context) error
}

type Config struct {
	Workers          int
	InvokeTimeout    time.Duration
	ActivateTimeout  time.Duration
	DeactivateOnIdle time.Duration
	SweepInterval    time.Duration
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(m *Coordinator) {
		m.clock = c
	}
}

func WithStrategy(s placement.Strategy) Option {
	return func(m *Coordinator) {
		m.strategy = s
	}
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Coordinator) {
		m.metrics = r
	}
}

// Coordinator is the master's directory of activations. It places new
// activations on workers, routes invocations to their owners and tears
// activations down on request, when idle, or at shutdown. All operations
// on one identity go through that identity's activation record, so they
// are applied in admission order.
type Coordinator struct {
	log       logr.Logger
	cfg       Config
	clock     clock.Clock
	registrar descriptor.Registrar
	spawner   Spawner
	strategy  placement.Strategy
	pool      *placement.Pool
	requests  *correlation.Registry[*protocol.Message]
	metrics   *metrics.Recorder
	handlers  protocol.HandlerTable

	lock      sync.Mutex
	directory map[grain.Identity]*activation.Record
	retiring  map[grain.Identity]*activation.Record
	conns     []transport.Conn
	stopping  bool

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

func New(log logr.Logger, cfg Config, registrar descriptor.Registrar, spawner Spawner, opts ...Option) *Coordinator {
	m := &Coordinator{
		log:       log,
		cfg:       cfg,
		clock:     clock.New(),
		registrar: registrar,
		spawner:   spawner,
		directory: map[grain.Identity]*activation.Record{},
		retiring:  map[grain.Identity]*activation.Record{},
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.strategy == nil {
		m.strategy = placement.NewRoundRobin()
	}
	m.pool = placement.NewPool(m.strategy)
	m.requests = correlation.NewRegistry[*protocol.Message](log.WithName("requests"),
		correlation.WithClock(m.clock),
		correlation.WithAnomalyFunc(func(string, error) {
			m.metrics.Anomaly(context.Background())
		}),
	)
	m.handlers = protocol.HandlerTable{
		protocol.GetActivation:    m.getOrCreateActivation,
		protocol.Invoke:           m.invoke,
		protocol.Deactivate:       m.deactivateRequested,
		protocol.StopSilo:         m.stopRequested,
		protocol.Created:          m.settle,
		protocol.InvokeResult:     m.settle,
		protocol.Deactivated:      m.settle,
		protocol.ActivationError:  m.settleError,
		protocol.InvokeError:      m.settleError,
		protocol.DeactivatedError: m.settleError,
	}
	return m
}

// Start spawns the workers and returns once every one of them has
// reported ready and been told the master is ready.
func (m *Coordinator) Start(ctx context.Context) error {
	conns, err := m.spawner.Spawn(ctx, m.cfg.Workers)
	if err != nil {
		return errors.Wrap(err, "spawning workers")
	}

	ready := make(chan int, len(conns))
	for _, conn := range conns {
		conn := conn
		pid := conn.PeerPID()
		var once sync.Once
		err := conn.Listen(func(msg *protocol.Message) {
			if msg.Kind == protocol.WorkerReady {
				once.Do(func() {
					m.pool.Add(conn)
					ready <- pid
				})
				return
			}
			if !m.handlers.Dispatch(pid, msg) {
				m.log.V(1).Info("ignoring unexpected message", "kind", msg.Kind, "pid", pid)
			}
		}, func(err error) {
			m.workerLost(pid, err)
		})
		if err != nil {
			return errors.Wrapf(err, "listening to worker %d", pid)
		}
	}

	m.lock.Lock()
	m.conns = conns
	m.lock.Unlock()

	for n := 0; n < len(conns); n++ {
		select {
		case pid := <-ready:
			m.log.V(1).Info("worker ready", "pid", pid)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, conn := range m.pool.Conns() {
		if err := conn.Send(&protocol.Message{Kind: protocol.MasterReady}); err != nil {
			m.log.V(0).Error(err, "failed to notify worker", "pid", conn.PeerPID())
		}
	}
	m.startSweep()
	m.log.V(0).Info("master ready", "workers", len(conns))
	return nil
}

// Workers returns the pids of the live workers.
func (m *Coordinator) Workers() []int {
	conns := m.pool.Conns()
	pids := make([]int, len(conns))
	for i, c := range conns {
		pids[i] = c.PeerPID()
	}
	return pids
}

// Lookup returns the owner of identity's current activation.
func (m *Coordinator) Lookup(identity grain.Identity) (int, activation.State, bool) {
	m.lock.Lock()
	rec, ok := m.directory[identity]
	m.lock.Unlock()
	if !ok {
		return 0, activation.Deactivated, false
	}
	return rec.Owner(), rec.State(), true
}

// ActivationCount returns the number of identities in the directory.
func (m *Coordinator) ActivationCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.directory)
}

func (m *Coordinator) reply(pid int, msg *protocol.Message) {
	conn, err := m.pool.Resolve(pid)
	if err != nil {
		m.log.V(1).Error(err, "dropping reply", "kind", msg.Kind, "identity", msg.Identity)
		return
	}
	if err := conn.Send(msg); err != nil {
		m.log.V(1).Error(err, "failed to send reply", "kind", msg.Kind, "identity", msg.Identity, "pid", pid)
	}
}

func activatedReply(req *protocol.Message, owner int) *protocol.Message {
	r := req.Reply(protocol.Activated)
	r.OwnerPID = owner
	return r
}

func (m *Coordinator) settle(from int, msg *protocol.Message) {
	_ = m.requests.ResolveFor(msg.CorrelationID, msg)
}

func (m *Coordinator) settleError(from int, msg *protocol.Message) {
	_ = m.requests.RejectFor(msg.CorrelationID, msg.Err())
}

// send delivers a request to pid and waits for the correlated reply.
func (m *Coordinator) send(pid int, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	conn, err := m.pool.Resolve(pid)
	if err != nil {
		return nil, err
	}
	id, f := m.requests.Register(timeout)
	msg.CorrelationID = id
	if err := conn.Send(msg); err != nil {
		_ = m.requests.RejectFor(id, err)
	}
	resp, err := f.Await(context.Background())
	if errors.Is(err, grain.ErrTimeout) {
		m.metrics.TimedOut(context.Background())
	}
	return resp, err
}

func (m *Coordinator) getOrCreateActivation(requestor int, req *protocol.Message) {
	identity := req.Identity
	if _, err := m.registrar.Lookup(identity.GrainType); err != nil {
		m.reply(requestor, req.ReplyError(protocol.ActivationError, grain.ActivationError(identity, err)))
		return
	}

	m.lock.Lock()
	if m.stopping {
		m.lock.Unlock()
		m.reply(requestor, req.ReplyError(protocol.ActivationError, grain.ActivationError(identity, grain.ErrStopped)))
		return
	}
	if rec, ok := m.directory[identity]; ok {
		m.lock.Unlock()
		if rec.State() == activation.Activated {
			m.reply(requestor, activatedReply(req, rec.Owner()))
			return
		}
		// Creation is still in flight. Answer once it has settled.
		err := rec.Add(func() error {
			m.locate(rec, requestor, req)
			return nil
		}, activation.LabelLocate)
		if err != nil {
			m.getOrCreateActivation(requestor, req)
		}
		return
	}

	rec := activation.NewRecord(m.log.WithName("activation"), identity, m.clock)
	prev := m.retiring[identity]
	m.directory[identity] = rec
	m.lock.Unlock()

	err := rec.Add(func() error {
		return m.create(rec, prev, requestor, req)
	}, activation.LabelCreate)
	if err != nil {
		m.log.V(0).Error(err, "failed to admit activation", "identity", identity)
	}
}

func (m *Coordinator) locate(rec *activation.Record, requestor int, req *protocol.Message) {
	switch {
	case rec.State() == activation.Activated:
		m.reply(requestor, activatedReply(req, rec.Owner()))
	case rec.Err() != nil:
		m.reply(requestor, req.ReplyError(protocol.ActivationError, rec.Err()))
	default:
		// torn down before we got here; bring up a fresh activation
		m.getOrCreateActivation(requestor, req)
	}
}

func (m *Coordinator) create(rec *activation.Record, prev *activation.Record, requestor int, req *protocol.Message) error {
	if prev != nil {
		<-prev.Done()
	}

	conn, err := m.pool.Pick()
	if err != nil {
		return m.activationFailed(rec, requestor, req, 0, err)
	}
	pid := conn.PeerPID()
	m.log.V(4).Info("placing activation", "identity", rec.Identity, "pid", pid)

	_, err = m.send(pid, &protocol.Message{
		Kind:     protocol.CreateActivation,
		Identity: rec.Identity,
	}, m.cfg.ActivateTimeout)
	if err != nil {
		return m.activationFailed(rec, requestor, req, pid, err)
	}

	rec.MarkActivated(pid)
	m.pool.Placed(pid)
	m.metrics.Activated(context.Background(), rec.Identity.GrainType)
	m.log.V(2).Info("grain activated", "identity", rec.Identity, "owner", pid)
	m.reply(requestor, activatedReply(req, pid))
	return nil
}

func (m *Coordinator) activationFailed(rec *activation.Record, requestor int, req *protocol.Message, pid int, cause error) error {
	err := grain.ActivationError(rec.Identity, cause)
	m.metrics.ActivationFailed(context.Background(), rec.Identity.GrainType)
	m.log.V(1).Error(err, "activation failed", "identity", rec.Identity, "pid", pid)

	m.retire(rec)
	m.reply(requestor, req.ReplyError(protocol.ActivationError, err))

	// A worker that missed the deadline may still bring the instance up.
	// Tear it down before the identity can be placed again.
	if pid != 0 && errors.Is(cause, grain.ErrTimeout) {
		_, derr := m.send(pid, &protocol.Message{
			Kind:     protocol.Deactivate,
			Identity: rec.Identity,
		}, m.cfg.ActivateTimeout)
		if derr != nil {
			m.log.V(1).Error(derr, "failed to clean up timed out activation", "identity", rec.Identity, "pid", pid)
		}
	}

	m.forget(rec)
	rec.MarkFailed(err)
	return err
}

// retire moves rec out of the directory. A new activation of the same
// identity waits for rec to end before it is placed.
func (m *Coordinator) retire(rec *activation.Record) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.directory[rec.Identity] == rec {
		delete(m.directory, rec.Identity)
	}
	m.retiring[rec.Identity] = rec
}

func (m *Coordinator) forget(rec *activation.Record) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.directory[rec.Identity] == rec {
		delete(m.directory, rec.Identity)
	}
	if m.retiring[rec.Identity] == rec {
		delete(m.retiring, rec.Identity)
	}
}

func notFound(identity grain.Identity) error {
	return errors.WithDetailf(grain.ErrActivationNotFound, "%s has no activation", identity)
}

func (m *Coordinator) invoke(requestor int, req *protocol.Message) {
	m.lock.Lock()
	rec, ok := m.directory[req.Identity]
	m.lock.Unlock()
	if !ok {
		m.log.V(1).Info("invoke for grain without activation", "identity", req.Identity, "method", req.Method, "pid", requestor)
		m.reply(requestor, req.ReplyError(protocol.InvokeError, notFound(req.Identity)))
		return
	}
	err := rec.Add(func() error {
		return m.forwardInvoke(rec, requestor, req)
	}, activation.LabelInvoke)
	if err != nil {
		m.reply(requestor, req.ReplyError(protocol.InvokeError, notFound(req.Identity)))
	}
}

func (m *Coordinator) forwardInvoke(rec *activation.Record, requestor int, req *protocol.Message) error {
	if rec.State() != activation.Activated {
		m.reply(requestor, req.ReplyError(protocol.InvokeError, notFound(req.Identity)))
		return nil
	}

	fwd := req.Clone()
	fwd.FromPID = requestor
	start := m.clock.Now()
	resp, err := m.send(rec.Owner(), fwd, m.cfg.InvokeTimeout)
	m.metrics.Invoked(context.Background(), rec.Identity.GrainType, m.clock.Since(start), err)
	if err != nil {
		m.reply(requestor, req.ReplyError(protocol.InvokeError, err))
		return err
	}

	r := req.Reply(protocol.InvokeResult)
	r.Result = resp.Result
	m.reply(requestor, r)
	return nil
}

// Deactivate tears down identity's activation after every turn admitted
// before it has run.
func (m *Coordinator) Deactivate(ctx context.Context, identity grain.Identity) error {
	m.lock.Lock()
	rec, ok := m.directory[identity]
	m.lock.Unlock()
	if !ok {
		return notFound(identity)
	}
	_, err := m.admitDeactivate(rec).Await(ctx)
	return err
}

func (m *Coordinator) deactivateRequested(from int, msg *protocol.Message) {
	m.lock.Lock()
	rec, ok := m.directory[msg.Identity]
	m.lock.Unlock()
	if !ok {
		m.log.V(1).Info("deactivation requested for grain without activation", "identity", msg.Identity, "pid", from)
		return
	}
	m.log.V(2).Info("deactivation requested", "identity", msg.Identity, "pid", from)
	m.admitDeactivate(rec)
}

func (m *Coordinator) admitDeactivate(rec *activation.Record) future.Future[struct{}] {
	f, p := future.NewFuture[struct{}](time.Time{})
	err := rec.Add(func() error {
		err := m.deactivate(rec)
		if err != nil {
			p.Reject(err)
		} else {
			p.Resolve(struct{}{})
		}
		return err
	}, activation.LabelDeactivate)
	if err != nil {
		// the record has already ended
		p.Resolve(struct{}{})
	}
	return f
}

func (m *Coordinator) deactivate(rec *activation.Record) error {
	if rec.State() != activation.Deactivating {
		return nil
	}
	owner := rec.Owner()
	_, err := m.send(owner, &protocol.Message{
		Kind:     protocol.Deactivate,
		Identity: rec.Identity,
	}, m.cfg.ActivateTimeout)
	if err != nil {
		m.log.V(0).Error(err, "grain deactivation failed", "identity", rec.Identity, "owner", owner)
	} else {
		m.metrics.Deactivated(context.Background(), rec.Identity.GrainType)
		m.log.V(2).Info("grain deactivated", "identity", rec.Identity, "owner", owner)
	}
	m.pool.Released(owner)
	m.forget(rec)
	rec.MarkDeactivated()
	return err
}

func (m *Coordinator) startSweep() {
	if m.cfg.DeactivateOnIdle <= 0 {
		return
	}
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})
	ticker := m.clock.Ticker(interval)
	go func() {
		defer close(m.sweepDone)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepIdle()
			}
		}
	}()
}

// sweepIdle deactivates every activation that has been idle for longer
// than the configured threshold.
func (m *Coordinator) sweepIdle() int {
	now := m.clock.Now()
	m.lock.Lock()
	if m.stopping {
		m.lock.Unlock()
		return 0
	}
	idle := []*activation.Record{}
	for identity, rec := range m.directory {
		if rec.IdleFor(now, m.cfg.DeactivateOnIdle) {
			delete(m.directory, identity)
			m.retiring[identity] = rec
			idle = append(idle, rec)
		}
	}
	m.lock.Unlock()

	for _, rec := range idle {
		m.log.V(2).Info("deactivating idle grain", "identity", rec.Identity, "lastActivity", rec.LastActivity())
		m.admitDeactivate(rec)
	}
	return len(idle)
}

func (m *Coordinator) workerLost(pid int, err error) {
	m.pool.Remove(pid)

	m.lock.Lock()
	stopping := m.stopping
	m.lock.Unlock()
	if stopping || err == nil {
		m.log.V(1).Info("worker disconnected", "pid", pid)
		return
	}
	m.log.V(0).Error(err, "lost worker, its activations are unavailable", "pid", pid)
}

func (m *Coordinator) stopRequested(from int, msg *protocol.Message) {
	m.log.V(0).Info("stop requested", "pid", from)
	go func() {
		if err := m.Stop(context.Background()); err != nil {
			m.log.V(0).Error(err, "failed to stop")
		}
	}()
}

// Done is closed once Stop has finished.
func (m *Coordinator) Done() <-chan struct{} {
	return m.stopped
}

// Stop deactivates every activation, waits for all of them to settle,
// then tells the workers to exit and waits for them.
func (m *Coordinator) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.stopErr = m.stop(ctx)
		close(m.stopped)
	})
	return m.stopErr
}

func (m *Coordinator) stop(ctx context.Context) error {
	m.lock.Lock()
	m.stopping = true
	active := make([]*activation.Record, 0, len(m.directory))
	for _, rec := range m.directory {
		active = append(active, rec)
	}
	retiring := make([]*activation.Record, 0, len(m.retiring))
	for _, rec := range m.retiring {
		retiring = append(retiring, rec)
	}
	conns := m.conns
	m.lock.Unlock()

	if m.sweepCancel != nil {
		m.sweepCancel()
		<-m.sweepDone
	}

	m.log.V(0).Info("stopping", "activations", len(active), "retiring", len(retiring))

	var resultLock sync.Mutex
	var result *multierror.Error
	collect := func(err error) {
		if err == nil {
			return
		}
		resultLock.Lock()
		defer resultLock.Unlock()
		result = multierror.Append(result, err)
	}

	var g errgroup.Group
	for _, rec := range active {
		rec := rec
		g.Go(func() error {
			_, err := m.admitDeactivate(rec).Await(ctx)
			collect(errors.Wrapf(err, "deactivating %s", rec.Identity))
			return nil
		})
	}
	for _, rec := range retiring {
		rec := rec
		g.Go(func() error {
			select {
			case <-rec.Done():
			case <-ctx.Done():
				collect(errors.Wrapf(ctx.Err(), "waiting for %s", rec.Identity))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, conn := range m.pool.Conns() {
		if err := conn.Send(&protocol.Message{Kind: protocol.StopWorker}); err != nil {
			m.log.V(1).Error(err, "failed to stop worker", "pid", conn.PeerPID())
		}
	}
	m.requests.Close(grain.ErrStopped)

	if err := m.spawner.Terminate(ctx); err != nil {
		collect(errors.Wrap(err, "terminating workers"))
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	m.log.V(0).Info("stopped")
	return result.ErrorOrNil()
}
