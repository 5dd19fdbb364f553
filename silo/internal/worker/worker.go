package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/grain/descriptor"
	"github.com/jaym/goor/plugins/codec"
	"github.com/jaym/goor/silo/internal/correlation"
	"github.com/jaym/goor/silo/internal/metrics"
	"github.com/jaym/goor/silo/internal/protocol"
	"github.com/jaym/goor/silo/internal/queue"
	"github.com/jaym/goor/silo/internal/transport"
)

const (
	labelCreate     = "create"
	labelDeactivate = "deactivate"
	labelTimer      = "timer"
)

type Config struct {
	PID             int
	InvokeTimeout   time.Duration
	ActivateTimeout time.Duration
	// TimerResolution is how often grain timers are checked. Defaults to
	// one second.
	TimerResolution time.Duration
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(w *Coordinator) {
		w.clock = c
	}
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(w *Coordinator) {
		w.metrics = r
	}
}

func WithCodec(c codec.Codec) Option {
	return func(w *Coordinator) {
		w.codec = c
	}
}

func WithStorage(s grain.Storage) Option {
	return func(w *Coordinator) {
		w.storage = s
	}
}

// localActivation is a grain instance hosted by this worker. Its fields
// are only touched from turns on its own queue.
type localActivation struct {
	identity    grain.Identity
	entry       *descriptor.Entry
	queue       *queue.ActionQueue
	instance    grain.Grain
	deactivated bool
	timers      map[string]grain.TimerFunc
}

// Coordinator hosts the grain instances the master placed on this worker
// and resolves proxies for grain code running here.
type Coordinator struct {
	log       logr.Logger
	cfg       Config
	clock     clock.Clock
	conn      transport.Conn
	registrar descriptor.Registrar
	codec     codec.Codec
	storage   grain.Storage
	requests  *correlation.Registry[*protocol.Message]
	timers    *timerService
	metrics   *metrics.Recorder
	handlers  protocol.HandlerTable

	lock     sync.Mutex
	locals   map[grain.Identity]*localActivation
	bindings map[grain.Identity]binding

	ready     chan struct{}
	readyOnce sync.Once
	stopped   chan struct{}
	stopOnce  sync.Once
}

func New(log logr.Logger, cfg Config, registrar descriptor.Registrar, conn transport.Conn, opts ...Option) *Coordinator {
	w := &Coordinator{
		log:       log,
		cfg:       cfg,
		clock:     clock.New(),
		conn:      conn,
		registrar: registrar,
		codec:     codec.NewJSONCodec(),
		locals:    map[grain.Identity]*localActivation{},
		bindings:  map[grain.Identity]binding{},
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	w.requests = correlation.NewRegistry[*protocol.Message](log.WithName("requests"),
		correlation.WithClock(w.clock),
		correlation.WithAnomalyFunc(func(string, error) {
			w.metrics.Anomaly(context.Background())
		}),
	)
	resolution := cfg.TimerResolution
	if resolution <= 0 {
		resolution = defaultTimerResolution
	}
	w.timers = newTimerService(log.WithName("timers"), w.clock, resolution, w.fireTimer)
	w.timers.start()
	w.handlers = protocol.HandlerTable{
		protocol.MasterReady:      w.masterReady,
		protocol.CreateActivation: w.createActivation,
		protocol.Invoke:           w.invokeRequested,
		protocol.Deactivate:       w.deactivateRequested,
		protocol.StopWorker:       w.stopRequested,
		protocol.Activated:        w.settle,
		protocol.InvokeResult:     w.settle,
		protocol.ActivationError:  w.settleError,
		protocol.InvokeError:      w.settleError,
	}
	return w
}

// Start announces the worker to the master and waits for the master to
// report ready.
func (w *Coordinator) Start(ctx context.Context) error {
	err := w.conn.Listen(func(msg *protocol.Message) {
		if !w.handlers.Dispatch(w.conn.PeerPID(), msg) {
			w.log.V(1).Info("ignoring unexpected message", "kind", msg.Kind)
		}
	}, w.connectionLost)
	if err != nil {
		return errors.Wrap(err, "listening to master")
	}
	if err := w.conn.Send(&protocol.Message{Kind: protocol.WorkerReady, FromPID: w.cfg.PID}); err != nil {
		return errors.Wrap(err, "announcing worker")
	}
	return w.AwaitReady(ctx)
}

func (w *Coordinator) AwaitReady(ctx context.Context) error {
	select {
	case <-w.stopped:
		return grain.ErrStopped
	default:
	}
	select {
	case <-w.ready:
		return nil
	case <-w.stopped:
		return grain.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Coordinator) masterReady(from int, msg *protocol.Message) {
	w.readyOnce.Do(func() {
		w.log.V(1).Info("master ready")
		close(w.ready)
	})
}

func (w *Coordinator) settle(from int, msg *protocol.Message) {
	_ = w.requests.ResolveFor(msg.CorrelationID, msg)
}

func (w *Coordinator) settleError(from int, msg *protocol.Message) {
	_ = w.requests.RejectFor(msg.CorrelationID, msg.Err())
}

func (w *Coordinator) reply(msg *protocol.Message) {
	msg.FromPID = w.cfg.PID
	if err := w.conn.Send(msg); err != nil {
		w.log.V(1).Error(err, "failed to send reply", "kind", msg.Kind, "identity", msg.Identity)
	}
}

func notFound(identity grain.Identity) error {
	return errors.WithDetailf(grain.ErrActivationNotFound, "%s is not active on this worker", identity)
}

func (w *Coordinator) local(identity grain.Identity) *localActivation {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.locals[identity]
}

// LocalActivations returns the identities hosted by this worker.
func (w *Coordinator) LocalActivations() []grain.Identity {
	w.lock.Lock()
	defer w.lock.Unlock()
	ids := make([]grain.Identity, 0, len(w.locals))
	for id := range w.locals {
		ids = append(ids, id)
	}
	return ids
}

func (w *Coordinator) createActivation(from int, msg *protocol.Message) {
	identity := msg.Identity

	w.lock.Lock()
	act, ok := w.locals[identity]
	if ok {
		w.lock.Unlock()
		// Already hosted here. Answer once its activation has settled.
		err := act.queue.Add(func() error {
			if act.instance == nil || act.deactivated {
				w.reply(msg.ReplyError(protocol.ActivationError, grain.ActivationError(identity, notFound(identity))))
				return nil
			}
			w.reply(w.created(msg))
			return nil
		}, labelCreate)
		if err != nil {
			w.reply(msg.ReplyError(protocol.ActivationError, grain.ActivationError(identity, notFound(identity))))
		}
		return
	}

	entry, err := w.registrar.Lookup(identity.GrainType)
	if err != nil {
		w.lock.Unlock()
		w.reply(msg.ReplyError(protocol.ActivationError, grain.ActivationError(identity, err)))
		return
	}
	act = &localActivation{
		identity: identity,
		entry:    entry,
		queue:    queue.New(w.log.WithValues("identity", identity)),
		timers:   map[string]grain.TimerFunc{},
	}
	w.locals[identity] = act
	w.lock.Unlock()

	err = act.queue.Add(func() error {
		return w.activate(act, msg)
	}, labelCreate)
	if err != nil {
		w.log.V(0).Error(err, "failed to admit activation", "identity", identity)
	}
}

func (w *Coordinator) created(msg *protocol.Message) *protocol.Message {
	r := msg.Reply(protocol.Created)
	r.OwnerPID = w.cfg.PID
	return r
}

func (w *Coordinator) activate(act *localActivation, msg *protocol.Message) error {
	ctx := grain.WithIdentity(context.Background(), act.identity)
	instance, err := w.construct(ctx, act)
	if err != nil {
		err = grain.ActivationError(act.identity, err)
		w.metrics.ActivationFailed(ctx, act.identity.GrainType)
		w.log.V(1).Error(err, "activation failed", "identity", act.identity)
		w.removeLocal(act)
		w.reply(msg.ReplyError(protocol.ActivationError, err))
		return err
	}
	act.instance = instance
	w.metrics.Activated(ctx, act.identity.GrainType)
	w.log.V(4).Info("grain activated", "identity", act.identity)
	w.reply(w.created(msg))
	return nil
}

func (w *Coordinator) construct(ctx context.Context, act *localActivation) (g grain.Grain, err error) {
	defer func() {
		if r := recover(); r != nil {
			g = nil
			err = errors.Newf("panic during activation: %s", fmt.Sprint(r))
		}
	}()
	g, err = act.entry.Description.Activator(ctx, act.identity, w.servicesFor(act.identity))
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, errors.Newf("activator for %s returned no grain", act.identity.GrainType)
	}
	if err := g.OnActivate(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// execute runs method on act. It must be called from a turn on act's
// queue.
func (w *Coordinator) execute(act *localActivation, method string, args [][]byte) ([]byte, error) {
	if act.instance == nil || act.deactivated {
		return nil, notFound(act.identity)
	}
	h, ok := act.entry.Table.Lookup(method)
	if !ok {
		return nil, grain.InvokeError(act.identity, method,
			errors.WithDetailf(grain.ErrMethodNotFound, "%s has no method %s", act.identity.GrainType, method))
	}

	ctx := grain.WithIdentity(context.Background(), act.identity)
	out, err := call(ctx, h, act.instance, codec.NewArgs(w.codec, args))
	if err != nil {
		return nil, grain.InvokeError(act.identity, method, err)
	}
	data, err := w.codec.Encode(out)
	if err != nil {
		return nil, grain.InvokeError(act.identity, method, errors.Wrap(err, "encoding result"))
	}
	return data, nil
}

func call(ctx context.Context, h descriptor.MethodHandler, g grain.Grain, args grain.Args) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = errors.Newf("panic: %s", fmt.Sprint(r))
		}
	}()
	return h(ctx, g, args)
}

func (w *Coordinator) invokeRequested(from int, msg *protocol.Message) {
	act := w.local(msg.Identity)
	if act == nil {
		w.reply(msg.ReplyError(protocol.InvokeError, notFound(msg.Identity)))
		return
	}
	err := act.queue.Add(func() error {
		data, err := w.execute(act, msg.Method, msg.Args)
		if err != nil {
			w.reply(msg.ReplyError(protocol.InvokeError, err))
			return err
		}
		r := msg.Reply(protocol.InvokeResult)
		r.Result = data
		w.reply(r)
		return nil
	}, msg.Method)
	if err != nil {
		w.reply(msg.ReplyError(protocol.InvokeError, notFound(msg.Identity)))
	}
}

func (w *Coordinator) deactivateRequested(from int, msg *protocol.Message) {
	act := w.local(msg.Identity)
	if act == nil {
		w.log.V(1).Info("deactivate for grain not hosted here", "identity", msg.Identity)
		w.reply(msg.Reply(protocol.Deactivated))
		return
	}
	err := act.queue.Add(func() error {
		if err := w.teardown(act); err != nil {
			w.reply(msg.ReplyError(protocol.DeactivatedError, err))
			return err
		}
		w.reply(msg.Reply(protocol.Deactivated))
		return nil
	}, labelDeactivate)
	if err != nil {
		w.reply(msg.Reply(protocol.Deactivated))
	}
}

func (w *Coordinator) teardown(act *localActivation) (err error) {
	if act.instance != nil && !act.deactivated {
		ctx := grain.WithIdentity(context.Background(), act.identity)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Newf("panic during deactivation: %s", fmt.Sprint(r))
				}
			}()
			err = act.instance.OnDeactivate(ctx)
		}()
		if err != nil {
			err = errors.Wrapf(err, "deactivating %s", act.identity)
			w.log.V(1).Error(err, "grain deactivation failed", "identity", act.identity)
		} else {
			w.metrics.Deactivated(ctx, act.identity.GrainType)
		}
	}
	w.removeLocal(act)
	return err
}

// removeLocal drops act from the worker. Turns already admitted to its
// queue still run and fail with ErrActivationNotFound.
func (w *Coordinator) removeLocal(act *localActivation) {
	act.deactivated = true
	w.lock.Lock()
	if w.locals[act.identity] == act {
		delete(w.locals, act.identity)
	}
	if b, ok := w.bindings[act.identity].(*localBinding); ok && b.act == act {
		delete(w.bindings, act.identity)
	}
	w.lock.Unlock()
	w.timers.CancelAll(act.identity)
	act.queue.Close()
}

func (w *Coordinator) connectionLost(err error) {
	if err != nil {
		w.log.V(0).Error(err, "lost connection to master")
	}
	w.shutdown(errors.Mark(errors.New("lost connection to master"), grain.ErrWorkerUnavailable))
}

func (w *Coordinator) stopRequested(from int, msg *protocol.Message) {
	w.log.V(1).Info("stop requested by master")
	w.shutdown(grain.ErrStopped)
	_ = w.conn.Close()
}

func (w *Coordinator) shutdown(cause error) {
	w.stopOnce.Do(func() {
		w.lock.Lock()
		locals := w.locals
		w.locals = map[grain.Identity]*localActivation{}
		w.bindings = map[grain.Identity]binding{}
		w.lock.Unlock()

		for _, act := range locals {
			act.queue.Close()
		}
		if err := w.timers.Stop(context.Background()); err != nil {
			w.log.V(1).Error(err, "failed to stop timers")
		}
		w.requests.Close(cause)
		close(w.stopped)
	})
}

// Stop asks the master to stop the silo and waits until this worker has
// been told to exit.
func (w *Coordinator) Stop(ctx context.Context) error {
	if err := w.conn.Send(&protocol.Message{Kind: protocol.StopSilo, FromPID: w.cfg.PID}); err != nil {
		w.shutdown(grain.ErrStopped)
		return err
	}
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the worker has stopped.
func (w *Coordinator) Done() <-chan struct{} {
	return w.stopped
}
