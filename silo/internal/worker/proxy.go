package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/grain/descriptor"
	"github.com/jaym/goor/plugins/codec"
	"github.com/jaym/goor/silo/internal/protocol"
)

// binding is how this worker currently reaches an identity: directly on
// its local queue when the activation lives here, through the master
// otherwise.
type binding interface {
	invoke(ctx context.Context, method string, args [][]byte) ([]byte, error)
}

type localBinding struct {
	w   *Coordinator
	act *localActivation
}

func (b *localBinding) invoke(ctx context.Context, method string, args [][]byte) ([]byte, error) {
	w := b.w
	start := w.clock.Now()
	id, f := w.requests.Register(w.cfg.InvokeTimeout)
	err := b.act.queue.Add(func() error {
		data, err := w.execute(b.act, method, args)
		if err != nil {
			_ = w.requests.RejectFor(id, err)
			return err
		}
		_ = w.requests.ResolveFor(id, &protocol.Message{Kind: protocol.InvokeResult, Result: data})
		return nil
	}, method)
	if err != nil {
		_ = w.requests.RejectFor(id, notFound(b.act.identity))
	}
	resp, err := f.Await(ctx)
	if errors.Is(err, grain.ErrTimeout) {
		w.metrics.TimedOut(ctx)
	}
	w.metrics.Invoked(ctx, b.act.identity.GrainType, w.clock.Since(start), err)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// remoteBinding relies on the master to enforce the invoke timeout.
type remoteBinding struct {
	w        *Coordinator
	identity grain.Identity
}

func (b *remoteBinding) invoke(ctx context.Context, method string, args [][]byte) ([]byte, error) {
	w := b.w
	id, f := w.requests.Register(0)
	err := w.conn.Send(&protocol.Message{
		Kind:          protocol.Invoke,
		CorrelationID: id,
		Identity:      b.identity,
		Method:        method,
		Args:          args,
		FromPID:       w.cfg.PID,
	})
	if err != nil {
		_ = w.requests.RejectFor(id, err)
	}
	resp, err := f.Await(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// resolve returns the cached binding for identity, locating the activation
// through the master if there is none yet.
func (w *Coordinator) resolve(ctx context.Context, identity grain.Identity) (binding, error) {
	w.lock.Lock()
	if b, ok := w.bindings[identity]; ok {
		w.lock.Unlock()
		return b, nil
	}
	w.lock.Unlock()
	return w.locate(ctx, identity)
}

// locate asks the master for the activation of identity, creating it if
// needed, and replaces any cached binding with the answer.
func (w *Coordinator) locate(ctx context.Context, identity grain.Identity) (binding, error) {
	id, f := w.requests.Register(0)
	err := w.conn.Send(&protocol.Message{
		Kind:          protocol.GetActivation,
		CorrelationID: id,
		Identity:      identity,
		FromPID:       w.cfg.PID,
	})
	if err != nil {
		_ = w.requests.RejectFor(id, err)
	}
	resp, err := f.Await(ctx)
	if err != nil {
		return nil, err
	}

	w.lock.Lock()
	defer w.lock.Unlock()
	var b binding = &remoteBinding{w: w, identity: identity}
	if resp.OwnerPID == w.cfg.PID {
		if act, ok := w.locals[identity]; ok {
			b = &localBinding{w: w, act: act}
		}
	}
	w.bindings[identity] = b
	w.log.V(4).Info("resolved grain", "identity", identity, "owner", resp.OwnerPID)
	return b, nil
}

func (w *Coordinator) forget(identity grain.Identity, b binding) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.bindings[identity] == b {
		delete(w.bindings, identity)
	}
}

// invoke calls method on identity. If the activation the binding pointed
// at has since been torn down, the identity is resolved again and the call
// retried once.
func (w *Coordinator) invoke(ctx context.Context, identity grain.Identity, method string, args [][]byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		b, err := w.resolve(ctx, identity)
		if err != nil {
			return nil, err
		}
		data, err := b.invoke(ctx, method, args)
		if attempt == 0 && errors.Is(err, grain.ErrActivationNotFound) && !errors.Is(err, grain.ErrInvoke) {
			w.log.V(2).Info("activation moved, resolving again", "identity", identity, "method", method)
			w.forget(identity, b)
			continue
		}
		return data, err
	}
}

// GetGrain returns a proxy for the identity (grainType, key), activating it
// if needed. It always asks the master, so a torn down activation is
// recreated here rather than on the next call.
func (w *Coordinator) GetGrain(ctx context.Context, grainType string, key string) (grain.Proxy, error) {
	entry, err := w.registrar.Lookup(grainType)
	if err != nil {
		return nil, err
	}
	if err := w.AwaitReady(ctx); err != nil {
		return nil, err
	}
	identity := grain.NewIdentity(grainType, key)
	if _, err := w.locate(ctx, identity); err != nil {
		return nil, err
	}
	return &Proxy{
		w:        w,
		identity: identity,
		table:    entry.Table,
	}, nil
}

// Proxy is a stable handle for one identity. It exposes exactly the
// methods declared for the grain type.
type Proxy struct {
	w        *Coordinator
	identity grain.Identity
	table    *descriptor.MethodTable
}

func (p *Proxy) Identity() grain.Identity {
	return p.identity
}

func (p *Proxy) Methods() []string {
	return p.table.Names()
}

func (p *Proxy) Invoke(ctx context.Context, method string, args ...interface{}) (grain.Result, error) {
	if !p.table.Has(method) {
		return nil, errors.WithDetailf(grain.ErrMethodNotFound, "%s has no method %s", p.identity.GrainType, method)
	}
	encoded, err := codec.EncodeArgs(p.w.codec, args)
	if err != nil {
		return nil, err
	}
	data, err := p.w.invoke(ctx, p.identity, method, encoded)
	if err != nil {
		return nil, err
	}
	return codec.NewValue(p.w.codec, data), nil
}

type services struct {
	w        *Coordinator
	identity grain.Identity
	log      logr.Logger
}

func (w *Coordinator) servicesFor(identity grain.Identity) grain.Services {
	return &services{
		w:        w,
		identity: identity,
		log:      w.log.WithName("grain").WithValues("identity", identity),
	}
}

func (s *services) GrainFactory() grain.Factory {
	return s.w
}

func (s *services) Storage() grain.Storage {
	return s.w.storage
}

func (s *services) Logger() logr.Logger {
	return s.log
}

// DeactivateOnIdle asks the master to deactivate identity. The master
// admits the deactivation behind whatever is already queued for it.
func (s *services) DeactivateOnIdle(ctx context.Context, identity grain.Identity) error {
	return s.w.conn.Send(&protocol.Message{
		Kind:     protocol.Deactivate,
		Identity: identity,
		FromPID:  s.w.cfg.PID,
	})
}

func (s *services) RegisterTimer(identity grain.Identity, name string, d time.Duration, fn grain.TimerFunc) error {
	return s.w.registerTimer(identity, name, d, false, fn)
}

func (s *services) RegisterTicker(identity grain.Identity, name string, d time.Duration, fn grain.TimerFunc) error {
	return s.w.registerTimer(identity, name, d, true, fn)
}

func (s *services) CancelTimer(identity grain.Identity, name string) bool {
	act := s.w.local(identity)
	if act != nil {
		delete(act.timers, name)
	}
	return s.w.timers.Cancel(identity, name)
}
