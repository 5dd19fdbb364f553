package grain

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Grain is implemented by every activation. The lifecycle hooks run on the
// activation's own queue, so they never overlap with method turns.
type Grain interface {
	OnActivate(ctx context.Context) error
	OnDeactivate(ctx context.Context) error
	ReadState(ctx context.Context) error
	WriteState(ctx context.Context) error
	ClearState(ctx context.Context) error
	DeactivateOnIdle(ctx context.Context) error
}

type Args interface {
	Len() int
	Decode(i int, out interface{}) error
}

type Result interface {
	Get(out interface{}) error
}

// Proxy is a stable handle for invoking methods on a grain identity. It
// survives deactivations of the identity it points at.
type Proxy interface {
	Identity() Identity
	Methods() []string
	Invoke(ctx context.Context, method string, args ...interface{}) (Result, error)
}

type Factory interface {
	GetGrain(ctx context.Context, grainType string, key string) (Proxy, error)
}

// Services is the runtime surface handed to each activation.
type Services interface {
	GrainFactory() Factory
	DeactivateOnIdle(ctx context.Context, identity Identity) error
	Storage() Storage
	Logger() logr.Logger

	// Timers belong to the activation and are dropped when it is
	// deactivated.
	RegisterTimer(identity Identity, name string, d time.Duration, fn TimerFunc) error
	RegisterTicker(identity Identity, name string, d time.Duration, fn TimerFunc) error
	CancelTimer(identity Identity, name string) bool
}

// Base supplies no-op lifecycle hooks and access to the runtime. Grain
// implementations embed it.
type Base struct {
	identity Identity
	services Services
}

func NewBase(identity Identity, services Services) Base {
	return Base{
		identity: identity,
		services: services,
	}
}

func (b *Base) Identity() Identity {
	return b.identity
}

func (b *Base) Key() string {
	return b.identity.ID
}

func (b *Base) Services() Services {
	return b.services
}

// GrainFactory returns a factory whose GetGrain fails with ErrDetached when
// the grain has no services.
func (b *Base) GrainFactory() Factory {
	if b.services == nil {
		return detachedFactory{}
	}
	return b.services.GrainFactory()
}

func (b *Base) Logger() logr.Logger {
	if b.services == nil {
		return logr.Discard()
	}
	return b.services.Logger()
}

func (b *Base) OnActivate(ctx context.Context) error {
	return nil
}

func (b *Base) OnDeactivate(ctx context.Context) error {
	return nil
}

func (b *Base) ReadState(ctx context.Context) error {
	return nil
}

func (b *Base) WriteState(ctx context.Context) error {
	return nil
}

func (b *Base) ClearState(ctx context.Context) error {
	return nil
}

// DeactivateOnIdle asks the master to tear this activation down once the
// current turn completes.
func (b *Base) DeactivateOnIdle(ctx context.Context) error {
	if b.services == nil {
		return ErrDetached
	}
	return b.services.DeactivateOnIdle(ctx, b.identity)
}

// RegisterTimer runs fn once, d from now.
func (b *Base) RegisterTimer(name string, d time.Duration, fn TimerFunc) error {
	if b.services == nil {
		return ErrDetached
	}
	return b.services.RegisterTimer(b.identity, name, d, fn)
}

// RegisterTicker runs fn every d until cancelled.
func (b *Base) RegisterTicker(name string, d time.Duration, fn TimerFunc) error {
	if b.services == nil {
		return ErrDetached
	}
	return b.services.RegisterTicker(b.identity, name, d, fn)
}

func (b *Base) CancelTimer(name string) bool {
	if b.services == nil {
		return false
	}
	return b.services.CancelTimer(b.identity, name)
}

type detachedFactory struct{}

func (detachedFactory) GetGrain(ctx context.Context, grainType string, key string) (Proxy, error) {
	return nil, ErrDetached
}

// Arg decodes the i-th argument of a method call.
func Arg[T any](args Args, i int) (T, error) {
	var v T
	if err := args.Decode(i, &v); err != nil {
		return v, err
	}
	return v, nil
}

// As decodes the result of Proxy.Invoke:
//
//	s, err := grain.As[string](p.Invoke(ctx, "Echo", "a"))
func As[T any](res Result, err error) (T, error) {
	var v T
	if err != nil {
		return v, err
	}
	if res == nil {
		return v, nil
	}
	if err := res.Get(&v); err != nil {
		return v, err
	}
	return v, nil
}
