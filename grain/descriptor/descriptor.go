package descriptor

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/jaym/goor/grain"
)

var ErrInvalidDescription = errors.New("invalid grain description")

type ActivatorFunc func(ctx context.Context, identity grain.Identity, services grain.Services) (grain.Grain, error)

type MethodHandler func(ctx context.Context, g grain.Grain, args grain.Args) (interface{}, error)

type MethodDesc struct {
	Name    string
	Handler MethodHandler
}

// Description declares a grain type: how to construct an activation and
// which methods a proxy may call. Extends chains to a parent description
// whose methods are inherited unless redeclared.
type Description struct {
	GrainType string
	Activator ActivatorFunc
	Methods   []MethodDesc
	Extends   *Description
}

type Registrar interface {
	Register(desc *Description) error
	Lookup(grainType string) (*Entry, error)
	GrainTypes() []string
}

// Entry is a registered description together with its resolved method
// table.
type Entry struct {
	Description *Description
	Table       *MethodTable
}

// MethodTable is the static set of callable methods for a grain type,
// computed once at registration.
type MethodTable struct {
	names    []string
	handlers map[string]MethodHandler
}

func (t *MethodTable) Lookup(name string) (MethodHandler, bool) {
	h, ok := t.handlers[name]
	return h, ok
}

func (t *MethodTable) Names() []string {
	names := make([]string, len(t.names))
	copy(names, t.names)
	return names
}

func (t *MethodTable) Has(name string) bool {
	_, ok := t.handlers[name]
	return ok
}

// BaseMethods are available on every grain type.
func BaseMethods() []MethodDesc {
	return []MethodDesc{
		{Name: "OnActivate", Handler: func(ctx context.Context, g grain.Grain, _ grain.Args) (interface{}, error) {
			return nil, g.OnActivate(ctx)
		}},
		{Name: "OnDeactivate", Handler: func(ctx context.Context, g grain.Grain, _ grain.Args) (interface{}, error) {
			return nil, g.OnDeactivate(ctx)
		}},
		{Name: "ReadState", Handler: func(ctx context.Context, g grain.Grain, _ grain.Args) (interface{}, error) {
			return nil, g.ReadState(ctx)
		}},
		{Name: "WriteState", Handler: func(ctx context.Context, g grain.Grain, _ grain.Args) (interface{}, error) {
			return nil, g.WriteState(ctx)
		}},
		{Name: "ClearState", Handler: func(ctx context.Context, g grain.Grain, _ grain.Args) (interface{}, error) {
			return nil, g.ClearState(ctx)
		}},
		{Name: "DeactivateOnIdle", Handler: func(ctx context.Context, g grain.Grain, _ grain.Args) (interface{}, error) {
			return nil, g.DeactivateOnIdle(ctx)
		}},
	}
}

// Validate checks that the description can be registered.
func (d *Description) Validate() error {
	if d.GrainType == "" {
		return errors.WithDetail(ErrInvalidDescription, "grain type must not be empty")
	}
	if d.Activator == nil {
		return errors.WithDetailf(ErrInvalidDescription, "%s has no activator", d.GrainType)
	}
	seen := map[*Description]struct{}{}
	for cur := d; cur != nil; cur = cur.Extends {
		if _, ok := seen[cur]; ok {
			return errors.WithDetailf(ErrInvalidDescription, "%s has a cyclic Extends chain", d.GrainType)
		}
		seen[cur] = struct{}{}
		for _, m := range cur.Methods {
			if m.Name == "" || m.Handler == nil {
				return errors.WithDetailf(ErrInvalidDescription, "%s declares a method without a name or handler", cur.GrainType)
			}
		}
	}
	return nil
}

// Table resolves the methods callable on d. Base methods come first,
// then each description in the Extends chain from the root down, so the
// most derived declaration of a name wins.
func (d *Description) Table() (*MethodTable, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	chain := []*Description{}
	for cur := d; cur != nil; cur = cur.Extends {
		chain = append(chain, cur)
	}

	t := &MethodTable{
		handlers: map[string]MethodHandler{},
	}
	add := func(m MethodDesc) {
		if _, ok := t.handlers[m.Name]; !ok {
			t.names = append(t.names, m.Name)
		}
		t.handlers[m.Name] = m.Handler
	}
	for _, m := range BaseMethods() {
		add(m)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, m := range chain[i].Methods {
			add(m)
		}
	}
	sort.Strings(t.names)
	return t, nil
}
