package silo

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/grain/descriptor"
)

var ErrDuplicateGrainType = errors.New("grain type already registered")

type registrarImpl struct {
	lock    sync.RWMutex
	entries map[string]*descriptor.Entry
}

func newRegistrar() *registrarImpl {
	return &registrarImpl{
		entries: map[string]*descriptor.Entry{},
	}
}

func (r *registrarImpl) Register(desc *descriptor.Description) error {
	table, err := desc.Table()
	if err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.entries[desc.GrainType]; ok {
		return errors.WithDetailf(ErrDuplicateGrainType, "%s", desc.GrainType)
	}
	r.entries[desc.GrainType] = &descriptor.Entry{
		Description: desc,
		Table:       table,
	}
	return nil
}

func (r *registrarImpl) Lookup(grainType string) (*descriptor.Entry, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	e, ok := r.entries[grainType]
	if !ok {
		return nil, errors.WithDetailf(grain.ErrUnknownGrainType, "an implementation must be registered for %s", grainType)
	}
	return e, nil
}

func (r *registrarImpl) GrainTypes() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
