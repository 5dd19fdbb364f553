package memory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/jaym/goor/grain"
)

// Storage keeps grain state in process memory. It is only shared between
// workers that run in the same process.
type Storage struct {
	lock sync.RWMutex
	data map[grain.Identity][]byte
}

func New() *Storage {
	return &Storage{
		data: map[grain.Identity][]byte{},
	}
}

// Factory hands the same Storage to every worker.
func (s *Storage) Factory() grain.StorageFactory {
	return func() (grain.Storage, error) {
		return s, nil
	}
}

func (s *Storage) Read(ctx context.Context, identity grain.Identity) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	data, ok := s.data[identity]
	if !ok {
		return nil, errors.WithDetailf(grain.ErrStateNotFound, "%s", identity)
	}
	return append([]byte(nil), data...), nil
}

func (s *Storage) Write(ctx context.Context, identity grain.Identity, data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.data[identity] = append([]byte(nil), data...)
	return nil
}

func (s *Storage) Clear(ctx context.Context, identity grain.Identity) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.data, identity)
	return nil
}

func (s *Storage) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.data)
}
