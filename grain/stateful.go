package grain

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/jaym/goor/plugins/codec"
)

// Storage persists opaque grain state keyed by identity. Read returns
// ErrStateNotFound when nothing has been written for the identity.
type Storage interface {
	Read(ctx context.Context, identity Identity) ([]byte, error)
	Write(ctx context.Context, identity Identity, data []byte) error
	Clear(ctx context.Context, identity Identity) error
}

type StorageFactory func() (Storage, error)

// Stateful is a grain base whose state is loaded when the activation
// starts and written back when it is deactivated.
type Stateful[T any] struct {
	Base
	codec codec.Codec
	state T
}

func NewStateful[T any](identity Identity, services Services) Stateful[T] {
	return Stateful[T]{
		Base:  NewBase(identity, services),
		codec: codec.NewJSONCodec(),
	}
}

func (s *Stateful[T]) State() T {
	return s.state
}

func (s *Stateful[T]) SetState(state T) {
	s.state = state
}

func (s *Stateful[T]) storage() (Storage, error) {
	if s.services == nil || s.services.Storage() == nil {
		return nil, errors.WithDetailf(ErrNoStorage, "%s requires a storage module", s.identity.GrainType)
	}
	return s.services.Storage(), nil
}

func (s *Stateful[T]) OnActivate(ctx context.Context) error {
	return s.ReadState(ctx)
}

func (s *Stateful[T]) OnDeactivate(ctx context.Context) error {
	return s.WriteState(ctx)
}

func (s *Stateful[T]) ReadState(ctx context.Context) error {
	storage, err := s.storage()
	if err != nil {
		return err
	}
	data, err := storage.Read(ctx, s.identity)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			var zero T
			s.state = zero
			return nil
		}
		return errors.Wrapf(err, "reading state of %s", s.identity)
	}
	var state T
	if err := s.codec.Decode(data, &state); err != nil {
		return errors.Wrapf(err, "decoding state of %s", s.identity)
	}
	s.state = state
	return nil
}

func (s *Stateful[T]) WriteState(ctx context.Context) error {
	storage, err := s.storage()
	if err != nil {
		return err
	}
	data, err := s.codec.Encode(s.state)
	if err != nil {
		return errors.Wrapf(err, "encoding state of %s", s.identity)
	}
	return storage.Write(ctx, s.identity, data)
}

func (s *Stateful[T]) ClearState(ctx context.Context) error {
	storage, err := s.storage()
	if err != nil {
		return err
	}
	if err := storage.Clear(ctx, s.identity); err != nil {
		return err
	}
	var zero T
	s.state = zero
	return nil
}
