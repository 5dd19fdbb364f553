package redis

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/jaym/goor/grain"
)

const defaultPrefix = "goor:state:"

// Storage keeps grain state in Redis, one string key per identity. Unlike
// the bolt storage it can be shared by exec-spawned workers.
type Storage struct {
	log    logr.Logger
	client redis.UniversalClient
	prefix string
}

type Option func(*Storage)

func WithPrefix(prefix string) Option {
	return func(s *Storage) {
		s.prefix = prefix
	}
}

func New(log logr.Logger, client redis.UniversalClient, opts ...Option) *Storage {
	s := &Storage{
		log:    log,
		client: client,
		prefix: defaultPrefix,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Factory connects each worker to addr with its own client.
func Factory(log logr.Logger, addr string, opts ...Option) grain.StorageFactory {
	return func() (grain.Storage, error) {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, errors.Wrapf(err, "connecting to redis at %s", addr)
		}
		return New(log, client, opts...), nil
	}
}

func (s *Storage) key(identity grain.Identity) string {
	return s.prefix + identity.String()
}

func (s *Storage) Read(ctx context.Context, identity grain.Identity) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(identity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.WithDetailf(grain.ErrStateNotFound, "%s", identity)
		}
		return nil, errors.Wrapf(err, "reading state of %s", identity)
	}
	return data, nil
}

func (s *Storage) Write(ctx context.Context, identity grain.Identity, data []byte) error {
	s.log.V(5).Info("writing grain state", "identity", identity, "size", len(data))
	return errors.Wrapf(s.client.Set(ctx, s.key(identity), data, 0).Err(), "writing state of %s", identity)
}

func (s *Storage) Clear(ctx context.Context, identity grain.Identity) error {
	return errors.Wrapf(s.client.Del(ctx, s.key(identity)).Err(), "clearing state of %s", identity)
}

func (s *Storage) Close() error {
	return s.client.Close()
}
