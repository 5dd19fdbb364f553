package redis

import (
	"context"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/require"

	"github.com/jaym/goor/grain"
)

// Set GOOR_REDIS_ADDR to run against a live server.
func TestStorage(t *testing.T) {
	addr := os.Getenv("GOOR_REDIS_ADDR")
	if addr == "" {
		t.Skip("GOOR_REDIS_ADDR not set")
	}
	ctx := context.Background()

	gs, err := Factory(logr.Discard(), addr, WithPrefix("goor-test:"+ksuid.New().String()+":"))()
	require.NoError(t, err)
	s := gs.(*Storage)
	defer s.Close()

	ident := grain.NewIdentity("Counter", "a")

	_, err = s.Read(ctx, ident)
	require.True(t, errors.Is(err, grain.ErrStateNotFound))

	require.NoError(t, s.Write(ctx, ident, []byte(`{"n":1}`)))
	got, err := s.Read(ctx, ident)
	require.NoError(t, err)
	require.Equal(t, `{"n":1}`, string(got))

	require.NoError(t, s.Clear(ctx, ident))
	_, err = s.Read(ctx, ident)
	require.True(t, errors.Is(err, grain.ErrStateNotFound))
}

func TestFactoryUnreachable(t *testing.T) {
	_, err := Factory(logr.Discard(), "127.0.0.1:1")()
	require.Error(t, err)
}
