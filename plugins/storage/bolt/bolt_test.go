package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/jaym/goor/grain"
)

func TestStorage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(logr.Discard(), path)
	require.NoError(t, err)

	ident := grain.NewIdentity("Counter", "a")
	other := grain.NewIdentity("Counter", "b")

	t.Run("missing state", func(t *testing.T) {
		_, err := s.Read(ctx, ident)
		require.True(t, errors.Is(err, grain.ErrStateNotFound))
	})

	t.Run("write/read/clear", func(t *testing.T) {
		require.NoError(t, s.Write(ctx, ident, []byte(`{"n":1}`)))
		require.NoError(t, s.Write(ctx, other, []byte(`{"n":2}`)))

		got, err := s.Read(ctx, ident)
		require.NoError(t, err)
		require.Equal(t, `{"n":1}`, string(got))

		require.NoError(t, s.Clear(ctx, ident))
		_, err = s.Read(ctx, ident)
		require.True(t, errors.Is(err, grain.ErrStateNotFound))

		got, err = s.Read(ctx, other)
		require.NoError(t, err)
		require.Equal(t, `{"n":2}`, string(got))
	})

	t.Run("state survives reopen", func(t *testing.T) {
		require.NoError(t, s.Close())

		factory := Factory(logr.Discard(), path)
		reopened, err := factory()
		require.NoError(t, err)
		again, err := factory()
		require.NoError(t, err)
		require.Same(t, reopened, again)

		got, err := reopened.Read(ctx, other)
		require.NoError(t, err)
		require.Equal(t, `{"n":2}`, string(got))
		require.NoError(t, reopened.(*Storage).Close())
	})
}
