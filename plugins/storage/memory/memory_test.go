package memory

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/jaym/goor/grain"
)

func TestStorage(t *testing.T) {
	ctx := context.Background()
	s := New()
	ident := grain.NewIdentity("Counter", "a")

	t.Run("missing state", func(t *testing.T) {
		_, err := s.Read(ctx, ident)
		require.True(t, errors.Is(err, grain.ErrStateNotFound))
	})

	t.Run("write/read/clear", func(t *testing.T) {
		data := []byte(`{"n":1}`)
		require.NoError(t, s.Write(ctx, ident, data))
		data[0] = 'x'

		got, err := s.Read(ctx, ident)
		require.NoError(t, err)
		require.Equal(t, `{"n":1}`, string(got))
		require.Equal(t, 1, s.Len())

		require.NoError(t, s.Clear(ctx, ident))
		_, err = s.Read(ctx, ident)
		require.True(t, errors.Is(err, grain.ErrStateNotFound))
		require.NoError(t, s.Clear(ctx, ident))
	})

	t.Run("factory shares the store", func(t *testing.T) {
		a, err := s.Factory()()
		require.NoError(t, err)
		b, err := s.Factory()()
		require.NoError(t, err)
		require.NoError(t, a.Write(ctx, ident, []byte("1")))
		got, err := b.Read(ctx, ident)
		require.NoError(t, err)
		require.Equal(t, "1", string(got))
	})
}
