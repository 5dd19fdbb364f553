package silo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/grain/descriptor"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("overrides defaults", func(t *testing.T) {
		path := filepath.Join(dir, "silo.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
maxWorkers: 3
grainInvokeTimeout: 1.5
grainDeactivateOnIdle: 60
placement: random
`), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.Equal(t, 3, cfg.MaxWorkers)
		require.Equal(t, 1500*time.Millisecond, cfg.GrainInvokeTimeout.Duration())
		require.Equal(t, time.Minute, cfg.GrainDeactivateOnIdle.Duration())
		require.Equal(t, 30*time.Second, cfg.GrainActivateTimeout.Duration())
		require.Equal(t, "random", cfg.Placement)
		require.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("maxWorkers: 0\n"), 0o600))
		_, err := LoadConfig(path)
		require.True(t, errors.Is(err, ErrInvalidConfig))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "nope.yaml"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.GrainInvokeTimeout = 0
	require.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))

	cfg = DefaultConfig()
	cfg.Placement = "closest"
	require.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))

	_, err := New(logr.Discard(), WithConfig(cfg))
	require.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestNewLogger(t *testing.T) {
	require.Equal(t, logr.Discard(), NewLogger("none"))
	require.True(t, NewLogger("debug").V(5).Enabled())
	require.False(t, NewLogger("info").V(1).Enabled())
	require.True(t, NewLogger("warn").Enabled())

	errLog := NewLogger("error").WithName("silo").WithValues("pid", 1)
	require.False(t, errLog.Enabled())
	require.NotNil(t, errLog.GetSink())
	errLog.Info("dropped")
}

func TestRegistrar(t *testing.T) {
	activator := func(ctx context.Context, identity grain.Identity, services grain.Services) (grain.Grain, error) {
		b := grain.NewBase(identity, services)
		return &b, nil
	}
	r := newRegistrar()
	require.NoError(t, r.Register(&descriptor.Description{GrainType: "B", Activator: activator}))
	require.NoError(t, r.Register(&descriptor.Description{GrainType: "A", Activator: activator}))
	require.Equal(t, []string{"A", "B"}, r.GrainTypes())

	err := r.Register(&descriptor.Description{GrainType: "A", Activator: activator})
	require.True(t, errors.Is(err, ErrDuplicateGrainType))

	err = r.Register(&descriptor.Description{GrainType: "C"})
	require.True(t, errors.Is(err, descriptor.ErrInvalidDescription))

	e, err := r.Lookup("A")
	require.NoError(t, err)
	require.True(t, e.Table.Has("OnActivate"))

	_, err = r.Lookup("Z")
	require.True(t, errors.Is(err, grain.ErrUnknownGrainType))

	_, err = New(logr.Discard(),
		WithGrain(&descriptor.Description{GrainType: "A", Activator: activator}),
		WithGrain(&descriptor.Description{GrainType: "A", Activator: activator}),
	)
	require.True(t, errors.Is(err, ErrDuplicateGrainType))
}
