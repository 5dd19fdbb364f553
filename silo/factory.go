package silo

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/jaym/goor/grain"
)

// GrainFactory hands out proxies. Proxies can only be obtained on a
// worker; the master never runs application code.
type GrainFactory struct {
	silo *Silo
}

func (f *GrainFactory) GetGrain(ctx context.Context, grainType string, key string) (grain.Proxy, error) {
	if !f.silo.IsWorker() {
		return nil, errors.WithDetail(grain.ErrRoleViolation, "grains can only be obtained on a worker")
	}
	return f.silo.worker.GetGrain(ctx, grainType, key)
}
