package grain

import (
	"context"

	"github.com/cockroachdb/errors"
)

var ErrTimerAlreadyRegistered = errors.New("timer already registered")

// TimerFunc runs as a turn on the grain's own queue when its timer fires.
type TimerFunc func(ctx context.Context) error
