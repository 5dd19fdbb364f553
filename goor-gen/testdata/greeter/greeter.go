package greeter

import (
	"context"
	"time"

	"github.com/jaym/goor/goor-gen/goor"
)

type Greeter interface {
	goor.Grain

	// SayHello greets name.
	SayHello(ctx context.Context, name string) (string, error)
	Wait(ctx context.Context, d time.Duration) error
	Tally(ctx context.Context, counts map[string]int, r string) (*Summary, error)
}

type Summary struct {
	Total int
}

type Plain interface {
	Hello() string
}
