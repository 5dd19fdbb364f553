package goor

import (
	"github.com/jaym/goor/grain"
)

// Grain marks an interface as a grain type for goor-gen. The interface's
// own methods become the grain's callable methods. Each must take a
// context.Context first and return either error or (T, error).
type Grain interface {
	grain.Grain
}
