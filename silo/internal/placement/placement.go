package placement

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
)

var ErrNoWorkers = errors.New("no workers available for placement")
var ErrUnknownStrategy = errors.New("unknown placement strategy")

// Candidate is a worker that can receive new activations.
type Candidate struct {
	PID         int
	Activations int64
}

// Strategy chooses the worker that hosts a new activation. candidates is
// never empty and is ordered by pid.
type Strategy interface {
	Pick(candidates []Candidate) Candidate
}

const (
	RoundRobinName       = "roundRobin"
	RandomName           = "random"
	LeastActivationsName = "leastActivations"
)

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", RoundRobinName:
		return NewRoundRobin(), nil
	case RandomName:
		return NewRandom(), nil
	case LeastActivationsName:
		return LeastActivations{}, nil
	}
	return nil, errors.WithDetailf(ErrUnknownStrategy, "%q is not one of %s, %s, %s", name, RoundRobinName, RandomName, LeastActivationsName)
}

type RoundRobin struct {
	next *atomic.Uint64
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{next: atomic.NewUint64(0)}
}

func (r *RoundRobin) Pick(candidates []Candidate) Candidate {
	i := r.next.Inc() - 1
	return candidates[i%uint64(len(candidates))]
}

type Random struct {
	lock sync.Mutex
	rnd  *rand.Rand
}

func NewRandom() *Random {
	return &Random{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *Random) Pick(candidates []Candidate) Candidate {
	r.lock.Lock()
	defer r.lock.Unlock()
	return candidates[r.rnd.Intn(len(candidates))]
}

// LeastActivations picks the worker hosting the fewest activations,
// breaking ties by lowest pid.
type LeastActivations struct{}

func (LeastActivations) Pick(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Activations < best.Activations {
			best = c
		}
	}
	return best
}
