package placement

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/jaym/goor/grain"
	"github.com/jaym/goor/silo/internal/transport"
)

type member struct {
	conn        transport.Conn
	activations int64
}

// Pool tracks the live workers, maps their pids to connections and
// places new activations among them.
type Pool struct {
	strategy Strategy

	lock    sync.RWMutex
	members map[int]*member
}

func NewPool(strategy Strategy) *Pool {
	return &Pool{
		strategy: strategy,
		members:  map[int]*member{},
	}
}

func (p *Pool) Add(conn transport.Conn) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.members[conn.PeerPID()] = &member{conn: conn}
}

func (p *Pool) Remove(pid int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.members, pid)
}

// Resolve returns the connection for pid. A pid that is not a live worker
// is an explicit failure.
func (p *Pool) Resolve(pid int) (transport.Conn, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	m, ok := p.members[pid]
	if !ok {
		return nil, errors.WithDetailf(grain.ErrWorkerUnavailable, "no live worker with pid %d", pid)
	}
	return m.conn, nil
}

// Pick chooses a worker for a new activation.
func (p *Pool) Pick() (transport.Conn, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if len(p.members) == 0 {
		return nil, ErrNoWorkers
	}
	candidates := make([]Candidate, 0, len(p.members))
	for pid, m := range p.members {
		candidates = append(candidates, Candidate{PID: pid, Activations: m.activations})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PID < candidates[j].PID
	})
	return p.members[p.strategy.Pick(candidates).PID].conn, nil
}

// Placed and Released keep the per-worker activation counts current.
func (p *Pool) Placed(pid int) {
	p.adjust(pid, 1)
}

func (p *Pool) Released(pid int) {
	p.adjust(pid, -1)
}

func (p *Pool) adjust(pid int, delta int64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if m, ok := p.members[pid]; ok {
		m.activations += delta
	}
}

func (p *Pool) Activations(pid int) int64 {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if m, ok := p.members[pid]; ok {
		return m.activations
	}
	return 0
}

// Conns returns the connections of all live workers ordered by pid.
func (p *Pool) Conns() []transport.Conn {
	p.lock.RLock()
	defer p.lock.RUnlock()
	pids := make([]int, 0, len(p.members))
	for pid := range p.members {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	conns := make([]transport.Conn, len(pids))
	for i, pid := range pids {
		conns[i] = p.members[pid].conn
	}
	return conns
}

func (p *Pool) Len() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.members)
}
