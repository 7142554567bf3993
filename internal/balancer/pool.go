package balancer

import "sync"

// Pool is the ordered, fixed set of targets for one service together with
// its rotation cursor. The zero value is an empty pool.
type Pool struct {
	mu      sync.Mutex
	targets []Target
	cursor  int
}

// NewPool returns a pool over a copy of targets. An empty slice is allowed;
// such a pool never yields a target.
func NewPool(targets []Target) *Pool {
	ts := make([]Target, len(targets))
	copy(ts, targets)
	return &Pool{targets: ts}
}

// Next returns the target under the cursor and advances it, wrapping at the
// end of the list. The second result is false when the pool has no targets.
func (p *Pool) Next() (Target, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.targets) == 0 {
		return Target{}, false
	}
	t := p.targets[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.targets)
	return t, true
}

// Len returns the number of targets.
func (p *Pool) Len() int { return len(p.targets) }

// Cursor returns the index the next call to Next will return.
func (p *Pool) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Targets returns a copy of the targets in rotation order.
func (p *Pool) Targets() []Target {
	ts := make([]Target, len(p.targets))
	copy(ts, p.targets)
	return ts
}
