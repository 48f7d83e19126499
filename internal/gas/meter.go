package gas

import (
	"errors"
	"math"
	"sync"
)

// ErrGasExceeded reports an invocation that hit its gas ceiling. Once
// returned, every further charge on the same meter fails.
var ErrGasExceeded = errors.New("gas: limit exceeded")

// Meter is the per-invocation gauge. Used never exceeds Limit: a charge
// that would cross the ceiling (or overflow) saturates Used at Limit and
// fails.
type Meter struct {
	mu    sync.Mutex
	used  uint64
	limit uint64
}

// NewMeter creates a meter with the given ceiling. A zero limit means
// unlimited.
func NewMeter(limit uint64) *Meter {
	if limit == 0 {
		limit = math.MaxUint64
	}
	return &Meter{limit: limit}
}

// Charge adds n to the gauge. On overflow or ceiling breach it saturates
// and returns ErrGasExceeded.
func (m *Meter) Charge(n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used >= m.limit {
		return ErrGasExceeded
	}
	if n > math.MaxUint64-m.used || m.used+n > m.limit {
		m.used = m.limit
		return ErrGasExceeded
	}
	m.used += n
	return nil
}

// ChargeOp prices an operation via the canonical cost table and charges it.
func (m *Meter) ChargeOp(op Op, size uint64) error {
	return m.Charge(CostOf(op, size))
}

// Used returns gas consumed so far.
func (m *Meter) Used() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Limit returns the ceiling.
func (m *Meter) Limit() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limit
}

// Exceeded reports whether the meter has saturated.
func (m *Meter) Exceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used >= m.limit
}
