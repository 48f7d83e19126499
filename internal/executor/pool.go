package executor

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/R3E-Network/enclave_layer/pkg/logger"
)

var (
	ErrUnknownContext = errors.New("executor: unknown context")
	ErrPoolExhausted  = errors.New("executor: context pool exhausted")
)

// DefaultPoolSize bounds the number of live evaluator contexts.
const DefaultPoolSize = 16

// evalContext is a host-reserved evaluator slot. The goja runtime itself is
// recreated on every execution (that is the reset: all globals are wiped);
// what the context preserves across calls is the reservation and the
// already-paid startup cost.
type evalContext struct {
	id     string
	warmed bool
	elem   *list.Element
}

// Pool manages evaluator contexts with LRU eviction. A context whose
// invocation exceeded its gas limit is destroyed, never returned to the
// pool.
type Pool struct {
	mu       sync.Mutex
	exec     *Executor
	capacity int
	contexts map[string]*evalContext
	order    *list.List // front = most recently used
	log      *logger.Logger
}

// NewPool creates a pool over the executor.
func NewPool(exec *Executor, capacity int, log *logger.Logger) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolSize
	}
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &Pool{
		exec:     exec,
		capacity: capacity,
		contexts: make(map[string]*evalContext),
		order:    list.New(),
		log:      log,
	}
}

// Create reserves a context and returns its id. When the pool is full the
// least recently used context is evicted to make room.
func (p *Pool) Create() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.contexts) >= p.capacity {
		oldest := p.order.Back()
		if oldest == nil {
			return "", ErrPoolExhausted
		}
		evicted := oldest.Value.(*evalContext)
		p.remove(evicted)
		p.log.WithField("context_id", evicted.id).Info("evicted least recently used context")
	}

	ec := &evalContext{id: uuid.NewString()}
	ec.elem = p.order.PushFront(ec)
	p.contexts[ec.id] = ec
	return ec.id, nil
}

// Destroy tears down a context. Returns false when the id is unknown.
func (p *Pool) Destroy(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ec, ok := p.contexts[id]
	if !ok {
		return false
	}
	p.remove(ec)
	return true
}

// Size reports the number of live contexts.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

// Execute runs an invocation inside a reserved context. The startup gas
// cost is charged only on the context's first execution; the evaluator is
// reset between reuses. A gas-exceeded failure destroys the context.
func (p *Pool) Execute(ctx context.Context, id string, inv Invocation) (*Result, error) {
	p.mu.Lock()
	ec, ok := p.contexts[id]
	if !ok {
		p.mu.Unlock()
		return nil, ErrUnknownContext
	}
	chargeStartup := !ec.warmed
	p.order.MoveToFront(ec.elem)
	p.mu.Unlock()

	result, err := p.exec.execute(ctx, inv, chargeStartup)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.contexts[id]; ok && current == ec {
		if result.GasExceeded {
			// Aborted cleanup cannot be trusted; the context never
			// returns to the pool.
			p.remove(ec)
		} else {
			ec.warmed = true
		}
	}
	return result, nil
}

// remove drops a context from both indexes. Callers hold p.mu.
func (p *Pool) remove(ec *evalContext) {
	delete(p.contexts, ec.id)
	p.order.Remove(ec.elem)
}
