package gas

import (
	"sync"
	"time"

	"github.com/R3E-Network/enclave_layer/pkg/logger"
)

// Accountant is the process-wide ledger: gas balances per user and
// cumulative usage per function. Invocations are bracketed by
// StartAccounting / StopAccounting; the elapsed wall-clock milliseconds are
// added to the metered gas when settling, so even unmetered compute time
// costs something.
type Accountant struct {
	mu       sync.Mutex
	balances map[string]uint64
	usages   map[string]uint64
	starts   map[accountKey]time.Time
	log      *logger.Logger
}

type accountKey struct {
	functionID string
	userID     string
}

// NewAccountant creates an empty ledger.
func NewAccountant(log *logger.Logger) *Accountant {
	if log == nil {
		log = logger.NewDefault("gas")
	}
	return &Accountant{
		balances: make(map[string]uint64),
		usages:   make(map[string]uint64),
		starts:   make(map[accountKey]time.Time),
		log:      log,
	}
}

// StartAccounting records the start of an invocation.
func (a *Accountant) StartAccounting(functionID, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts[accountKey{functionID, userID}] = time.Now()
}

// StopAccounting settles an invocation: the metered gas plus the elapsed
// milliseconds are charged against the user's balance (saturating at zero)
// and added to the function's cumulative usage. Returns the settled total.
func (a *Accountant) StopAccounting(functionID, userID string, metered uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := accountKey{functionID, userID}
	start, ok := a.starts[key]
	if !ok {
		a.log.WithField("function_id", functionID).WithField("user_id", userID).
			Warn("stop accounting without matching start")
		return 0
	}
	delete(a.starts, key)

	elapsed := uint64(time.Since(start).Milliseconds())
	total := metered + elapsed
	if total < metered { // overflow
		total = metered
	}

	a.usages[functionID] += total

	balance := a.balances[userID]
	if balance < total {
		a.balances[userID] = 0
	} else {
		a.balances[userID] = balance - total
	}

	a.log.WithField("function_id", functionID).
		WithField("user_id", userID).
		WithField("gas_used", total).
		Debug("gas accounting settled")
	return total
}

// Balance returns the user's remaining gas balance.
func (a *Accountant) Balance(userID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[userID]
}

// Credit adds gas to a user's balance.
func (a *Accountant) Credit(userID string, amount uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[userID] += amount
}

// GasUsed returns the cumulative gas charged to a function.
func (a *Accountant) GasUsed(functionID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usages[functionID]
}
