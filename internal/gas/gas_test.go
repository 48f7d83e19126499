package gas

import (
	"errors"
	"math"
	"testing"
)

func TestCostTable(t *testing.T) {
	cases := []struct {
		op   Op
		size uint64
		want uint64
	}{
		{OpFunctionCall, 0, 100},
		{OpPropertyAccess, 0, 10},
		{OpArrayAccess, 0, 20},
		{OpObjectCreation, 10, 60},
		{OpArrayCreation, 10, 40},
		{OpStringOp, 200, 7},
		{OpMathOp, 0, 5},
		{OpComparison, 0, 3},
		{OpLoopIteration, 0, 10},
		{OpStorageRead, 2048, 102},
		{OpStorageWrite, 1024, 202},
		{OpCryptoOp, 512, 502},
		{OpJSExecution, 500, 1005},
		{OpMemoryAlloc, 2048, 12},
		{OpNetworkOp, 1024, 1002},
		{OpAttestation, 999, 5000},
		{OpSealing, 256, 1001},
		{OpUnsealing, 256, 501},
		{Op("something_else"), 999, 1},
	}
	for _, c := range cases {
		if got := CostOf(c.op, c.size); got != c.want {
			t.Errorf("CostOf(%s, %d) = %d, want %d", c.op, c.size, got, c.want)
		}
	}
}

func TestMeterCeiling(t *testing.T) {
	m := NewMeter(1000)

	if err := m.Charge(600); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if err := m.Charge(400); err != nil {
		t.Fatalf("Charge to exactly the limit: %v", err)
	}
	if m.Used() != 1000 {
		t.Fatalf("Used = %d, want 1000", m.Used())
	}

	if err := m.Charge(1); !errors.Is(err, ErrGasExceeded) {
		t.Fatalf("expected ErrGasExceeded, got %v", err)
	}
	if m.Used() != 1000 {
		t.Fatalf("Used grew past limit: %d", m.Used())
	}
}

func TestMeterSaturatesOnBreach(t *testing.T) {
	m := NewMeter(1000)

	_ = m.Charge(900)
	if err := m.Charge(500); !errors.Is(err, ErrGasExceeded) {
		t.Fatalf("expected ErrGasExceeded, got %v", err)
	}
	// A breaching charge saturates; subsequent charges keep failing.
	if m.Used() != 1000 {
		t.Fatalf("Used = %d, want saturated 1000", m.Used())
	}
	if err := m.Charge(1); !errors.Is(err, ErrGasExceeded) {
		t.Fatalf("expected ErrGasExceeded after saturation, got %v", err)
	}
	if !m.Exceeded() {
		t.Fatal("Exceeded should report true")
	}
}

func TestMeterOverflow(t *testing.T) {
	m := NewMeter(0) // unlimited
	if err := m.Charge(math.MaxUint64 - 5); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if err := m.Charge(10); !errors.Is(err, ErrGasExceeded) {
		t.Fatalf("expected overflow to fail, got %v", err)
	}
}

func TestMeterMonotonic(t *testing.T) {
	m := NewMeter(10000)
	prev := uint64(0)
	for i := 0; i < 20; i++ {
		_ = m.ChargeOp(OpLoopIteration, 0)
		if m.Used() < prev {
			t.Fatal("gas gauge decreased")
		}
		prev = m.Used()
	}
}

func TestAccountantSettlement(t *testing.T) {
	a := NewAccountant(nil)
	a.Credit("alice", 10_000)

	a.StartAccounting("fn1", "alice")
	total := a.StopAccounting("fn1", "alice", 3000)
	if total < 3000 {
		t.Fatalf("settled total %d below metered gas", total)
	}

	if got := a.Balance("alice"); got != 10_000-total {
		t.Fatalf("Balance = %d, want %d", got, 10_000-total)
	}
	if got := a.GasUsed("fn1"); got != total {
		t.Fatalf("GasUsed = %d, want %d", got, total)
	}
}

func TestAccountantBalanceSaturatesAtZero(t *testing.T) {
	a := NewAccountant(nil)
	a.Credit("bob", 100)

	a.StartAccounting("fn", "bob")
	a.StopAccounting("fn", "bob", 5000)
	if got := a.Balance("bob"); got != 0 {
		t.Fatalf("Balance = %d, want 0", got)
	}
}

func TestAccountantStopWithoutStart(t *testing.T) {
	a := NewAccountant(nil)
	if total := a.StopAccounting("fn", "carol", 123); total != 0 {
		t.Fatalf("expected zero settlement without start, got %d", total)
	}
}
