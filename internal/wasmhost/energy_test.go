package wasmhost

import "testing"

func TestEnergyMeterConsumesWithinBudget(t *testing.T) {
	m := NewEnergyMeter(1000)
	if err := m.Consume(Cost(OpInsert)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Used() != Cost(OpInsert) {
		t.Fatalf("expected used=%d, got %d", Cost(OpInsert), m.Used())
	}
	if m.Remaining() != 1000-Cost(OpInsert) {
		t.Fatalf("unexpected remaining: %d", m.Remaining())
	}
}

func TestEnergyMeterExhausts(t *testing.T) {
	m := NewEnergyMeter(100)
	err := m.Consume(50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = m.Consume(100)
	if err != ErrOutOfEnergy {
		t.Fatalf("expected ErrOutOfEnergy, got %v", err)
	}
	if m.Remaining() != 0 {
		t.Fatalf("expected 0 remaining after exhaustion, got %d", m.Remaining())
	}
}

func TestCostFallsBackToDefault(t *testing.T) {
	if Cost(Op(200)) != DefaultOpCost {
		t.Fatalf("expected unpriced op to cost the default")
	}
}
