package id

import "testing"

func TestDeterministic(t *testing.T) {
	a := Deterministic("plan-1", "step-a", "1", "0")
	if a != Deterministic("plan-1", "step-a", "1", "0") {
		t.Error("same parts produced different ids")
	}
	if a == Deterministic("plan-1", "step-a", "2", "0") {
		t.Error("different parts produced the same id")
	}
	if Deterministic("ab", "c") == Deterministic("a", "bc") {
		t.Error("part boundaries are ambiguous")
	}
}

func TestGenerateUnique(t *testing.T) {
	if Generate() == Generate() {
		t.Error("Generate returned a duplicate")
	}
	if len(GenerateShort()) != 8 {
		t.Error("GenerateShort length")
	}
}
