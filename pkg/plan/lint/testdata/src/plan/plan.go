// Package plan is a stub for testing the plan linter.
// It mirrors the shape of the real builder API.
package plan

import "time"

// Builder builds plans.
type Builder struct{}

// StepBuilder builds steps.
type StepBuilder struct{}

// New creates a plan builder. Panics if id is empty.
func New(id string) *Builder { return &Builder{} }

// NewStep creates a step builder. Panics if id is empty.
func NewStep(id string) *StepBuilder { return &StepBuilder{} }

// Ref returns a binding reference.
func Ref(name string, fields ...string) string { return "$" + name }

// Args builds an argument map.
func Args(kv ...any) map[string]any { return nil }

func (b *Builder) Step(s *StepBuilder) *Builder { return b }

func (b *StepBuilder) Effect(bind, capability string, args map[string]any) *StepBuilder {
	return b
}

func (b *StepBuilder) EffectAllowDenied(bind, capability string, args map[string]any) *StepBuilder {
	return b
}

func (b *StepBuilder) Pure(bind, expr string) *StepBuilder { return b }

func (b *StepBuilder) Step(child *StepBuilder) *StepBuilder { return b }

func (b *StepBuilder) Retry(maxAttempts int, initial time.Duration, multiplier float64) *StepBuilder {
	return b
}

func (b *StepBuilder) IdempotencyKey(key string) *StepBuilder { return b }

func (b *StepBuilder) Escalate() *StepBuilder { return b }
