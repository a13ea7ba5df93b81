package plan

import (
	"time"

	"github.com/example/ccos-lite/internal/domain"
)

// Builder provides a fluent API for constructing plans.
type Builder struct {
	plan *domain.Plan
}

// New creates a new Builder with the given plan ID.
// Panics if id is empty.
func New(id string) *Builder {
	if id == "" {
		panic("plan: New() called with empty id")
	}
	return &Builder{plan: domain.NewPlan(id)}
}

// Intent tags the plan with the intents it serves. The first is primary.
func (b *Builder) Intent(ids ...string) *Builder {
	b.plan.IntentIDs = append(b.plan.IntentIDs, ids...)
	return b
}

// Interactive marks the plan as driven by an interactive host.
func (b *Builder) Interactive() *Builder {
	b.plan.Metadata.ExecutionMode = domain.ExecutionModeInteractive
	return b
}

// Batch marks the plan as driven by a batch host.
func (b *Builder) Batch() *Builder {
	b.plan.Metadata.ExecutionMode = domain.ExecutionModeBatch
	return b
}

// MaxExecutionTime bounds the execution time a step may request.
func (b *Builder) MaxExecutionTime(d time.Duration) *Builder {
	b.plan.Metadata.Constraints.MaxExecutionTime = d
	return b
}

// MaxMemory bounds the memory a step may request.
func (b *Builder) MaxMemory(bytes uint64) *Builder {
	b.plan.Metadata.Constraints.MaxMemoryBytes = bytes
	return b
}

// AllowIsolation sets whether steps may run isolated or sandboxed.
func (b *Builder) AllowIsolation(isolated, sandboxed bool) *Builder {
	b.plan.Metadata.Constraints.AllowIsolated = Ptr(isolated)
	b.plan.Metadata.Constraints.AllowSandboxed = Ptr(sandboxed)
	return b
}

// Label sets a plan label.
func (b *Builder) Label(key, value string) *Builder {
	if b.plan.Metadata.Labels == nil {
		b.plan.Metadata.Labels = make(map[string]string)
	}
	b.plan.Metadata.Labels[key] = value
	return b
}

// Pure appends a pure expression to the plan body.
func (b *Builder) Pure(bind, expr string) *Builder {
	b.plan.Body = append(b.plan.Body, domain.Pure(bind, expr))
	return b
}

// Effect appends a top level effect. It runs outside any step, so its
// failure aborts the plan.
func (b *Builder) Effect(bind, capability string, args map[string]any) *Builder {
	b.plan.Body = append(b.plan.Body, domain.Effect(bind, capability, args))
	return b
}

// Step appends a step to the plan body.
func (b *Builder) Step(s *StepBuilder) *Builder {
	b.plan.Body = append(b.plan.Body, domain.Nested(s.Build()))
	return b
}

// Build validates and returns the plan.
func (b *Builder) Build() (*domain.Plan, error) {
	if err := b.plan.Validate(); err != nil {
		return nil, err
	}
	return b.plan, nil
}

// MustBuild is Build for plans known to be valid. Panics on error.
func (b *Builder) MustBuild() *domain.Plan {
	p, err := b.Build()
	if err != nil {
		panic("plan: " + err.Error())
	}
	return p
}

// StepBuilder provides a fluent API for constructing steps.
type StepBuilder struct {
	step *domain.Step
}

// NewStep creates a new StepBuilder with the given ID.
// Panics if id is empty.
func NewStep(id string) *StepBuilder {
	if id == "" {
		panic("plan: NewStep() called with empty id")
	}
	return &StepBuilder{step: domain.NewStep(id)}
}

// Name sets the human readable step name.
func (b *StepBuilder) Name(name string) *StepBuilder {
	b.step.Name = name
	return b
}

// Pure appends a pure expression to the step body.
func (b *StepBuilder) Pure(bind, expr string) *StepBuilder {
	b.step.Body = append(b.step.Body, domain.Pure(bind, expr))
	return b
}

// Effect appends an effect to the step body.
func (b *StepBuilder) Effect(bind, capability string, args map[string]any) *StepBuilder {
	b.step.Body = append(b.step.Body, domain.Effect(bind, capability, args))
	return b
}

// EffectAllowDenied appends an effect whose denial is bound as a value
// instead of failing the step.
func (b *StepBuilder) EffectAllowDenied(bind, capability string, args map[string]any) *StepBuilder {
	op := domain.Effect(bind, capability, args)
	op.AllowDenied = true
	b.step.Body = append(b.step.Body, op)
	return b
}

// Step appends a nested step.
func (b *StepBuilder) Step(child *StepBuilder) *StepBuilder {
	b.step.Body = append(b.step.Body, domain.Nested(child.Build()))
	return b
}

// Timeout sets the timeout the host should apply to the step's effects.
func (b *StepBuilder) Timeout(d time.Duration) *StepBuilder {
	b.step.Timeout = d
	return b
}

// Retry makes failures retry up to maxAttempts attempts in total with
// exponential backoff.
func (b *StepBuilder) Retry(maxAttempts int, initial time.Duration, multiplier float64) *StepBuilder {
	if maxAttempts < 1 {
		panic("plan: StepBuilder.Retry() called with maxAttempts < 1")
	}
	b.step.OnFailure = domain.OnFailureRetry
	b.step.Retry.MaxAttempts = maxAttempts
	b.step.Retry.InitialBackoff = initial
	b.step.Retry.Multiplier = multiplier
	return b
}

// MaxBackoff caps the retry backoff.
func (b *StepBuilder) MaxBackoff(d time.Duration) *StepBuilder {
	b.step.Retry.MaxBackoff = d
	return b
}

// Escalate makes failures request a plan repair from the host.
func (b *StepBuilder) Escalate() *StepBuilder {
	b.step.OnFailure = domain.OnFailureEscalate
	return b
}

// Abort makes failures abort the plan. This is the default.
func (b *StepBuilder) Abort() *StepBuilder {
	b.step.OnFailure = domain.OnFailureAbort
	return b
}

// IdempotencyKey sets the key hosts use to deduplicate the step's effects
// across retries.
func (b *StepBuilder) IdempotencyKey(key string) *StepBuilder {
	b.step.IdempotencyKey = key
	return b
}

// Quota caps the number of effects the step and its children may yield.
func (b *StepBuilder) Quota(n int) *StepBuilder {
	b.step.Context.Quota = Ptr(n)
	return b
}

// AllowEffects narrows the capabilities the step may request.
func (b *StepBuilder) AllowEffects(capabilities ...string) *StepBuilder {
	b.step.Context.AllowedEffects = capabilities
	return b
}

// Value sets an execution context value for the step.
func (b *StepBuilder) Value(key string, value any) *StepBuilder {
	if b.step.Context.Values == nil {
		b.step.Context.Values = make(map[string]any)
	}
	b.step.Context.Values[key] = value
	return b
}

// Meta sets a step metadata entry.
func (b *StepBuilder) Meta(key, value string) *StepBuilder {
	if b.step.Metadata == nil {
		b.step.Metadata = make(map[string]string)
	}
	b.step.Metadata[key] = value
	return b
}

// Build returns the constructed step.
func (b *StepBuilder) Build() *domain.Step {
	return b.step
}
