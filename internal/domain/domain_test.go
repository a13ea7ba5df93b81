package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestValidPlanStatusTransition(t *testing.T) {
	tests := []struct {
		from, to PlanStatus
		want     bool
	}{
		{PlanStatusUnknown, PlanStatusRunning, true},
		{PlanStatusUnknown, PlanStatusPaused, false},
		{PlanStatusRunning, PlanStatusPaused, true},
		{PlanStatusRunning, PlanStatusCompleted, true},
		{PlanStatusRunning, PlanStatusAborted, true},
		{PlanStatusPaused, PlanStatusRunning, true},
		{PlanStatusPaused, PlanStatusAborted, true},
		{PlanStatusPaused, PlanStatusCompleted, false},
		{PlanStatusCompleted, PlanStatusRunning, false},
		{PlanStatusAborted, PlanStatusRunning, false},
	}
	for _, tt := range tests {
		if got := ValidPlanStatusTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPlanValidate(t *testing.T) {
	quota := -1
	retryNoKey := NewStep("fetch", Effect("x", "http.fetch", nil))
	retryNoKey.OnFailure = OnFailureRetry
	retryNoKey.Retry.MaxAttempts = 3

	retryPureOnly := NewStep("calc", Pure("x", "1"))
	retryPureOnly.OnFailure = OnFailureRetry
	retryPureOnly.Retry.MaxAttempts = 3

	escalateNoKey := NewStep("charge", Effect("x", "payments.charge", nil))
	escalateNoKey.OnFailure = OnFailureEscalate

	escalateKeyed := NewStep("charge", Effect("x", "payments.charge", nil))
	escalateKeyed.OnFailure = OnFailureEscalate
	escalateKeyed.IdempotencyKey = "charge"

	negative := NewStep("neg")
	negative.Context.Quota = &quota

	tests := []struct {
		name    string
		plan    *Plan
		wantErr bool
	}{
		{"empty id", NewPlan(""), true},
		{"ok", NewPlan("p", Nested(NewStep("a", Pure("x", "1")))), false},
		{"empty step id", NewPlan("p", Nested(NewStep(""))), true},
		{"duplicate step id", NewPlan("p", Nested(NewStep("a")), Nested(NewStep("a"))), true},
		{"nested duplicate", NewPlan("p", Nested(NewStep("a", Nested(NewStep("a"))))), true},
		{"retry without key", NewPlan("p", Nested(retryNoKey)), true},
		{"retry pure step", NewPlan("p", Nested(retryPureOnly)), false},
		{"escalate without key", NewPlan("p", Nested(escalateNoKey)), true},
		{"escalate with key", NewPlan("p", Nested(escalateKeyed)), false},
		{"negative quota", NewPlan("p", Nested(negative)), true},
		{"empty capability", NewPlan("p", Effect("x", "", nil)), true},
		{"unknown op", NewPlan("p", Op{Kind: "loop"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	r := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, Multiplier: 2, MaxBackoff: 300 * time.Millisecond}
	want := map[int]time.Duration{
		1: 0,
		2: 100 * time.Millisecond,
		3: 200 * time.Millisecond,
		4: 300 * time.Millisecond,
		5: 300 * time.Millisecond,
	}
	for attempt, w := range want {
		if got := r.Backoff(attempt); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestRetryPolicyBackoffSaturates(t *testing.T) {
	r := RetryPolicy{MaxAttempts: 200, InitialBackoff: time.Second, Multiplier: 10}
	prev := time.Duration(0)
	for attempt := 2; attempt <= 200; attempt++ {
		got := r.Backoff(attempt)
		if got < prev {
			t.Fatalf("Backoff(%d) = %v, below Backoff(%d) = %v", attempt, got, attempt-1, prev)
		}
		prev = got
	}
	if prev != time.Duration(math.MaxInt64) {
		t.Errorf("Backoff(200) = %v, want the largest duration", prev)
	}
}

func TestStepMaxAttempts(t *testing.T) {
	s := NewStep("s")
	s.Retry.MaxAttempts = 4
	if s.MaxAttempts() != 1 {
		t.Errorf("abort step should have one attempt, got %d", s.MaxAttempts())
	}
	s.OnFailure = OnFailureRetry
	if s.MaxAttempts() != 4 {
		t.Errorf("MaxAttempts() = %d, want 4", s.MaxAttempts())
	}
}

func TestOutcomeErr(t *testing.T) {
	if err := Success("r", 1).Outcome.Err(); err != nil {
		t.Errorf("success outcome returned %v", err)
	}
	if err := Denied("r", "policy").Outcome.Err(); !errors.Is(err, ErrEffectDenied) {
		t.Errorf("denied outcome returned %v", err)
	}
	for _, r := range []EffectResult{Failure("r", "io", "boom"), Timeout("r")} {
		if err := r.Outcome.Err(); !errors.Is(err, ErrEffectFailure) {
			t.Errorf("%s outcome returned %v", r.Outcome.Kind, err)
		}
	}
	if err := Timeout("r").Outcome.Err(); !errors.Is(err, ErrEffectTimeout) {
		t.Errorf("timeout outcome returned %v", err)
	}
	if err := Cancel("r", "user").Outcome.Err(); !errors.Is(err, ErrCancelled) || errors.Is(err, ErrEffectFailure) {
		t.Errorf("abort outcome returned %v", err)
	}
}

func TestActionTypeCategory(t *testing.T) {
	if ActionPlanPaused.Category() != CategorySuspension {
		t.Error("PlanPaused should be a suspension action")
	}
	if ActionEffectResult.Category() != CategoryEffect {
		t.Error("EffectResult should be an effect action")
	}
	if ActionStepFailed.Category() != CategoryLifecycle {
		t.Error("StepFailed should be a lifecycle action")
	}
	if s, ok := ActionPlanResumed.PlanStatus(); !ok || s != PlanStatusRunning {
		t.Errorf("PlanResumed status = %v, %v", s, ok)
	}
	if _, ok := ActionStepStarted.PlanStatus(); ok {
		t.Error("StepStarted should not move plan status")
	}
}
