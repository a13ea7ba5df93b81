// Package a is a test package for the plan linter.
package a

import (
	"plan"
	"time"
)

// Test cases

func emptyNew() {
	plan.New("") // want "New called with empty string literal"
}

func emptyNewStep() {
	plan.NewStep("") // want "NewStep called with empty string literal"
}

func emptyRef() {
	_ = plan.Ref("") // want "Ref called with empty string literal"
}

func oddArgs() {
	_ = plan.Args("url", "https://example.com", "method") // want "Args called with 3 arguments"
}

func retryWithoutKey() {
	plan.NewStep("fetch").
		Effect("page", "http.fetch", nil).
		Retry(3, time.Second, 2) // want "step re-issues effects without IdempotencyKey"
}

func escalateWithoutKey() {
	plan.NewStep("charge").
		Effect("receipt", "payments.charge", nil).
		Escalate() // want "step re-issues effects without IdempotencyKey"
}

func duplicateSteps() {
	plan.New("p").
		Step(plan.NewStep("s")).
		Step(plan.NewStep("s")) // want `duplicate step id "s"`
}

// Valid cases - should NOT produce warnings

func validRetry() {
	plan.NewStep("fetch").
		Effect("page", "http.fetch", nil).
		IdempotencyKey("fetch-key").
		Retry(3, time.Second, 2)
}

func validEscalate() {
	plan.NewStep("charge").
		Effect("receipt", "payments.charge", nil).
		IdempotencyKey("charge").
		Escalate()
}

func retryWithoutEffects() {
	plan.NewStep("compute").
		Pure("x", "1").
		Retry(2, 0, 1)
}

func validArgs() {
	_ = plan.Args("url", "https://example.com")
	kv := []any{"a", 1, "b"}
	_ = plan.Args(kv...)
}

func distinctSteps() {
	plan.New("p").
		Step(plan.NewStep("a")).
		Step(plan.NewStep("b"))
}

func reuseInAnotherFunction() {
	plan.NewStep("s")
}
