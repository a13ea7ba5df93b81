// Package plan provides a developer API for building CCOS plans.
//
// This package offers two levels:
//   - helpers.go: thin syntax helpers - Ptr, Ref, Args, Decode
//   - builders.go: fluent builders - Builder for plans, StepBuilder for steps
//
// Both levels yield the domain types the orchestrator consumes, so builders
// can be mixed with hand-written ops.
package plan

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/example/ccos-lite/internal/domain"
)

// Ptr returns a pointer to the value. Generic helper to avoid inline address-of operators.
func Ptr[T any](v T) *T {
	return &v
}

// Ref returns a binding reference usable as an effect argument or pure
// expression. Field paths are joined with dots.
func Ref(name string, fields ...string) string {
	if name == "" {
		panic("plan: Ref() called with empty name")
	}
	if len(fields) == 0 {
		return "$" + name
	}
	return "$" + name + "." + strings.Join(fields, ".")
}

// Args builds an argument map from alternating keys and values.
func Args(kv ...any) map[string]any {
	if len(kv)%2 != 0 {
		panic("plan: Args() called with an odd number of arguments")
	}
	args := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok || key == "" {
			panic(fmt.Sprintf("plan: Args() key %d is not a non-empty string", i/2))
		}
		args[key] = kv[i+1]
	}
	return args
}

// Decode reads a plan in its JSON form and validates it.
func Decode(r io.Reader) (*domain.Plan, error) {
	var p domain.Plan
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: failed to decode plan: %v", domain.ErrInvalidArgument, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
