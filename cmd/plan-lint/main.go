// Command plan-lint runs static analysis on plan builder usage.
//
// Usage:
//
//	plan-lint ./...
//
// This tool detects common mistakes when using the plan package:
//   - Empty string literals passed to New(), NewStep() and Ref()
//   - Retried steps without an idempotency key
//   - Duplicate step IDs
//
// See pkg/plan/lint for the full list of checks.
package main

import (
	"github.com/example/ccos-lite/pkg/plan/lint"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(lint.Analyzer)
}
