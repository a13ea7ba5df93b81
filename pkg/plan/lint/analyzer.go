// Package lint provides static analysis checks for the plan builder API.
//
// This analyzer detects mistakes that otherwise surface only when a plan is
// built or validated at runtime:
//   - Empty string literals passed to New(), NewStep() or Ref()
//   - Args() called with an odd number of arguments
//   - Step builder chains that Retry() or Escalate() effects without
//     IdempotencyKey()
//   - Step IDs used twice within one function
//
// Usage:
//
//	go install github.com/example/ccos-lite/cmd/plan-lint@latest
//	plan-lint ./...
package lint

import (
	"go/ast"
	"go/token"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

// Analyzer is the plan lint analyzer.
var Analyzer = &analysis.Analyzer{
	Name:     "planlint",
	Doc:      "checks for common plan builder mistakes",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

const pkgName = "plan"

func run(pass *analysis.Pass) (interface{}, error) {
	inspect := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{(*ast.CallExpr)(nil), (*ast.FuncDecl)(nil)}

	inspect.WithStack(nodeFilter, func(n ast.Node, push bool, stack []ast.Node) bool {
		if !push {
			return true
		}
		switch node := n.(type) {
		case *ast.FuncDecl:
			checkDuplicateStepIDs(pass, node)
		case *ast.CallExpr:
			if name, ok := packageCall(node); ok {
				switch name {
				case "New", "NewStep", "Ref":
					checkEmptyStringArg(pass, node, name)
				case "Args":
					checkArgsArity(pass, node)
				}
			}
			if isChainTop(node, stack) {
				checkRetryChain(pass, node)
			}
		}
		return true
	})

	return nil, nil
}

// packageCall reports the function name for calls like plan.NewStep(...).
func packageCall(call *ast.CallExpr) (string, bool) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return "", false
	}
	pkg, ok := sel.X.(*ast.Ident)
	if !ok || pkg.Name != pkgName {
		return "", false
	}
	return sel.Sel.Name, true
}

// checkEmptyStringArg reports if the first argument is an empty string literal.
func checkEmptyStringArg(pass *analysis.Pass, call *ast.CallExpr, funcName string) {
	if len(call.Args) == 0 {
		return
	}

	if lit, ok := call.Args[0].(*ast.BasicLit); ok && lit.Kind == token.STRING {
		if lit.Value == `""` || lit.Value == "``" {
			pass.Reportf(lit.Pos(), "%s called with empty string literal - will panic at runtime", funcName)
		}
	}
}

func checkArgsArity(pass *analysis.Pass, call *ast.CallExpr) {
	if call.Ellipsis.IsValid() {
		return
	}
	if len(call.Args)%2 != 0 {
		pass.Reportf(call.Pos(), "Args called with %d arguments - keys and values must pair up", len(call.Args))
	}
}

// isChainTop reports whether call is the outermost call of a method chain.
func isChainTop(call *ast.CallExpr, stack []ast.Node) bool {
	if len(stack) < 2 {
		return true
	}
	sel, ok := stack[len(stack)-2].(*ast.SelectorExpr)
	return !ok || sel.X != call
}

// checkRetryChain reports a plan.NewStep(...) chain that may re-issue
// effects, by retrying or by escalating for repair, without an idempotency
// key. Such a step fails plan validation.
func checkRetryChain(pass *analysis.Pass, top *ast.CallExpr) {
	var (
		rerun              *ast.Ident
		hasKey, hasEffects bool
		rootedAtNewStep    bool
	)
	for call := top; call != nil; {
		if name, ok := packageCall(call); ok {
			rootedAtNewStep = name == "NewStep"
			break
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			break
		}
		switch sel.Sel.Name {
		case "Retry", "Escalate":
			rerun = sel.Sel
		case "IdempotencyKey":
			hasKey = true
		case "Effect", "EffectAllowDenied", "Step":
			hasEffects = true
		}
		call, _ = sel.X.(*ast.CallExpr)
	}

	if rootedAtNewStep && rerun != nil && hasEffects && !hasKey {
		pass.Reportf(rerun.Pos(), "step re-issues effects without IdempotencyKey - plan validation will reject it")
	}
}

// checkDuplicateStepIDs reports plan.NewStep literals repeated within one
// function. Step IDs must be unique across a plan.
func checkDuplicateStepIDs(pass *analysis.Pass, fn *ast.FuncDecl) {
	if fn.Body == nil {
		return
	}
	seen := make(map[string]token.Pos)
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		if _, ok := n.(*ast.FuncLit); ok {
			return false
		}
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		if name, ok := packageCall(call); !ok || name != "NewStep" || len(call.Args) == 0 {
			return true
		}
		id := extractStringLit(call.Args[0])
		if id == "" {
			return true
		}
		if prevPos, exists := seen[id]; exists {
			pass.Reportf(call.Args[0].Pos(), "duplicate step id %q (first seen at %v)", id, pass.Fset.Position(prevPos))
			return true
		}
		seen[id] = call.Args[0].Pos()
		return true
	})
}

// extractStringLit extracts a string literal value from an expression.
func extractStringLit(expr ast.Expr) string {
	if lit, ok := expr.(*ast.BasicLit); ok && lit.Kind == token.STRING {
		// Remove quotes
		s := lit.Value
		if len(s) >= 2 {
			return s[1 : len(s)-1]
		}
	}
	return ""
}
