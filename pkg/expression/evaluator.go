// Package expression evaluates user-authored boolean and value
// expressions against a symbol map under structural and time limits.
package expression

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

const (
	// MaxExpressionLength is the structural cap on expression text.
	MaxExpressionLength = 4096
	// MaxContextSymbols is the structural cap on context entries.
	MaxContextSymbols = 512
	// DefaultTimeout bounds a single evaluation when the caller passes 0.
	DefaultTimeout = 2 * time.Second
)

// Result is the evaluation outcome. Evaluate never panics or returns a
// Go error across its boundary; failures are carried in Error.
type Result struct {
	Success bool
	Value   any
	Error   string
}

type compiled struct {
	program     *vm.Program
	identifiers []string
}

// Evaluator compiles and runs expressions. Compiled programs are cached
// keyed by exact expression text, so the same assertion evaluated across
// many submissions compiles once.
type Evaluator struct {
	programs sync.Map // expression text -> *compiled
}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate runs the expression against the context with a hard
// wall-clock timeout. At the deadline the caller is released and the
// evaluation goroutine is abandoned; its eventual result is discarded.
func (e *Evaluator) Evaluate(expression string, context map[string]any, timeout time.Duration) Result {
	if len(expression) > MaxExpressionLength {
		return Result{Error: fmt.Sprintf("expression exceeds maximum length of %d characters", MaxExpressionLength)}
	}

	if len(context) > MaxContextSymbols {
		return Result{Error: fmt.Sprintf("context exceeds maximum of %d symbols", MaxContextSymbols)}
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	prg, err := e.compile(expression)
	if err != nil {
		return Result{Error: fmt.Sprintf("compile error: %v", err)}
	}

	for _, name := range prg.identifiers {
		if _, ok := context[name]; !ok {
			return Result{Error: fmt.Sprintf("undeclared identifier %q", name)}
		}
	}

	results := make(chan Result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- Result{Error: fmt.Sprintf("evaluation panic: %v", r)}
			}
		}()

		value, runErr := expr.Run(prg.program, context)
		if runErr != nil {
			results <- Result{Error: runErr.Error()}

			return
		}

		results <- Result{Success: true, Value: value}
	}()

	select {
	case result := <-results:
		return result
	case <-time.After(timeout):
		return Result{Error: fmt.Sprintf("evaluation timed out after %s", timeout)}
	}
}

// EvaluateBool evaluates and reduces the result to truthiness.
func (e *Evaluator) EvaluateBool(expression string, context map[string]any, timeout time.Duration) (bool, Result) {
	result := e.Evaluate(expression, context, timeout)
	if !result.Success {
		return false, result
	}

	return Truthy(result.Value), result
}

func (e *Evaluator) compile(expression string) (*compiled, error) {
	if cached, ok := e.programs.Load(expression); ok {
		prg, _ := cached.(*compiled)

		return prg, nil
	}

	// The symbol set varies per validator, so programs are compiled
	// without a fixed environment. Unresolved identifiers are caught
	// before execution via the identifier list collected at parse time.
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	identifiers, err := rootIdentifiers(expression)
	if err != nil {
		return nil, err
	}

	prg := &compiled{program: program, identifiers: identifiers}
	e.programs.Store(expression, prg)

	return prg, nil
}

// rootIdentifiers collects the top-level identifier names an expression
// references, so a missing catalog signal can be reported by name.
func rootIdentifiers(expression string) ([]string, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, err
	}

	collector := &identifierCollector{seen: make(map[string]bool), callees: make(map[string]bool)}
	ast.Walk(&tree.Node, collector)

	var names []string

	for _, name := range collector.names {
		if !collector.callees[name] {
			names = append(names, name)
		}
	}

	return names, nil
}

type identifierCollector struct {
	names   []string
	seen    map[string]bool
	callees map[string]bool
}

// Visit records identifier references, excluding call targets: called
// names resolve to expr builtins, not to catalog signals.
func (c *identifierCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		if c.seen[n.Value] {
			return
		}

		c.seen[n.Value] = true
		c.names = append(c.names, n.Value)
	case *ast.CallNode:
		if callee, ok := n.Callee.(*ast.IdentifierNode); ok {
			c.callees[callee.Value] = true
		}
	}
}

// Truthy reports whether a value counts as true: booleans directly,
// non-zero numbers, non-empty strings and collections.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
