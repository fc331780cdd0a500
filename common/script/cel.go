package script

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// CELHandler evaluates expressions with CEL, caching compiled programs per
// expression source.
type CELHandler struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewCELHandler creates the CEL environment with the scope variables
func NewCELHandler() (*CELHandler, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.DynType),
		cel.Variable("input", cel.DynType),
		cel.Variable("output", cel.DynType),
		cel.Variable("item", cel.DynType),
		cel.Variable("instance", cel.DynType),
		cel.Variable("services", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &CELHandler{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvaluateExpression evaluates a CEL expression against the scope. The
// legacy "$." prefix is accepted as shorthand for "data.".
func (h *CELHandler) EvaluateExpression(scope *Scope, expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "=")
	expr = strings.ReplaceAll(expr, "$.", "data.")

	prg, err := h.program(expr)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(h.activation(scope))
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation error: %w", err)
	}
	return nativeValue(out), nil
}

// ExecuteScript evaluates the script body as a CEL expression and applies
// the error return convention to map results.
func (h *CELHandler) ExecuteScript(scope *Scope, source string) (*Result, error) {
	value, err := h.EvaluateExpression(scope, source)
	if err != nil {
		return nil, err
	}
	result := &Result{Value: value}
	if m, ok := value.(map[string]any); ok {
		if code, ok := m["bpmnError"].(string); ok && code != "" {
			result.BPMNError = code
		}
		if code, ok := m["escalation"].(string); ok && code != "" {
			result.Escalation = code
		}
	}
	return result, nil
}

func (h *CELHandler) program(expr string) (cel.Program, error) {
	h.mu.RLock()
	prg, exists := h.cache[expr]
	h.mu.RUnlock()
	if exists {
		return prg, nil
	}

	ast, issues := h.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		// the scope variables are all dyn, so a type-check rejection
		// (e.g. a ternary over differently-shaped map literals) is still
		// evaluable; keep only syntax errors fatal
		parsed, parseIssues := h.env.Parse(expr)
		if parseIssues != nil && parseIssues.Err() != nil {
			return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
		}
		ast = parsed
	}
	prg, err := h.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create CEL program: %w", err)
	}

	h.mu.Lock()
	h.cache[expr] = prg
	h.mu.Unlock()
	return prg, nil
}

func (h *CELHandler) activation(scope *Scope) map[string]any {
	if scope == nil {
		scope = &Scope{}
	}
	return map[string]any{
		"data":     orEmpty(scope.Data),
		"input":    orEmpty(scope.Input),
		"output":   orEmpty(scope.Output),
		"item":     orEmpty(scope.Item),
		"instance": orEmpty(scope.Instance),
		"services": orEmpty(scope.Services),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

var (
	mapType  = reflect.TypeOf(map[string]any{})
	listType = reflect.TypeOf([]any{})
)

// nativeValue converts a CEL result to plain Go values
func nativeValue(out ref.Val) any {
	if m, err := out.ConvertToNative(mapType); err == nil {
		return m
	}
	if l, err := out.ConvertToNative(listType); err == nil {
		return l
	}
	return out.Value()
}
