// Package script defines the expression/script handler contract the engine
// evaluates flow conditions, IO parameters and listener scripts through.
// Implementations are untrusted code executors; the engine makes no safety
// claim about them.
package script

// Scope is the evaluation environment handed to the handler
type Scope struct {
	// Data is the token-scoped view of the instance data tree
	Data map[string]any
	// Input and Output are the current item's mapped parameters
	Input  map[string]any
	Output map[string]any
	// Item exposes the current item's fields (id, element_id, status, ...)
	Item map[string]any
	// Instance exposes instance fields (id, name, status, ...)
	Instance map[string]any
	// Services is the application-supplied services map
	Services map[string]any
}

// Result is the outcome of executing a script. A script either yields a
// value or raises a BPMN error/escalation through the return convention.
type Result struct {
	Value      any
	BPMNError  string
	Escalation string
}

// Handler evaluates expressions and executes scripts against a scope
type Handler interface {
	// EvaluateExpression evaluates a single expression to a value
	EvaluateExpression(scope *Scope, expr string) (any, error)
	// ExecuteScript runs a script body. A map result carrying "bpmnError"
	// or "escalation" is surfaced on the Result instead of Value.
	ExecuteScript(scope *Scope, source string) (*Result, error)
}
