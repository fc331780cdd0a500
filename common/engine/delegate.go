package engine

import (
	"errors"
)

// ErrPending is returned by a service delegate that completes its work
// asynchronously; the item stays waiting until an invoke resumes it.
var ErrPending = errors.New("service pending")

// ServiceFunc handles one service task dispatch. The returned map merges
// into the item output.
type ServiceFunc func(ex *Execution, item *Item, input map[string]any) (map[string]any, error)

// MessageFunc delivers a thrown message to an external party
type MessageFunc func(ex *Execution, item *Item, target string) error

// Delegate connects the engine to the application's service and
// messaging implementations
type Delegate interface {
	CallService(ex *Execution, item *Item, name string) (map[string]any, error)
	SendMessage(ex *Execution, item *Item, target string) error
}

// Registry is the default Delegate: a name-keyed map of service handlers
// and an optional message hook. Unregistered services are a no-op so
// models remain executable without wiring every task.
type Registry struct {
	services map[string]ServiceFunc
	message  MessageFunc
}

func NewRegistry() *Registry {
	return &Registry{services: map[string]ServiceFunc{}}
}

// Register binds a service handler to a name
func (r *Registry) Register(name string, fn ServiceFunc) {
	r.services[name] = fn
}

// OnMessage sets the outbound message hook
func (r *Registry) OnMessage(fn MessageFunc) {
	r.message = fn
}

func (r *Registry) CallService(ex *Execution, item *Item, name string) (map[string]any, error) {
	fn, ok := r.services[name]
	if !ok {
		ex.log().Warn("no service handler registered", "service", name, "element_id", item.ElementID)
		return nil, nil
	}
	return fn(ex, item, item.Input)
}

func (r *Registry) SendMessage(ex *Execution, item *Item, target string) error {
	if r.message == nil {
		ex.log().Warn("no message hook registered", "target", target, "element_id", item.ElementID)
		return nil
	}
	return r.message(ex, item, target)
}
