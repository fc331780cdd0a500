package engine

// Event names emitted by the engine. Every emission carries the execution
// and an event details map, and is additionally re-emitted under "all".
const (
	EventNodeEnter       = "node_enter"
	EventNodeAssign      = "node_assign"
	EventNodeValidate    = "node_validate"
	EventNodeStart       = "node_start"
	EventNodeWait        = "node_wait"
	EventNodeEnd         = "node_end"
	EventNodeTerminated  = "node_terminated"
	EventTransformInput  = "transform_input"
	EventTransformOutput = "transform_output"
	EventFlowTake        = "flow_take"
	EventFlowDiscard     = "flow_discard"

	EventProcessLoaded     = "process_loaded"
	EventProcessStart      = "process_start"
	EventProcessStarted    = "process_started"
	EventProcessInvoke     = "process_invoke"
	EventProcessInvoked    = "process_invoked"
	EventProcessSaving     = "process_saving"
	EventProcessRestored   = "process_restored"
	EventProcessResumed    = "process_resumed"
	EventProcessWait       = "process_wait"
	EventProcessEnd        = "process_end"
	EventProcessTerminated = "process_terminated"
	EventProcessException  = "process_exception"
	EventProcessError      = "process_error"

	EventTokenStart      = "token_start"
	EventTokenWait       = "token_wait"
	EventTokenEnd        = "token_end"
	EventTokenTerminated = "token_terminated"

	// EventAll receives a copy of every emission
	EventAll = "all"
)

// ListenerFunc observes engine events
type ListenerFunc func(event string, exec *Execution, details map[string]any)

// On registers a listener on the execution
func (ex *Execution) On(listener ListenerFunc) {
	ex.listeners = append(ex.listeners, listener)
}

func (ex *Execution) emit(event string, item *Item, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	if item != nil {
		details["item_id"] = item.ID
		details["element_id"] = item.ElementID
		details["token_id"] = item.TokenID
	}
	for _, listener := range ex.listeners {
		listener(event, ex, details)
		listener(EventAll, ex, details)
	}
	if item != nil {
		ex.runScripts(item, event)
	}
}
