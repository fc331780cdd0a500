package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lyzr/procflow/common/definition"
)

// nodeStart applies the start-phase semantics of the node type: wait-type
// nodes park the token, container nodes spawn their child tokens.
func (ex *Execution) nodeStart(item *Item) (Action, error) {
	node := item.node

	switch node.Type {
	case definition.TypeUserTask, definition.TypeManualTask:
		if err := ex.populateTask(item); err != nil {
			return ActionError, err
		}
		ex.emit(EventNodeAssign, item, nil)
		return ActionWait, nil

	case definition.TypeReceiveTask:
		return ActionWait, nil

	case definition.TypeSubProcess, definition.TypeTransaction:
		return ex.startSubProcess(item)

	case definition.TypeAdHocSubProcess:
		return ex.startAdHoc(item)

	case definition.TypeCallActivity:
		return ex.startCallActivity(item)

	default:
		return ActionContinue, nil
	}
}

// nodeRun applies the run-phase semantics: scripts execute, services
// dispatch, throw events fire.
func (ex *Execution) nodeRun(item *Item) (Action, error) {
	node := item.node

	switch node.Type {
	case definition.TypeScriptTask:
		return ex.runScriptTask(item)

	case definition.TypeServiceTask, definition.TypeBusinessRuleTask:
		return ex.runServiceTask(item)

	case definition.TypeSendTask:
		name := serviceNameOf(node.Element)
		if err := ex.engine.delegates.SendMessage(ex, item, name); err != nil {
			return ActionError, fmt.Errorf("send task %s: %w", node.ID, err)
		}
		return ActionContinue, nil

	default:
		return ActionContinue, nil
	}
}

// runLeavesEngine reports whether the node's run phase executes code
// outside the engine (script handler or task delegate)
func runLeavesEngine(node *definition.Node) bool {
	switch node.Type {
	case definition.TypeScriptTask, definition.TypeServiceTask,
		definition.TypeBusinessRuleTask, definition.TypeSendTask:
		return true
	default:
		return false
	}
}

// populateTask resolves the human task assignment attributes, evaluating
// "=" prefixed values as expressions
func (ex *Execution) populateTask(item *Item) error {
	elem := item.node.Element
	resolve := func(raw string) (string, error) {
		if len(raw) == 0 || raw[0] != '=' {
			return raw, nil
		}
		value, err := ex.engine.scripts.EvaluateExpression(ex.scope(item), raw)
		if err != nil {
			return "", err
		}
		s, _ := value.(string)
		return s, nil
	}

	var err error
	if item.Assignee, err = resolve(elem.Attr("assignee")); err != nil {
		return fmt.Errorf("resolve assignee: %w", err)
	}
	users, err := resolve(elem.Attr("candidateUsers"))
	if err != nil {
		return fmt.Errorf("resolve candidateUsers: %w", err)
	}
	item.CandidateUsers = splitCSV(users)
	groups, err := resolve(elem.Attr("candidateGroups"))
	if err != nil {
		return fmt.Errorf("resolve candidateGroups: %w", err)
	}
	item.CandidateGroups = splitCSV(groups)

	if due := elem.Attr("dueDate"); due != "" {
		item.DueDate = parseTaskDate(due)
	}
	if followUp := elem.Attr("followUpDate"); followUp != "" {
		item.FollowUpDate = parseTaskDate(followUp)
	}
	return nil
}

// startSubProcess spawns a child token per none start event of the child
// process and parks the activity
func (ex *Execution) startSubProcess(item *Item) (Action, error) {
	child := item.node.ChildProcess
	if child == nil {
		return ActionError, fmt.Errorf("node %s has no child process", item.ElementID)
	}

	if err := ex.spawnScopedEventSubProcesses(item, child); err != nil {
		return ActionError, err
	}

	starts := noneStartNodes(child)
	if len(starts) == 0 {
		return ActionError, fmt.Errorf("sub-process %s has no start event", child.ID)
	}
	for _, start := range starts {
		if _, err := ex.startNewToken(TokenSubProcess, start, tokenOpts{
			parent:     item.token,
			originItem: item,
			dataPath:   item.token.DataPath,
			itemsKey:   item.token.ItemsKey,
		}); err != nil {
			return ActionError, err
		}
	}
	if !item.Active() {
		// the child process ran to completion synchronously and already
		// ended this item and advanced the token
		return ActionAbort, nil
	}
	return ActionWait, nil
}

// startAdHoc spawns one token per enabled activity of the ad-hoc
// sub-process; the container completes when all of them have finished
func (ex *Execution) startAdHoc(item *Item) (Action, error) {
	child := item.node.ChildProcess
	if child == nil {
		return ActionError, fmt.Errorf("node %s has no child process", item.ElementID)
	}
	spawned := 0
	for _, node := range child.ChildrenNodes {
		if len(node.Inbounds) > 0 || node.Type == definition.TypeBoundaryEvent {
			continue
		}
		if _, err := ex.startNewToken(TokenAdHoc, node, tokenOpts{
			parent:     item.token,
			originItem: item,
			dataPath:   item.token.DataPath,
			itemsKey:   item.token.ItemsKey,
		}); err != nil {
			return ActionError, err
		}
		spawned++
	}
	if spawned == 0 {
		return ActionContinue, nil
	}
	if !item.Active() {
		return ActionAbort, nil
	}
	return ActionWait, nil
}

// startCallActivity launches the called process as a child instance. The
// item is parked first: a synchronous child completion resumes it before
// this call returns.
func (ex *Execution) startCallActivity(item *Item) (Action, error) {
	called := item.node.Element.Attr("calledElement")
	if called == "" {
		return ActionError, fmt.Errorf("call activity %s has no calledElement", item.ElementID)
	}
	item.Status = StatusWait
	item.token.Status = StatusWait

	if err := ex.engine.startChild(ex, item, called); err != nil {
		return ActionError, fmt.Errorf("start called process %s: %w", called, err)
	}
	if item.Status != StatusWait {
		// child finished synchronously and already resumed this item
		return ActionAbort, nil
	}
	return ActionWait, nil
}

// spawnScopedEventSubProcesses arms the event sub-processes declared
// inside a sub-process scope
func (ex *Execution) spawnScopedEventSubProcesses(item *Item, proc *definition.Process) error {
	for _, esp := range proc.EventSubProcesses {
		for _, start := range esp.StartNodes {
			if start.SubType == "" {
				continue
			}
			if _, err := ex.startNewToken(TokenEventSubProcess, start, tokenOpts{
				parent:     item.token,
				originItem: item,
				dataPath:   item.token.DataPath,
				itemsKey:   item.token.ItemsKey,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// runScriptTask executes the task's script bodies. A map result merges
// into the token data scope; the bpmnError/escalation return convention
// redirects the flow.
func (ex *Execution) runScriptTask(item *Item) (Action, error) {
	for _, src := range item.node.Scripts["run"] {
		result, err := ex.engine.scripts.ExecuteScript(ex.scope(item), src)
		if err != nil {
			return ActionError, fmt.Errorf("script task %s: %w", item.ElementID, err)
		}
		if result.BPMNError != "" {
			if err := ex.endItem(item, false); err != nil {
				return ActionAbort, err
			}
			return ActionAbort, item.token.processError(result.BPMNError)
		}
		if result.Escalation != "" {
			if err := item.token.processEscalation(result.Escalation); err != nil {
				return ActionAbort, err
			}
			continue
		}
		if m, ok := result.Value.(map[string]any); ok {
			scope := item.Data()
			for k, v := range m {
				scope[k] = v
			}
		}
	}
	return ActionContinue, nil
}

// runServiceTask dispatches to the registered service delegate and merges
// the result into the item output
func (ex *Execution) runServiceTask(item *Item) (Action, error) {
	name := serviceNameOf(item.node.Element)
	result, err := ex.engine.delegates.CallService(ex, item, name)
	if errors.Is(err, ErrPending) {
		return ActionWait, nil
	}
	if err != nil {
		return ActionError, fmt.Errorf("service task %s (%s): %w", item.ElementID, name, err)
	}
	for k, v := range result {
		item.Output[k] = v
	}
	return ActionContinue, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseTaskDate(raw string) *time.Time {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// noneStartNodes returns the start events of a process scope that carry
// no event definition
func noneStartNodes(proc *definition.Process) []*definition.Node {
	var out []*definition.Node
	for _, node := range proc.StartNodes {
		if node.SubType == "" {
			out = append(out, node)
		}
	}
	return out
}
