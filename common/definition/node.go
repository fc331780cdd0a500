package definition

import "github.com/lyzr/procflow/common/bpmn"

// BPMN element type tags interpreted by the engine
const (
	TypeStartEvent             = "startEvent"
	TypeEndEvent               = "endEvent"
	TypeIntermediateCatchEvent = "intermediateCatchEvent"
	TypeIntermediateThrowEvent = "intermediateThrowEvent"
	TypeBoundaryEvent          = "boundaryEvent"
	TypeUserTask               = "userTask"
	TypeServiceTask            = "serviceTask"
	TypeScriptTask             = "scriptTask"
	TypeSendTask               = "sendTask"
	TypeReceiveTask            = "receiveTask"
	TypeBusinessRuleTask       = "businessRuleTask"
	TypeManualTask             = "manualTask"
	TypeTask                   = "task"
	TypeCallActivity           = "callActivity"
	TypeSubProcess             = "subProcess"
	TypeAdHocSubProcess        = "adHocSubProcess"
	TypeTransaction            = "transaction"
	TypeExclusiveGateway       = "exclusiveGateway"
	TypeInclusiveGateway       = "inclusiveGateway"
	TypeParallelGateway        = "parallelGateway"
	TypeEventBasedGateway      = "eventBasedGateway"
)

// Event definition sub-types
const (
	SubTypeTimer       = "timer"
	SubTypeMessage     = "message"
	SubTypeSignal      = "signal"
	SubTypeError       = "error"
	SubTypeEscalation  = "escalation"
	SubTypeCancel      = "cancel"
	SubTypeCompensate  = "compensate"
	SubTypeConditional = "conditional"
	SubTypeTerminate   = "terminate"
	SubTypeLink        = "link"
)

// nodeTypes enumerates the executable element tags
var nodeTypes = map[string]bool{
	TypeStartEvent: true, TypeEndEvent: true,
	TypeIntermediateCatchEvent: true, TypeIntermediateThrowEvent: true,
	TypeBoundaryEvent: true,
	TypeUserTask:      true, TypeServiceTask: true, TypeScriptTask: true,
	TypeSendTask: true, TypeReceiveTask: true, TypeBusinessRuleTask: true,
	TypeManualTask: true, TypeTask: true, TypeCallActivity: true,
	TypeSubProcess: true, TypeAdHocSubProcess: true, TypeTransaction: true,
	TypeExclusiveGateway: true, TypeInclusiveGateway: true,
	TypeParallelGateway: true, TypeEventBasedGateway: true,
}

// Node is one executable BPMN element in the cross-linked graph
type Node struct {
	ID      string
	Name    string
	Type    string
	SubType string

	Process    *Process
	Definition *Definition
	Element    *bpmn.Element

	Inbounds  []*Flow
	Outbounds []*Flow

	// Attachments are boundary events attached to this activity
	Attachments []*Node
	// AttachedTo is set when this node is a boundary event
	AttachedTo *Node
	// CancelActivity is the interrupting flag of a boundary event
	CancelActivity bool

	Lane      string
	MessageID string
	SignalID  string
	ErrorCode string
	// EscalationCode mirrors ErrorCode for escalation events
	EscalationCode string

	// Scripts holds listener script bodies keyed by lifecycle event name
	Scripts map[string][]string

	// ChildProcess is set for sub-process and transaction nodes
	ChildProcess *Process

	// DefaultFlow is the id of the default outbound sequence flow
	DefaultFlow string
}

// Flow is a directed edge between two nodes
type Flow struct {
	ID        string
	Name      string
	Source    *Node
	Target    *Node
	Condition string
	// MessageFlow edges cross process boundaries
	MessageFlow bool
}

// IsDefault reports whether this flow is its source's default flow
func (f *Flow) IsDefault() bool {
	return f.Source != nil && f.Source.DefaultFlow != "" && f.Source.DefaultFlow == f.ID
}

// RequiresWait reports whether the node suspends the token when reached
func (n *Node) RequiresWait() bool {
	switch n.Type {
	case TypeUserTask, TypeReceiveTask, TypeBoundaryEvent,
		TypeIntermediateCatchEvent, TypeStartEvent,
		TypeSubProcess, TypeAdHocSubProcess, TypeTransaction, TypeCallActivity:
		return true
	default:
		return false
	}
}

// CanBeInvoked reports whether an external signal may complete the node
func (n *Node) CanBeInvoked() bool {
	switch n.Type {
	case TypeUserTask, TypeReceiveTask, TypeBoundaryEvent,
		TypeIntermediateCatchEvent, TypeStartEvent:
		return true
	default:
		return false
	}
}

// IsCatching reports whether the node catches events
func (n *Node) IsCatching() bool {
	switch n.Type {
	case TypeReceiveTask, TypeIntermediateCatchEvent, TypeStartEvent, TypeBoundaryEvent:
		return true
	default:
		return false
	}
}

// IsGateway reports whether the node is any gateway type
func (n *Node) IsGateway() bool {
	switch n.Type {
	case TypeExclusiveGateway, TypeInclusiveGateway, TypeParallelGateway, TypeEventBasedGateway:
		return true
	default:
		return false
	}
}

// IsSubProcess reports whether the node owns a child process
func (n *Node) IsSubProcess() bool {
	switch n.Type {
	case TypeSubProcess, TypeAdHocSubProcess, TypeTransaction:
		return true
	default:
		return false
	}
}

// IsConverging reports whether more than one sequence flow enters the node
func (n *Node) IsConverging() bool {
	count := 0
	for _, f := range n.Inbounds {
		if !f.MessageFlow {
			count++
		}
	}
	return count > 1
}

// SequenceOutbounds returns the non-message outbound flows
func (n *Node) SequenceOutbounds() []*Flow {
	var out []*Flow
	for _, f := range n.Outbounds {
		if !f.MessageFlow {
			out = append(out, f)
		}
	}
	return out
}

// MessageOutbounds returns the outbound message flows
func (n *Node) MessageOutbounds() []*Flow {
	var out []*Flow
	for _, f := range n.Outbounds {
		if f.MessageFlow {
			out = append(out, f)
		}
	}
	return out
}

// CanReach reports whether target is reachable from n along sequence flows,
// descending into sub-processes and climbing out of them through the
// sub-process node's own outbounds.
func (n *Node) CanReach(target *Node) bool {
	if n == target {
		return true
	}
	seen := map[string]bool{n.ID: true}
	queue := []*Node{n}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		next := make([]*Node, 0, len(current.Outbounds)+2)
		for _, f := range current.SequenceOutbounds() {
			next = append(next, f.Target)
		}
		if current.ChildProcess != nil {
			next = append(next, current.ChildProcess.StartNodes...)
		}
		// a node with no outbounds inside a sub-process continues at the
		// sub-process node itself
		if len(current.SequenceOutbounds()) == 0 && current.Process != nil && current.Process.ParentNode != nil {
			next = append(next, current.Process.ParentNode)
		}
		for _, a := range current.Attachments {
			next = append(next, a)
		}
		for _, candidate := range next {
			if candidate == nil || seen[candidate.ID] {
				continue
			}
			if candidate == target {
				return true
			}
			seen[candidate.ID] = true
			queue = append(queue, candidate)
		}
	}
	return false
}
