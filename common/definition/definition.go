package definition

import "github.com/lyzr/procflow/common/bpmn"

// Definition is the immutable cross-linked form of one BPMN model. It is
// loaded once per model and shared read-only by every live instance.
type Definition struct {
	Name   string
	Source string

	// Processes maps process id to process, including sub-processes
	Processes map[string]*Process
	// Nodes is the flat map of every executable element
	Nodes map[string]*Node
	Flows []*Flow

	// AccessRules are candidate-starter constraints from lane metadata
	AccessRules []AccessRule

	Model *bpmn.Model
}

// AccessRule restricts who may start or act on a lane's nodes
type AccessRule struct {
	Lane   string
	Users  []string
	Groups []string
}

// Process is one BPMN process, subProcess or transaction scope
type Process struct {
	ID   string
	Name string

	Definition *Definition
	Element    *bpmn.Element

	// ParentNode is the subProcess/transaction node owning this scope;
	// nil for top-level processes
	ParentNode *Node

	ChildrenNodes []*Node
	StartNodes    []*Node

	// SubProcesses are the directly nested child scopes
	SubProcesses []*Process
	// EventSubProcesses is the subset of SubProcesses flagged triggeredByEvent
	EventSubProcesses []*Process

	TriggeredByEvent bool
	IsTransaction    bool

	CandidateStarterUsers  []string
	CandidateStarterGroups []string
}

// GetNode looks up a node by id
func (d *Definition) GetNode(id string) *Node {
	return d.Nodes[id]
}

// StartNodes returns the start nodes of every top-level process. With
// messageOnly, only plain none-start events are returned.
func (d *Definition) StartNodes(noneOnly bool) []*Node {
	var out []*Node
	for _, proc := range d.Processes {
		if proc.ParentNode != nil {
			continue
		}
		for _, node := range proc.StartNodes {
			if noneOnly && node.SubType != "" {
				continue
			}
			out = append(out, node)
		}
	}
	return out
}
