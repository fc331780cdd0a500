package definition

import (
	"fmt"
	"strings"

	"github.com/lyzr/procflow/common/bpmn"
	"github.com/lyzr/procflow/common/logger"
)

// Load parses BPMN XML and materializes the cross-linked graph: processes
// and sub-processes recursively, nodes registered flat and per process,
// flows linked on both ends, boundary events attached, lanes stamped.
// Missing flow endpoints are logged and skipped; the graph is best-effort.
func Load(name, source string, log *logger.Logger) (*Definition, error) {
	model, err := bpmn.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", name, err)
	}

	def := &Definition{
		Name:      name,
		Source:    source,
		Processes: map[string]*Process{},
		Nodes:     map[string]*Node{},
		Model:     model,
	}

	for _, procElem := range model.Processes {
		loadProcess(def, procElem, nil, log)
	}

	linkFlows(def, log)
	linkBoundaryEvents(def, log)
	linkMessageFlows(def, model, log)
	stampLanes(def, model)

	return def, nil
}

func loadProcess(def *Definition, elem *bpmn.Element, parentNode *Node, log *logger.Logger) *Process {
	proc := &Process{
		ID:               elem.ID,
		Name:             elem.Name,
		Definition:       def,
		Element:          elem,
		ParentNode:       parentNode,
		TriggeredByEvent: elem.Attr("triggeredByEvent") == "true",
		IsTransaction:    elem.Type == "transaction",
	}
	def.Processes[proc.ID] = proc

	for _, child := range elem.Children {
		if !nodeTypes[child.Type] {
			continue
		}
		node := loadNode(def, proc, child, log)
		proc.ChildrenNodes = append(proc.ChildrenNodes, node)

		if node.IsSubProcess() {
			childProc := loadProcess(def, child, node, log)
			node.ChildProcess = childProc
			proc.SubProcesses = append(proc.SubProcesses, childProc)
			if childProc.TriggeredByEvent {
				proc.EventSubProcesses = append(proc.EventSubProcesses, childProc)
			}
		}
	}

	for _, node := range proc.ChildrenNodes {
		if node.Type == TypeStartEvent {
			proc.StartNodes = append(proc.StartNodes, node)
		}
	}

	if starters := elem.Attr("candidateStarterUsers"); starters != "" {
		proc.CandidateStarterUsers = splitList(starters)
	}
	if starters := elem.Attr("candidateStarterGroups"); starters != "" {
		proc.CandidateStarterGroups = splitList(starters)
	}
	return proc
}

func loadNode(def *Definition, proc *Process, elem *bpmn.Element, log *logger.Logger) *Node {
	node := &Node{
		ID:         elem.ID,
		Name:       elem.Name,
		Type:       elem.Type,
		Process:    proc,
		Definition: def,
		Element:    elem,
		Scripts:    map[string][]string{},
	}

	if def.Nodes[node.ID] != nil {
		log.Warn("duplicate node id in model", "node_id", node.ID)
	}
	def.Nodes[node.ID] = node

	node.DefaultFlow = elem.Attr("default")

	// cancelActivity defaults to true (interrupting) when unset
	node.CancelActivity = elem.Attr("cancelActivity") != "false"

	applyEventDefinitions(node, elem)
	loadScripts(node, elem)

	return node
}

func applyEventDefinitions(node *Node, elem *bpmn.Element) {
	for _, ed := range elem.EventDefinitions() {
		switch ed.Type {
		case "timerEventDefinition":
			node.SubType = SubTypeTimer
		case "messageEventDefinition":
			node.SubType = SubTypeMessage
			node.MessageID = ed.Attr("messageRef")
		case "signalEventDefinition":
			node.SubType = SubTypeSignal
			node.SignalID = ed.Attr("signalRef")
		case "errorEventDefinition":
			node.SubType = SubTypeError
			node.ErrorCode = resolveErrorCode(node.Definition, ed.Attr("errorRef"))
		case "escalationEventDefinition":
			node.SubType = SubTypeEscalation
			node.EscalationCode = resolveEscalationCode(node.Definition, ed.Attr("escalationRef"))
		case "cancelEventDefinition":
			node.SubType = SubTypeCancel
		case "compensateEventDefinition":
			node.SubType = SubTypeCompensate
		case "conditionalEventDefinition":
			node.SubType = SubTypeConditional
		case "terminateEventDefinition":
			node.SubType = SubTypeTerminate
		case "linkEventDefinition":
			node.SubType = SubTypeLink
		}
	}

	// receive/send tasks correlate through messageRef without an event
	// definition child
	if node.MessageID == "" {
		if ref := elem.Attr("messageRef"); ref != "" {
			node.MessageID = ref
		}
	}
}

func loadScripts(node *Node, elem *bpmn.Element) {
	if elem.Type == TypeScriptTask {
		if script := elem.First("script"); script != nil && script.Text != "" {
			node.Scripts["run"] = append(node.Scripts["run"], script.Text)
		}
	}
	for _, ext := range elem.ExtensionElements() {
		if ext.Type != "script" && ext.Type != "executionListener" {
			continue
		}
		event := ext.Attr("event")
		if event == "" {
			event = "start"
		}
		body := ext.Text
		if script := ext.First("script"); script != nil {
			body = script.Text
		}
		if body != "" {
			node.Scripts[event] = append(node.Scripts[event], body)
		}
	}
}

func linkFlows(def *Definition, log *logger.Logger) {
	for _, proc := range def.Processes {
		for _, flowElem := range proc.Element.All("sequenceFlow") {
			source := def.Nodes[flowElem.Attr("sourceRef")]
			target := def.Nodes[flowElem.Attr("targetRef")]
			if source == nil || target == nil {
				log.Warn("sequence flow references missing node",
					"flow_id", flowElem.ID,
					"source", flowElem.Attr("sourceRef"),
					"target", flowElem.Attr("targetRef"))
				continue
			}
			flow := &Flow{
				ID:     flowElem.ID,
				Name:   flowElem.Name,
				Source: source,
				Target: target,
			}
			if cond := flowElem.First("conditionExpression"); cond != nil {
				flow.Condition = cond.Text
			}
			source.Outbounds = append(source.Outbounds, flow)
			target.Inbounds = append(target.Inbounds, flow)
			def.Flows = append(def.Flows, flow)
		}
	}
}

func linkBoundaryEvents(def *Definition, log *logger.Logger) {
	for _, node := range def.Nodes {
		if node.Type != TypeBoundaryEvent {
			continue
		}
		ref := node.Element.Attr("attachedToRef")
		host := def.Nodes[ref]
		if host == nil {
			log.Warn("boundary event references missing activity",
				"node_id", node.ID, "attached_to", ref)
			continue
		}
		node.AttachedTo = host
		host.Attachments = append(host.Attachments, node)
	}
}

func linkMessageFlows(def *Definition, model *bpmn.Model, log *logger.Logger) {
	for _, collab := range model.Collaborations {
		for _, flowElem := range collab.All("messageFlow") {
			source := def.Nodes[flowElem.Attr("sourceRef")]
			target := def.Nodes[flowElem.Attr("targetRef")]
			if source == nil || target == nil {
				// participants may be referenced instead of nodes
				continue
			}
			flow := &Flow{
				ID:          flowElem.ID,
				Name:        flowElem.Name,
				Source:      source,
				Target:      target,
				MessageFlow: true,
			}
			source.Outbounds = append(source.Outbounds, flow)
			target.Inbounds = append(target.Inbounds, flow)
			def.Flows = append(def.Flows, flow)
		}
	}
}

func stampLanes(def *Definition, model *bpmn.Model) {
	for _, procElem := range model.Processes {
		for _, laneSet := range procElem.All("laneSet") {
			for _, lane := range laneSet.All("lane") {
				for _, ref := range lane.All("flowNodeRef") {
					if node := def.Nodes[ref.Text]; node != nil {
						node.Lane = lane.Name
						if node.Lane == "" {
							node.Lane = lane.ID
						}
					}
				}
			}
		}
	}
	for _, laneRule := range laneRules(def, model) {
		def.AccessRules = append(def.AccessRules, laneRule)
	}
}

func laneRules(def *Definition, model *bpmn.Model) []AccessRule {
	var rules []AccessRule
	for _, procElem := range model.Processes {
		for _, laneSet := range procElem.All("laneSet") {
			for _, lane := range laneSet.All("lane") {
				rule := AccessRule{Lane: lane.Name}
				if rule.Lane == "" {
					rule.Lane = lane.ID
				}
				if users := lane.Attr("candidateUsers"); users != "" {
					rule.Users = splitList(users)
				}
				if groups := lane.Attr("candidateGroups"); groups != "" {
					rule.Groups = splitList(groups)
				}
				if len(rule.Users) > 0 || len(rule.Groups) > 0 {
					rules = append(rules, rule)
				}
			}
		}
	}
	return rules
}

func resolveErrorCode(def *Definition, ref string) string {
	if ref == "" {
		return ""
	}
	if elem, ok := def.Model.ByID[ref]; ok {
		if code := elem.Attr("errorCode"); code != "" {
			return code
		}
	}
	return ref
}

func resolveEscalationCode(def *Definition, ref string) string {
	if ref == "" {
		return ""
	}
	if elem, ok := def.Model.ByID[ref]; ok {
		if code := elem.Attr("escalationCode"); code != "" {
			return code
		}
	}
	return ref
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
