package engine

import (
	"strings"

	"github.com/lyzr/procflow/common/bpmn"
	"github.com/lyzr/procflow/common/definition"
)

// Action is the outcome a node or behavior reports from a lifecycle phase.
// When several behaviors run in one phase the strongest action wins.
type Action int

const (
	ActionContinue Action = iota
	ActionEnd
	ActionWait
	ActionError
	ActionAbort
)

func maxAction(a, b Action) Action {
	if b > a {
		return b
	}
	return a
}

// behavior specializes the node lifecycle for one recognized BPMN
// construct. Behaviors are stateless across instances; per-item state
// lives on the Item. Hooks default to no-ops through baseBehavior.
type behavior interface {
	name() string
	enter(item *Item) error
	start(item *Item) (Action, error)
	run(item *Item) (Action, error)
	end(item *Item, cancel bool) error
	exit(item *Item) error
	resume(item *Item, data map[string]any) error
	restored(item *Item) error
}

type baseBehavior struct{}

func (baseBehavior) enter(item *Item) error                       { return nil }
func (baseBehavior) start(item *Item) (Action, error)             { return ActionContinue, nil }
func (baseBehavior) run(item *Item) (Action, error)               { return ActionContinue, nil }
func (baseBehavior) end(item *Item, cancel bool) error            { return nil }
func (baseBehavior) exit(item *Item) error                        { return nil }
func (baseBehavior) resume(item *Item, data map[string]any) error { return nil }
func (baseBehavior) restored(item *Item) error                    { return nil }

// processModel pairs a loaded definition with the behaviors attached to
// its nodes. Shared read-only by all live instances of the model.
type processModel struct {
	def       *definition.Definition
	behaviors map[string][]behavior
	loops     map[string]*loopCharacteristics
}

// newProcessModel inspects every node's parsed element and attaches a
// behavior for each recognized construct.
func newProcessModel(def *definition.Definition) *processModel {
	pm := &processModel{
		def:       def,
		behaviors: map[string][]behavior{},
		loops:     map[string]*loopCharacteristics{},
	}
	for id, node := range def.Nodes {
		pm.behaviors[id] = loadBehaviors(node)
		if lc := parseLoopCharacteristics(node); lc != nil {
			pm.loops[id] = lc
		}
	}
	return pm
}

func (pm *processModel) behaviorsFor(node *definition.Node) []behavior {
	if node == nil {
		return nil
	}
	return pm.behaviors[node.ID]
}

func (pm *processModel) loopFor(node *definition.Node) *loopCharacteristics {
	if node == nil {
		return nil
	}
	return pm.loops[node.ID]
}

func loadBehaviors(node *definition.Node) []behavior {
	var out []behavior

	switch node.SubType {
	case definition.SubTypeTimer:
		out = append(out, &timerBehavior{node: node, def: timerDefinitionOf(node)})
	case definition.SubTypeMessage:
		out = append(out, &messageBehavior{node: node})
	case definition.SubTypeSignal:
		out = append(out, &signalBehavior{node: node})
	case definition.SubTypeError:
		out = append(out, &errorBehavior{node: node})
	case definition.SubTypeEscalation:
		out = append(out, &escalationBehavior{node: node})
	case definition.SubTypeCancel:
		out = append(out, &cancelBehavior{node: node})
	case definition.SubTypeCompensate:
		out = append(out, &compensateBehavior{node: node})
	case definition.SubTypeTerminate:
		out = append(out, &terminateBehavior{node: node})
	case definition.SubTypeLink:
		out = append(out, &linkBehavior{node: node})
	case definition.SubTypeConditional:
		out = append(out, &conditionalBehavior{node: node, condition: conditionalExpressionOf(node)})
	}

	if io := parseIOMapping(node.Element); io != nil {
		io.node = node
		out = append(out, io)
	}
	if form := parseForm(node.Element); form != nil {
		out = append(out, form)
	}
	return out
}

// timerDefinitionOf extracts the duration/cycle/date/cron text of the
// node's timer event definition
func timerDefinitionOf(node *definition.Node) string {
	for _, ed := range node.Element.EventDefinitions() {
		if ed.Type != "timerEventDefinition" {
			continue
		}
		for _, kind := range []string{"timeDuration", "timeCycle", "timeDate"} {
			if child := ed.First(kind); child != nil && child.Text != "" {
				return child.Text
			}
		}
	}
	return ""
}

func conditionalExpressionOf(node *definition.Node) string {
	for _, ed := range node.Element.EventDefinitions() {
		if ed.Type != "conditionalEventDefinition" {
			continue
		}
		if cond := ed.First("condition"); cond != nil {
			return cond.Text
		}
	}
	return ""
}

// correlationOf reads the extension correlation match query of a catching
// message/signal node: <correlation key="customerId" value="expr"/>
func correlationOf(node *definition.Node) map[string]string {
	out := map[string]string{}
	for _, ext := range node.Element.ExtensionElements() {
		if ext.Type != "correlation" {
			continue
		}
		key := ext.Attr("key")
		value := ext.Attr("value")
		if key != "" {
			out[key] = value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// serviceNameOf resolves the service a task dispatches to
func serviceNameOf(elem *bpmn.Element) string {
	for _, attr := range []string{"implementation", "topic", "serviceName"} {
		if v := elem.Attr(attr); v != "" && !strings.HasPrefix(v, "#") {
			return v
		}
	}
	return elem.Attr("name")
}
