package engine

import (
	"fmt"
	"time"

	"github.com/lyzr/procflow/common/bpmn"
	"github.com/lyzr/procflow/common/datatree"
	"github.com/lyzr/procflow/common/definition"
	"github.com/lyzr/procflow/common/scheduler"
)

// timerBehavior arms a timer for catching timer events and re-arms
// repeating cycles on non-interrupting boundaries.
type timerBehavior struct {
	baseBehavior
	node *definition.Node
	def  string
}

func (b *timerBehavior) name() string { return "timer" }

func (b *timerBehavior) start(item *Item) (Action, error) {
	if b.def == "" {
		return ActionContinue, nil
	}
	// a timer start event reached by an explicit start has already fired
	if b.node.Type == definition.TypeStartEvent && item.token.Type == TokenPrimary {
		return ActionContinue, nil
	}
	timer, err := scheduler.ParseTimer(b.def)
	if err != nil {
		return ActionError, fmt.Errorf("timer on %s: %w", b.node.ID, err)
	}
	due, ok := timer.Next(time.Now())
	if !ok {
		// a date in the past or an exhausted cycle never fires
		return ActionContinue, nil
	}
	item.timer = timer
	item.TimeDue = &due
	ex := item.token.exec
	ex.engine.scheduler.Schedule(ex.ID, item.ID, due)
	return ActionWait, nil
}

func (b *timerBehavior) resume(item *Item, data map[string]any) error {
	item.TimeDue = nil
	// repeating cycle on a non-interrupting boundary re-arms on the host
	if item.timer == nil || !item.timer.Consume() {
		return nil
	}
	t := item.token
	if t.Type != TokenBoundary || b.node.CancelActivity {
		return nil
	}
	host := t.originItem()
	if host == nil || !host.Active() {
		return nil
	}
	_, err := t.exec.startNewToken(TokenBoundary, b.node, tokenOpts{
		parent:     host.token,
		originItem: host,
		dataPath:   t.DataPath,
		itemsKey:   t.ItemsKey,
	})
	return err
}

func (b *timerBehavior) restored(item *Item) error {
	if item.Status != StatusWait || item.TimeDue == nil {
		return nil
	}
	ex := item.token.exec
	ex.engine.scheduler.Schedule(ex.ID, item.ID, *item.TimeDue)
	return nil
}

// messageBehavior parks catching message nodes with their correlation
// query and dispatches throwing ones through the message delegate.
type messageBehavior struct {
	baseBehavior
	node *definition.Node
}

func (b *messageBehavior) name() string { return "message" }

func (b *messageBehavior) start(item *Item) (Action, error) {
	if !b.node.IsCatching() {
		return ActionContinue, nil
	}
	// a message start event reached by an explicit start has already
	// received its message
	if b.node.Type == definition.TypeStartEvent && item.token.Type == TokenPrimary {
		return ActionContinue, nil
	}
	item.MessageID = b.node.MessageID
	match, err := resolveCorrelation(item, b.node)
	if err != nil {
		return ActionError, err
	}
	item.Match = match
	return ActionWait, nil
}

func (b *messageBehavior) run(item *Item) (Action, error) {
	if b.node.IsCatching() {
		return ActionContinue, nil
	}
	ex := item.token.exec
	if err := ex.engine.delegates.SendMessage(ex, item, b.node.MessageID); err != nil {
		return ActionError, fmt.Errorf("throw message %s: %w", b.node.MessageID, err)
	}
	return ActionContinue, nil
}

// signalBehavior mirrors messageBehavior for signal events
type signalBehavior struct {
	baseBehavior
	node *definition.Node
}

func (b *signalBehavior) name() string { return "signal" }

func (b *signalBehavior) start(item *Item) (Action, error) {
	if !b.node.IsCatching() {
		return ActionContinue, nil
	}
	if b.node.Type == definition.TypeStartEvent && item.token.Type == TokenPrimary {
		return ActionContinue, nil
	}
	item.SignalID = b.node.SignalID
	match, err := resolveCorrelation(item, b.node)
	if err != nil {
		return ActionError, err
	}
	item.Match = match
	return ActionWait, nil
}

func (b *signalBehavior) run(item *Item) (Action, error) {
	if b.node.IsCatching() {
		return ActionContinue, nil
	}
	ex := item.token.exec
	if err := ex.engine.throwSignal(ex, item, b.node.SignalID); err != nil {
		return ActionError, fmt.Errorf("throw signal %s: %w", b.node.SignalID, err)
	}
	return ActionContinue, nil
}

// errorBehavior parks catching error events and redirects the token chain
// on throw
type errorBehavior struct {
	baseBehavior
	node *definition.Node
}

func (b *errorBehavior) name() string { return "error" }

func (b *errorBehavior) start(item *Item) (Action, error) {
	if b.node.IsCatching() {
		return ActionWait, nil
	}
	return ActionContinue, nil
}

func (b *errorBehavior) run(item *Item) (Action, error) {
	if b.node.IsCatching() {
		return ActionContinue, nil
	}
	ex := item.token.exec
	if err := ex.endItem(item, false); err != nil {
		return ActionAbort, err
	}
	return ActionAbort, item.token.processError(b.node.ErrorCode)
}

// escalationBehavior is the non-interrupting sibling of errorBehavior:
// an uncaught escalation does not stop the flow
type escalationBehavior struct {
	baseBehavior
	node *definition.Node
}

func (b *escalationBehavior) name() string { return "escalation" }

func (b *escalationBehavior) start(item *Item) (Action, error) {
	if b.node.IsCatching() {
		return ActionWait, nil
	}
	return ActionContinue, nil
}

func (b *escalationBehavior) run(item *Item) (Action, error) {
	if b.node.IsCatching() {
		return ActionContinue, nil
	}
	return ActionContinue, item.token.processEscalation(b.node.EscalationCode)
}

// cancelBehavior handles transaction cancellation: a cancel end event
// aborts the enclosing transaction and fires its cancel boundary
type cancelBehavior struct {
	baseBehavior
	node *definition.Node
}

func (b *cancelBehavior) name() string { return "cancel" }

func (b *cancelBehavior) start(item *Item) (Action, error) {
	if b.node.IsCatching() {
		return ActionWait, nil
	}
	return ActionContinue, nil
}

func (b *cancelBehavior) run(item *Item) (Action, error) {
	if b.node.IsCatching() {
		return ActionContinue, nil
	}
	ex := item.token.exec
	if err := ex.endItem(item, false); err != nil {
		return ActionAbort, err
	}
	return ActionAbort, ex.cancelTransaction(item)
}

// compensateBehavior runs the compensation handlers of the enclosing
// scope when thrown
type compensateBehavior struct {
	baseBehavior
	node *definition.Node
}

func (b *compensateBehavior) name() string { return "compensate" }

func (b *compensateBehavior) start(item *Item) (Action, error) {
	if b.node.IsCatching() {
		return ActionWait, nil
	}
	return ActionContinue, nil
}

func (b *compensateBehavior) run(item *Item) (Action, error) {
	if b.node.IsCatching() {
		return ActionContinue, nil
	}
	return ActionContinue, item.token.exec.runCompensation(item)
}

// terminateBehavior ends the instance: every other token is terminated
// and the end event completes normally
type terminateBehavior struct {
	baseBehavior
	node *definition.Node
}

func (b *terminateBehavior) name() string { return "terminate" }

func (b *terminateBehavior) run(item *Item) (Action, error) {
	ex := item.token.exec
	for _, t := range ex.activeTokens() {
		if t.ID == item.TokenID {
			continue
		}
		if err := t.terminate(); err != nil {
			return ActionAbort, err
		}
	}
	return ActionContinue, nil
}

// conditionalBehavior passes immediately when its condition already holds
// and parks otherwise; a data change re-evaluates through invoke
type conditionalBehavior struct {
	baseBehavior
	node      *definition.Node
	condition string
}

func (b *conditionalBehavior) name() string { return "conditional" }

func (b *conditionalBehavior) start(item *Item) (Action, error) {
	if b.condition == "" {
		return ActionWait, nil
	}
	ex := item.token.exec
	pass, err := ex.evaluateCondition(item, b.condition)
	if err != nil {
		return ActionError, fmt.Errorf("conditional event %s: %w", b.node.ID, err)
	}
	if pass {
		return ActionContinue, nil
	}
	return ActionWait, nil
}

// linkBehavior jumps a throwing link event to the matching catch link in
// the same process
type linkBehavior struct {
	baseBehavior
	node *definition.Node
}

func (b *linkBehavior) name() string { return "link" }

func (b *linkBehavior) run(item *Item) (Action, error) {
	if b.node.Type != definition.TypeIntermediateThrowEvent {
		return ActionContinue, nil
	}
	ex := item.token.exec
	catch := findCatchLink(b.node)
	if catch == nil {
		return ActionError, fmt.Errorf("no catch link for %q in process %s", b.node.Name, b.node.Process.ID)
	}
	if err := ex.endItem(item, false); err != nil {
		return ActionAbort, err
	}
	return ActionAbort, item.token.execute(catch)
}

func findCatchLink(throw *definition.Node) *definition.Node {
	if throw.Process == nil {
		return nil
	}
	for _, node := range throw.Process.ChildrenNodes {
		if node.Type == definition.TypeIntermediateCatchEvent &&
			node.SubType == definition.SubTypeLink && node.Name == throw.Name {
			return node
		}
	}
	return nil
}

// ioParam is one input or output mapping parameter
type ioParam struct {
	target string
	source string
}

// ioBehavior applies the node's input mappings at enter and its output
// mappings at exit
type ioBehavior struct {
	baseBehavior
	node    *definition.Node
	inputs  []ioParam
	outputs []ioParam
}

func (b *ioBehavior) name() string { return "io" }

func (b *ioBehavior) enter(item *Item) error {
	if len(b.inputs) == 0 {
		return nil
	}
	ex := item.token.exec
	for _, p := range b.inputs {
		value, err := ex.resolveParam(item, p.source)
		if err != nil {
			return fmt.Errorf("input %s: %w", p.target, err)
		}
		item.Input[p.target] = value
	}
	ex.emit(EventTransformInput, item, nil)
	return nil
}

func (b *ioBehavior) exit(item *Item) error {
	if len(b.outputs) == 0 {
		return nil
	}
	ex := item.token.exec
	scope := item.Data()
	for _, p := range b.outputs {
		value, err := ex.resolveParam(item, p.source)
		if err != nil {
			return fmt.Errorf("output %s: %w", p.target, err)
		}
		scope[p.target] = value
	}
	ex.emit(EventTransformOutput, item, nil)
	return nil
}

// parseIOMapping reads the extension input/output parameters:
// <ioMapping><input source="=expr" target="name"/>...</ioMapping>
func parseIOMapping(elem *bpmn.Element) *ioBehavior {
	var io *ioBehavior
	for _, ext := range elem.ExtensionElements() {
		if ext.Type != "ioMapping" {
			continue
		}
		if io == nil {
			io = &ioBehavior{}
		}
		for _, child := range ext.Children {
			p := ioParam{target: child.Attr("target"), source: child.Attr("source")}
			if p.target == "" {
				continue
			}
			switch child.Type {
			case "input":
				io.inputs = append(io.inputs, p)
			case "output":
				io.outputs = append(io.outputs, p)
			}
		}
	}
	if io == nil || (len(io.inputs) == 0 && len(io.outputs) == 0) {
		return nil
	}
	return io
}

// formField describes one field of a user task form
type formField struct {
	ID       string
	Label    string
	Type     string
	Default  string
	Required bool
}

// formBehavior copies the form definition onto the item so task clients
// can render it
type formBehavior struct {
	baseBehavior
	fields []formField
}

func (b *formBehavior) name() string { return "form" }

func (b *formBehavior) enter(item *Item) error {
	fields := make([]any, 0, len(b.fields))
	for _, f := range b.fields {
		fields = append(fields, map[string]any{
			"id":       f.ID,
			"label":    f.Label,
			"type":     f.Type,
			"default":  f.Default,
			"required": f.Required,
		})
	}
	item.Vars["form"] = fields
	return nil
}

// parseForm reads the extension form definition:
// <formData><formField id label type defaultValue required/></formData>
func parseForm(elem *bpmn.Element) *formBehavior {
	var form *formBehavior
	for _, ext := range elem.ExtensionElements() {
		if ext.Type != "formData" {
			continue
		}
		for _, child := range ext.Children {
			if child.Type != "formField" {
				continue
			}
			if form == nil {
				form = &formBehavior{}
			}
			form.fields = append(form.fields, formField{
				ID:       child.Attr("id"),
				Label:    child.Attr("label"),
				Type:     child.Attr("type"),
				Default:  child.Attr("defaultValue"),
				Required: child.Attr("required") == "true",
			})
		}
	}
	return form
}

// resolveCorrelation evaluates the correlation match expressions of a
// catching node into a stored submatch query
func resolveCorrelation(item *Item, node *definition.Node) (map[string]any, error) {
	spec := correlationOf(node)
	if len(spec) == 0 {
		return nil, nil
	}
	ex := item.token.exec
	match := map[string]any{}
	for key, raw := range spec {
		value, err := ex.resolveParam(item, raw)
		if err != nil {
			return nil, fmt.Errorf("correlation %s: %w", key, err)
		}
		match[key] = value
	}
	return match, nil
}

// resolveParam evaluates "=" prefixed values as expressions and returns
// anything else verbatim
func (ex *Execution) resolveParam(item *Item, raw string) (any, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	if raw[0] == '=' {
		return ex.engine.scripts.EvaluateExpression(ex.scope(item), raw)
	}
	if value, ok := datatree.Get(item.Data(), raw); ok {
		return value, nil
	}
	return raw, nil
}
