package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lyzr/procflow/common/datatree"
	"github.com/lyzr/procflow/common/definition"
	"github.com/lyzr/procflow/common/logger"
	"github.com/lyzr/procflow/common/script"
	"github.com/lyzr/procflow/common/store"
)

// Execution is one live process instance: the data tree, the token graph
// and everything needed to advance it. An Execution is single-threaded;
// the engine serializes access per instance through the lock collection.
type Execution struct {
	ID      string
	Name    string
	Version int
	Status  Status
	Data    map[string]any

	// ParentItemID links a child instance to the call activity item that
	// started it
	ParentItemID string
	Source       string
	SavePoints   bool
	savePoints   map[string]store.Document
	StartedAt    *time.Time
	EndedAt      *time.Time
	Logs         []store.Document

	tokens []*Token
	loops  []*Loop
	seqs   map[string]int

	model     *processModel
	engine    *Engine
	listeners []ListenerFunc
	logger    *logger.Logger

	// saved guards double persistence of a finished instance
	saved bool
}

func newExecution(engine *Engine, pm *processModel, id, name string) *Execution {
	ex := &Execution{
		ID:         id,
		Name:       name,
		Version:    1,
		Status:     StatusStart,
		Data:       map[string]any{},
		SavePoints: engine.config.SavePoints,
		seqs:       map[string]int{},
		model:      pm,
		engine:     engine,
		logger:     engine.log.WithInstanceID(id),
	}
	return ex
}

func (ex *Execution) log() *logger.Logger { return ex.logger }

func (ex *Execution) nextSeq(kind string) int {
	ex.seqs[kind]++
	return ex.seqs[kind]
}

func (ex *Execution) addToken(t *Token) { ex.tokens = append(ex.tokens, t) }
func (ex *Execution) addLoop(l *Loop)   { ex.loops = append(ex.loops, l) }

func (ex *Execution) token(id string) *Token {
	for _, t := range ex.tokens {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (ex *Execution) loop(id string) *Loop {
	for _, l := range ex.loops {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (ex *Execution) item(id string) *Item {
	for _, t := range ex.tokens {
		for _, item := range t.Path {
			if item.ID == id {
				return item
			}
		}
	}
	return nil
}

// items returns every item of every token ordered by creation sequence
func (ex *Execution) items() []*Item {
	var out []*Item
	for _, t := range ex.tokens {
		out = append(out, t.Path...)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Seq > out[j].Seq; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// activeTokens filters the live tokens
func (ex *Execution) activeTokens() []*Token {
	var out []*Token
	for _, t := range ex.tokens {
		if t.Active() {
			out = append(out, t)
		}
	}
	return out
}

// execute starts the instance at the given start node with the payload
// merged into the root data scope.
func (ex *Execution) execute(startNodeID string, data map[string]any) error {
	ex.emit(EventProcessStart, nil, map[string]any{"start_node": startNodeID})
	now := time.Now()
	ex.StartedAt = &now
	ex.Status = StatusRunning

	if len(data) > 0 {
		ex.appendData("", data)
	}

	start := ex.model.def.GetNode(startNodeID)
	if start == nil {
		return fmt.Errorf("start node %s not found in %s", startNodeID, ex.Name)
	}

	if err := ex.spawnEventSubProcesses(start.Process); err != nil {
		return err
	}
	if _, err := ex.startNewToken(TokenPrimary, start, tokenOpts{}); err != nil {
		return err
	}
	ex.emit(EventProcessStarted, nil, nil)
	ex.refreshStatus()
	return nil
}

// spawnEventSubProcesses arms the event sub-processes of a process scope:
// each gets a token parked at its start event.
func (ex *Execution) spawnEventSubProcesses(proc *definition.Process) error {
	if proc == nil {
		return nil
	}
	for _, esp := range proc.EventSubProcesses {
		for _, start := range esp.StartNodes {
			if start.SubType == "" {
				continue
			}
			if _, err := ex.startNewToken(TokenEventSubProcess, start, tokenOpts{}); err != nil {
				return err
			}
		}
	}
	return nil
}

// executeItem drives one item through the node lifecycle:
// enter -> (loop guard) -> (convergence) -> start -> run|wait -> end.
func (ex *Execution) executeItem(item *Item) error {
	node := item.node
	t := item.token

	item.Status = StatusEnter
	ex.emit(EventNodeEnter, item, nil)
	for _, b := range ex.model.behaviorsFor(node) {
		if err := b.enter(item); err != nil {
			return ex.raiseError(item, err)
		}
	}

	// loop guard: a non-iteration token entering a looped activity spawns
	// the iterations and waits
	if lc := ex.model.loopFor(node); lc != nil && t.LoopID == "" {
		action, err := ex.startLoop(item, lc)
		if err != nil {
			return err
		}
		switch action {
		case ActionWait:
			item.Status = StatusWait
			t.Status = StatusWait
			ex.emit(EventNodeWait, item, nil)
			ex.refreshStatus()
			return nil
		case ActionAbort:
			ex.refreshStatus()
			return nil
		}
	}

	if node.IsConverging() && !item.skipConverge {
		action, err := t.converge(item)
		if err != nil {
			return err
		}
		switch action {
		case ActionWait:
			item.Status = StatusWait
			t.Status = StatusWait
			ex.emit(EventNodeWait, item, nil)
			ex.emit(EventTokenWait, item, map[string]any{"token_id": t.ID})
			ex.refreshStatus()
			return nil
		case ActionAbort:
			return nil
		}
	}

	return ex.startItem(item)
}

// startItem runs the start and run phases of an entered item
func (ex *Execution) startItem(item *Item) error {
	node := item.node
	t := item.token

	item.Status = StatusStart
	now := time.Now()
	item.StartedAt = &now
	ex.emit(EventNodeStart, item, nil)

	if err := ex.spawnBoundaryTokens(item); err != nil {
		return err
	}

	action := ActionContinue
	for _, b := range ex.model.behaviorsFor(node) {
		a, err := b.start(item)
		if err != nil {
			return ex.raiseError(item, err)
		}
		action = maxAction(action, a)
	}
	nodeAction, err := ex.nodeStart(item)
	if err != nil {
		return ex.raiseError(item, err)
	}
	action = maxAction(action, nodeAction)

	switch action {
	case ActionWait:
		item.Status = StatusWait
		t.Status = StatusWait
		ex.emit(EventNodeWait, item, nil)
		ex.emit(EventTokenWait, item, map[string]any{"token_id": t.ID})
		ex.refreshStatus()
		return nil
	case ActionEnd:
		return ex.completeItem(item)
	case ActionError, ActionAbort:
		return nil
	}

	return ex.runItem(item)
}

// runItem runs the run phase and completes the item
func (ex *Execution) runItem(item *Item) error {
	node := item.node

	item.Status = StatusRunning
	if runLeavesEngine(node) {
		// persist the started state before handing control to scripts or
		// delegates; a crash inside the task must not lose the fact that
		// it was invoked
		if err := ex.engine.save(context.Background(), ex); err != nil {
			return err
		}
	}
	action := ActionContinue
	for _, b := range ex.model.behaviorsFor(node) {
		a, err := b.run(item)
		if err != nil {
			return ex.raiseError(item, err)
		}
		action = maxAction(action, a)
	}
	nodeAction, err := ex.nodeRun(item)
	if err != nil {
		return ex.raiseError(item, err)
	}
	action = maxAction(action, nodeAction)

	switch action {
	case ActionWait:
		item.Status = StatusWait
		item.token.Status = StatusWait
		ex.emit(EventNodeWait, item, nil)
		ex.refreshStatus()
		return nil
	case ActionError, ActionAbort:
		return nil
	}
	return ex.completeItem(item)
}

// completeItem ends the item and advances its token
func (ex *Execution) completeItem(item *Item) error {
	if err := ex.endItem(item, false); err != nil {
		return err
	}
	t := item.token
	if !t.Active() {
		ex.refreshStatus()
		return nil
	}
	t.Status = StatusRunning
	if err := t.goNext(item); err != nil {
		return err
	}
	ex.refreshStatus()
	return nil
}

// endItem finalizes an item: end hooks, output mapping, boundary token
// retirement, outbound message flows. Cancelled items keep EndedAt unset.
// Idempotent.
func (ex *Execution) endItem(item *Item, cancel bool) error {
	if item.endedOnce {
		return nil
	}
	item.endedOnce = true

	for _, b := range ex.model.behaviorsFor(item.node) {
		if err := b.end(item, cancel); err != nil {
			return err
		}
	}

	item.Status = StatusEnd
	if !cancel {
		now := time.Now()
		item.EndedAt = &now
	}
	ex.engine.scheduler.Cancel(item.ID)

	details := map[string]any{}
	if cancel {
		details["cancelled"] = true
	}
	ex.emit(EventNodeEnd, item, details)

	for _, b := range ex.model.behaviorsFor(item.node) {
		if err := b.exit(item); err != nil {
			return err
		}
	}

	if err := ex.retireBoundaryTokens(item); err != nil {
		return err
	}
	if !cancel {
		if err := ex.cancelEventGatewayPeers(item); err != nil {
			return err
		}
		if err := ex.sendMessageFlows(item); err != nil {
			return err
		}
	}
	return nil
}

// spawnBoundaryTokens arms the boundary events attached to an activity.
// Compensation boundaries arm only when their scope completes.
func (ex *Execution) spawnBoundaryTokens(item *Item) error {
	for _, attachment := range item.node.Attachments {
		if attachment.SubType == definition.SubTypeCompensate {
			continue
		}
		if _, err := ex.startNewToken(TokenBoundary, attachment, tokenOpts{
			parent:     item.token,
			originItem: item,
			dataPath:   item.token.DataPath,
			itemsKey:   item.token.ItemsKey,
		}); err != nil {
			return err
		}
	}
	return nil
}

// retireBoundaryTokens terminates the still-waiting boundary tokens armed
// for an item that just ended
func (ex *Execution) retireBoundaryTokens(item *Item) error {
	for _, t := range ex.tokens {
		if t.Type != TokenBoundary || t.OriginItemID != item.ID || !t.Active() {
			continue
		}
		current := t.currentItem()
		if current != nil && current.Status != StatusWait {
			// this boundary is the one firing
			continue
		}
		if err := t.terminate(); err != nil {
			return err
		}
	}
	return nil
}

// cancelEventGatewayPeers retires the losing catch branches of an
// event-based gateway once one of them fires
func (ex *Execution) cancelEventGatewayPeers(item *Item) error {
	t := item.token
	if t.Type != TokenDiverge || !item.node.IsCatching() {
		return nil
	}
	parent := t.parent()
	if parent == nil {
		return nil
	}
	gateway := ex.model.def.GetNode(parent.CurrentNodeID)
	if gateway == nil || gateway.Type != definition.TypeEventBasedGateway {
		return nil
	}
	for _, peer := range parent.children() {
		if peer.ID == t.ID || peer.Type != TokenDiverge || !peer.Active() {
			continue
		}
		current := peer.currentItem()
		if current == nil || current.Status != StatusWait {
			continue
		}
		if err := peer.terminate(); err != nil {
			return err
		}
	}
	return nil
}

// sendMessageFlows dispatches the outbound message flows of an ended node
// through the message delegate
func (ex *Execution) sendMessageFlows(item *Item) error {
	for _, flow := range item.node.MessageOutbounds() {
		target := ""
		if flow.Target != nil {
			target = flow.Target.ID
		}
		if err := ex.engine.delegates.SendMessage(ex, item, target); err != nil {
			ex.log().Error("message flow dispatch failed", "error", err, "flow_id", flow.ID)
		}
	}
	return nil
}

// takeOutbounds evaluates the node's outbound sequence flows and returns
// the ones the token takes. Conditional flows are evaluated in order; the
// default flow passes only when every conditional flow failed. An
// exclusive gateway takes at most one flow.
func (ex *Execution) takeOutbounds(item *Item) []*definition.Flow {
	node := item.node
	outbounds := node.SequenceOutbounds()
	if len(outbounds) <= 1 {
		return outbounds
	}

	exclusive := node.Type == definition.TypeExclusiveGateway
	var taken []*definition.Flow
	var defaultFlow *definition.Flow

	for _, flow := range outbounds {
		if flow.IsDefault() {
			defaultFlow = flow
			continue
		}
		if flow.Condition == "" {
			taken = append(taken, flow)
			ex.emit(EventFlowTake, item, map[string]any{"flow_id": flow.ID})
			if exclusive {
				break
			}
			continue
		}
		pass, err := ex.evaluateCondition(item, flow.Condition)
		if err != nil {
			ex.log().Error("flow condition failed", "error", err, "flow_id", flow.ID)
			ex.emit(EventProcessException, item, map[string]any{"error": err.Error(), "flow_id": flow.ID})
			pass = false
		}
		if pass {
			taken = append(taken, flow)
			ex.emit(EventFlowTake, item, map[string]any{"flow_id": flow.ID})
			if exclusive {
				break
			}
		} else {
			ex.emit(EventFlowDiscard, item, map[string]any{"flow_id": flow.ID})
		}
	}

	if defaultFlow != nil {
		if len(taken) == 0 {
			taken = append(taken, defaultFlow)
			ex.emit(EventFlowTake, item, map[string]any{"flow_id": defaultFlow.ID})
		} else {
			ex.emit(EventFlowDiscard, item, map[string]any{"flow_id": defaultFlow.ID})
		}
	}
	return taken
}

func (ex *Execution) evaluateCondition(item *Item, expr string) (bool, error) {
	value, err := ex.engine.scripts.EvaluateExpression(ex.scope(item), expr)
	if err != nil {
		return false, err
	}
	pass, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return a boolean", expr)
	}
	return pass, nil
}

// resumeItem completes a waiting item with external data and lets its
// token continue
func (ex *Execution) resumeItem(item *Item, data map[string]any) error {
	if item.Status != StatusWait {
		return fmt.Errorf("item %s on %s is not waiting", item.ID, item.ElementID)
	}
	t := item.token

	ex.emit(EventProcessResumed, item, nil)
	item.Status = StatusRunning
	t.Status = StatusRunning

	if len(data) > 0 {
		for k, v := range data {
			item.Output[k] = v
		}
	}
	for _, b := range ex.model.behaviorsFor(item.node) {
		if err := b.resume(item, data); err != nil {
			return ex.raiseError(item, err)
		}
	}

	// a firing interrupting boundary cancels its host activity first
	if t.Type == TokenBoundary && item.node.CancelActivity {
		if err := ex.interruptHost(t); err != nil {
			return err
		}
	}
	// an event sub-process start firing may interrupt the scope
	if t.Type == TokenEventSubProcess {
		if err := ex.fireEventSubProcess(t, item); err != nil {
			return err
		}
	}

	return ex.runItem(item)
}

// interruptHost cancels the activity an interrupting boundary is attached
// to, along with everything running inside it
func (ex *Execution) interruptHost(boundary *Token) error {
	host := boundary.originItem()
	if host == nil || !host.Active() {
		return nil
	}
	for _, t := range ex.tokens {
		if !t.Active() || t.ID == boundary.ID {
			continue
		}
		if t.OriginItemID == host.ID && t.Type != TokenBoundary {
			if err := t.terminate(); err != nil {
				return err
			}
		}
	}
	if err := ex.endItem(host, true); err != nil {
		return err
	}
	hostToken := host.token
	if hostToken != nil && hostToken.Active() {
		hostToken.Status = StatusEnd
		ex.emit(EventTokenEnd, host, map[string]any{"token_id": hostToken.ID})
	}
	return nil
}

// fireEventSubProcess interrupts the sibling flow of the scope when the
// event sub-process start event is interrupting
func (ex *Execution) fireEventSubProcess(t *Token, item *Item) error {
	interrupting := item.node.Element.Attr("isInterrupting") != "false"
	if !interrupting {
		return nil
	}
	for _, other := range ex.tokens {
		if other.ID == t.ID || !other.Active() {
			continue
		}
		if other.Type == TokenEventSubProcess && other.ParentTokenID == t.ParentTokenID {
			continue
		}
		if other.ParentTokenID == t.ParentTokenID || (t.ParentTokenID == "" && other.ParentTokenID == "") {
			if err := other.terminate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// signalCatch fires a waiting catch token found by error/escalation
// propagation or an external throw
func (ex *Execution) signalCatch(t *Token, data map[string]any) error {
	item := t.currentItem()
	if item == nil || item.Status != StatusWait {
		return nil
	}
	return ex.resumeItem(item, data)
}

// endWaitingAtGateway retires a peer token parked at a converging gateway
// once the convergence decision is made
func (ex *Execution) endWaitingAtGateway(waiter *Token) error {
	item := waiter.currentItem()
	if item != nil && item.Active() {
		if err := ex.endItem(item, false); err != nil {
			return err
		}
	}
	return waiter.endToken(true)
}

// raiseError routes a technical failure raised while executing an item:
// the failure is recorded on the item and propagated like a BPMN error
// with the "engineError" code so boundary handlers can catch it.
func (ex *Execution) raiseError(item *Item, err error) error {
	item.StatusDetails = err.Error()
	ex.log().Error("node execution failed", "error", err, "element_id", item.ElementID)
	ex.emit(EventProcessException, item, map[string]any{"error": err.Error()})
	return err
}

// terminateAll terminates every live token and finalizes the instance
func (ex *Execution) terminateAll() error {
	for _, t := range ex.activeTokens() {
		if err := t.terminate(); err != nil {
			return err
		}
	}
	if ex.Status != StatusTerminated {
		ex.Status = StatusTerminated
		now := time.Now()
		ex.EndedAt = &now
		ex.emit(EventProcessTerminated, nil, nil)
	}
	return nil
}

// checkEnd finalizes the instance when no token can advance anymore
func (ex *Execution) checkEnd() {
	if ex.Status == StatusEnd || ex.Status == StatusTerminated {
		return
	}
	if len(ex.activeTokens()) > 0 {
		return
	}
	ex.Status = StatusEnd
	now := time.Now()
	ex.EndedAt = &now
	ex.emit(EventProcessEnd, nil, nil)
}

// refreshStatus recomputes the instance status from the token graph
func (ex *Execution) refreshStatus() {
	if ex.Status == StatusEnd || ex.Status == StatusTerminated {
		return
	}
	active := ex.activeTokens()
	if len(active) == 0 {
		ex.checkEnd()
		return
	}
	allWaiting := true
	for _, t := range active {
		if t.Status != StatusWait && t.Status != StatusQueued {
			allWaiting = false
			break
		}
	}
	if allWaiting {
		if ex.Status != StatusWait {
			ex.Status = StatusWait
			ex.emit(EventProcessWait, nil, nil)
		}
	} else {
		ex.Status = StatusRunning
	}
}

// appendData merges a payload into the data tree at the given path
func (ex *Execution) appendData(path string, data map[string]any) {
	if len(data) == 0 {
		return
	}
	if err := datatree.Merge(ex.Data, path, data); err != nil {
		ex.log().Error("data merge failed", "error", err, "path", path)
	}
}

// scope builds the script evaluation environment for an item
func (ex *Execution) scope(item *Item) *script.Scope {
	s := &script.Scope{
		Data:     ex.Data,
		Services: ex.engine.services,
		Instance: map[string]any{
			"id":      ex.ID,
			"name":    ex.Name,
			"status":  string(ex.Status),
			"version": ex.Version,
		},
	}
	if item != nil {
		s.Data = item.Data()
		s.Input = item.Input
		s.Output = item.Output
		s.Item = map[string]any{
			"id":           item.ID,
			"element_id":   item.ElementID,
			"element_type": item.ElementType,
			"element_name": item.ElementName,
			"status":       string(item.Status),
			"assignee":     item.Assignee,
			"vars":         item.Vars,
		}
	}
	return s
}

// runScripts executes the listener scripts registered on the item's node
// for a lifecycle event. Map results merge into the token data scope.
func (ex *Execution) runScripts(item *Item, event string) {
	key := strings.TrimPrefix(event, "node_")
	scripts := item.node.Scripts[key]
	if len(scripts) == 0 {
		return
	}
	for _, src := range scripts {
		result, err := ex.engine.scripts.ExecuteScript(ex.scope(item), src)
		if err != nil {
			ex.log().Error("listener script failed", "error", err, "element_id", item.ElementID, "event", event)
			continue
		}
		if result.BPMNError != "" || result.Escalation != "" {
			ex.log().Warn("listener script raised an event, ignored",
				"element_id", item.ElementID, "event", event,
				"bpmn_error", result.BPMNError, "escalation", result.Escalation)
			continue
		}
		if m, ok := result.Value.(map[string]any); ok {
			scope := item.Data()
			for k, v := range m {
				scope[k] = v
			}
		}
	}
}

// addLog appends a structured entry to the instance log trail
func (ex *Execution) addLog(level, message string, details map[string]any) {
	entry := store.Document{
		"seq":     ex.nextSeq("log"),
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
		"level":   level,
		"message": message,
	}
	for k, v := range details {
		entry[k] = v
	}
	ex.Logs = append(ex.Logs, entry)
}

// State serializes the execution into its persistence document
func (ex *Execution) State() store.Document {
	items := make([]any, 0)
	for _, item := range ex.items() {
		items = append(items, map[string]any(item.state()))
	}
	tokens := make([]any, 0, len(ex.tokens))
	for _, t := range ex.tokens {
		tokens = append(tokens, map[string]any(t.state()))
	}
	loops := make([]any, 0, len(ex.loops))
	for _, l := range ex.loops {
		loops = append(loops, map[string]any(l.state()))
	}
	logs := make([]any, 0, len(ex.Logs))
	for _, entry := range ex.Logs {
		logs = append(logs, map[string]any(entry))
	}

	doc := store.Document{
		"id":          ex.ID,
		"name":        ex.Name,
		"status":      string(ex.Status),
		"version":     ex.Version,
		"data":        ex.Data,
		"items":       items,
		"tokens":      tokens,
		"loops":       loops,
		"logs":        logs,
		"seqs":        seqsToDoc(ex.seqs),
	}
	doc["save_points_enabled"] = ex.SavePoints
	if len(ex.savePoints) > 0 {
		points := map[string]any{}
		for id, snap := range ex.savePoints {
			points[id] = map[string]any(snap)
		}
		doc["save_points"] = points
	}
	if ex.ParentItemID != "" {
		doc["parent_item_id"] = ex.ParentItemID
	}
	if ex.Source != "" {
		doc["source"] = ex.Source
	}
	putTime(doc, "started_at", ex.StartedAt)
	putTime(doc, "ended_at", ex.EndedAt)
	return doc
}

func seqsToDoc(seqs map[string]int) map[string]any {
	out := map[string]any{}
	for k, v := range seqs {
		out[k] = v
	}
	return out
}
