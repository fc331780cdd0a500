package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lyzr/procflow/common/definition"
	"github.com/lyzr/procflow/common/store"
)

// TokenType classifies why a token exists
type TokenType string

const (
	TokenPrimary         TokenType = "primary"
	TokenSubProcess      TokenType = "subProcess"
	TokenAdHoc           TokenType = "adHoc"
	TokenEventSubProcess TokenType = "eventSubProcess"
	TokenInstance        TokenType = "instance"
	TokenBoundary        TokenType = "boundaryEvent"
	TokenDiverge         TokenType = "diverge"
)

// Token is a unit of execution pointer in the process graph. Multiple
// tokens coexist for parallel paths; terminated tokens are retained for
// audit and never re-executed.
type Token struct {
	ID            string
	Type          TokenType
	Status        Status
	StartNodeID   string
	CurrentNodeID string
	ParentTokenID string
	OriginItemID  string
	// DataPath is the dotted prefix of the instance data tree this token
	// reads and writes under
	DataPath string
	// ItemsKey identifies this token's loop-iteration scope within nested
	// loops; empty outside loops
	ItemsKey string
	LoopID   string
	// Path is the ordered list of items this token traversed
	Path []*Item

	exec *Execution
}

type tokenOpts struct {
	parent     *Token
	originItem *Item
	dataPath   string
	itemsKey   string
	loopID     string
	noExecute  bool
}

// startNewToken creates a token at the given node and executes it
// immediately unless noExecute is set.
func (ex *Execution) startNewToken(typ TokenType, node *definition.Node, opts tokenOpts) (*Token, error) {
	t := &Token{
		ID:            uuid.NewString(),
		Type:          typ,
		Status:        StatusRunning,
		StartNodeID:   node.ID,
		CurrentNodeID: node.ID,
		DataPath:      opts.dataPath,
		ItemsKey:      opts.itemsKey,
		LoopID:        opts.loopID,
		exec:          ex,
	}
	if opts.parent != nil {
		t.ParentTokenID = opts.parent.ID
	}
	if opts.originItem != nil {
		t.OriginItemID = opts.originItem.ID
	}
	ex.addToken(t)
	ex.emit(EventTokenStart, nil, map[string]any{"token_id": t.ID, "token_type": string(typ)})

	if opts.noExecute {
		t.Status = StatusQueued
		return t, nil
	}
	if err := t.execute(node); err != nil {
		return t, err
	}
	return t, nil
}

// execute runs the node at the token's position through the lifecycle
func (t *Token) execute(node *definition.Node) error {
	t.CurrentNodeID = node.ID
	if t.Status == StatusQueued {
		t.Status = StatusRunning
	}
	item := newItem(t, node)
	return t.exec.executeItem(item)
}

func (t *Token) currentNode() *definition.Node {
	return t.exec.model.def.GetNode(t.CurrentNodeID)
}

func (t *Token) currentItem() *Item {
	if len(t.Path) == 0 {
		return nil
	}
	return t.Path[len(t.Path)-1]
}

func (t *Token) parent() *Token {
	if t.ParentTokenID == "" {
		return nil
	}
	return t.exec.token(t.ParentTokenID)
}

func (t *Token) originItem() *Item {
	if t.OriginItemID == "" {
		return nil
	}
	return t.exec.item(t.OriginItemID)
}

func (t *Token) loop() *Loop {
	if t.LoopID == "" {
		return nil
	}
	return t.exec.loop(t.LoopID)
}

func (t *Token) children() []*Token {
	var out []*Token
	for _, other := range t.exec.tokens {
		if other.ParentTokenID == t.ID {
			out = append(out, other)
		}
	}
	return out
}

// Active reports whether the token can still advance
func (t *Token) Active() bool {
	switch t.Status {
	case StatusEnd, StatusTerminated:
		return false
	default:
		return true
	}
}

// goNext advances the token after its current item ended: collect the
// passing outbound flows, move or diverge, or end the token.
func (t *Token) goNext(item *Item) error {
	// loop iterations report back to the loop before flowing on
	if t.Type == TokenInstance {
		if loop := t.loop(); loop != nil && loop.NodeID == item.ElementID {
			return t.exec.loopNext(t, item)
		}
	}

	outbounds := t.exec.takeOutbounds(item)

	switch len(outbounds) {
	case 0:
		return t.endToken(false)
	case 1:
		return t.moveTo(outbounds[0].Target)
	default:
		if t.Type != TokenSubProcess {
			t.Status = StatusEnd
			t.exec.emit(EventTokenEnd, item, map[string]any{"token_id": t.ID})
		}
		for _, flow := range outbounds {
			if _, err := t.exec.startNewToken(TokenDiverge, flow.Target, tokenOpts{
				parent:     t,
				originItem: item,
				dataPath:   t.DataPath,
				itemsKey:   t.ItemsKey,
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

// moveTo advances the same token to the next node
func (t *Token) moveTo(node *definition.Node) error {
	return t.execute(node)
}

// endToken marks the token ended and runs the completion hooks its type
// requires (sub-process signaling, ad-hoc completion, instance end check).
func (t *Token) endToken(cancel bool) error {
	if !t.Active() {
		return nil
	}
	t.Status = StatusEnd
	t.exec.emit(EventTokenEnd, t.currentItem(), map[string]any{"token_id": t.ID})

	if !cancel {
		switch t.Type {
		case TokenSubProcess:
			if err := t.completeSubProcess(); err != nil {
				return err
			}
		case TokenAdHoc:
			if err := t.checkAdHocComplete(); err != nil {
				return err
			}
		}
	}
	t.exec.checkEnd()
	return nil
}

// completeSubProcess signals the parent activity item when the last node
// of the sub-process has ended
func (t *Token) completeSubProcess() error {
	origin := t.originItem()
	if origin == nil || !origin.Active() {
		return nil
	}
	// sibling sub-process tokens from a diverging gateway inside the
	// sub-process may still be running
	for _, other := range t.exec.tokens {
		if other.ID == t.ID || !other.Active() {
			continue
		}
		if other.OriginItemID == t.OriginItemID && other.Type != TokenEventSubProcess {
			return nil
		}
		if t.isAncestorOf(other) && other.Type != TokenEventSubProcess {
			return nil
		}
	}

	parent := origin.token
	if err := t.exec.endItem(origin, false); err != nil {
		return err
	}
	parent.Status = StatusRunning
	return parent.goNext(origin)
}

// checkAdHocComplete resumes the ad-hoc sub-process parent when every
// sibling ad-hoc token has finished
func (t *Token) checkAdHocComplete() error {
	origin := t.originItem()
	if origin == nil || !origin.Active() {
		return nil
	}
	for _, other := range t.exec.tokens {
		if other.ID != t.ID && other.Type == TokenAdHoc && other.OriginItemID == t.OriginItemID && other.Active() {
			return nil
		}
	}
	parent := origin.token
	if err := t.exec.endItem(origin, false); err != nil {
		return err
	}
	parent.Status = StatusRunning
	return parent.goNext(origin)
}

func (t *Token) isAncestorOf(other *Token) bool {
	for current := other.parent(); current != nil; current = current.parent() {
		if current.ID == t.ID {
			return true
		}
	}
	return false
}

// terminate ends the token and every descendant without emitting outbound
// flows. Idempotent.
func (t *Token) terminate() error {
	if t.Status == StatusTerminated {
		return nil
	}
	alreadyEnded := t.Status == StatusEnd
	t.Status = StatusTerminated

	if item := t.currentItem(); item != nil && item.Active() {
		if err := t.exec.endItem(item, true); err != nil {
			return err
		}
		item.Status = StatusTerminated
		t.exec.emit(EventNodeTerminated, item, nil)
	}
	if !alreadyEnded {
		t.exec.emit(EventTokenTerminated, t.currentItem(), map[string]any{"token_id": t.ID})
	}

	if loop := t.loop(); loop != nil {
		for _, other := range t.exec.tokens {
			if other.ID != t.ID && other.LoopID == loop.ID {
				if err := other.terminate(); err != nil {
					return err
				}
			}
		}
	}
	for _, child := range t.children() {
		if err := child.terminate(); err != nil {
			return err
		}
	}
	t.exec.checkEnd()
	return nil
}

// processError searches up the token chain for a catch matching the error
// code; unhandled errors terminate the execution.
func (t *Token) processError(code string) error {
	if catch := t.findCatch(definition.SubTypeError, code); catch != nil {
		if err := t.endToken(true); err != nil {
			return err
		}
		return t.exec.signalCatch(catch, map[string]any{"errorCode": code})
	}
	t.exec.emit(EventProcessError, t.currentItem(), map[string]any{"error_code": code, "unhandled": true})
	return t.exec.terminateAll()
}

// processEscalation is like processError but non-terminating on miss
func (t *Token) processEscalation(code string) error {
	if catch := t.findCatch(definition.SubTypeEscalation, code); catch != nil {
		return t.exec.signalCatch(catch, map[string]any{"escalationCode": code})
	}
	t.exec.log().Warn("unhandled escalation", "code", code, "instance_id", t.exec.ID)
	return nil
}

// findCatch walks the token chain upward looking for a waiting catch token
// (boundary event or event sub-process start) matching the sub-type and
// code. An empty catch code matches any thrown code.
func (t *Token) findCatch(subType, code string) *Token {
	for current := t; current != nil; current = current.parent() {
		for _, candidate := range t.exec.tokens {
			if !candidate.Active() || candidate.Status != StatusWait {
				continue
			}
			node := candidate.currentNode()
			if node == nil || node.SubType != subType {
				continue
			}
			catchCode := node.ErrorCode
			if subType == definition.SubTypeEscalation {
				catchCode = node.EscalationCode
			}
			if catchCode != "" && code != "" && catchCode != code {
				continue
			}
			switch candidate.Type {
			case TokenBoundary:
				origin := candidate.originItem()
				if origin != nil && origin.token != nil && (origin.token.ID == current.ID || origin.TokenID == current.ID) {
					return candidate
				}
				// boundary on the activity that spawned this chain
				if origin != nil && current.OriginItemID == origin.ID {
					return candidate
				}
			case TokenEventSubProcess:
				if candidate.ParentTokenID == current.ID || candidate.ParentTokenID == current.ParentTokenID {
					return candidate
				}
			}
		}
	}
	return nil
}

// itemsKeyCompatible reports whether two loop scopes can meet at a gateway:
// one key must be a prefix of the other
func itemsKeyCompatible(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return b[:len(a)] == a
}

// relatedTokens collects the other tokens that could still arrive at the
// converging gateway: active, able to reach it along the forward graph,
// and in a compatible loop scope. Asynchronous catch tokens (boundary,
// event sub-process) never participate in convergence.
func (t *Token) relatedTokens(gateway *definition.Node) []*Token {
	var out []*Token
	for _, other := range t.exec.tokens {
		if other.ID == t.ID || !other.Active() {
			continue
		}
		if other.Type == TokenBoundary || other.Type == TokenEventSubProcess {
			continue
		}
		if !itemsKeyCompatible(t.ItemsKey, other.ItemsKey) {
			continue
		}
		node := other.currentNode()
		if node == nil || !node.CanReach(gateway) {
			continue
		}
		out = append(out, other)
	}
	return out
}

// converge applies the gateway convergence rule for this token arriving at
// a converging gateway. The returned action drives the node lifecycle:
// WAIT parks the token, CONTINUE lets it pass, ABORT means the arrival
// restarted the parent token and this item is done.
func (t *Token) converge(item *Item) (Action, error) {
	gateway := item.node
	related := t.relatedTokens(gateway)

	var pending, waiting []*Token
	for _, other := range related {
		if other.CurrentNodeID == gateway.ID && other.Status == StatusWait {
			waiting = append(waiting, other)
		} else {
			pending = append(pending, other)
		}
	}

	if gateway.Type == definition.TypeExclusiveGateway {
		// first arrival wins the race
		for _, loser := range pending {
			if err := loser.terminate(); err != nil {
				return ActionAbort, err
			}
		}
		for _, waiter := range waiting {
			if err := t.exec.endWaitingAtGateway(waiter); err != nil {
				return ActionAbort, err
			}
		}
		return ActionContinue, nil
	}

	if len(pending) > 0 {
		return ActionWait, nil
	}

	// last arrival converges: end the waiting peers first
	for _, waiter := range waiting {
		if err := t.exec.endWaitingAtGateway(waiter); err != nil {
			return ActionAbort, err
		}
	}

	if t.Type == TokenDiverge {
		parent := t.parent()
		if parent == nil {
			return ActionAbort, fmt.Errorf("diverge token %s has no parent to converge into", t.ID)
		}
		// resurrect the parent at the gateway first so ending this branch
		// cannot be mistaken for the end of the instance
		parent.Status = StatusRunning
		parent.CurrentNodeID = gateway.ID

		item.Status = StatusEnd
		t.exec.emit(EventNodeEnd, item, nil)
		if err := t.endToken(true); err != nil {
			return ActionAbort, err
		}
		for _, child := range parent.children() {
			if child.ID != t.ID && child.Type == TokenDiverge && child.Active() {
				if err := child.terminate(); err != nil {
					return ActionAbort, err
				}
			}
		}
		converged := newItem(parent, gateway)
		converged.skipConverge = true
		if err := t.exec.executeItem(converged); err != nil {
			return ActionAbort, err
		}
		return ActionAbort, nil
	}
	return ActionContinue, nil
}

func (t *Token) state() store.Document {
	doc := store.Document{
		"id":            t.ID,
		"type":          string(t.Type),
		"status":        string(t.Status),
		"start_node_id": t.StartNodeID,
		"current_node":  t.CurrentNodeID,
		"data_path":     t.DataPath,
	}
	if t.ParentTokenID != "" {
		doc["parent_token"] = t.ParentTokenID
	}
	if t.OriginItemID != "" {
		doc["origin_item"] = t.OriginItemID
	}
	if t.ItemsKey != "" {
		doc["items_key"] = t.ItemsKey
	}
	if t.LoopID != "" {
		doc["loop_id"] = t.LoopID
	}
	return doc
}

func tokenFromState(ex *Execution, doc store.Document) *Token {
	return &Token{
		ID:            asString(doc["id"]),
		Type:          TokenType(asString(doc["type"])),
		Status:        Status(asString(doc["status"])),
		StartNodeID:   asString(doc["start_node_id"]),
		CurrentNodeID: asString(doc["current_node"]),
		ParentTokenID: asString(doc["parent_token"]),
		OriginItemID:  asString(doc["origin_item"]),
		DataPath:      asString(doc["data_path"]),
		ItemsKey:      asString(doc["items_key"]),
		LoopID:        asString(doc["loop_id"]),
		exec:          ex,
	}
}
