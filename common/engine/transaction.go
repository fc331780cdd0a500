package engine

import (
	"fmt"

	"github.com/lyzr/procflow/common/definition"
)

// enclosingScope walks the origin-item chain upward until it finds an
// active item of one of the given node types
func (ex *Execution) enclosingScope(item *Item, types ...string) *Item {
	current := item.token
	for current != nil {
		origin := current.originItem()
		if origin == nil {
			return nil
		}
		for _, typ := range types {
			if origin.ElementType == typ && origin.Active() {
				return origin
			}
		}
		current = origin.token
	}
	return nil
}

// cancelTransaction aborts the enclosing transaction of a cancel end
// event: compensation runs for the completed work, the scope's live
// tokens are terminated and the cancel boundary of the transaction fires.
func (ex *Execution) cancelTransaction(item *Item) error {
	scope := ex.enclosingScope(item, definition.TypeTransaction)
	if scope == nil {
		return fmt.Errorf("cancel end event %s outside a transaction", item.ElementID)
	}

	if err := ex.compensateScope(scope); err != nil {
		return err
	}

	for _, t := range ex.tokens {
		if !t.Active() || t.Type == TokenBoundary {
			continue
		}
		if t.OriginItemID == scope.ID {
			if err := t.terminate(); err != nil {
				return err
			}
		}
	}

	// the transaction activity ends cancelled; a cancel boundary carries
	// the flow on, otherwise the scope just stops
	var boundary *Token
	for _, t := range ex.tokens {
		if t.Type != TokenBoundary || !t.Active() || t.OriginItemID != scope.ID {
			continue
		}
		node := t.currentNode()
		if node != nil && node.SubType == definition.SubTypeCancel {
			boundary = t
			break
		}
	}

	if boundary != nil {
		// firing the boundary interrupts the transaction item on the way,
		// then carries the flow on behind the boundary
		if err := ex.signalCatch(boundary, map[string]any{"cancelled": scope.ElementID}); err != nil {
			return err
		}
	} else {
		if err := ex.endItem(scope, true); err != nil {
			return err
		}
		host := scope.token
		if host != nil && host.Active() {
			host.Status = StatusEnd
			ex.emit(EventTokenEnd, scope, map[string]any{"token_id": host.ID})
		}
	}
	scope.Status = StatusCancelled

	ex.checkEnd()
	return nil
}

// runCompensation compensates the scope enclosing a compensation throw
// event. Outside any sub-process the whole instance history is in scope.
func (ex *Execution) runCompensation(item *Item) error {
	scope := ex.enclosingScope(item,
		definition.TypeTransaction, definition.TypeSubProcess, definition.TypeAdHocSubProcess)
	if scope != nil {
		return ex.compensateScope(scope)
	}
	return ex.compensateItems(ex.items())
}

// compensateScope compensates the completed activities that ran under the
// given container item
func (ex *Execution) compensateScope(scope *Item) error {
	var inScope []*Item
	for _, t := range ex.tokens {
		if !ex.descendsFrom(t, scope.ID) {
			continue
		}
		inScope = append(inScope, t.Path...)
	}
	return ex.compensateItems(inScope)
}

// compensateItems fires the compensate boundary handlers of completed
// activities in reverse completion order
func (ex *Execution) compensateItems(items []*Item) error {
	for i := len(items) - 1; i >= 0; i-- {
		candidate := items[i]
		if candidate.Status != StatusEnd || candidate.EndedAt == nil {
			continue
		}
		for _, attachment := range candidate.node.Attachments {
			if attachment.SubType != definition.SubTypeCompensate {
				continue
			}
			if err := ex.runCompensationHandler(candidate, attachment); err != nil {
				return err
			}
		}
	}
	return nil
}

// runCompensationHandler executes the flow behind a compensate boundary
// for one completed activity
func (ex *Execution) runCompensationHandler(compensated *Item, boundary *definition.Node) error {
	outbounds := boundary.SequenceOutbounds()
	if len(outbounds) == 0 {
		ex.log().Warn("compensate boundary without handler flow", "element_id", boundary.ID)
		return nil
	}
	for _, flow := range outbounds {
		if _, err := ex.startNewToken(TokenBoundary, flow.Target, tokenOpts{
			parent:     compensated.token,
			originItem: compensated,
			dataPath:   compensated.token.DataPath,
			itemsKey:   compensated.token.ItemsKey,
		}); err != nil {
			return err
		}
	}
	return nil
}

// descendsFrom reports whether the token's origin chain passes through
// the given item
func (ex *Execution) descendsFrom(t *Token, itemID string) bool {
	for current := t; current != nil; {
		if current.OriginItemID == itemID {
			return true
		}
		origin := current.originItem()
		if origin == nil {
			return false
		}
		current = origin.token
	}
	return false
}
