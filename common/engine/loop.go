package engine

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/lyzr/procflow/common/datatree"
	"github.com/lyzr/procflow/common/definition"
	"github.com/lyzr/procflow/common/store"
)

// Loop kinds
const (
	loopSequential = "sequential"
	loopParallel   = "parallel"
	loopStandard   = "standard"
)

// loopCharacteristics is the parsed loop configuration of a node
type loopCharacteristics struct {
	kind string
	// collection is a data path or expression yielding the items
	collection string
	// elementVar names the iteration element inside the iteration scope
	elementVar string
	// outputCollection names where the collected outputs land in the
	// parent scope; outputElement addresses the collected value inside
	// each iteration scope
	outputCollection string
	outputElement    string
	// condition drives a standard loop; testBefore checks it before the
	// first iteration
	condition  string
	testBefore bool
	maxCount   string
}

func parseLoopCharacteristics(node *definition.Node) *loopCharacteristics {
	if mi := node.Element.First("multiInstanceLoopCharacteristics"); mi != nil {
		lc := &loopCharacteristics{
			kind:             loopParallel,
			collection:       mi.Attr("collection"),
			elementVar:       mi.Attr("elementVariable"),
			outputCollection: mi.Attr("outputCollection"),
			outputElement:    mi.Attr("outputElement"),
		}
		if mi.Attr("isSequential") == "true" {
			lc.kind = loopSequential
		}
		if lc.collection == "" {
			if ref := mi.First("loopDataInputRef"); ref != nil {
				lc.collection = ref.Text
			}
		}
		if lc.elementVar == "" {
			lc.elementVar = "item"
		}
		if card := mi.First("loopCardinality"); card != nil {
			lc.maxCount = card.Text
		}
		return lc
	}
	if std := node.Element.First("standardLoopCharacteristics"); std != nil {
		lc := &loopCharacteristics{
			kind:       loopStandard,
			elementVar: "item",
			testBefore: std.Attr("testBefore") == "true",
		}
		if cond := std.First("loopCondition"); cond != nil {
			lc.condition = cond.Text
		}
		if max := std.Attr("loopMaximum"); max != "" {
			lc.maxCount = max
		}
		return lc
	}
	return nil
}

// Loop is the live state of one multi-instance or standard loop execution
type Loop struct {
	ID           string
	NodeID       string
	OwnerTokenID string
	DataPath     string
	Items        []any
	Sequence     int
	Completed    int
	EndFlag      bool

	chars *loopCharacteristics
}

// startLoop runs the loop guard when a token enters a node with loop
// characteristics: it spawns the iteration tokens and parks the owner.
func (ex *Execution) startLoop(item *Item, lc *loopCharacteristics) (Action, error) {
	owner := item.token
	node := item.node

	loop := &Loop{
		ID:           uuid.NewString(),
		NodeID:       node.ID,
		OwnerTokenID: owner.ID,
		DataPath:     joinPath(owner.DataPath, node.ID),
		chars:        lc,
	}

	switch lc.kind {
	case loopSequential, loopParallel:
		items, err := ex.loopCollection(item, lc)
		if err != nil {
			return ActionError, ex.raiseError(item, err)
		}
		if len(items) == 0 {
			// nothing to iterate: the activity completes immediately
			return ActionContinue, nil
		}
		loop.Items = items
	case loopStandard:
		if lc.testBefore {
			proceed, err := ex.loopConditionHolds(item, loop)
			if err != nil {
				return ActionError, ex.raiseError(item, err)
			}
			if !proceed {
				return ActionContinue, nil
			}
		}
	}

	ex.addLoop(loop)

	switch lc.kind {
	case loopParallel:
		// spawn every iteration up-front, then start them
		for range loop.Items {
			if err := ex.spawnIteration(item, loop); err != nil {
				return ActionError, err
			}
		}
	default:
		if err := ex.spawnIteration(item, loop); err != nil {
			return ActionError, err
		}
	}
	if !item.Active() {
		// every iteration ran to completion synchronously and the loop
		// already ended this item and advanced the owner
		return ActionAbort, nil
	}
	return ActionWait, nil
}

// spawnIteration creates the Instance token for the next iteration
func (ex *Execution) spawnIteration(item *Item, loop *Loop) error {
	index := loop.Sequence
	loop.Sequence++

	iterPath := joinPath(loop.DataPath, strconv.Itoa(index))
	scope := datatree.Ensure(ex.Data, iterPath)
	if loop.chars.kind != loopStandard {
		scope[loop.chars.elementVar] = loop.Items[index]
	}
	scope["loopIndex"] = index

	node := ex.model.def.GetNode(loop.NodeID)
	_, err := ex.startNewToken(TokenInstance, node, tokenOpts{
		parent:     item.token,
		originItem: item,
		dataPath:   iterPath,
		itemsKey:   iterPath,
		loopID:     loop.ID,
	})
	return err
}

// loopNext is consulted when an iteration token's item ends: advance the
// loop or finish it and resume the owner token.
func (ex *Execution) loopNext(t *Token, item *Item) error {
	loop := t.loop()
	if loop == nil {
		return t.endToken(false)
	}
	loop.Completed++

	if err := t.endToken(true); err != nil {
		return err
	}
	t.Status = StatusEnd

	done := false
	switch loop.chars.kind {
	case loopSequential:
		if loop.Sequence < len(loop.Items) {
			return ex.spawnNextIteration(loop)
		}
		done = true
	case loopParallel:
		done = loop.Completed >= len(loop.Items)
	case loopStandard:
		ownerItem := ex.item(t.OriginItemID)
		proceed, err := ex.loopConditionHolds(ownerItem, loop)
		if err != nil {
			return ex.raiseError(item, err)
		}
		if proceed && !ex.loopMaxReached(loop, ownerItem) {
			return ex.spawnNextIteration(loop)
		}
		loop.EndFlag = true
		done = true
	}

	if !done {
		return nil
	}
	return ex.finishLoop(loop)
}

func (ex *Execution) spawnNextIteration(loop *Loop) error {
	owner := ex.token(loop.OwnerTokenID)
	if owner == nil {
		return fmt.Errorf("loop %s owner token missing", loop.ID)
	}
	ownerItem := owner.currentItem()
	if ownerItem == nil || !ownerItem.Active() {
		return nil
	}
	return ex.spawnIteration(ownerItem, loop)
}

// finishLoop collects iteration outputs, ends the owner's activity item
// and advances the owner token.
func (ex *Execution) finishLoop(loop *Loop) error {
	owner := ex.token(loop.OwnerTokenID)
	if owner == nil || !owner.Active() {
		return nil
	}
	ownerItem := owner.currentItem()
	if ownerItem == nil || !ownerItem.Active() {
		return nil
	}

	if loop.chars.outputCollection != "" {
		results := make([]any, 0, loop.Sequence)
		for index := 0; index < loop.Sequence; index++ {
			iterPath := joinPath(loop.DataPath, strconv.Itoa(index))
			source := iterPath
			if loop.chars.outputElement != "" {
				source = joinPath(iterPath, loop.chars.outputElement)
			}
			value, _ := datatree.Get(ex.Data, source)
			results = append(results, value)
		}
		scope := datatree.Ensure(ex.Data, owner.DataPath)
		scope[loop.chars.outputCollection] = results
	}

	if err := ex.endItem(ownerItem, false); err != nil {
		return err
	}
	owner.Status = StatusRunning
	return owner.goNext(ownerItem)
}

// loopCollection resolves the iteration items from a data path or an
// expression
func (ex *Execution) loopCollection(item *Item, lc *loopCharacteristics) ([]any, error) {
	if lc.collection == "" {
		return nil, fmt.Errorf("node %s: multi-instance without collection", item.ElementID)
	}
	if value, ok := datatree.Get(item.Data(), lc.collection); ok {
		if list, ok := value.([]any); ok {
			return list, nil
		}
	}
	value, err := ex.engine.scripts.EvaluateExpression(ex.scope(item), lc.collection)
	if err != nil {
		return nil, fmt.Errorf("evaluate loop collection: %w", err)
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("loop collection %q is not a list", lc.collection)
	}
	return list, nil
}

func (ex *Execution) loopConditionHolds(item *Item, loop *Loop) (bool, error) {
	if loop.chars.condition == "" {
		return false, nil
	}
	value, err := ex.engine.scripts.EvaluateExpression(ex.scope(item), loop.chars.condition)
	if err != nil {
		return false, fmt.Errorf("evaluate loop condition: %w", err)
	}
	hold, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("loop condition %q did not return a boolean", loop.chars.condition)
	}
	return hold, nil
}

func (ex *Execution) loopMaxReached(loop *Loop, item *Item) bool {
	if loop.chars.maxCount == "" {
		return false
	}
	max, err := strconv.Atoi(loop.chars.maxCount)
	if err != nil {
		return false
	}
	return loop.Sequence >= max
}

func (l *Loop) state() store.Document {
	return store.Document{
		"id":             l.ID,
		"node_id":        l.NodeID,
		"owner_token_id": l.OwnerTokenID,
		"data_path":      l.DataPath,
		"items":          l.Items,
		"sequence":       l.Sequence,
		"completed":      l.Completed,
		"end_flag":       l.EndFlag,
	}
}

func loopFromState(pm *processModel, doc store.Document) *Loop {
	loop := &Loop{
		ID:           asString(doc["id"]),
		NodeID:       asString(doc["node_id"]),
		OwnerTokenID: asString(doc["owner_token_id"]),
		DataPath:     asString(doc["data_path"]),
		Sequence:     asInt(doc["sequence"]),
		Completed:    asInt(doc["completed"]),
	}
	if items, ok := doc["items"].([]any); ok {
		loop.Items = items
	}
	if flag, ok := doc["end_flag"].(bool); ok {
		loop.EndFlag = flag
	}
	loop.chars = pm.loops[loop.NodeID]
	return loop
}

func joinPath(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out == "" {
			out = p
		} else {
			out += "." + p
		}
	}
	return out
}
