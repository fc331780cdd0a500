package engine

import (
	"fmt"

	"github.com/lyzr/procflow/common/store"
)

// executionFromState rebuilds a live execution from its persistence
// document: tokens first, then loops, then items rewired to their tokens
// and definition nodes, then the restored hooks (timer re-arming).
func executionFromState(engine *Engine, pm *processModel, doc store.Document) (*Execution, error) {
	ex := newExecution(engine, pm, asString(doc["id"]), asString(doc["name"]))
	ex.Status = Status(asString(doc["status"]))
	ex.Version = asInt(doc["version"])
	if ex.Version == 0 {
		ex.Version = 1
	}
	ex.Data = asMap(doc["data"])
	ex.ParentItemID = asString(doc["parent_item_id"])
	ex.Source = asString(doc["source"])
	if sp, ok := doc["save_points_enabled"].(bool); ok {
		ex.SavePoints = sp
	}
	if points := asMap(doc["save_points"]); len(points) > 0 {
		ex.savePoints = map[string]store.Document{}
		for id, snap := range points {
			ex.savePoints[id] = store.Document(asMap(snap))
		}
	}
	ex.StartedAt = getTime(doc["started_at"])
	ex.EndedAt = getTime(doc["ended_at"])
	// the document came from the store, so the next save is an update
	ex.saved = true

	for k, v := range asMap(doc["seqs"]) {
		ex.seqs[k] = asInt(v)
	}
	if entries, ok := doc["logs"].([]any); ok {
		for _, raw := range entries {
			ex.Logs = append(ex.Logs, store.Document(asMap(raw)))
		}
	}

	if raw, ok := doc["tokens"].([]any); ok {
		for _, entry := range raw {
			ex.addToken(tokenFromState(ex, asMap(entry)))
		}
	}
	if raw, ok := doc["loops"].([]any); ok {
		for _, entry := range raw {
			ex.addLoop(loopFromState(pm, asMap(entry)))
		}
	}
	if raw, ok := doc["items"].([]any); ok {
		for _, entry := range raw {
			item := itemFromState(asMap(entry))
			t := ex.token(item.TokenID)
			if t == nil {
				return nil, fmt.Errorf("item %s references unknown token %s", item.ID, item.TokenID)
			}
			node := pm.def.GetNode(item.ElementID)
			if node == nil {
				return nil, fmt.Errorf("item %s references unknown element %s", item.ID, item.ElementID)
			}
			item.token = t
			item.node = node
			if !item.Active() {
				item.endedOnce = true
			}
			t.Path = append(t.Path, item)
		}
	}

	for _, t := range ex.tokens {
		item := t.currentItem()
		if item == nil {
			continue
		}
		for _, b := range pm.behaviorsFor(item.node) {
			if err := b.restored(item); err != nil {
				return nil, fmt.Errorf("restore %s on %s: %w", b.name(), item.ElementID, err)
			}
		}
	}

	ex.emit(EventProcessRestored, nil, nil)
	return ex, nil
}
