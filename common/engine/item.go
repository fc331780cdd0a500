package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/procflow/common/datatree"
	"github.com/lyzr/procflow/common/definition"
	"github.com/lyzr/procflow/common/scheduler"
	"github.com/lyzr/procflow/common/store"
)

// Status values shared by items, tokens and executions
type Status string

const (
	StatusEnter      Status = "enter"
	StatusStart      Status = "start"
	StatusRunning    Status = "running"
	StatusWait       Status = "wait"
	StatusEnd        Status = "end"
	StatusTerminated Status = "terminated"
	StatusCancelled  Status = "cancelled"
	StatusDiscard    Status = "discard"
	StatusQueued     Status = "queued"
)

// Item is one step of one token on one element. It records that the token
// visited the element and carries any human-facing state while the element
// waits.
type Item struct {
	ID          string
	Seq         int
	TokenID     string
	ElementID   string
	ElementType string
	ElementName string
	Status      Status

	Input  map[string]any
	Output map[string]any
	Vars   map[string]any

	Assignee        string
	CandidateUsers  []string
	CandidateGroups []string
	DueDate         *time.Time
	FollowUpDate    *time.Time
	Priority        int

	MessageID string
	SignalID  string
	// Match is the stored correlation query a message/signal payload must
	// submatch to target this item
	Match map[string]any

	TimeDue       *time.Time
	StatusDetails string
	StartedAt     *time.Time
	EndedAt       *time.Time

	token *Token
	node  *definition.Node
	// timer carries the live cycle state of a timer behavior
	timer *scheduler.Timer
	// skipConverge marks an item whose gateway convergence was already
	// decided by an arriving sibling
	skipConverge bool
	endedOnce    bool
}

func newItem(t *Token, node *definition.Node) *Item {
	item := &Item{
		ID:          uuid.NewString(),
		Seq:         t.exec.nextSeq("item"),
		TokenID:     t.ID,
		ElementID:   node.ID,
		ElementType: node.Type,
		ElementName: node.Name,
		Status:      StatusEnter,
		Input:       map[string]any{},
		Output:      map[string]any{},
		Vars:        map[string]any{},
		token:       t,
		node:        node,
	}
	t.Path = append(t.Path, item)
	return item
}

// Node returns the definition node this item executes
func (i *Item) Node() *definition.Node { return i.node }

// Token returns the owning token
func (i *Item) Token() *Token { return i.token }

// Data returns the token-scoped view of the instance data tree
func (i *Item) Data() map[string]any {
	return datatree.Ensure(i.token.exec.Data, i.token.DataPath)
}

// Active reports whether the item has not reached a final status
func (i *Item) Active() bool {
	switch i.Status {
	case StatusEnd, StatusTerminated, StatusCancelled, StatusDiscard:
		return false
	default:
		return true
	}
}

func (i *Item) state() store.Document {
	doc := store.Document{
		"id":           i.ID,
		"seq":          i.Seq,
		"token_id":     i.TokenID,
		"element_id":   i.ElementID,
		"element_type": i.ElementType,
		"element_name": i.ElementName,
		"status":       string(i.Status),
		"input":        i.Input,
		"output":       i.Output,
		"vars":         i.Vars,
		"priority":     i.Priority,
	}
	if i.Assignee != "" {
		doc["assignee"] = i.Assignee
	}
	if len(i.CandidateUsers) > 0 {
		doc["candidate_users"] = toAnySlice(i.CandidateUsers)
	}
	if len(i.CandidateGroups) > 0 {
		doc["candidate_groups"] = toAnySlice(i.CandidateGroups)
	}
	if i.MessageID != "" {
		doc["message_id"] = i.MessageID
	}
	if i.SignalID != "" {
		doc["signal_id"] = i.SignalID
	}
	if len(i.Match) > 0 {
		doc["match"] = i.Match
	}
	if i.StatusDetails != "" {
		doc["status_details"] = i.StatusDetails
	}
	putTime(doc, "due_date", i.DueDate)
	putTime(doc, "follow_up_date", i.FollowUpDate)
	putTime(doc, "time_due", i.TimeDue)
	putTime(doc, "started_at", i.StartedAt)
	putTime(doc, "ended_at", i.EndedAt)
	return doc
}

func itemFromState(doc store.Document) *Item {
	item := &Item{
		ID:          asString(doc["id"]),
		Seq:         asInt(doc["seq"]),
		TokenID:     asString(doc["token_id"]),
		ElementID:   asString(doc["element_id"]),
		ElementType: asString(doc["element_type"]),
		ElementName: asString(doc["element_name"]),
		Status:      Status(asString(doc["status"])),
		Input:       asMap(doc["input"]),
		Output:      asMap(doc["output"]),
		Vars:        asMap(doc["vars"]),
		Priority:    asInt(doc["priority"]),
		Assignee:    asString(doc["assignee"]),
		MessageID:   asString(doc["message_id"]),
		SignalID:    asString(doc["signal_id"]),
	}
	item.CandidateUsers = asStringSlice(doc["candidate_users"])
	item.CandidateGroups = asStringSlice(doc["candidate_groups"])
	if m := asMap(doc["match"]); len(m) > 0 {
		item.Match = m
	}
	item.StatusDetails = asString(doc["status_details"])
	item.DueDate = getTime(doc["due_date"])
	item.FollowUpDate = getTime(doc["follow_up_date"])
	item.TimeDue = getTime(doc["time_due"])
	item.StartedAt = getTime(doc["started_at"])
	item.EndedAt = getTime(doc["ended_at"])
	return item
}

func putTime(doc store.Document, key string, t *time.Time) {
	if t != nil {
		doc[key] = t.UTC().Format(time.RFC3339Nano)
	}
}

func getTime(v any) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
