// Package modelstore persists BPMN model sources and indexes their start
// events so message, signal and timer throws can locate the models they
// may start.
package modelstore

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/procflow/common/definition"
	"github.com/lyzr/procflow/common/logger"
	"github.com/lyzr/procflow/common/store"
)

// ModelsCollection holds one document per saved model
const ModelsCollection = "definitions"

// EventData describes one start event of a saved model
type EventData struct {
	ModelName string `json:"model_name"`
	ElementID string `json:"element_id"`
	SubType   string `json:"sub_type"`
	MessageID string `json:"message_id,omitempty"`
	SignalID  string `json:"signal_id,omitempty"`
	TimerDef  string `json:"timer,omitempty"`
}

// Store reads and writes model documents
type Store struct {
	store store.DocumentStore
	log   *logger.Logger
}

// New creates the model store and its unique name index
func New(ctx context.Context, s store.DocumentStore, log *logger.Logger) (*Store, error) {
	if err := s.EnsureIndex(ctx, ModelsCollection, []string{"name"}, true); err != nil {
		return nil, fmt.Errorf("models index: %w", err)
	}
	return &Store{store: s, log: log}, nil
}

// Put saves (or replaces) a model source, re-indexing its start events
func (s *Store) Put(ctx context.Context, name, source string) error {
	def, err := definition.Load(name, source, s.log)
	if err != nil {
		return err
	}

	events := startEvents(def)
	eventDocs := make([]any, 0, len(events))
	for _, ev := range events {
		eventDocs = append(eventDocs, map[string]any{
			"model_name": ev.ModelName,
			"element_id": ev.ElementID,
			"sub_type":   ev.SubType,
			"message_id": ev.MessageID,
			"signal_id":  ev.SignalID,
			"timer":      ev.TimerDef,
		})
	}

	_, err = s.store.Update(ctx, ModelsCollection,
		store.Query{"name": name},
		store.Document{
			"name":   name,
			"source": source,
			"events": eventDocs,
			"saved":  time.Now().UTC().Format(time.RFC3339Nano),
		},
		true)
	if err != nil {
		return fmt.Errorf("save model %s: %w", name, err)
	}
	return nil
}

// GetSource returns the stored XML source for a model
func (s *Store) GetSource(ctx context.Context, name string) (string, error) {
	doc, err := s.store.FindOne(ctx, ModelsCollection, store.Query{"name": name})
	if err != nil {
		return "", fmt.Errorf("model %s: %w", name, err)
	}
	source, _ := doc["source"].(string)
	return source, nil
}

// Delete removes a stored model
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.store.Remove(ctx, ModelsCollection, store.Query{"name": name}); err != nil {
		return fmt.Errorf("delete model %s: %w", name, err)
	}
	return nil
}

// List returns the names of every stored model
func (s *Store) List(ctx context.Context) ([]string, error) {
	docs, err := s.store.Find(ctx, ModelsCollection, store.Query{})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		if name, ok := doc["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// FindEvents returns start events matching the query, which may address
// event fields ("events.message_id") in the nested notation.
func (s *Store) FindEvents(ctx context.Context, query store.Query) ([]EventData, error) {
	docs, err := s.store.Find(ctx, ModelsCollection, store.Translate(query))
	if err != nil {
		return nil, err
	}

	var out []EventData
	for _, doc := range docs {
		for _, elem := range filterEventElements(doc, query) {
			out = append(out, EventData{
				ModelName: asString(elem["model_name"]),
				ElementID: asString(elem["element_id"]),
				SubType:   asString(elem["sub_type"]),
				MessageID: asString(elem["message_id"]),
				SignalID:  asString(elem["signal_id"]),
				TimerDef:  asString(elem["timer"]),
			})
		}
	}
	return out, nil
}

func filterEventElements(doc store.Document, query store.Query) []store.Document {
	raw, _ := doc["events"].([]any)
	sub := store.Query{}
	for key, cond := range query {
		if len(key) > 7 && key[:7] == "events." {
			sub[key[7:]] = cond
		}
	}
	out := make([]store.Document, 0, len(raw))
	for _, elem := range raw {
		m, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		if len(sub) == 0 || store.Match(m, sub) {
			out = append(out, m)
		}
	}
	return out
}

func startEvents(def *definition.Definition) []EventData {
	var out []EventData
	for _, proc := range def.Processes {
		// start events inside sub-process scopes are not startable from
		// the outside
		if proc.ParentNode != nil {
			continue
		}
		for _, node := range proc.StartNodes {
			if node.SubType == "" {
				continue
			}
			ev := EventData{
				ModelName: def.Name,
				ElementID: node.ID,
				SubType:   node.SubType,
				MessageID: node.MessageID,
				SignalID:  node.SignalID,
			}
			if node.SubType == definition.SubTypeTimer {
				if td := timerDefinition(node); td != "" {
					ev.TimerDef = td
				}
			}
			out = append(out, ev)
		}
	}
	return out
}

func timerDefinition(node *definition.Node) string {
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

func asString(v any) string {
	s, _ := v.(string)
	return s
}
