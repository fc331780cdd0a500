package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/procflow/common/config"
	"github.com/lyzr/procflow/common/datatree"
	"github.com/lyzr/procflow/common/definition"
	"github.com/lyzr/procflow/common/logger"
	"github.com/lyzr/procflow/common/modelstore"
	"github.com/lyzr/procflow/common/scheduler"
	"github.com/lyzr/procflow/common/script"
	"github.com/lyzr/procflow/common/store"
)

const (
	InstancesCollection = "instances"
	ArchivesCollection  = "archives"
)

// ErrInvalidState marks operations rejected by the instance's or model's
// current state rather than by a lookup failure
var ErrInvalidState = errors.New("engine: invalid state")

// Opts wires the engine's collaborators
type Opts struct {
	Store     store.DocumentStore
	Locker    *store.Locker
	Models    *modelstore.Store
	Scripts   script.Handler
	Delegates Delegate
	Config    config.EngineConfig
	// Services is exposed to scripts through the evaluation scope
	Services map[string]any
	Log      *logger.Logger
}

// Engine is the process engine facade. Every public operation acquires
// the per-instance lock, advances the instance, saves it and releases the
// lock on return.
type Engine struct {
	store     store.DocumentStore
	locker    *store.Locker
	models    *modelstore.Store
	scripts   script.Handler
	delegates Delegate
	scheduler *scheduler.Scheduler
	config    config.EngineConfig
	services  map[string]any
	log       *logger.Logger

	cache      *instanceCache
	modelCache *modelCache
	listeners  []ListenerFunc
}

func New(ctx context.Context, opts Opts) (*Engine, error) {
	if opts.Store == nil || opts.Locker == nil || opts.Models == nil || opts.Scripts == nil {
		return nil, fmt.Errorf("engine: store, locker, models and scripts are required")
	}
	if opts.Delegates == nil {
		opts.Delegates = NewRegistry()
	}
	if opts.Log == nil {
		opts.Log = logger.New("info", "text")
	}

	e := &Engine{
		store:      opts.Store,
		locker:     opts.Locker,
		models:     opts.Models,
		scripts:    opts.Scripts,
		delegates:  opts.Delegates,
		config:     opts.Config,
		services:   opts.Services,
		log:        opts.Log,
		cache:      newInstanceCache(opts.Config.CacheEnabled),
		modelCache: newModelCache(),
	}
	e.scheduler = scheduler.New(opts.Log)
	e.scheduler.SetFire(e.fireTimer)

	if err := opts.Store.EnsureIndex(ctx, InstancesCollection, []string{"id"}, true); err != nil {
		return nil, fmt.Errorf("instances index: %w", err)
	}
	if err := opts.Store.EnsureIndex(ctx, InstancesCollection, []string{"items.id"}, false); err != nil {
		return nil, fmt.Errorf("instance items index: %w", err)
	}
	return e, nil
}

// Listen registers a listener attached to every execution the engine
// creates or restores
func (e *Engine) Listen(fn ListenerFunc) {
	e.listeners = append(e.listeners, fn)
}

// Shutdown stops the timer scheduler
func (e *Engine) Shutdown() {
	e.scheduler.Stop()
}

// StartOptions parameterizes Start
type StartOptions struct {
	Name string
	// Source overrides the model store lookup when set
	Source      string
	Data        map[string]any
	StartNodeID string
	UserName    string
	// ParentItemID links this instance to a call activity item
	ParentItemID string
	// NoWait returns immediately while a background task drives the
	// instance to its next wait point
	NoWait bool
}

// Start creates and runs a new instance of a model
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*Execution, error) {
	ex, err := e.prepare(ctx, &opts)
	if err != nil {
		return nil, err
	}

	if err := e.locker.Lock(ctx, ex.ID); err != nil {
		return nil, fmt.Errorf("lock %s: %w", ex.ID, err)
	}

	advance := func(ctx context.Context) error {
		defer e.release(ctx, ex.ID)
		if err := ex.execute(opts.StartNodeID, opts.Data); err != nil {
			e.fail(ctx, ex, err)
			return err
		}
		if err := e.save(ctx, ex); err != nil {
			return err
		}
		return e.afterAdvance(ctx, ex)
	}

	if opts.NoWait {
		go func() {
			if err := advance(context.Background()); err != nil {
				e.log.Error("background start failed", "error", err, "instance_id", ex.ID)
			}
		}()
		return ex, nil
	}
	return ex, advance(ctx)
}

// prepare loads the model and builds the unstarted execution, resolving
// the default start node into opts when none was given
func (e *Engine) prepare(ctx context.Context, opts *StartOptions) (*Execution, error) {
	source := opts.Source
	if source == "" {
		var err error
		source, err = e.models.GetSource(ctx, opts.Name)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", opts.Name, err)
		}
	}
	pm, err := e.modelCache.load(opts.Name, source, e.log)
	if err != nil {
		return nil, err
	}

	ex := newExecution(e, pm, uuid.NewString(), opts.Name)
	ex.Source = source
	ex.ParentItemID = opts.ParentItemID
	for _, fn := range e.listeners {
		ex.On(fn)
	}
	ex.emit(EventProcessLoaded, nil, nil)

	if opts.StartNodeID == "" {
		starts := pm.def.StartNodes(true)
		if len(starts) != 1 {
			return nil, fmt.Errorf("%w: model %s has %d none start events, start node required",
				ErrInvalidState, opts.Name, len(starts))
		}
		opts.StartNodeID = starts[0].ID
	}
	if opts.UserName != "" {
		ex.addLog("info", "started", map[string]any{"user": opts.UserName})
	}
	e.cache.put(ex)
	return ex, nil
}

// InvokeOptions parameterizes Invoke
type InvokeOptions struct {
	UserName string
	// Restart permits re-invoking an item that is not waiting
	Restart bool
	// Recover forces execution from any item state
	Recover bool
	NoWait  bool
}

// Invoke completes a waiting item found by query and advances its
// instance
func (e *Engine) Invoke(ctx context.Context, itemQuery store.Query, data map[string]any, opts InvokeOptions) (*Execution, error) {
	ex, item, err := e.findWaitingItem(ctx, itemQuery, opts.Restart || opts.Recover)
	if err != nil {
		return nil, err
	}

	if err := e.locker.Lock(ctx, ex.ID); err != nil {
		return nil, fmt.Errorf("lock %s: %w", ex.ID, err)
	}

	advance := func(ctx context.Context) error {
		defer e.release(ctx, ex.ID)
		ex.emit(EventProcessInvoke, item, nil)
		if item.Status != StatusWait && (opts.Restart || opts.Recover) {
			item.Status = StatusWait
			item.endedOnce = false
			item.token.Status = StatusWait
		}
		if opts.UserName != "" {
			ex.addLog("info", "invoked", map[string]any{"user": opts.UserName, "item_id": item.ID})
		}
		if err := ex.resumeItem(item, data); err != nil {
			e.fail(ctx, ex, err)
			return err
		}
		ex.emit(EventProcessInvoked, item, nil)
		if err := e.save(ctx, ex); err != nil {
			return err
		}
		return e.afterAdvance(ctx, ex)
	}

	if opts.NoWait {
		go func() {
			if err := advance(context.Background()); err != nil {
				e.log.Error("background invoke failed", "error", err, "instance_id", ex.ID)
			}
		}()
		return ex, nil
	}
	return ex, advance(ctx)
}

// Assignment carries the task assignment mutation applied by Assign
type Assignment struct {
	Assignee        string
	CandidateUsers  []string
	CandidateGroups []string
	DueDate         *time.Time
	Priority        int
}

// Assign mutates the assignment fields of a waiting item without
// completing it
func (e *Engine) Assign(ctx context.Context, itemQuery store.Query, data map[string]any, assignment Assignment, userName string) (*Execution, error) {
	ex, item, err := e.findWaitingItem(ctx, itemQuery, false)
	if err != nil {
		return nil, err
	}
	if err := e.locker.Lock(ctx, ex.ID); err != nil {
		return nil, fmt.Errorf("lock %s: %w", ex.ID, err)
	}
	defer e.release(ctx, ex.ID)

	if assignment.Assignee != "" {
		item.Assignee = assignment.Assignee
	}
	if assignment.CandidateUsers != nil {
		item.CandidateUsers = assignment.CandidateUsers
	}
	if assignment.CandidateGroups != nil {
		item.CandidateGroups = assignment.CandidateGroups
	}
	if assignment.DueDate != nil {
		item.DueDate = assignment.DueDate
	}
	if assignment.Priority != 0 {
		item.Priority = assignment.Priority
	}
	for k, v := range data {
		item.Vars[k] = v
	}
	if userName != "" {
		ex.addLog("info", "assigned", map[string]any{"user": userName, "item_id": item.ID})
	}
	ex.emit(EventNodeAssign, item, nil)
	ex.emit(EventNodeValidate, item, nil)
	return ex, e.save(ctx, ex)
}

// SignalEvent signals a specific waiting node of a running instance
func (e *Engine) SignalEvent(ctx context.Context, instanceID, elementID string, data map[string]any) (*Execution, error) {
	return e.Invoke(ctx, store.Query{
		"id":               instanceID,
		"items.element_id": elementID,
		"items.status":     string(StatusWait),
	}, data, InvokeOptions{})
}

// StartEvent starts a new instance of a model at a specific (possibly
// secondary) start event
func (e *Engine) StartEvent(ctx context.Context, name, elementID string, data map[string]any) (*Execution, error) {
	return e.Start(ctx, StartOptions{Name: name, StartNodeID: elementID, Data: data})
}

// ThrowMessage delivers a message: a matching message start event starts
// a new instance, otherwise the first waiting item whose stored
// correlation query submatches the payload is invoked. Returns nil when
// nothing matched.
func (e *Engine) ThrowMessage(ctx context.Context, messageID string, data map[string]any, correlationKey map[string]any) (*Execution, error) {
	events, err := e.models.FindEvents(ctx, store.Query{
		"events.sub_type":   definition.SubTypeMessage,
		"events.message_id": messageID,
	})
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		ev := events[0]
		return e.Start(ctx, StartOptions{Name: ev.ModelName, StartNodeID: ev.ElementID, Data: data})
	}

	targets, err := e.findCorrelated(ctx, store.Query{
		"items.message_id": messageID,
		"items.status":     string(StatusWait),
	}, data, correlationKey)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		e.log.Info("message had no target", "message_id", messageID)
		return nil, nil
	}
	return e.Invoke(ctx, store.Query{"items.id": targets[0]}, data, InvokeOptions{})
}

// ThrowSignal broadcasts a signal: every matching signal start event
// starts an instance and every matching waiting item is invoked. Returns
// the executions touched.
func (e *Engine) ThrowSignal(ctx context.Context, signalID string, data map[string]any, correlationKey map[string]any) ([]*Execution, error) {
	var touched []*Execution

	events, err := e.models.FindEvents(ctx, store.Query{
		"events.sub_type":  definition.SubTypeSignal,
		"events.signal_id": signalID,
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		ex, err := e.Start(ctx, StartOptions{Name: ev.ModelName, StartNodeID: ev.ElementID, Data: data})
		if err != nil {
			e.log.Error("signal start failed", "error", err, "signal_id", signalID, "model", ev.ModelName)
			continue
		}
		touched = append(touched, ex)
	}

	targets, err := e.findCorrelated(ctx, store.Query{
		"items.signal_id": signalID,
		"items.status":    string(StatusWait),
	}, data, correlationKey)
	if err != nil {
		return nil, err
	}
	for _, itemID := range targets {
		ex, err := e.Invoke(ctx, store.Query{"items.id": itemID}, data, InvokeOptions{})
		if err != nil {
			e.log.Error("signal invoke failed", "error", err, "signal_id", signalID, "item_id", itemID)
			continue
		}
		touched = append(touched, ex)
	}
	return touched, nil
}

// Restart rewinds an ended instance and re-invokes one of its items
func (e *Engine) Restart(ctx context.Context, itemQuery store.Query, data map[string]any, userName string) (*Execution, error) {
	ex, item, err := e.findWaitingItem(ctx, itemQuery, true)
	if err != nil {
		return nil, err
	}
	if ex.Status != StatusEnd {
		return nil, fmt.Errorf("%w: instance %s is %s, restart requires end", ErrInvalidState, ex.ID, ex.Status)
	}
	if err := e.locker.Lock(ctx, ex.ID); err != nil {
		return nil, fmt.Errorf("lock %s: %w", ex.ID, err)
	}
	defer e.release(ctx, ex.ID)

	if snap, ok := ex.savePoints[item.ID]; ok {
		restored, err := e.rewind(ex, snap)
		if err != nil {
			return nil, err
		}
		ex = restored
		item = ex.item(item.ID)
		if item == nil {
			return nil, fmt.Errorf("restart item lost in save point")
		}
	}

	ex.Status = StatusRunning
	ex.EndedAt = nil
	item.Status = StatusWait
	item.endedOnce = false
	item.token.Status = StatusWait
	if userName != "" {
		ex.addLog("info", "restarted", map[string]any{"user": userName, "item_id": item.ID})
	}

	if err := ex.resumeItem(item, data); err != nil {
		e.fail(ctx, ex, err)
		return nil, err
	}
	if err := e.save(ctx, ex); err != nil {
		return nil, err
	}
	return ex, e.afterAdvance(ctx, ex)
}

// Upgrade replaces the stored source of every live instance of a model
// that has not yet reached any of the given nodes. Returns the upgraded
// instance ids.
func (e *Engine) Upgrade(ctx context.Context, modelName string, afterNodeIDs []string) ([]string, error) {
	latest, err := e.models.GetSource(ctx, modelName)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", modelName, err)
	}

	docs, err := e.store.Find(ctx, InstancesCollection, store.Translate(store.Query{
		"name":   modelName,
		"status": store.Query{"$in": []any{string(StatusWait), string(StatusRunning), string(StatusStart)}},
	}))
	if err != nil {
		return nil, err
	}

	after := map[string]bool{}
	for _, id := range afterNodeIDs {
		after[id] = true
	}

	var upgraded []string
	for _, doc := range docs {
		id := asString(doc["id"])
		if instanceReached(doc, after) {
			continue
		}
		if err := e.locker.Lock(ctx, id); err != nil {
			e.log.Error("upgrade lock failed", "error", err, "instance_id", id)
			continue
		}
		doc["source"] = latest
		_, err := e.store.Update(ctx, InstancesCollection, store.Query{"id": id}, doc, false)
		e.release(ctx, id)
		if err != nil {
			e.log.Error("upgrade save failed", "error", err, "instance_id", id)
			continue
		}
		e.cache.remove(id)
		upgraded = append(upgraded, id)
	}
	return upgraded, nil
}

// Terminate force-ends a running instance
func (e *Engine) Terminate(ctx context.Context, instanceID string) (*Execution, error) {
	if err := e.locker.Lock(ctx, instanceID); err != nil {
		return nil, fmt.Errorf("lock %s: %w", instanceID, err)
	}
	defer e.release(ctx, instanceID)

	ex, err := e.restore(ctx, store.Query{"id": instanceID})
	if err != nil {
		return nil, err
	}
	if err := ex.terminateAll(); err != nil {
		return nil, err
	}
	return ex, e.save(ctx, ex)
}

// Archive moves finished instances matching the query into the archives
// collection. Returns the number moved.
func (e *Engine) Archive(ctx context.Context, query store.Query) (int, error) {
	q := store.Translate(query)
	q["status"] = store.Query{"$in": []any{string(StatusEnd), string(StatusTerminated)}}
	docs, err := e.store.Find(ctx, InstancesCollection, q)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	if err := e.store.Insert(ctx, ArchivesCollection, docs); err != nil {
		return 0, fmt.Errorf("archive insert: %w", err)
	}
	moved := 0
	for _, doc := range docs {
		id := asString(doc["id"])
		if _, err := e.store.Remove(ctx, InstancesCollection, store.Query{"id": id}); err != nil {
			return moved, fmt.Errorf("archive remove %s: %w", id, err)
		}
		e.cache.remove(id)
		moved++
	}
	return moved, nil
}

// FindInstances returns raw instance documents matching a dotted query
func (e *Engine) FindInstances(ctx context.Context, query store.Query) ([]store.Document, error) {
	return e.store.Find(ctx, InstancesCollection, store.Translate(query))
}

// FindItems returns the matching item sub-documents across instances:
// the translated query narrows the instances, then the items are
// post-filtered in memory.
func (e *Engine) FindItems(ctx context.Context, query store.Query) ([]store.Document, error) {
	docs, err := e.store.Find(ctx, InstancesCollection, store.Translate(query))
	if err != nil {
		return nil, err
	}
	var out []store.Document
	for _, doc := range docs {
		for _, item := range store.FilterElements(doc, "items", query) {
			item["instance_id"] = doc["id"]
			out = append(out, item)
		}
	}
	return out, nil
}

// findWaitingItem locates exactly one instance+item pair for invoke-like
// operations. With force, non-waiting items are accepted.
func (e *Engine) findWaitingItem(ctx context.Context, itemQuery store.Query, force bool) (*Execution, *Item, error) {
	q := store.Query{}
	for k, v := range itemQuery {
		q[k] = v
	}
	if !force {
		if _, ok := q["items.status"]; !ok {
			q["items.status"] = string(StatusWait)
		}
	}

	docs, err := e.store.Find(ctx, InstancesCollection, store.Translate(q))
	if err != nil {
		return nil, nil, err
	}
	doc, err := store.FindOneIn(docs)
	if err != nil {
		return nil, nil, fmt.Errorf("find item: %w", err)
	}

	matches := store.FilterElements(doc, "items", q)
	if len(matches) == 0 {
		return nil, nil, store.ErrNotFound
	}
	if len(matches) > 1 {
		return nil, nil, fmt.Errorf("find item: %w", store.ErrAmbiguous)
	}

	ex, err := e.restoreDoc(ctx, doc)
	if err != nil {
		return nil, nil, err
	}
	item := ex.item(asString(matches[0]["id"]))
	if item == nil {
		return nil, nil, store.ErrNotFound
	}
	if !force && item.Status != StatusWait {
		return nil, nil, fmt.Errorf("%w: item %s is %s, not wait", ErrInvalidState, item.ID, item.Status)
	}
	return ex, item, nil
}

// findCorrelated returns the item ids whose stored match query submatches
// the payload, in instance order
func (e *Engine) findCorrelated(ctx context.Context, itemQuery store.Query, data, correlationKey map[string]any) ([]string, error) {
	docs, err := e.store.Find(ctx, InstancesCollection, store.Translate(itemQuery))
	if err != nil {
		return nil, err
	}
	payload := map[string]any{}
	for k, v := range data {
		payload[k] = v
	}
	for k, v := range correlationKey {
		payload[k] = v
	}

	var out []string
	for _, doc := range docs {
		for _, item := range store.FilterElements(doc, "items", itemQuery) {
			match := asMap(item["match"])
			if len(match) > 0 && !datatree.Submatch(payload, match) {
				continue
			}
			out = append(out, asString(item["id"]))
		}
	}
	return out, nil
}

// startChild launches a called process synchronously for a call activity.
// A child that runs to completion resumes the parent item before this
// returns; a waiting child resumes it later through afterAdvance.
func (e *Engine) startChild(parent *Execution, item *Item, name string) error {
	ctx := context.Background()
	opts := StartOptions{Name: name, ParentItemID: item.ID}
	child, err := e.prepare(ctx, &opts)
	if err != nil {
		return err
	}
	if err := e.locker.Lock(ctx, child.ID); err != nil {
		return err
	}
	defer e.release(ctx, child.ID)

	if err := child.execute(opts.StartNodeID, item.Input); err != nil {
		e.fail(ctx, child, err)
		return err
	}
	if err := e.save(ctx, child); err != nil {
		return err
	}
	item.Vars["called_instance_id"] = child.ID

	if child.Status == StatusEnd {
		e.cache.remove(child.ID)
		return parent.resumeItem(item, child.Data)
	}
	return nil
}

// throwSignal delivers an in-flight signal throw: waiting catchers inside
// the same execution resume directly, the rest of the system gets a
// broadcast.
func (e *Engine) throwSignal(ex *Execution, item *Item, signalID string) error {
	payload := datatree.Ensure(ex.Data, item.token.DataPath)
	for _, t := range ex.tokens {
		if !t.Active() {
			continue
		}
		waiting := t.currentItem()
		if waiting == nil || waiting.Status != StatusWait || waiting.SignalID != signalID {
			continue
		}
		if len(waiting.Match) > 0 && !datatree.Submatch(payload, waiting.Match) {
			continue
		}
		if err := ex.signalCatch(t, map[string]any{"signalId": signalID}); err != nil {
			return err
		}
	}

	go func() {
		if _, err := e.ThrowSignal(context.Background(), signalID, copyMap(payload), nil); err != nil {
			e.log.Error("signal broadcast failed", "error", err, "signal_id", signalID)
		}
	}()
	return nil
}

// fireTimer is the scheduler callback: resume the timed item under the
// instance lock
func (e *Engine) fireTimer(instanceID, itemID string) {
	ctx := context.Background()
	if err := e.locker.Lock(ctx, instanceID); err != nil {
		e.log.Error("timer lock failed", "error", err, "instance_id", instanceID)
		return
	}
	defer e.release(ctx, instanceID)

	ex, err := e.restore(ctx, store.Query{"id": instanceID})
	if err != nil {
		e.log.Error("timer restore failed", "error", err, "instance_id", instanceID)
		return
	}
	item := ex.item(itemID)
	if item == nil || item.Status != StatusWait {
		return
	}
	if err := ex.resumeItem(item, map[string]any{"timerFired": true}); err != nil {
		e.fail(ctx, ex, err)
		return
	}
	if err := e.save(ctx, ex); err != nil {
		return
	}
	if err := e.afterAdvance(ctx, ex); err != nil {
		e.log.Error("timer follow-up failed", "error", err, "instance_id", instanceID)
	}
}

// afterAdvance handles cross-instance follow-ups once an instance has
// been saved: a finished child resumes its call activity parent.
func (e *Engine) afterAdvance(ctx context.Context, ex *Execution) error {
	if ex.Status != StatusEnd || ex.ParentItemID == "" {
		return nil
	}
	parentDocQuery := store.Query{"items.id": ex.ParentItemID, "items.status": string(StatusWait)}
	docs, err := e.store.Find(ctx, InstancesCollection, store.Translate(parentDocQuery))
	if err != nil || len(docs) == 0 {
		return err
	}
	_, err = e.Invoke(ctx, parentDocQuery, ex.Data, InvokeOptions{})
	return err
}

// restore loads an execution by query, live cache first
func (e *Engine) restore(ctx context.Context, query store.Query) (*Execution, error) {
	if id, ok := query["id"].(string); ok {
		if ex := e.cache.get(id); ex != nil {
			return ex, nil
		}
	}
	docs, err := e.store.Find(ctx, InstancesCollection, store.Translate(query))
	if err != nil {
		return nil, err
	}
	doc, err := store.FindOneIn(docs)
	if err != nil {
		return nil, fmt.Errorf("find instance: %w", err)
	}
	return e.restoreDoc(ctx, doc)
}

func (e *Engine) restoreDoc(ctx context.Context, doc store.Document) (*Execution, error) {
	id := asString(doc["id"])
	if ex := e.cache.get(id); ex != nil {
		return ex, nil
	}

	name := asString(doc["name"])
	source := asString(doc["source"])
	if source == "" {
		var err error
		source, err = e.models.GetSource(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", name, err)
		}
	}
	pm, err := e.modelCache.load(name, source, e.log)
	if err != nil {
		return nil, err
	}

	ex, err := executionFromState(e, pm, doc)
	if err != nil {
		return nil, err
	}
	ex.Source = source
	for _, fn := range e.listeners {
		ex.On(fn)
	}
	e.cache.put(ex)
	return ex, nil
}

// rewind rebuilds an execution from a save point snapshot
func (e *Engine) rewind(ex *Execution, snap store.Document) (*Execution, error) {
	doc := ex.State()
	for _, key := range []string{"items", "tokens", "loops", "data"} {
		if v, ok := snap[key]; ok {
			doc[key] = v
		}
	}
	restored, err := executionFromState(e, ex.model, doc)
	if err != nil {
		return nil, err
	}
	restored.savePoints = ex.savePoints
	for _, fn := range e.listeners {
		restored.On(fn)
	}
	e.cache.put(restored)
	return restored, nil
}

// save persists the full instance document, snapshotting a save point
// when enabled
func (e *Engine) save(ctx context.Context, ex *Execution) error {
	ex.emit(EventProcessSaving, nil, nil)

	if ex.SavePoints {
		items := ex.items()
		if len(items) > 0 {
			last := items[len(items)-1]
			doc := ex.State()
			if ex.savePoints == nil {
				ex.savePoints = map[string]store.Document{}
			}
			ex.savePoints[last.ID] = store.Document{
				"items":  doc["items"],
				"tokens": doc["tokens"],
				"loops":  doc["loops"],
				"data":   doc["data"],
			}
		}
	}

	doc := ex.State()
	if !ex.saved {
		if err := e.store.Insert(ctx, InstancesCollection, []store.Document{doc}); err != nil {
			return fmt.Errorf("save %s: %w", ex.ID, err)
		}
		ex.saved = true
	} else {
		if _, err := e.store.Update(ctx, InstancesCollection, store.Query{"id": ex.ID}, doc, true); err != nil {
			return fmt.Errorf("save %s: %w", ex.ID, err)
		}
	}

	if ex.Status == StatusEnd || ex.Status == StatusTerminated {
		e.cache.remove(ex.ID)
	}
	return nil
}

// fail records a system error on the instance and persists what we have
func (e *Engine) fail(ctx context.Context, ex *Execution, cause error) {
	ex.emit(EventProcessException, nil, map[string]any{"error": cause.Error()})
	ex.addLog("error", cause.Error(), nil)
	if err := e.save(ctx, ex); err != nil {
		e.log.Error("save after failure failed", "error", err, "instance_id", ex.ID)
	}
}

func (e *Engine) release(ctx context.Context, id string) {
	if err := e.locker.Release(ctx, id); err != nil {
		e.log.Error("lock release failed", "error", err, "instance_id", id)
	}
}

// instanceReached reports whether any item of the instance document sits
// on one of the given nodes
func instanceReached(doc store.Document, nodes map[string]bool) bool {
	items, _ := doc["items"].([]any)
	for _, raw := range items {
		if nodes[asString(asMap(raw)["element_id"])] {
			return true
		}
	}
	return false
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
