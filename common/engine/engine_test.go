package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/procflow/common/config"
	"github.com/lyzr/procflow/common/logger"
	"github.com/lyzr/procflow/common/modelstore"
	"github.com/lyzr/procflow/common/script"
	"github.com/lyzr/procflow/common/store"
)

func newTestEngine(t *testing.T) (*Engine, context.Context) {
	t.Helper()
	ctx := context.Background()
	log := logger.New("error", "text")

	docs := store.NewMemoryStore(log)
	locker, err := store.NewLocker(ctx, docs, log)
	require.NoError(t, err)
	models, err := modelstore.New(ctx, docs, log)
	require.NoError(t, err)
	scripts, err := script.NewCELHandler()
	require.NoError(t, err)

	eng, err := New(ctx, Opts{
		Store:   docs,
		Locker:  locker,
		Models:  models,
		Scripts: scripts,
		Config:  config.EngineConfig{CacheEnabled: true, SavePoints: true},
		Log:     log,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return eng, ctx
}

func putModel(t *testing.T, ctx context.Context, eng *Engine, name, source string) {
	t.Helper()
	require.NoError(t, eng.models.Put(ctx, name, source))
}

// recorder collects emitted events for ordering assertions
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) listen(event string, _ *Execution, _ map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func itemsOf(doc store.Document) []map[string]any {
	raw, _ := doc["items"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, elem := range raw {
		if m, ok := elem.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func itemsByElement(doc store.Document, elementID string) []map[string]any {
	var out []map[string]any
	for _, item := range itemsOf(doc) {
		if item["element_id"] == elementID {
			out = append(out, item)
		}
	}
	return out
}

func instanceDoc(t *testing.T, ctx context.Context, eng *Engine, id string) store.Document {
	t.Helper()
	docs, err := eng.FindInstances(ctx, store.Query{"id": id})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	return docs[0]
}

const pricingModel = `
<definitions id="pricing-def">
  <process id="pricingProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="calc" />
    <scriptTask id="calc" name="Calculate">
      <script>{"total": data.amount * 2.0}</script>
    </scriptTask>
    <sequenceFlow id="f2" sourceRef="calc" targetRef="done" />
    <endEvent id="done" />
  </process>
</definitions>`

func TestStartRunsStraightLineToEnd(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "pricing", pricingModel)

	rec := &recorder{}
	eng.Listen(rec.listen)

	ex, err := eng.Start(ctx, StartOptions{Name: "pricing", Data: map[string]any{"amount": 21}})
	require.NoError(t, err)

	assert.Equal(t, StatusEnd, ex.Status)
	assert.NotNil(t, ex.StartedAt)
	assert.NotNil(t, ex.EndedAt)
	assert.Equal(t, float64(42), ex.Data["total"])

	items := ex.items()
	require.Len(t, items, 3)
	assert.Equal(t, "start", items[0].ElementID)
	assert.Equal(t, "calc", items[1].ElementID)
	assert.Equal(t, "done", items[2].ElementID)
	for _, item := range items {
		assert.Equal(t, StatusEnd, item.Status)
		assert.NotNil(t, item.StartedAt, item.ElementID)
		assert.NotNil(t, item.EndedAt, item.ElementID)
	}

	events := rec.all()
	assert.Contains(t, events, EventProcessStart)
	assert.Contains(t, events, EventNodeEnter)
	assert.Contains(t, events, EventNodeStart)
	assert.Contains(t, events, EventNodeEnd)
	assert.Contains(t, events, EventProcessEnd)

	doc := instanceDoc(t, ctx, eng, ex.ID)
	assert.Equal(t, "end", doc["status"])
}

func TestItemSequenceIsMonotonic(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "pricing", pricingModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "pricing", Data: map[string]any{"amount": 1}})
	require.NoError(t, err)

	seen := map[int]bool{}
	last := 0
	for _, item := range ex.items() {
		assert.Greater(t, item.Seq, last)
		assert.False(t, seen[item.Seq], "duplicate seq %d", item.Seq)
		seen[item.Seq] = true
		last = item.Seq
	}
}

const routingModel = `
<definitions id="routing-def">
  <process id="routingProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="split" />
    <exclusiveGateway id="split" default="toStandard" />
    <sequenceFlow id="toPriority" sourceRef="split" targetRef="priority">
      <conditionExpression>data.amount &gt;= 500.0</conditionExpression>
    </sequenceFlow>
    <sequenceFlow id="toStandard" sourceRef="split" targetRef="standard" />
    <scriptTask id="priority">
      <script>{"route": "priority"}</script>
    </scriptTask>
    <scriptTask id="standard">
      <script>{"route": "standard"}</script>
    </scriptTask>
    <sequenceFlow id="f2" sourceRef="priority" targetRef="priorityEnd" />
    <sequenceFlow id="f3" sourceRef="standard" targetRef="standardEnd" />
    <endEvent id="priorityEnd" />
    <endEvent id="standardEnd" />
  </process>
</definitions>`

func TestExclusiveGatewayRouting(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "routing", routingModel)

	big, err := eng.Start(ctx, StartOptions{Name: "routing", Data: map[string]any{"amount": 750}})
	require.NoError(t, err)
	assert.Equal(t, StatusEnd, big.Status)
	assert.Equal(t, "priority", big.Data["route"])
	for _, item := range big.items() {
		assert.NotEqual(t, "standard", item.ElementID)
	}

	small, err := eng.Start(ctx, StartOptions{Name: "routing", Data: map[string]any{"amount": 10}})
	require.NoError(t, err)
	assert.Equal(t, StatusEnd, small.Status)
	assert.Equal(t, "standard", small.Data["route"])
}

const approvalModel = `
<definitions id="approval-def">
  <process id="approvalProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="fork" />
    <parallelGateway id="fork" />
    <sequenceFlow id="f2" sourceRef="fork" targetRef="taskA" />
    <sequenceFlow id="f3" sourceRef="fork" targetRef="taskB" />
    <userTask id="taskA" name="Review A" assignee="alice" />
    <userTask id="taskB" name="Review B" assignee="bob" />
    <sequenceFlow id="f4" sourceRef="taskA" targetRef="join" />
    <sequenceFlow id="f5" sourceRef="taskB" targetRef="join" />
    <parallelGateway id="join" />
    <sequenceFlow id="f6" sourceRef="join" targetRef="done" />
    <endEvent id="done" />
  </process>
</definitions>`

func TestParallelForkAndJoin(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "approval", approvalModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "approval", Data: nil})
	require.NoError(t, err)
	assert.Equal(t, StatusWait, ex.Status)

	waiting, err := eng.FindItems(ctx, store.Query{"id": ex.ID, "items.status": "wait"})
	require.NoError(t, err)
	require.Len(t, waiting, 2)

	// first completion parks its branch at the join
	mid, err := eng.SignalEvent(ctx, ex.ID, "taskA", map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, StatusWait, mid.Status)

	// last arrival passes the join exactly once
	final, err := eng.SignalEvent(ctx, ex.ID, "taskB", map[string]any{"approved": false})
	require.NoError(t, err)
	assert.Equal(t, StatusEnd, final.Status)

	doc := instanceDoc(t, ctx, eng, ex.ID)
	assert.Equal(t, "end", doc["status"])
	assert.Len(t, itemsByElement(doc, "done"), 1)
	assert.Len(t, itemsByElement(doc, "fork"), 1)
}

func TestParallelJoinEitherOrder(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "approval", approvalModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "approval"})
	require.NoError(t, err)

	_, err = eng.SignalEvent(ctx, ex.ID, "taskB", nil)
	require.NoError(t, err)
	final, err := eng.SignalEvent(ctx, ex.ID, "taskA", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusEnd, final.Status)

	doc := instanceDoc(t, ctx, eng, ex.ID)
	assert.Len(t, itemsByElement(doc, "done"), 1)
}

const reviewModel = `
<definitions id="review-def">
  <process id="reviewProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="review" />
    <userTask id="review" name="Review order" assignee="alice" candidateGroups="sales,support" />
    <sequenceFlow id="f2" sourceRef="review" targetRef="done" />
    <endEvent id="done" />
  </process>
</definitions>`

func TestUserTaskWaitAssignInvoke(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "review", reviewModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "review", UserName: "system"})
	require.NoError(t, err)
	assert.Equal(t, StatusWait, ex.Status)

	task := ex.items()[1]
	assert.Equal(t, "review", task.ElementID)
	assert.Equal(t, StatusWait, task.Status)
	assert.Equal(t, "alice", task.Assignee)
	assert.Equal(t, []string{"sales", "support"}, task.CandidateGroups)

	// reassignment mutates the task without completing it
	_, err = eng.Assign(ctx,
		store.Query{"id": ex.ID, "items.element_id": "review"},
		map[string]any{"note": "escalated"},
		Assignment{Assignee: "carol", Priority: 5},
		"supervisor")
	require.NoError(t, err)
	assert.Equal(t, "carol", task.Assignee)
	assert.Equal(t, 5, task.Priority)
	assert.Equal(t, "escalated", task.Vars["note"])
	assert.Equal(t, StatusWait, task.Status)

	final, err := eng.Invoke(ctx,
		store.Query{"id": ex.ID, "items.element_id": "review"},
		map[string]any{"approved": true},
		InvokeOptions{UserName: "carol"})
	require.NoError(t, err)
	assert.Equal(t, StatusEnd, final.Status)
	assert.Equal(t, true, task.Output["approved"])
}

func TestInvokeUnknownItemFails(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "review", reviewModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "review"})
	require.NoError(t, err)

	_, err = eng.SignalEvent(ctx, ex.ID, "nowhere", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// completing a task twice: the second invoke finds nothing waiting
	_, err = eng.SignalEvent(ctx, ex.ID, "review", nil)
	require.NoError(t, err)
	_, err = eng.SignalEvent(ctx, ex.ID, "review", nil)
	assert.Error(t, err)
}

const terminateModel = `
<definitions id="terminate-def">
  <process id="terminateProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="fork" />
    <parallelGateway id="fork" />
    <sequenceFlow id="f2" sourceRef="fork" targetRef="slow" />
    <sequenceFlow id="f3" sourceRef="fork" targetRef="fast" />
    <userTask id="slow" />
    <scriptTask id="fast">
      <script>{"fast": true}</script>
    </scriptTask>
    <sequenceFlow id="f4" sourceRef="slow" targetRef="slowEnd" />
    <sequenceFlow id="f5" sourceRef="fast" targetRef="halt" />
    <endEvent id="slowEnd" />
    <endEvent id="halt">
      <terminateEventDefinition />
    </endEvent>
  </process>
</definitions>`

func TestTerminateEndEventStopsSiblings(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "terminate", terminateModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "terminate"})
	require.NoError(t, err)

	// the fast branch reaches the terminate end synchronously
	assert.Equal(t, StatusEnd, ex.Status)

	doc := instanceDoc(t, ctx, eng, ex.ID)
	assert.Equal(t, "end", doc["status"])
	slow := itemsByElement(doc, "slow")
	require.Len(t, slow, 1)
	assert.Equal(t, "terminated", slow[0]["status"])
	halt := itemsByElement(doc, "halt")
	require.Len(t, halt, 1)
	assert.Equal(t, "end", halt[0]["status"])
}

const dualEntryModel = `
<definitions id="dual-def">
  <process id="dualProcess" isExecutable="true">
    <startEvent id="startA" />
    <sequenceFlow id="f1" sourceRef="startA" targetRef="doneA" />
    <endEvent id="doneA" />
    <startEvent id="startB" />
    <sequenceFlow id="f2" sourceRef="startB" targetRef="doneB" />
    <endEvent id="doneB" />
  </process>
</definitions>`

func TestStartResolvesDefaultStartNode(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "pricing", pricingModel)

	// no explicit start node: the model's single none start is resolved
	ex, err := eng.Start(ctx, StartOptions{Name: "pricing", Data: map[string]any{"amount": 1}})
	require.NoError(t, err)
	assert.Equal(t, StatusEnd, ex.Status)
	require.NotEmpty(t, ex.items())
	assert.Equal(t, "start", ex.items()[0].ElementID)
}

func TestStartAmbiguousEntryRequiresNodeID(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "dual", dualEntryModel)

	_, err := eng.Start(ctx, StartOptions{Name: "dual"})
	assert.ErrorIs(t, err, ErrInvalidState)

	ex, err := eng.Start(ctx, StartOptions{Name: "dual", StartNodeID: "startB"})
	require.NoError(t, err)
	assert.Equal(t, StatusEnd, ex.Status)

	doc := instanceDoc(t, ctx, eng, ex.ID)
	require.Len(t, itemsByElement(doc, "doneB"), 1)
	assert.Empty(t, itemsByElement(doc, "doneA"))
}

const chargeModel = `
<definitions id="charge-def">
  <process id="chargeProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="charge" />
    <serviceTask id="charge" implementation="chargeCard" />
    <sequenceFlow id="f2" sourceRef="charge" targetRef="done" />
    <endEvent id="done" />
  </process>
</definitions>`

func TestStartedStatePersistedBeforeServiceCall(t *testing.T) {
	ctx := context.Background()
	log := logger.New("error", "text")

	docs := store.NewMemoryStore(log)
	locker, err := store.NewLocker(ctx, docs, log)
	require.NoError(t, err)
	models, err := modelstore.New(ctx, docs, log)
	require.NoError(t, err)
	scripts, err := script.NewCELHandler()
	require.NoError(t, err)

	var persisted []map[string]any
	reg := NewRegistry()
	reg.Register("chargeCard", func(ex *Execution, item *Item, input map[string]any) (map[string]any, error) {
		doc, err := docs.FindOne(ctx, InstancesCollection, store.Query{"id": ex.ID})
		require.NoError(t, err)
		persisted = itemsByElement(doc, "charge")
		return map[string]any{"charged": true}, nil
	})

	eng, err := New(ctx, Opts{
		Store:     docs,
		Locker:    locker,
		Models:    models,
		Scripts:   scripts,
		Delegates: reg,
		Config:    config.EngineConfig{CacheEnabled: true},
		Log:       log,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	putModel(t, ctx, eng, "charge", chargeModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "charge"})
	require.NoError(t, err)
	assert.Equal(t, StatusEnd, ex.Status)
	assert.Equal(t, true, ex.items()[1].Output["charged"])

	// the store already held the started item when the delegate ran
	require.Len(t, persisted, 1)
	assert.Equal(t, "running", persisted[0]["status"])
}

func TestEngineTerminateInstance(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "review", reviewModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "review"})
	require.NoError(t, err)

	term, err := eng.Terminate(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, term.Status)
	assert.NotNil(t, term.EndedAt)

	for _, item := range term.items() {
		assert.False(t, item.Active(), item.ElementID)
	}

	_, err = eng.SignalEvent(ctx, ex.ID, "review", nil)
	assert.Error(t, err)
}

func TestTerminateEmitsNodeTerminated(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "review", reviewModel)

	rec := &recorder{}
	eng.Listen(rec.listen)

	ex, err := eng.Start(ctx, StartOptions{Name: "review"})
	require.NoError(t, err)

	_, err = eng.Terminate(ctx, ex.ID)
	require.NoError(t, err)

	events := rec.all()
	assert.Contains(t, events, EventNodeTerminated)
	assert.Contains(t, events, EventTokenTerminated)
	assert.Contains(t, events, EventProcessTerminated)
}
