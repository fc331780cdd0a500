package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/procflow/common/store"
)

const riskyModel = `
<definitions id="risky-def">
  <process id="riskyProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="danger" />
    <scriptTask id="danger">
      <script>{"bpmnError": "E42"}</script>
    </scriptTask>
    <boundaryEvent id="catchErr" attachedToRef="danger">
      <errorEventDefinition />
    </boundaryEvent>
    <sequenceFlow id="f2" sourceRef="danger" targetRef="normalEnd" />
    <sequenceFlow id="f3" sourceRef="catchErr" targetRef="handled" />
    <scriptTask id="handled">
      <script>{"handled": true}</script>
    </scriptTask>
    <sequenceFlow id="f4" sourceRef="handled" targetRef="errEnd" />
    <endEvent id="normalEnd" />
    <endEvent id="errEnd" />
  </process>
</definitions>`

func TestErrorBoundaryCatchesScriptError(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "risky", riskyModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "risky"})
	require.NoError(t, err)

	assert.Equal(t, StatusEnd, ex.Status)
	assert.Equal(t, true, ex.Data["handled"])

	doc := instanceDoc(t, ctx, eng, ex.ID)
	require.Len(t, itemsByElement(doc, "handled"), 1)
	assert.Empty(t, itemsByElement(doc, "normalEnd"))

	// the error payload reaches the handler branch through the catch item
	catch := itemsByElement(doc, "catchErr")
	require.Len(t, catch, 1)
	out, _ := catch[0]["output"].(map[string]any)
	assert.Equal(t, "E42", out["errorCode"])
}

const unhandledModel = `
<definitions id="unhandled-def">
  <process id="unhandledProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="danger" />
    <scriptTask id="danger">
      <script>{"bpmnError": "E99"}</script>
    </scriptTask>
    <sequenceFlow id="f2" sourceRef="danger" targetRef="done" />
    <endEvent id="done" />
  </process>
</definitions>`

func TestUnhandledErrorTerminatesInstance(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "unhandled", unhandledModel)

	rec := &recorder{}
	eng.Listen(rec.listen)

	ex, err := eng.Start(ctx, StartOptions{Name: "unhandled"})
	require.NoError(t, err)

	assert.Equal(t, StatusTerminated, ex.Status)
	assert.Contains(t, rec.all(), EventProcessError)
	for _, item := range ex.items() {
		assert.NotEqual(t, "done", item.ElementID)
	}
}

const escalationModel = `
<definitions id="escalation-def">
  <process id="escalationProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="wrap" />
    <subProcess id="wrap">
      <startEvent id="innerStart" />
      <sequenceFlow id="g1" sourceRef="innerStart" targetRef="notify" />
      <intermediateThrowEvent id="notify">
        <escalationEventDefinition escalationRef="lowStock" />
      </intermediateThrowEvent>
      <sequenceFlow id="g2" sourceRef="notify" targetRef="innerEnd" />
      <endEvent id="innerEnd" />
    </subProcess>
    <boundaryEvent id="onEscalate" attachedToRef="wrap" cancelActivity="false">
      <escalationEventDefinition escalationRef="lowStock" />
    </boundaryEvent>
    <sequenceFlow id="f2" sourceRef="wrap" targetRef="done" />
    <sequenceFlow id="f3" sourceRef="onEscalate" targetRef="alert" />
    <scriptTask id="alert">
      <script>{"alerted": true}</script>
    </scriptTask>
    <sequenceFlow id="f4" sourceRef="alert" targetRef="alertEnd" />
    <endEvent id="done" />
    <endEvent id="alertEnd" />
  </process>
</definitions>`

func TestNonInterruptingEscalationBoundary(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "escalation", escalationModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "escalation"})
	require.NoError(t, err)

	// the handler runs and the sub-process still completes normally
	assert.Equal(t, StatusEnd, ex.Status)
	assert.Equal(t, true, ex.Data["alerted"])

	doc := instanceDoc(t, ctx, eng, ex.ID)
	require.Len(t, itemsByElement(doc, "done"), 1)
	require.Len(t, itemsByElement(doc, "alert"), 1)
	wrap := itemsByElement(doc, "wrap")
	require.Len(t, wrap, 1)
	assert.Equal(t, "end", wrap[0]["status"])
	assert.NotEmpty(t, wrap[0]["ended_at"])
}

const timerBoundaryModel = `
<definitions id="slow-def">
  <process id="slowProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="work" />
    <userTask id="work" />
    <boundaryEvent id="overdue" attachedToRef="work">
      <timerEventDefinition>
        <timeDuration>PT0.1S</timeDuration>
      </timerEventDefinition>
    </boundaryEvent>
    <sequenceFlow id="f2" sourceRef="work" targetRef="done" />
    <sequenceFlow id="f3" sourceRef="overdue" targetRef="escalate" />
    <scriptTask id="escalate">
      <script>{"escalated": true}</script>
    </scriptTask>
    <sequenceFlow id="f4" sourceRef="escalate" targetRef="lateEnd" />
    <endEvent id="done" />
    <endEvent id="lateEnd" />
  </process>
</definitions>`

func TestInterruptingTimerBoundaryFires(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "slow", timerBoundaryModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "slow"})
	require.NoError(t, err)
	assert.Equal(t, StatusWait, ex.Status)

	boundary, err := eng.FindItems(ctx, store.Query{"id": ex.ID, "items.element_id": "overdue"})
	require.NoError(t, err)
	require.Len(t, boundary, 1)
	assert.NotEmpty(t, boundary[0]["time_due"])

	require.Eventually(t, func() bool {
		docs, err := eng.FindInstances(ctx, store.Query{"id": ex.ID})
		return err == nil && len(docs) == 1 && docs[0]["status"] == "end"
	}, 3*time.Second, 25*time.Millisecond)

	doc := instanceDoc(t, ctx, eng, ex.ID)
	data, _ := doc["data"].(map[string]any)
	assert.Equal(t, true, data["escalated"])

	// the interrupted task ends without a completion timestamp
	work := itemsByElement(doc, "work")
	require.Len(t, work, 1)
	assert.Equal(t, "end", work[0]["status"])
	assert.Empty(t, work[0]["ended_at"])
	assert.Empty(t, itemsByElement(doc, "done"))
}

func TestTimerBoundaryRetiredOnCompletion(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "slow", timerBoundaryModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "slow"})
	require.NoError(t, err)

	final, err := eng.SignalEvent(ctx, ex.ID, "work", map[string]any{"result": "ok"})
	require.NoError(t, err)
	assert.Equal(t, StatusEnd, final.Status)

	doc := instanceDoc(t, ctx, eng, ex.ID)
	require.Len(t, itemsByElement(doc, "done"), 1)
	assert.Empty(t, itemsByElement(doc, "escalate"))

	// the armed timer must not fire afterwards
	time.Sleep(200 * time.Millisecond)
	doc = instanceDoc(t, ctx, eng, ex.ID)
	assert.Empty(t, itemsByElement(doc, "escalate"))
}

const raceModel = `
<definitions id="race-def">
  <process id="raceProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="gw" />
    <eventBasedGateway id="gw" />
    <sequenceFlow id="f2" sourceRef="gw" targetRef="onReply" />
    <sequenceFlow id="f3" sourceRef="gw" targetRef="onTimeout" />
    <intermediateCatchEvent id="onReply">
      <messageEventDefinition messageRef="reply" />
    </intermediateCatchEvent>
    <intermediateCatchEvent id="onTimeout">
      <timerEventDefinition>
        <timeDuration>PT10M</timeDuration>
      </timerEventDefinition>
    </intermediateCatchEvent>
    <sequenceFlow id="f4" sourceRef="onReply" targetRef="replied" />
    <sequenceFlow id="f5" sourceRef="onTimeout" targetRef="timedOut" />
    <endEvent id="replied" />
    <endEvent id="timedOut" />
  </process>
</definitions>`

func TestEventBasedGatewayCancelsLosers(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "race", raceModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "race"})
	require.NoError(t, err)
	assert.Equal(t, StatusWait, ex.Status)

	final, err := eng.SignalEvent(ctx, ex.ID, "onReply", map[string]any{"answer": 1})
	require.NoError(t, err)
	assert.Equal(t, StatusEnd, final.Status)

	doc := instanceDoc(t, ctx, eng, ex.ID)
	require.Len(t, itemsByElement(doc, "replied"), 1)
	assert.Empty(t, itemsByElement(doc, "timedOut"))

	lost := itemsByElement(doc, "onTimeout")
	require.Len(t, lost, 1)
	assert.Equal(t, "terminated", lost[0]["status"])
}

const orderIntakeModel = `
<definitions id="intake-def">
  <process id="intakeProcess" isExecutable="true">
    <startEvent id="onOrder">
      <messageEventDefinition messageRef="newOrder" />
    </startEvent>
    <sequenceFlow id="f1" sourceRef="onOrder" targetRef="record" />
    <scriptTask id="record">
      <script>{"recorded": true}</script>
    </scriptTask>
    <sequenceFlow id="f2" sourceRef="record" targetRef="done" />
    <endEvent id="done" />
  </process>
</definitions>`

const quoteWaitModel = `
<definitions id="quote-def">
  <process id="quoteProcess" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="awaitQuote" />
    <intermediateCatchEvent id="awaitQuote">
      <messageEventDefinition messageRef="quoteReady" />
    </intermediateCatchEvent>
    <sequenceFlow id="f2" sourceRef="awaitQuote" targetRef="done" />
    <endEvent id="done" />
  </process>
</definitions>`

func TestThrowMessageStartsMatchingModel(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "intake", orderIntakeModel)

	ex, err := eng.ThrowMessage(ctx, "newOrder", map[string]any{"sku": "a-1"}, nil)
	require.NoError(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, StatusEnd, ex.Status)
	assert.Equal(t, true, ex.Data["recorded"])
	assert.Equal(t, "a-1", ex.Data["sku"])
}

func TestThrowMessageResumesWaitingCatcher(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "quote", quoteWaitModel)

	ex, err := eng.Start(ctx, StartOptions{Name: "quote"})
	require.NoError(t, err)
	assert.Equal(t, StatusWait, ex.Status)

	hit, err := eng.ThrowMessage(ctx, "quoteReady", map[string]any{"price": 9.5}, nil)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, ex.ID, hit.ID)
	assert.Equal(t, StatusEnd, hit.Status)
}

func TestThrowMessageWithoutTargetIsNoop(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "quote", quoteWaitModel)

	hit, err := eng.ThrowMessage(ctx, "nobodyListens", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

const alarmStartModel = `
<definitions id="alarmflow-def">
  <process id="alarmFlow" isExecutable="true">
    <startEvent id="onAlarm">
      <signalEventDefinition signalRef="alarm" />
    </startEvent>
    <sequenceFlow id="f1" sourceRef="onAlarm" targetRef="done" />
    <endEvent id="done" />
  </process>
</definitions>`

const alarmWaitModel = `
<definitions id="alarmwait-def">
  <process id="alarmWait" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="awaitAlarm" />
    <intermediateCatchEvent id="awaitAlarm">
      <signalEventDefinition signalRef="alarm" />
    </intermediateCatchEvent>
    <sequenceFlow id="f2" sourceRef="awaitAlarm" targetRef="done" />
    <endEvent id="done" />
  </process>
</definitions>`

func TestThrowSignalBroadcasts(t *testing.T) {
	eng, ctx := newTestEngine(t)
	putModel(t, ctx, eng, "alarmflow", alarmStartModel)
	putModel(t, ctx, eng, "alarmwait", alarmWaitModel)

	waiting, err := eng.Start(ctx, StartOptions{Name: "alarmwait"})
	require.NoError(t, err)
	assert.Equal(t, StatusWait, waiting.Status)

	touched, err := eng.ThrowSignal(ctx, "alarm", map[string]any{"level": "high"}, nil)
	require.NoError(t, err)
	require.Len(t, touched, 2)

	doc := instanceDoc(t, ctx, eng, waiting.ID)
	assert.Equal(t, "end", doc["status"])
}
