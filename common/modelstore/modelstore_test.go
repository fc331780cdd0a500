package modelstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/procflow/common/logger"
	"github.com/lyzr/procflow/common/store"
)

const intakeModel = `
<definitions id="intake-def">
  <message id="newOrder" />
  <signal id="nightly" />
  <process id="intake" isExecutable="true">
    <startEvent id="onOrder">
      <messageEventDefinition messageRef="newOrder" />
    </startEvent>
    <sequenceFlow id="f1" sourceRef="onOrder" targetRef="done" />
    <endEvent id="done" />
  </process>
  <process id="batch" isExecutable="true">
    <startEvent id="onSignal">
      <signalEventDefinition signalRef="nightly" />
    </startEvent>
    <sequenceFlow id="g1" sourceRef="onSignal" targetRef="batchDone" />
    <endEvent id="batchDone" />
  </process>
</definitions>`

const sweepModel = `
<definitions id="sweep-def">
  <process id="sweep" isExecutable="true">
    <startEvent id="every5m">
      <timerEventDefinition>
        <timeCycle>R/PT5M</timeCycle>
      </timerEventDefinition>
    </startEvent>
    <sequenceFlow id="f1" sourceRef="every5m" targetRef="done" />
    <endEvent id="done" />
  </process>
</definitions>`

const nestedStartModel = `
<definitions id="nested-def">
  <process id="outer" isExecutable="true">
    <startEvent id="plain" />
    <sequenceFlow id="f1" sourceRef="plain" targetRef="scope" />
    <subProcess id="scope" triggeredByEvent="true">
      <startEvent id="innerOnMsg">
        <messageEventDefinition messageRef="innerMsg" />
      </startEvent>
      <sequenceFlow id="g1" sourceRef="innerOnMsg" targetRef="innerDone" />
      <endEvent id="innerDone" />
    </subProcess>
    <sequenceFlow id="f2" sourceRef="scope" targetRef="done" />
    <endEvent id="done" />
  </process>
</definitions>`

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	log := logger.New("error", "text")
	s, err := New(ctx, store.NewMemoryStore(log), log)
	require.NoError(t, err)
	return s, ctx
}

func TestPutAndGetSource(t *testing.T) {
	s, ctx := newTestStore(t)

	require.NoError(t, s.Put(ctx, "intake", intakeModel))

	source, err := s.GetSource(ctx, "intake")
	require.NoError(t, err)
	assert.Equal(t, intakeModel, source)

	_, err = s.GetSource(ctx, "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutReplacesExisting(t *testing.T) {
	s, ctx := newTestStore(t)

	require.NoError(t, s.Put(ctx, "sweep", sweepModel))
	require.NoError(t, s.Put(ctx, "sweep", intakeModel))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sweep"}, names)

	source, err := s.GetSource(ctx, "sweep")
	require.NoError(t, err)
	assert.Equal(t, intakeModel, source)

	// the event index follows the replacement
	events, err := s.FindEvents(ctx, store.Query{"events.sub_type": "timer"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPutRejectsInvalidSource(t *testing.T) {
	s, ctx := newTestStore(t)
	assert.Error(t, s.Put(ctx, "bad", "<definitions>no process</definitions>"))
}

func TestDelete(t *testing.T) {
	s, ctx := newTestStore(t)

	require.NoError(t, s.Put(ctx, "intake", intakeModel))
	require.NoError(t, s.Delete(ctx, "intake"))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFindEventsByMessage(t *testing.T) {
	s, ctx := newTestStore(t)

	require.NoError(t, s.Put(ctx, "intake", intakeModel))
	require.NoError(t, s.Put(ctx, "sweep", sweepModel))

	events, err := s.FindEvents(ctx, store.Query{"events.message_id": "newOrder"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "intake", events[0].ModelName)
	assert.Equal(t, "onOrder", events[0].ElementID)
	assert.Equal(t, "message", events[0].SubType)
	assert.Equal(t, "newOrder", events[0].MessageID)
}

func TestFindEventsBySignalAndTimer(t *testing.T) {
	s, ctx := newTestStore(t)

	require.NoError(t, s.Put(ctx, "intake", intakeModel))
	require.NoError(t, s.Put(ctx, "sweep", sweepModel))

	signals, err := s.FindEvents(ctx, store.Query{"events.signal_id": "nightly"})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "onSignal", signals[0].ElementID)

	timers, err := s.FindEvents(ctx, store.Query{"events.sub_type": "timer"})
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, "every5m", timers[0].ElementID)
	assert.Equal(t, "R/PT5M", timers[0].TimerDef)
}

func TestFindEventsFiltersPerElement(t *testing.T) {
	s, ctx := newTestStore(t)
	require.NoError(t, s.Put(ctx, "intake", intakeModel))

	// the model carries two start events; the query must narrow to one
	events, err := s.FindEvents(ctx, store.Query{"events.sub_type": "message"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "onOrder", events[0].ElementID)
}

func TestNestedScopeStartsNotIndexed(t *testing.T) {
	s, ctx := newTestStore(t)
	require.NoError(t, s.Put(ctx, "nested", nestedStartModel))

	events, err := s.FindEvents(ctx, store.Query{"events.message_id": "innerMsg"})
	require.NoError(t, err)
	assert.Empty(t, events, "event sub-process starts are internal to the instance")
}

func TestPlainStartsNotIndexed(t *testing.T) {
	s, ctx := newTestStore(t)
	require.NoError(t, s.Put(ctx, "nested", nestedStartModel))

	events, err := s.FindEvents(ctx, store.Query{"name": "nested"})
	require.NoError(t, err)
	assert.Empty(t, events, "none-start events carry no externally visible trigger")
}
