package engine

import (
	"context"
	"time"

	"github.com/lyzr/procflow/common/definition"
	"github.com/lyzr/procflow/common/scheduler"
	"github.com/lyzr/procflow/common/store"
)

// TimerStarter polls the model store for timer start events and starts
// instances when they come due. Cycle and cron timers re-arm after each
// firing; date and duration timers fire once per model save.
type TimerStarter struct {
	engine   *Engine
	interval time.Duration
	cancel   context.CancelFunc

	// next firing time per model/element key
	due map[string]time.Time
}

func NewTimerStarter(engine *Engine, interval time.Duration) *TimerStarter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &TimerStarter{
		engine:   engine,
		interval: interval,
		due:      map[string]time.Time{},
	}
}

// Run polls until the context is cancelled
func (ts *TimerStarter) Run(ctx context.Context) {
	ctx, ts.cancel = context.WithCancel(ctx)
	ticker := time.NewTicker(ts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ts.poll(ctx, now)
		}
	}
}

func (ts *TimerStarter) Stop() {
	if ts.cancel != nil {
		ts.cancel()
	}
}

func (ts *TimerStarter) poll(ctx context.Context, now time.Time) {
	events, err := ts.engine.models.FindEvents(ctx, store.Query{
		"events.sub_type": definition.SubTypeTimer,
	})
	if err != nil {
		ts.engine.log.Error("timer event lookup failed", "error", err)
		return
	}

	seen := map[string]bool{}
	for _, ev := range events {
		if ev.TimerDef == "" {
			continue
		}
		key := ev.ModelName + "/" + ev.ElementID
		seen[key] = true

		due, known := ts.due[key]
		if !known {
			timer, err := scheduler.ParseTimer(ev.TimerDef)
			if err != nil {
				ts.engine.log.Error("bad timer start event", "error", err, "model", ev.ModelName, "element_id", ev.ElementID)
				continue
			}
			if next, ok := timer.Next(now); ok {
				ts.due[key] = next
			}
			continue
		}
		if now.Before(due) {
			continue
		}

		if _, err := ts.engine.StartEvent(ctx, ev.ModelName, ev.ElementID, map[string]any{"timerFired": true}); err != nil {
			ts.engine.log.Error("timer start failed", "error", err, "model", ev.ModelName, "element_id", ev.ElementID)
		}

		timer, err := scheduler.ParseTimer(ev.TimerDef)
		if err != nil {
			delete(ts.due, key)
			continue
		}
		switch timer.Kind {
		case scheduler.KindCycle, scheduler.KindCron:
			if next, ok := timer.Next(now); ok {
				ts.due[key] = next
			} else {
				delete(ts.due, key)
			}
		default:
			// one-shot: forget until the model is saved again
			delete(ts.due, key)
		}
	}

	// drop timers whose model or event disappeared
	for key := range ts.due {
		if !seen[key] {
			delete(ts.due, key)
		}
	}
}
