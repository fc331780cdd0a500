// Package scheduler computes timer due times from ISO-8601 and cron
// definitions and wakes waiting timer events when they come due.
package scheduler

import (
	"sync"
	"time"

	"github.com/lyzr/procflow/common/logger"
)

// FireFunc is invoked when a scheduled timer comes due
type FireFunc func(instanceID, itemID string)

// Scheduler holds one in-process timer per scheduled item
type Scheduler struct {
	fire   FireFunc
	timers map[string]*time.Timer
	mu     sync.Mutex
	closed bool
	log    *logger.Logger
}

// New creates a scheduler; SetFire must be called before Schedule
func New(log *logger.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		log:    log,
	}
}

// SetFire installs the fire callback
func (s *Scheduler) SetFire(fire FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire = fire
}

// Schedule arms a timer for the item at the due time. Re-scheduling an
// item replaces its pending timer.
func (s *Scheduler) Schedule(instanceID, itemID string, due time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if existing, ok := s.timers[itemID]; ok {
		existing.Stop()
	}

	delay := time.Until(due)
	if delay < 0 {
		delay = 0
	}
	s.timers[itemID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, itemID)
		fire := s.fire
		closed := s.closed
		s.mu.Unlock()
		if closed || fire == nil {
			return
		}
		fire(instanceID, itemID)
	})
	s.log.Debug("timer scheduled", "instance_id", instanceID, "item_id", itemID, "due", due)
}

// Cancel disarms the pending timer for an item, if any
func (s *Scheduler) Cancel(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[itemID]; ok {
		t.Stop()
		delete(s.timers, itemID)
	}
}

// Stop disarms every pending timer
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
