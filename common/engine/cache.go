package engine

import (
	"fmt"
	"sync"

	"github.com/lyzr/procflow/common/definition"
	"github.com/lyzr/procflow/common/logger"
)

// instanceCache keeps live executions keyed by id so consecutive
// operations on one instance skip restore. Finished instances are
// evicted on save.
type instanceCache struct {
	enabled bool
	mu      sync.RWMutex
	m       map[string]*Execution
}

func newInstanceCache(enabled bool) *instanceCache {
	return &instanceCache{enabled: enabled, m: map[string]*Execution{}}
}

func (c *instanceCache) get(id string) *Execution {
	if !c.enabled {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.m[id]
}

func (c *instanceCache) put(ex *Execution) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[ex.ID] = ex
}

func (c *instanceCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
}

// modelCache caches parsed process models per name; a source change
// forces a re-parse so upgrades take effect.
type modelCache struct {
	mu sync.Mutex
	m  map[string]*modelEntry
}

type modelEntry struct {
	source string
	pm     *processModel
}

func newModelCache() *modelCache {
	return &modelCache{m: map[string]*modelEntry{}}
}

func (c *modelCache) load(name, source string, log *logger.Logger) (*processModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.m[name]; ok && entry.source == source {
		return entry.pm, nil
	}
	def, err := definition.Load(name, source, log)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", name, err)
	}
	pm := newProcessModel(def)
	c.m[name] = &modelEntry{source: source, pm: pm}
	return pm, nil
}
