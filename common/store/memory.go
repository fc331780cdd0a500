package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lyzr/procflow/common/logger"
)

// MemoryStore is an in-memory DocumentStore used for tests and embedded
// deployments. Documents are deep-copied on the way in and out.
type MemoryStore struct {
	colls   map[string][]Document
	indexes map[string][]memIndex
	mu      sync.RWMutex
	log     *logger.Logger
}

type memIndex struct {
	keys   []string
	unique bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		colls:   make(map[string][]Document),
		indexes: make(map[string][]memIndex),
		log:     log,
	}
}

func (s *MemoryStore) Find(ctx context.Context, coll string, query Query) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Document
	for _, doc := range s.colls[coll] {
		if Match(doc, query) {
			out = append(out, deepCopy(doc).(Document))
		}
	}
	return out, nil
}

func (s *MemoryStore) FindOne(ctx context.Context, coll string, query Query) (Document, error) {
	docs, err := s.Find(ctx, coll, query)
	if err != nil {
		return nil, err
	}
	return FindOneIn(docs)
}

func (s *MemoryStore) Insert(ctx context.Context, coll string, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		if err := s.checkUnique(coll, doc); err != nil {
			return err
		}
		s.colls[coll] = append(s.colls[coll], deepCopy(doc).(Document))
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, coll string, query Query, update Document, upsert bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, doc := range s.colls[coll] {
		if Match(doc, query) {
			for k, v := range update {
				setDotted(doc, k, deepCopy(v))
			}
			count++
		}
	}

	if count == 0 && upsert {
		doc := Document{}
		for k, v := range query {
			if !strings.HasPrefix(k, "$") && !strings.Contains(k, ".") {
				if m, ok := v.(map[string]any); ok && isOperatorMap(m) {
					continue
				}
				doc[k] = deepCopy(v)
			}
		}
		for k, v := range update {
			setDotted(doc, k, deepCopy(v))
		}
		if err := s.checkUnique(coll, doc); err != nil {
			return 0, err
		}
		s.colls[coll] = append(s.colls[coll], doc)
		count = 1
	}
	return count, nil
}

func (s *MemoryStore) Remove(ctx context.Context, coll string, query Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []Document
	var removed int64
	for _, doc := range s.colls[coll] {
		if Match(doc, query) {
			removed++
			continue
		}
		kept = append(kept, doc)
	}
	s.colls[coll] = kept
	return removed, nil
}

func (s *MemoryStore) EnsureIndex(ctx context.Context, coll string, keys []string, unique bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, idx := range s.indexes[coll] {
		if unique == idx.unique && sameKeys(idx.keys, keys) {
			return nil
		}
	}
	s.indexes[coll] = append(s.indexes[coll], memIndex{keys: keys, unique: unique})
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.colls = nil
	return nil
}

// checkUnique enforces unique indexes; caller holds the lock
func (s *MemoryStore) checkUnique(coll string, doc Document) error {
	for _, idx := range s.indexes[coll] {
		if !idx.unique {
			continue
		}
		probe := Query{}
		for _, key := range idx.keys {
			vals, ok := resolvePath(doc, key)
			if !ok || len(vals) == 0 {
				probe = nil
				break
			}
			probe[key] = vals[0]
		}
		if probe == nil {
			continue
		}
		for _, existing := range s.colls[coll] {
			if Match(existing, probe) {
				return ErrDuplicate
			}
		}
	}
	return nil
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func setDotted(doc Document, path string, value any) {
	head, rest, found := strings.Cut(path, ".")
	if !found {
		doc[head] = value
		return
	}
	child, ok := doc[head].(map[string]any)
	if !ok {
		child = map[string]any{}
		doc[head] = child
	}
	setDotted(child, rest, value)
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	case time.Time:
		return val
	default:
		return val
	}
}
