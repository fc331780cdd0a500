package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/procflow/common/logger"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

func sampleInstance() Document {
	return Document{
		"id":     "wf-1",
		"name":   "order",
		"status": "running",
		"data":   map[string]any{"amount": 250, "customer": map[string]any{"tier": "gold"}},
		"items": []any{
			map[string]any{"id": "i1", "element_id": "start", "status": "end"},
			map[string]any{"id": "i2", "element_id": "review", "status": "wait", "assignee": "alice"},
			map[string]any{"id": "i3", "element_id": "review", "status": "wait", "assignee": "bob"},
		},
		"tokens": []any{
			map[string]any{"id": "t1", "status": "running"},
		},
	}
}

func TestMatch(t *testing.T) {
	doc := sampleInstance()

	tests := []struct {
		name  string
		query Query
		want  bool
	}{
		{"equality", Query{"id": "wf-1"}, true},
		{"equality miss", Query{"id": "wf-2"}, false},
		{"missing key", Query{"nope": "x"}, false},
		{"nested path", Query{"data.customer.tier": "gold"}, true},
		{"numeric gt", Query{"data.amount": Query{"$gt": 100}}, true},
		{"numeric gt miss", Query{"data.amount": Query{"$gt": 250}}, false},
		{"numeric lte cross-type", Query{"data.amount": Query{"$lte": 250.0}}, true},
		{"ne", Query{"status": Query{"$ne": "end"}}, true},
		{"ne miss", Query{"status": Query{"$ne": "running"}}, false},
		{"exists true", Query{"data.amount": Query{"$exists": true}}, true},
		{"exists false", Query{"data.refund": Query{"$exists": false}}, true},
		{"in", Query{"status": Query{"$in": []any{"wait", "running"}}}, true},
		{"in miss", Query{"status": Query{"$in": []any{"wait", "end"}}}, false},
		{"array fan-out", Query{"items.assignee": "bob"}, true},
		{"array fan-out miss", Query{"items.assignee": "carol"}, false},
		{"elemMatch", Query{"items": Query{"$elemMatch": Query{"element_id": "review", "status": "wait"}}}, true},
		{"elemMatch no single element", Query{"items": Query{"$elemMatch": Query{"element_id": "start", "status": "wait"}}}, false},
		{"elemMatch operator sub-condition", Query{"items": Query{"$elemMatch": Query{"status": "wait", "id": Query{"$in": []any{"i3"}}}}}, true},
		{"elemMatch operator miss", Query{"items": Query{"$elemMatch": Query{"status": "end", "id": Query{"$in": []any{"i3"}}}}}, false},
		{"or", Query{"$or": []any{map[string]any{"id": "wf-9"}, map[string]any{"name": "order"}}}, true},
		{"or miss", Query{"$or": []any{map[string]any{"id": "wf-9"}, map[string]any{"name": "refund"}}}, false},
		{"empty query", Query{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Match(doc, tc.query))
		})
	}
}

func TestMatchTimeComparison(t *testing.T) {
	now := time.Now().UTC()
	doc := Document{"time": now}

	assert.True(t, Match(doc, Query{"time": Query{"$lt": now.Add(time.Second)}}))
	assert.False(t, Match(doc, Query{"time": Query{"$lt": now.Add(-time.Second)}}))
	assert.True(t, Match(doc, Query{"time": now}))
}

func TestTranslateFoldsChildKeys(t *testing.T) {
	q := Translate(Query{
		"id":               "wf-1",
		"items.element_id": "review",
		"items.status":     "wait",
		"tokens.status":    "running",
	})

	assert.Equal(t, "wf-1", q["id"])
	assert.Equal(t, Query{"$elemMatch": Query{"element_id": "review", "status": "wait"}}, q["items"])
	assert.Equal(t, Query{"$elemMatch": Query{"status": "running"}}, q["tokens"])
	// the translated form must accept the same documents
	assert.True(t, Match(sampleInstance(), q))
}

func TestTranslatePassesPlainKeysThrough(t *testing.T) {
	q := Translate(Query{"data.amount": Query{"$gt": 100}, "status": "running"})
	assert.Equal(t, Query{"$gt": 100}, q["data.amount"])
	assert.Equal(t, "running", q["status"])
}

func TestTranslateOrBranches(t *testing.T) {
	q := Translate(Query{"$or": []any{
		map[string]any{"items.status": "wait"},
		map[string]any{"status": "end"},
	}})
	assert.True(t, Match(sampleInstance(), q))
}

func TestFilterElements(t *testing.T) {
	doc := sampleInstance()

	waiting := FilterElements(doc, "items", Query{"items.status": "wait"})
	require.Len(t, waiting, 2)
	assert.Equal(t, "i2", waiting[0]["id"])
	assert.Equal(t, "i3", waiting[1]["id"])

	one := FilterElements(doc, "items", Query{"items.assignee": "alice"})
	require.Len(t, one, 1)
	assert.Equal(t, "i2", one[0]["id"])

	// no sub-conditions: everything passes
	all := FilterElements(doc, "items", Query{"id": "wf-1"})
	assert.Len(t, all, 3)
}

func TestFindOneIn(t *testing.T) {
	_, err := FindOneIn(nil)
	assert.ErrorIs(t, err, ErrNotFound)

	doc, err := FindOneIn([]Document{{"id": "a"}})
	require.NoError(t, err)
	assert.Equal(t, "a", doc["id"])

	_, err = FindOneIn([]Document{{"id": "a"}, {"id": "b"}})
	assert.ErrorIs(t, err, ErrAmbiguous)
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testLogger())

	require.NoError(t, s.Insert(ctx, "instances", []Document{sampleInstance()}))

	found, err := s.Find(ctx, "instances", Query{"items": Query{"$elemMatch": Query{"assignee": "alice"}}})
	require.NoError(t, err)
	require.Len(t, found, 1)

	n, err := s.Update(ctx, "instances", Query{"id": "wf-1"}, Document{"status": "end"}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	doc, err := s.FindOne(ctx, "instances", Query{"id": "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, "end", doc["status"])

	removed, err := s.Remove(ctx, "instances", Query{"id": "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.FindOne(ctx, "instances", Query{"id": "wf-1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCopiesDocuments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testLogger())

	original := sampleInstance()
	require.NoError(t, s.Insert(ctx, "instances", []Document{original}))

	// mutating the inserted document must not reach the store
	original["status"] = "mutated"
	stored, err := s.FindOne(ctx, "instances", Query{"id": "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, "running", stored["status"])

	// mutating a result must not reach the store either
	stored["status"] = "mutated"
	fresh, err := s.FindOne(ctx, "instances", Query{"id": "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, "running", fresh["status"])
}

func TestMemoryStoreUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testLogger())

	n, err := s.Update(ctx, "locks", Query{"id": "wf-1"}, Document{"time": time.Now().UTC()}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	doc, err := s.FindOne(ctx, "locks", Query{"id": "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, "wf-1", doc["id"], "upsert seeds equality fields from the query")

	n, err = s.Update(ctx, "locks", Query{"id": "wf-1"}, Document{"owner": "w2"}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	docs, err := s.Find(ctx, "locks", Query{})
	require.NoError(t, err)
	assert.Len(t, docs, 1, "second upsert updates in place")
}

func TestMemoryStoreUpdateDottedPath(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testLogger())

	require.NoError(t, s.Insert(ctx, "instances", []Document{sampleInstance()}))
	_, err := s.Update(ctx, "instances", Query{"id": "wf-1"}, Document{"data.amount": 999}, false)
	require.NoError(t, err)

	doc, err := s.FindOne(ctx, "instances", Query{"id": "wf-1"})
	require.NoError(t, err)
	data := doc["data"].(map[string]any)
	assert.Equal(t, 999, data["amount"])
	assert.NotNil(t, data["customer"], "sibling fields survive a dotted update")
}

func TestMemoryStoreUniqueIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testLogger())
	require.NoError(t, s.EnsureIndex(ctx, "instances", []string{"id"}, true))

	require.NoError(t, s.Insert(ctx, "instances", []Document{{"id": "wf-1"}}))
	err := s.Insert(ctx, "instances", []Document{{"id": "wf-1"}})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.Insert(ctx, "instances", []Document{{"id": "wf-2"}}))
}

func TestLockerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testLogger())
	l, err := NewLocker(ctx, s, testLogger())
	require.NoError(t, err)

	locked, err := l.IsLocked(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, l.Lock(ctx, "wf-1"))
	locked, err = l.IsLocked(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, locked)

	// re-acquiring refreshes instead of duplicating
	require.NoError(t, l.Lock(ctx, "wf-1"))
	rows, err := s.Find(ctx, LocksCollection, Query{"id": "wf-1"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, l.Release(ctx, "wf-1"))
	locked, err = l.IsLocked(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLockerSweep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testLogger())
	l, err := NewLocker(ctx, s, testLogger())
	require.NoError(t, err)

	stale := Document{"id": "wf-old", "time": time.Now().UTC().Add(-time.Hour)}
	require.NoError(t, s.Insert(ctx, LocksCollection, []Document{stale}))
	require.NoError(t, l.Lock(ctx, "wf-live"))

	removed, err := l.Sweep(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	locked, err := l.IsLocked(ctx, "wf-live")
	require.NoError(t, err)
	assert.True(t, locked)
}
