package ironbase

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T, opts ...Option) *DatabaseCore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.mlite")

	db, err := Open(NewConfig(path, opts...))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// TestLiveCountInvariant checks live_count = N - M after N inserts and M
// logical deletes, and that count_documents({}) agrees.
func TestLiveCountInvariant(t *testing.T) {
	db := openTestDB(t)

	c, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	const n = 20

	for i := 0; i < n; i++ {
		if _, err := c.InsertOne(map[string]any{"_id": int64(i), "v": i}); err != nil {
			t.Fatalf("InsertOne(%d): %v", i, err)
		}
	}

	const m = 7

	for i := 0; i < m; i++ {
		filter, err := ParseFilter(map[string]any{"_id": int64(i)})
		if err != nil {
			t.Fatalf("ParseFilter: %v", err)
		}

		ok, err := c.DeleteOne(filter)
		if err != nil || !ok {
			t.Fatalf("DeleteOne(%d) = %v, %v", i, ok, err)
		}
	}

	count, err := c.CountDocuments(mustParseFilter(t, map[string]any{}))
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}

	if count != n-m {
		t.Errorf("count_documents({}) = %d, want %d", count, n-m)
	}
}

func mustParseFilter(t *testing.T, q map[string]any) Filter {
	t.Helper()

	f, err := ParseFilter(q)
	if err != nil {
		t.Fatalf("ParseFilter(%v): %v", q, err)
	}

	return f
}

// TestFindOneTombstoneSemantics verifies find_one returns the latest
// non-tombstoned value, or absent if the latest record is a tombstone.
func TestFindOneTombstoneSemantics(t *testing.T) {
	db := openTestDB(t)

	c, err := db.Collection("users")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	if _, err := c.InsertOne(map[string]any{"_id": int64(1), "name": "Alice"}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	idFilter := mustParseFilter(t, map[string]any{"_id": int64(1)})

	doc, found, err := c.FindOne(idFilter)
	if err != nil || !found {
		t.Fatalf("FindOne after insert: found=%v err=%v", found, err)
	}

	if doc.Fields["name"] != "Alice" {
		t.Errorf("name = %v, want Alice", doc.Fields["name"])
	}

	ok, err := c.DeleteOne(idFilter)
	if err != nil || !ok {
		t.Fatalf("DeleteOne: %v, %v", ok, err)
	}

	_, found, err = c.FindOne(idFilter)
	if err != nil {
		t.Fatalf("FindOne after delete: %v", err)
	}

	if found {
		t.Errorf("FindOne should report absent after delete")
	}
}

// TestUniqueIndexViolation checks that inserting a second document whose
// unique-indexed field compares equal fails and leaves the collection
// unchanged.
func TestUniqueIndexViolation(t *testing.T) {
	db := openTestDB(t)

	c, err := db.Collection("accounts")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	if err := c.CreateIndex("email_idx", "email", true, false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	if _, err := c.InsertOne(map[string]any{"_id": int64(1), "email": "a@example.com"}); err != nil {
		t.Fatalf("first InsertOne: %v", err)
	}

	_, err = c.InsertOne(map[string]any{"_id": int64(2), "email": "a@example.com"})
	if err == nil {
		t.Fatalf("expected unique index violation on second insert")
	}

	if !errors.Is(err, ErrIndexError) {
		t.Errorf("error = %v, want wrapping ErrIndexError", err)
	}

	count, err := c.CountDocuments(mustParseFilter(t, map[string]any{}))
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}

	if count != 1 {
		t.Errorf("count_documents({}) = %d, want 1 (second insert must not persist)", count)
	}
}

// TestIndexRangeScanScenario covers the range-scan end-to-end scenario: insert
// 1000 docs with value = i, build an index on value, query {value:{$gte:900}}
// and expect exactly 100 ids with an IndexRangeScan plan.
func TestIndexRangeScanScenario(t *testing.T) {
	db := openTestDB(t)

	c, err := db.Collection("nums")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	for i := 0; i < 1000; i++ {
		if _, err := c.InsertOne(map[string]any{"_id": int64(i), "value": int64(i)}); err != nil {
			t.Fatalf("InsertOne(%d): %v", i, err)
		}
	}

	if err := c.CreateIndex("value_idx", "value", false, false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	query := map[string]any{"value": map[string]any{"$gte": int64(900)}}

	plan := ChoosePlan(query, c.AvailableIndexNamesByField())
	if plan.Kind != PlanIndexRangeScan {
		t.Fatalf("plan.Kind = %v, want PlanIndexRangeScan", plan.Kind)
	}

	explain := Explain(plan)

	qp, _ := explain["queryPlan"].(map[string]any)
	if qp["type"] != "IndexRangeScan" {
		t.Errorf("explain = %v, want an IndexRangeScan entry", explain)
	}

	filter := mustParseFilter(t, query)

	ids, err := c.idsForPlan(filter, plan)
	if err != nil {
		t.Fatalf("idsForPlan: %v", err)
	}

	if len(ids) != 100 {
		t.Fatalf("range scan returned %d ids, want 100", len(ids))
	}

	// Index/catalog coherence: every live document's value is present via
	// range_scan(v, v) on the index.
	tree := c.Indexes().Tree("value_idx")

	for i := 0; i < 1000; i++ {
		key := intKeyForTest(int64(i))

		got := tree.SearchAll(key)
		if len(got) != 1 {
			t.Fatalf("SearchAll(%d) returned %d ids, want 1", i, len(got))
		}

		if got[0].Compare(IntID(int64(i))) != 0 {
			t.Errorf("SearchAll(%d) = %v, want id %d", i, got[0], i)
		}
	}
}

func intKeyForTest(v int64) IndexKey {
	k, _ := KeyFromValue(v)
	return k
}

// TestInsertScenario covers end-to-end scenario 1: insert then find_one by
// _id round-trips the document's fields.
func TestInsertScenario(t *testing.T) {
	db := openTestDB(t)

	c, err := db.Collection("people")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	if _, err := c.InsertOne(map[string]any{"_id": int64(1), "name": "Alice", "age": int64(30)}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	doc, found, err := c.FindOne(mustParseFilter(t, map[string]any{"_id": int64(1)}))
	if err != nil || !found {
		t.Fatalf("FindOne: found=%v err=%v", found, err)
	}

	if doc.Fields["name"] != "Alice" {
		t.Errorf("name = %v, want Alice", doc.Fields["name"])
	}
}

// TestPushEachPosition covers end-to-end scenario 3.
func TestPushEachPosition(t *testing.T) {
	db := openTestDB(t)

	c, err := db.Collection("lists")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	if _, err := c.InsertOne(map[string]any{"_id": int64(1), "tags": []any{"a", "b"}}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	update := map[string]any{
		"$push": map[string]any{
			"tags": map[string]any{
				"$each":     []any{"c", "d"},
				"$position": int64(1),
			},
		},
	}

	ok, err := c.UpdateOne(mustParseFilter(t, map[string]any{"_id": int64(1)}), update)
	if err != nil || !ok {
		t.Fatalf("UpdateOne: %v, %v", ok, err)
	}

	doc, _, err := c.FindOne(mustParseFilter(t, map[string]any{"_id": int64(1)}))
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}

	tags, _ := doc.Fields["tags"].([]any)

	want := []any{"a", "c", "d", "b"}

	if len(tags) != len(want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}

	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tags[%d] = %v, want %v", i, tags[i], want[i])
		}
	}
}
