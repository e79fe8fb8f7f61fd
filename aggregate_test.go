package ironbase

import "testing"

func parsePipeline(t *testing.T, raw []any) []AggStage {
	t.Helper()

	stages, err := ParseAggPipeline(raw)
	if err != nil {
		t.Fatalf("ParseAggPipeline: %v", err)
	}

	return stages
}

// TestGroupSumOneEqualsCountDocuments covers the $sum:1-is-count-equivalent
// invariant.
func TestGroupSumOneEqualsCountDocuments(t *testing.T) {
	docs := []map[string]any{
		{"c": "A"}, {"c": "A"}, {"c": "B"},
	}

	stages := parsePipeline(t, []any{
		map[string]any{"$match": map[string]any{"c": "A"}},
		map[string]any{"$group": map[string]any{
			"_id": any(nil),
			"n":   map[string]any{"$sum": int64(1)},
		}},
	})

	out, err := RunAggPipeline(docs, stages)
	if err != nil {
		t.Fatalf("RunAggPipeline: %v", err)
	}

	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}

	n, _ := out[0]["n"].(int64)
	if n != 2 {
		t.Errorf("n = %v, want 2 (matches count_documents over the $match-ed set)", out[0]["n"])
	}
}

// TestAggregationEndToEndScenario covers the spec's concrete $match/$group
// /$sort/$limit scenario.
func TestAggregationEndToEndScenario(t *testing.T) {
	docs := []map[string]any{
		{"c": "A", "k": "x", "v": int64(2)},
		{"c": "A", "k": "x", "v": int64(3)},
		{"c": "B", "k": "x", "v": int64(10)},
	}

	stages := parsePipeline(t, []any{
		map[string]any{"$match": map[string]any{"c": "A"}},
		map[string]any{"$group": map[string]any{
			"_id": "$k",
			"s":   map[string]any{"$sum": "$v"},
		}},
		map[string]any{"$sort": map[string]any{"s": int64(-1)}},
		map[string]any{"$limit": int64(1)},
	})

	out, err := RunAggPipeline(docs, stages)
	if err != nil {
		t.Fatalf("RunAggPipeline: %v", err)
	}

	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}

	if out[0]["_id"] != "x" {
		t.Errorf("_id = %v, want x", out[0]["_id"])
	}

	s, _ := asFloat(out[0]["s"])
	if s != 5 {
		t.Errorf("s = %v, want 5", out[0]["s"])
	}
}

func TestAggregationAvgMinMaxFirstLast(t *testing.T) {
	docs := []map[string]any{
		{"g": "x", "v": int64(1)},
		{"g": "x", "v": int64(5)},
		{"g": "x", "v": int64(3)},
	}

	stages := parsePipeline(t, []any{
		map[string]any{"$group": map[string]any{
			"_id":   "$g",
			"avg":   map[string]any{"$avg": "$v"},
			"min":   map[string]any{"$min": "$v"},
			"max":   map[string]any{"$max": "$v"},
			"first": map[string]any{"$first": "$v"},
			"last":  map[string]any{"$last": "$v"},
		}},
	})

	out, err := RunAggPipeline(docs, stages)
	if err != nil {
		t.Fatalf("RunAggPipeline: %v", err)
	}

	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}

	row := out[0]

	if avg, _ := asFloat(row["avg"]); avg != 3 {
		t.Errorf("avg = %v, want 3", row["avg"])
	}

	if minV, _ := asFloat(row["min"]); minV != 1 {
		t.Errorf("min = %v, want 1", row["min"])
	}

	if maxV, _ := asFloat(row["max"]); maxV != 5 {
		t.Errorf("max = %v, want 5", row["max"])
	}

	if firstV, _ := asFloat(row["first"]); firstV != 1 {
		t.Errorf("first = %v, want 1", row["first"])
	}

	if lastV, _ := asFloat(row["last"]); lastV != 3 {
		t.Errorf("last = %v, want 3", row["last"])
	}
}

func TestProjectIncludeExcludeAndRename(t *testing.T) {
	docs := []map[string]any{
		{"_id": int64(1), "name": "Alice", "age": int64(30)},
	}

	stages := parsePipeline(t, []any{
		map[string]any{"$project": map[string]any{
			"_id":      int64(0),
			"fullName": "$name",
		}},
	})

	out, err := RunAggPipeline(docs, stages)
	if err != nil {
		t.Fatalf("RunAggPipeline: %v", err)
	}

	if _, ok := out[0]["_id"]; ok {
		t.Errorf("_id should be suppressed: %v", out[0])
	}

	if out[0]["fullName"] != "Alice" {
		t.Errorf("fullName = %v, want Alice", out[0]["fullName"])
	}
}
