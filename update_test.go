package ironbase

import (
	"errors"
	"testing"
)

func TestSetIdempotent(t *testing.T) {
	fields := map[string]any{"name": "Alice"}

	changed1, err := ApplyUpdate(fields, map[string]any{"$set": map[string]any{"name": "Bob"}})
	if err != nil || !changed1 {
		t.Fatalf("first $set: changed=%v err=%v", changed1, err)
	}

	changed2, err := ApplyUpdate(fields, map[string]any{"$set": map[string]any{"name": "Bob"}})
	if err != nil {
		t.Fatalf("second $set: %v", err)
	}

	if changed2 {
		t.Errorf("applying the same $set value twice should report no second modification")
	}
}

func TestSetCommutesOnIndependentFields(t *testing.T) {
	a := map[string]any{"x": int64(1), "y": int64(2)}
	b := map[string]any{"x": int64(1), "y": int64(2)}

	if _, err := ApplyUpdate(a, map[string]any{"$set": map[string]any{"x": int64(9)}}); err != nil {
		t.Fatalf("ApplyUpdate a.x: %v", err)
	}

	if _, err := ApplyUpdate(a, map[string]any{"$set": map[string]any{"y": int64(8)}}); err != nil {
		t.Fatalf("ApplyUpdate a.y: %v", err)
	}

	if _, err := ApplyUpdate(b, map[string]any{"$set": map[string]any{"y": int64(8)}}); err != nil {
		t.Fatalf("ApplyUpdate b.y: %v", err)
	}

	if _, err := ApplyUpdate(b, map[string]any{"$set": map[string]any{"x": int64(9)}}); err != nil {
		t.Fatalf("ApplyUpdate b.x: %v", err)
	}

	if a["x"] != b["x"] || a["y"] != b["y"] {
		t.Errorf("independent-field $set should commute: a=%v, b=%v", a, b)
	}
}

func TestIncIntegerPreservesIntegerType(t *testing.T) {
	fields := map[string]any{"count": int64(5)}

	if _, err := ApplyUpdate(fields, map[string]any{"$inc": map[string]any{"count": int64(3)}}); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	got, ok := fields["count"].(int64)
	if !ok {
		t.Fatalf("count = %T(%v), want int64", fields["count"], fields["count"])
	}

	if got != 8 {
		t.Errorf("count = %d, want 8", got)
	}
}

func TestIncFloatOperandProducesFloat(t *testing.T) {
	fields := map[string]any{"count": int64(5)}

	if _, err := ApplyUpdate(fields, map[string]any{"$inc": map[string]any{"count": 1.5}}); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	got, ok := fields["count"].(float64)
	if !ok {
		t.Fatalf("count = %T(%v), want float64", fields["count"], fields["count"])
	}

	if got != 6.5 {
		t.Errorf("count = %v, want 6.5", got)
	}
}

func TestPushArrayOperatorRejectsNonArrayTarget(t *testing.T) {
	fields := map[string]any{"tags": "not-an-array"}

	_, err := ApplyUpdate(fields, map[string]any{"$push": map[string]any{"tags": "x"}})
	if err == nil {
		t.Fatalf("expected error pushing onto a non-array field")
	}

	if !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("error = %v, want wrapping ErrInvalidQuery", err)
	}
}

func TestPopInvalidDirectionErrors(t *testing.T) {
	fields := map[string]any{"tags": []any{"a", "b"}}

	_, err := ApplyUpdate(fields, map[string]any{"$pop": map[string]any{"tags": int64(2)}})
	if err == nil {
		t.Fatalf("expected error for $pop direction other than 1 or -1")
	}
}

func TestPopFrontAndBack(t *testing.T) {
	fields := map[string]any{"tags": []any{"a", "b", "c"}}

	if _, err := ApplyUpdate(fields, map[string]any{"$pop": map[string]any{"tags": int64(-1)}}); err != nil {
		t.Fatalf("$pop -1: %v", err)
	}

	if got := fields["tags"].([]any); len(got) != 2 || got[0] != "b" {
		t.Errorf("after $pop -1, tags = %v, want [b c]", got)
	}

	if _, err := ApplyUpdate(fields, map[string]any{"$pop": map[string]any{"tags": int64(1)}}); err != nil {
		t.Fatalf("$pop 1: %v", err)
	}

	if got := fields["tags"].([]any); len(got) != 1 || got[0] != "b" {
		t.Errorf("after $pop 1, tags = %v, want [b]", got)
	}
}

func TestAddToSetUnionSemantics(t *testing.T) {
	fields := map[string]any{"tags": []any{"a", "b"}}

	changed, err := ApplyUpdate(fields, map[string]any{"$addToSet": map[string]any{"tags": "a"}})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	if changed {
		t.Errorf("adding an already-present value should not change the set")
	}

	changed, err = ApplyUpdate(fields, map[string]any{"$addToSet": map[string]any{"tags": "c"}})
	if err != nil || !changed {
		t.Fatalf("adding a new value: changed=%v err=%v", changed, err)
	}

	got := fields["tags"].([]any)
	if len(got) != 3 {
		t.Errorf("tags = %v, want 3 elements", got)
	}
}

func TestPullDirectAndQueryMatcher(t *testing.T) {
	fields := map[string]any{"scores": []any{int64(1), int64(2), int64(3), int64(4)}}

	if _, err := ApplyUpdate(fields, map[string]any{"$pull": map[string]any{"scores": int64(2)}}); err != nil {
		t.Fatalf("direct $pull: %v", err)
	}

	if got := fields["scores"].([]any); len(got) != 3 {
		t.Errorf("scores = %v, want 3 elements after pulling 2", got)
	}

	if _, err := ApplyUpdate(fields, map[string]any{"$pull": map[string]any{"scores": map[string]any{"$gt": int64(3)}}}); err != nil {
		t.Fatalf("query $pull: %v", err)
	}

	got := fields["scores"].([]any)
	if len(got) != 2 {
		t.Errorf("scores = %v, want 2 elements after pulling >3", got)
	}
}
