package canvas

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testRect(id string) *Rect {
	return &Rect{
		ItemBase: ItemBase{ID: id, X: 10, Y: 10, Opacity: 1, Stroke: "#000000", StrokeWidth: 4},
		Width:    100,
		Height:   100,
	}
}

func TestInverseRoundTrip(t *testing.T) {
	rect := testRect("r1")
	sticky := &Sticky{
		ItemBase: ItemBase{ID: "s1", X: 5, Y: 7, Opacity: 1},
		Text:     "note",
		Width:    160,
		Height:   160,
		Color:    "yellow",
	}

	prev, err := PrevFields(rect, map[string]interface{}{"width": float64(200)})
	if err != nil {
		t.Fatal(err)
	}

	ops := []Op{
		Create(sticky),
		Update("r1", map[string]interface{}{"width": float64(200)}, prev),
		Delete(rect),
	}

	for _, op := range ops {
		start := NewStore()
		if err := start.Apply(Create(rect)); err != nil {
			t.Fatal(err)
		}

		got := start.Clone()
		if err := got.Apply(op); err != nil {
			t.Fatalf("apply %s: %v", op.Type, err)
		}
		if err := got.Apply(Inverse(op)); err != nil {
			t.Fatalf("apply inverse of %s: %v", op.Type, err)
		}

		if diff := cmp.Diff(start, got); diff != "" {
			t.Errorf("inverse of %s did not restore state (-want +got):\n%s", op.Type, diff)
		}
	}
}

func TestInverseOfClearIsClear(t *testing.T) {
	// clear is deliberately lossy: its inverse restores nothing
	inv := Inverse(Clear())
	if inv.Type != OpClear {
		t.Fatalf("inverse of clear = %s, want clear", inv.Type)
	}
}

func TestInverseOfUpdateSwapsDataAndPrev(t *testing.T) {
	op := Update("r1",
		map[string]interface{}{"width": float64(200)},
		map[string]interface{}{"width": float64(100)})

	inv := Inverse(op)
	if inv.ID != "r1" {
		t.Fatalf("inverse targets %q, want r1", inv.ID)
	}
	if diff := cmp.Diff(op.Prev, inv.Data); diff != "" {
		t.Errorf("inverse data (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(op.Data, inv.Prev); diff != "" {
		t.Errorf("inverse prev (-want +got):\n%s", diff)
	}
}

func TestOpWireRoundTrip(t *testing.T) {
	op := Delete(testRect("r1"))

	encoded, err := json.Marshal(op)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeOp(encoded)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(op, decoded); diff != "" {
		t.Errorf("op changed over the wire (-want +got):\n%s", diff)
	}
}

func TestDecodeOpRejectsUnknownType(t *testing.T) {
	if _, err := DecodeOp([]byte(`{"type":"resize","id":"r1"}`)); err == nil {
		t.Fatal("expected error for unknown op type")
	}
}

func TestValidateRequiresOpPayloads(t *testing.T) {
	invalid := []Op{
		{Type: OpCreate},
		{Type: OpUpdate, Data: map[string]interface{}{"x": 1.0}},
		{Type: OpDelete},
		{Type: OpType("resize")},
	}
	for _, op := range invalid {
		if err := op.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", op)
		}
	}

	valid := []Op{
		Create(testRect("r1")),
		Update("r1", map[string]interface{}{"x": 1.0}, map[string]interface{}{"x": 0.0}),
		Delete(testRect("r1")),
		Clear(),
	}
	for _, op := range valid {
		if err := op.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v, want nil", op, err)
		}
	}
}
