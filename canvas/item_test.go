package canvas

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeItemDispatchesOnTag(t *testing.T) {
	encoded := []byte(`{"type":"sticky","id":"s1","x":4,"y":8,"rotation":0,"isLocked":false,"opacity":1,"text":"todo","width":160,"height":160,"color":"pink"}`)

	it, err := DecodeItem(encoded)
	if err != nil {
		t.Fatal(err)
	}

	sticky, ok := it.(*Sticky)
	if !ok {
		t.Fatalf("decoded %T, want *Sticky", it)
	}
	if sticky.Text != "todo" || sticky.Color != "pink" {
		t.Errorf("fields lost in decode: %+v", sticky)
	}
}

func TestItemWireRoundTrip(t *testing.T) {
	path := &Path{
		ItemBase: ItemBase{ID: "p1", X: 1, Y: 2, Opacity: 0.4, Stroke: "#f59e0b", StrokeWidth: 20, StrokeOpacity: 0.4},
		Points:   []float64{0, 0, 4, 4, 9, 2},
		Tension:  0.5,
	}

	encoded, err := EncodeItem(path)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeItem(encoded)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(Item(path), decoded); diff != "" {
		t.Errorf("item changed over the wire (-want +got):\n%s", diff)
	}
}

func TestDecodeItemRejectsUnknownKind(t *testing.T) {
	if _, err := DecodeItem([]byte(`{"type":"triangle","id":"t1"}`)); err == nil {
		t.Fatal("expected error for unknown item kind")
	}
}

func TestDecodeItemRequiresID(t *testing.T) {
	if _, err := DecodeItem([]byte(`{"type":"rect","width":10,"height":10}`)); err == nil {
		t.Fatal("expected error for item without id")
	}
}

func TestPatchIgnoresIdentityKeys(t *testing.T) {
	rect := testRect("r1")

	patched, err := Patch(rect, map[string]interface{}{
		"id":    "r2",
		"type":  "sticky",
		"width": float64(42),
	})
	if err != nil {
		t.Fatal(err)
	}

	got := patched.(*Rect)
	if got.ID != "r1" {
		t.Errorf("patch changed id to %q", got.ID)
	}
	if got.Width != 42 {
		t.Errorf("patch did not merge width: %v", got.Width)
	}
}

func TestPrevFieldsCoversPatchKeysExactly(t *testing.T) {
	rect := testRect("r1")

	prev, err := PrevFields(rect, map[string]interface{}{"width": float64(200), "fill": "#fff"})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]interface{}{"width": float64(100), "fill": nil}
	if diff := cmp.Diff(want, prev); diff != "" {
		t.Errorf("pre-image (-want +got):\n%s", diff)
	}
}
