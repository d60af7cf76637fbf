package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
)

type ItemType string

const (
	TypeRect    ItemType = "rect"
	TypeEllipse ItemType = "ellipse"
	TypePath    ItemType = "path"
	TypeLine    ItemType = "line"
	TypeText    ItemType = "text"
	TypeSticky  ItemType = "sticky"
)

var (
	ErrUnknownItemType = errors.New("unknown item type")
	ErrMissingItemID   = errors.New("item has no id")
)

// ItemBase carries the fields shared by every object on the board.
type ItemBase struct {
	ID            string  `json:"id"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Rotation      float64 `json:"rotation"`
	IsLocked      bool    `json:"isLocked"`
	Opacity       float64 `json:"opacity"`
	Fill          string  `json:"fill,omitempty"`
	Stroke        string  `json:"stroke,omitempty"`
	StrokeWidth   float64 `json:"strokeWidth,omitempty"`
	StrokeOpacity float64 `json:"strokeOpacity,omitempty"`
}

// Item is the closed set of board object kinds. The reducer switches on
// Kind() exhaustively; there is no dynamic field probing.
type Item interface {
	Kind() ItemType
	Base() *ItemBase
	Clone() Item
}

type Rect struct {
	ItemBase
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	CornerRadius float64 `json:"cornerRadius,omitempty"`
}

type Ellipse struct {
	ItemBase
	RadiusX float64 `json:"radiusX"`
	RadiusY float64 `json:"radiusY"`
}

// Path is a freehand stroke; Points is flattened as [x1, y1, x2, y2, ...].
type Path struct {
	ItemBase
	Points  []float64 `json:"points"`
	Tension float64   `json:"tension,omitempty"`
}

type Line struct {
	ItemBase
	Points   []float64 `json:"points"`
	ArrowEnd bool      `json:"arrowEnd,omitempty"`
}

type Text struct {
	ItemBase
	Text       string  `json:"text"`
	FontSize   float64 `json:"fontSize"`
	FontFamily string  `json:"fontFamily"`
	Width      float64 `json:"width,omitempty"`
	Align      string  `json:"align,omitempty"`
}

type Sticky struct {
	ItemBase
	Text   string  `json:"text"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Color  string  `json:"color"`
}

func (r *Rect) Kind() ItemType    { return TypeRect }
func (e *Ellipse) Kind() ItemType { return TypeEllipse }
func (p *Path) Kind() ItemType    { return TypePath }
func (l *Line) Kind() ItemType    { return TypeLine }
func (t *Text) Kind() ItemType    { return TypeText }
func (s *Sticky) Kind() ItemType  { return TypeSticky }

func (r *Rect) Base() *ItemBase    { return &r.ItemBase }
func (e *Ellipse) Base() *ItemBase { return &e.ItemBase }
func (p *Path) Base() *ItemBase    { return &p.ItemBase }
func (l *Line) Base() *ItemBase    { return &l.ItemBase }
func (t *Text) Base() *ItemBase    { return &t.ItemBase }
func (s *Sticky) Base() *ItemBase  { return &s.ItemBase }

func (r *Rect) Clone() Item {
	c := *r
	return &c
}

func (e *Ellipse) Clone() Item {
	c := *e
	return &c
}

func (p *Path) Clone() Item {
	c := *p
	c.Points = append([]float64(nil), p.Points...)
	return &c
}

func (l *Line) Clone() Item {
	c := *l
	c.Points = append([]float64(nil), l.Points...)
	return &c
}

func (t *Text) Clone() Item {
	c := *t
	return &c
}

func (s *Sticky) Clone() Item {
	c := *s
	return &c
}

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

func (r Rect) MarshalJSON() ([]byte, error) {
	type alias Rect
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{TypeRect, alias(r)})
}

func (e Ellipse) MarshalJSON() ([]byte, error) {
	type alias Ellipse
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{TypeEllipse, alias(e)})
}

func (p Path) MarshalJSON() ([]byte, error) {
	type alias Path
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{TypePath, alias(p)})
}

func (l Line) MarshalJSON() ([]byte, error) {
	type alias Line
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{TypeLine, alias(l)})
}

func (t Text) MarshalJSON() ([]byte, error) {
	type alias Text
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{TypeText, alias(t)})
}

func (s Sticky) MarshalJSON() ([]byte, error) {
	type alias Sticky
	return json.Marshal(struct {
		Type ItemType `json:"type"`
		alias
	}{TypeSticky, alias(s)})
}

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

// DecodeItem parses a board object from its wire form, dispatching on the
// "type" tag.
func DecodeItem(data []byte) (Item, error) {
	var tag struct {
		Type ItemType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}

	var it Item
	switch tag.Type {
	case TypeRect:
		it = &Rect{}
	case TypeEllipse:
		it = &Ellipse{}
	case TypePath:
		it = &Path{}
	case TypeLine:
		it = &Line{}
	case TypeText:
		it = &Text{}
	case TypeSticky:
		it = &Sticky{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownItemType, tag.Type)
	}

	if err := json.Unmarshal(data, it); err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag.Type, err)
	}
	if it.Base().ID == "" {
		return nil, ErrMissingItemID
	}
	return it, nil
}

// EncodeItem is the counterpart of DecodeItem.
func EncodeItem(it Item) ([]byte, error) {
	return json.Marshal(it)
}

// Patch returns a copy of it with the fields of patch overlaid. The "type"
// and "id" keys are ignored: kind and identity are immutable once created.
func Patch(it Item, patch map[string]interface{}) (Item, error) {
	encoded, err := json.Marshal(it)
	if err != nil {
		return nil, err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	for k, v := range patch {
		if k == "type" || k == "id" {
			continue
		}
		fields[k] = v
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return DecodeItem(merged)
}

// PrevFields extracts the current values of every key present in patch,
// producing the pre-image an update op needs to be invertible. Keys the
// item does not carry map to nil so that the inverse clears them again.
func PrevFields(it Item, patch map[string]interface{}) (map[string]interface{}, error) {
	encoded, err := json.Marshal(it)
	if err != nil {
		return nil, err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}

	prev := make(map[string]interface{}, len(patch))
	for k := range patch {
		if k == "type" || k == "id" {
			continue
		}
		prev[k] = fields[k]
	}
	return prev, nil
}
