package canvas

import (
	"encoding/json"
	"fmt"
)

type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpClear  OpType = "clear"
)

// Op is one self-contained edit to the board. Every op carries enough data
// to compute its own inverse without consulting any other state: a delete
// embeds the full item snapshot, an update embeds the pre-image of every key
// it touches.
type Op struct {
	Type OpType
	// Item is the created object (create) or the full snapshot taken at
	// deletion time (delete).
	Item Item
	// ID references the target of an update or delete.
	ID string
	// Data and Prev are the partial fields of an update and their exact
	// pre-update values.
	Data map[string]interface{}
	Prev map[string]interface{}
}

func Create(item Item) Op {
	return Op{Type: OpCreate, Item: item}
}

func Update(id string, data, prev map[string]interface{}) Op {
	return Op{Type: OpUpdate, ID: id, Data: data, Prev: prev}
}

func Delete(item Item) Op {
	return Op{Type: OpDelete, ID: item.Base().ID, Item: item}
}

func Clear() Op {
	return Op{Type: OpClear}
}

// Inverse returns the op that undoes op when applied immediately after it.
// clear is the documented exception: its forward form discards the board
// contents, so its inverse is just another clear and restores nothing.
func Inverse(op Op) Op {
	switch op.Type {
	case OpCreate:
		return Op{Type: OpDelete, ID: op.Item.Base().ID, Item: op.Item}
	case OpDelete:
		return Op{Type: OpCreate, Item: op.Item}
	case OpUpdate:
		return Op{Type: OpUpdate, ID: op.ID, Data: op.Prev, Prev: op.Data}
	default:
		return Op{Type: OpClear}
	}
}

// Validate checks that op carries everything its type needs to replay.
// Once an op is committed to the append-only log it is replayed forever, so
// a structural hole must be rejected before sequencing, not discovered
// during compaction.
func (op Op) Validate() error {
	switch op.Type {
	case OpCreate:
		if op.Item == nil {
			return fmt.Errorf("create op without item")
		}
	case OpUpdate:
		if op.ID == "" {
			return fmt.Errorf("update op without id")
		}
	case OpDelete:
		if op.ID == "" && op.Item == nil {
			return fmt.Errorf("delete op without id or item")
		}
	case OpClear:
	default:
		return fmt.Errorf("unknown op type %q", op.Type)
	}
	return nil
}

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

type opJSON struct {
	Type OpType                 `json:"type"`
	Item json.RawMessage        `json:"item,omitempty"`
	ID   string                 `json:"id,omitempty"`
	Data map[string]interface{} `json:"data,omitempty"`
	Prev map[string]interface{} `json:"prev,omitempty"`
}

func (op Op) MarshalJSON() ([]byte, error) {
	out := opJSON{Type: op.Type, ID: op.ID, Data: op.Data, Prev: op.Prev}
	if op.Item != nil {
		encoded, err := EncodeItem(op.Item)
		if err != nil {
			return nil, err
		}
		out.Item = encoded
	}
	return json.Marshal(out)
}

func (op *Op) UnmarshalJSON(data []byte) error {
	var in opJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	switch in.Type {
	case OpCreate, OpUpdate, OpDelete, OpClear:
	default:
		return fmt.Errorf("unknown op type %q", in.Type)
	}

	op.Type = in.Type
	op.ID = in.ID
	op.Data = in.Data
	op.Prev = in.Prev
	op.Item = nil
	if len(in.Item) > 0 {
		item, err := DecodeItem(in.Item)
		if err != nil {
			return err
		}
		op.Item = item
	}
	return nil
}

// DecodeOp parses an op from its wire form.
func DecodeOp(data []byte) (Op, error) {
	var op Op
	if err := json.Unmarshal(data, &op); err != nil {
		return Op{}, err
	}
	return op, nil
}
