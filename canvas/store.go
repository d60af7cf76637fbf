package canvas

import "fmt"

// Store is the materialized state of one board: the objects, their render
// order, and the local selection. Each client/session owns its own copy;
// the only way to mutate one is through Apply.
type Store struct {
	Items     map[string]Item
	ItemOrder []string
	Selection map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		Items:     make(map[string]Item),
		Selection: make(map[string]struct{}),
	}
}

// Apply runs op against the store. It is atomic: either the full effect of
// the op becomes visible or nothing does. Duplicate delivery protection is
// the transport's job, not the reducer's, with one exception: a create whose
// id already exists is a no-op, so replaying an op stream over a state that
// already contains it cannot duplicate render-order entries.
func (s *Store) Apply(op Op) error {
	switch op.Type {
	case OpCreate:
		if op.Item == nil {
			return fmt.Errorf("create op without item")
		}
		id := op.Item.Base().ID
		if _, exists := s.Items[id]; exists {
			return nil
		}
		s.Items[id] = op.Item.Clone()
		s.ItemOrder = append(s.ItemOrder, id)

	case OpUpdate:
		// tolerates a race with a concurrent delete: missing target is a
		// no-op, not an error
		item, ok := s.Items[op.ID]
		if !ok {
			return nil
		}
		patched, err := Patch(item, op.Data)
		if err != nil {
			return fmt.Errorf("update %s: %w", op.ID, err)
		}
		s.Items[op.ID] = patched

	case OpDelete:
		id := op.ID
		if id == "" && op.Item != nil {
			id = op.Item.Base().ID
		}
		if _, ok := s.Items[id]; !ok {
			return nil
		}
		delete(s.Items, id)
		s.ItemOrder = removeID(s.ItemOrder, id)
		delete(s.Selection, id)

	case OpClear:
		s.Items = make(map[string]Item)
		s.ItemOrder = nil
		s.Selection = make(map[string]struct{})

	default:
		return fmt.Errorf("unknown op type %q", op.Type)
	}
	return nil
}

func (s *Store) Get(id string) (Item, bool) {
	it, ok := s.Items[id]
	return it, ok
}

func (s *Store) Len() int {
	return len(s.Items)
}

func (s *Store) Select(id string, multi bool) {
	if !multi {
		s.Selection = make(map[string]struct{})
	}
	if _, ok := s.Items[id]; ok {
		s.Selection[id] = struct{}{}
	}
}

func (s *Store) ClearSelection() {
	s.Selection = make(map[string]struct{})
}

// Clone deep-copies the store.
func (s *Store) Clone() *Store {
	c := &Store{
		Items:     make(map[string]Item, len(s.Items)),
		ItemOrder: append([]string(nil), s.ItemOrder...),
		Selection: make(map[string]struct{}, len(s.Selection)),
	}
	for id, it := range s.Items {
		c.Items[id] = it.Clone()
	}
	for id := range s.Selection {
		c.Selection[id] = struct{}{}
	}
	return c
}

func removeID(order []string, id string) []string {
	out := order[:0]
	for _, existing := range order {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
