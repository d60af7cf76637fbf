package client

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"pairboard/canvas"
	"pairboard/commons"
)

// Dispatch applies op to the visible store immediately and submits it to
// the server. The op stays pending until acked; dispatching after a lost
// connection still records it, so Resubmit can deliver it later.
func (s *Session) Dispatch(op canvas.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.dispatchLocked(op, true)
	return err
}

// Create adds a new item to the board.
func (s *Session) Create(item canvas.Item) error {
	return s.Dispatch(canvas.Create(item))
}

// Update patches fields of an existing item. The inverse fields are read
// off the current visible state, so undoing restores what the user last saw.
func (s *Session) Update(id string, data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.visible.Get(id)
	if !ok {
		return fmt.Errorf("update %s: %w", id, canvas.ErrMissingItemID)
	}
	prev, err := canvas.PrevFields(item, data)
	if err != nil {
		return err
	}
	_, err = s.dispatchLocked(canvas.Update(id, data, prev), true)
	return err
}

// Delete removes an item, capturing its full payload so the op inverts
// without any other context.
func (s *Session) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.visible.Get(id)
	if !ok {
		return fmt.Errorf("delete %s: %w", id, canvas.ErrMissingItemID)
	}
	_, err := s.dispatchLocked(canvas.Delete(item.Clone()), true)
	return err
}

// Clear wipes the board for everyone. Deliberately not undoable.
func (s *Session) Clear() error {
	return s.Dispatch(canvas.Clear())
}

func (s *Session) dispatchLocked(op canvas.Op, recordHistory bool) (string, error) {
	if s.transport == nil {
		return "", ErrNotReady
	}

	opID := uuid.NewString()
	msg, err := s.opMessage(opID, op)
	if err != nil {
		return "", err
	}

	if err := s.visible.Apply(op); err != nil {
		return "", err
	}
	// clear never enters history, but the wipe itself waits for the server
	// to accept it: a rejected clear must leave undo history intact
	if op.Type != canvas.OpClear && recordHistory {
		s.past = append(s.past, historyEntry{op: op, opID: opID})
		// a fresh edit invalidates the redo branch
		s.future = nil
	}
	s.pending = append(s.pending, pendingOp{opID: opID, op: op, msg: msg})

	if err := s.transport.Send(msg); err != nil {
		s.log.Errorf("send op %s: %v", opID, err)
	}
	return opID, nil
}

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

// Undo submits the inverse of the newest local edit as a brand-new forward
// op. Peers receive it through the log like any other edit; there is no
// history rewriting anywhere.
func (s *Session) Undo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.past) == 0 {
		return ErrNothingToUndo
	}
	entry := s.past[len(s.past)-1]
	s.past = s.past[:len(s.past)-1]

	opID, err := s.dispatchLocked(canvas.Inverse(entry.op), false)
	if err != nil {
		s.past = append(s.past, entry)
		return err
	}
	s.future = append(s.future, historyEntry{op: entry.op, opID: opID})
	return nil
}

// Redo re-submits the most recently undone edit, again as a fresh op with
// its own opId.
func (s *Session) Redo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.future) == 0 {
		return ErrNothingToRedo
	}
	entry := s.future[len(s.future)-1]
	s.future = s.future[:len(s.future)-1]

	opID, err := s.dispatchLocked(entry.op, false)
	if err != nil {
		s.future = append(s.future, entry)
		return err
	}
	s.past = append(s.past, historyEntry{op: entry.op, opID: opID})
	return nil
}

// CanUndo reports whether local history has anything to roll back.
func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.past) > 0
}

func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.future) > 0
}

func (s *Session) opMessage(opID string, op canvas.Op) (commons.Message, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return commons.Message{}, err
	}
	return commons.Message{
		Type:    commons.OpMessage,
		BoardID: s.boardID,
		OpID:    opID,
		OpType:  string(op.Type),
		OpData:  data,
	}, nil
}
