package board

import (
	"context"
	"encoding/json"
	"fmt"

	"pairboard/canvas"
	"pairboard/storage"
)

// Replay folds a committed op sequence into a fresh store. Replaying the
// full log from empty is the definition of board state; snapshots are only
// a cheaper starting point and must always equal a replay to their seq.
func Replay(ops []storage.SequencedOp) (*canvas.Store, error) {
	st := canvas.NewStore()
	for _, op := range ops {
		decoded, err := canvas.DecodeOp(op.OpData)
		if err != nil {
			return nil, fmt.Errorf("replay seq %d: %w", op.ServerSeq, err)
		}
		if err := st.Apply(decoded); err != nil {
			return nil, fmt.Errorf("replay seq %d: %w", op.ServerSeq, err)
		}
	}
	return st, nil
}

// Compact materializes the board state as of upToSeq by replaying the op log
// from the beginning and persists the result as a snapshot. Earlier
// snapshots are kept, so clients holding older seqs can still catch up.
func (s *Sequencer) Compact(ctx context.Context, boardID string, upToSeq int64) (storage.Snapshot, error) {
	ops, err := s.store.OpsAfter(ctx, boardID, 0)
	if err != nil {
		return storage.Snapshot{}, err
	}

	prefix := ops[:0]
	for _, op := range ops {
		if op.ServerSeq > upToSeq {
			break
		}
		prefix = append(prefix, op)
	}

	st, err := Replay(prefix)
	if err != nil {
		return storage.Snapshot{}, err
	}

	items := make(map[string]json.RawMessage, st.Len())
	for id, it := range st.Items {
		encoded, err := canvas.EncodeItem(it)
		if err != nil {
			return storage.Snapshot{}, err
		}
		items[id] = encoded
	}

	snap := storage.Snapshot{
		BoardID:   boardID,
		Seq:       upToSeq,
		Items:     items,
		ItemOrder: append([]string(nil), st.ItemOrder...),
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return storage.Snapshot{}, err
	}

	s.log.WithField("board", boardID).WithField("seq", upToSeq).Info("board compacted")
	return snap, nil
}
