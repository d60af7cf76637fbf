package board

import (
	"context"
	"errors"

	"pairboard/storage"
)

// JoinResult is everything a (re)joining client needs to reconstruct the
// authoritative state: the latest snapshot (zero-valued with Seq 0 when the
// board was never compacted), every op committed after it in ascending
// serverSeq order, and the seq the payload is current through.
type JoinResult struct {
	Snapshot storage.Snapshot
	Ops      []storage.SequencedOp
	LastSeq  int64
	Role     storage.Role
}

// Join resolves membership and assembles the snapshot+replay payload. An
// authenticated user who is not yet a member is added automatically:
// PENDING when the board requires approval, VIEWER otherwise. This is the
// share-by-URL flow. Join is read-only apart from that auto-add and can be
// retried unconditionally.
func (s *Sequencer) Join(ctx context.Context, boardID, userID string) (JoinResult, error) {
	return s.JoinAndSubscribe(ctx, boardID, userID, nil)
}

// JoinAndSubscribe additionally runs subscribe while still holding the
// board's commit lock. A caller that registers the session for live fan-out
// (and ships the payload to it) inside subscribe is guaranteed no committed
// op falls between the replay tail and the live stream. subscribe must not
// call back into the sequencer.
func (s *Sequencer) JoinAndSubscribe(ctx context.Context, boardID, userID string, subscribe func(JoinResult)) (JoinResult, error) {
	board, err := s.store.Board(ctx, boardID)
	if errors.Is(err, storage.ErrBoardNotFound) {
		return JoinResult{}, ErrNotFound
	}
	if err != nil {
		return JoinResult{}, err
	}

	member, err := s.store.Member(ctx, boardID, userID)
	switch {
	case errors.Is(err, storage.ErrMemberNotFound):
		role := storage.RoleViewer
		if board.RequireApproval {
			role = storage.RolePending
		}
		member = storage.Member{BoardID: boardID, UserID: userID, Role: role}
		if err := s.store.PutMember(ctx, member); err != nil {
			return JoinResult{}, err
		}
	case err != nil:
		return JoinResult{}, err
	}

	commit := s.commitLock(boardID)
	commit.Lock()
	defer commit.Unlock()

	snap, err := s.store.LatestSnapshot(ctx, boardID)
	if errors.Is(err, storage.ErrSnapshotNotFound) {
		snap = storage.Snapshot{BoardID: boardID}
	} else if err != nil {
		return JoinResult{}, err
	}

	ops, err := s.store.OpsAfter(ctx, boardID, snap.Seq)
	if err != nil {
		return JoinResult{}, err
	}

	lastSeq := snap.Seq
	if len(ops) > 0 {
		lastSeq = ops[len(ops)-1].ServerSeq
	}

	result := JoinResult{Snapshot: snap, Ops: ops, LastSeq: lastSeq, Role: member.Role}
	if subscribe != nil {
		subscribe(result)
	}
	return result, nil
}
