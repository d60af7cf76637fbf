package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and single-node deployments
// without PostgreSQL. Each board has its own lock, so boards sequence in
// parallel while writers to one board are fully serialized.
type Memory struct {
	mu     sync.RWMutex
	boards map[string]*memoryBoard
}

type memoryBoard struct {
	mu        sync.Mutex
	board     Board
	members   map[string]Member
	ops       []SequencedOp
	byKey     map[opKey]int // index into ops
	snapshots []Snapshot
}

type opKey struct {
	opID     string
	clientID string
}

func NewMemory() *Memory {
	return &Memory{boards: make(map[string]*memoryBoard)}
}

func (m *Memory) board(boardID string) (*memoryBoard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boards[boardID]
	return b, ok
}

func (m *Memory) CreateBoard(_ context.Context, board Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.boards[board.ID]; exists {
		return ErrBoardExists
	}
	if board.CreatedAt.IsZero() {
		board.CreatedAt = time.Now()
	}
	m.boards[board.ID] = &memoryBoard{
		board:   board,
		members: make(map[string]Member),
		byKey:   make(map[opKey]int),
	}
	return nil
}

func (m *Memory) Board(_ context.Context, boardID string) (Board, error) {
	b, ok := m.board(boardID)
	if !ok {
		return Board{}, ErrBoardNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.board, nil
}

func (m *Memory) Member(_ context.Context, boardID, userID string) (Member, error) {
	b, ok := m.board(boardID)
	if !ok {
		return Member{}, ErrBoardNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	member, ok := b.members[userID]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	return member, nil
}

func (m *Memory) PutMember(_ context.Context, member Member) error {
	b, ok := m.board(member.BoardID)
	if !ok {
		return ErrBoardNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[member.UserID] = member
	return nil
}

func (m *Memory) AppendOp(_ context.Context, op SequencedOp) (SequencedOp, bool, error) {
	b, ok := m.board(op.BoardID)
	if !ok {
		return SequencedOp{}, false, ErrBoardNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := opKey{opID: op.OpID, clientID: op.ClientID}
	if idx, dup := b.byKey[key]; dup {
		return b.ops[idx], false, nil
	}

	b.board.LastSeq++
	op.ServerSeq = b.board.LastSeq
	op.CreatedAt = time.Now()
	b.byKey[key] = len(b.ops)
	b.ops = append(b.ops, op)
	return op, true, nil
}

func (m *Memory) OpsAfter(_ context.Context, boardID string, afterSeq int64) ([]SequencedOp, error) {
	b, ok := m.board(boardID)
	if !ok {
		return nil, ErrBoardNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []SequencedOp
	for _, op := range b.ops {
		if op.ServerSeq > afterSeq {
			out = append(out, op)
		}
	}
	return out, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap Snapshot) error {
	b, ok := m.board(snap.BoardID)
	if !ok {
		return ErrBoardNotFound
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, snap)
	return nil
}

func (m *Memory) LatestSnapshot(_ context.Context, boardID string) (Snapshot, error) {
	b, ok := m.board(boardID)
	if !ok {
		return Snapshot{}, ErrBoardNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.snapshots) == 0 {
		return Snapshot{}, ErrSnapshotNotFound
	}
	latest := b.snapshots[0]
	for _, snap := range b.snapshots[1:] {
		if snap.Seq > latest.Seq {
			latest = snap
		}
	}
	return latest, nil
}
