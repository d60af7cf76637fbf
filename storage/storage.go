package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrBoardNotFound    = errors.New("board not found")
	ErrBoardExists      = errors.New("board already exists")
	ErrMemberNotFound   = errors.New("member not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

type Role string

const (
	RoleOwner   Role = "OWNER"
	RoleEditor  Role = "EDITOR"
	RoleViewer  Role = "VIEWER"
	RolePending Role = "PENDING"
)

// CanEdit reports whether the role may submit ops.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

type Board struct {
	ID              string
	Name            string
	LastSeq         int64
	RequireApproval bool
	CreatedAt       time.Time
}

type Member struct {
	BoardID string
	UserID  string
	Role    Role
}

// SequencedOp is one committed row of a board's append-only op log. ServerSeq
// is assigned exactly once by AppendOp; (BoardID, OpID, ClientID) is the
// idempotency key.
type SequencedOp struct {
	BoardID   string
	ServerSeq int64
	OpID      string
	ClientID  string
	UserID    string
	OpType    string
	OpData    json.RawMessage
	CreatedAt time.Time
}

// Snapshot is a compacted materialization of board state as of Seq. Items is
// the serialized id -> object mapping. Snapshots are never mutated and never
// deleted; later ones supersede earlier ones.
type Snapshot struct {
	BoardID   string
	Seq       int64
	Items     map[string]json.RawMessage
	ItemOrder []string
	CreatedAt time.Time
}

// Store is the durable state behind a sequencer: board records, membership,
// the op log, and snapshots. Implementations must make AppendOp atomic per
// board: the seq increment and the log insert commit together or not at all.
type Store interface {
	CreateBoard(ctx context.Context, board Board) error
	Board(ctx context.Context, boardID string) (Board, error)

	Member(ctx context.Context, boardID, userID string) (Member, error)
	PutMember(ctx context.Context, member Member) error

	// AppendOp assigns the board's next serverSeq to op and persists it. If a
	// row with the same (boardID, opID, clientID) is already committed, that
	// row is returned unchanged and inserted is false.
	AppendOp(ctx context.Context, op SequencedOp) (committed SequencedOp, inserted bool, err error)

	// OpsAfter returns every committed op with serverSeq > afterSeq, ascending.
	OpsAfter(ctx context.Context, boardID string, afterSeq int64) ([]SequencedOp, error)

	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LatestSnapshot returns the snapshot with the highest seq, or
	// ErrSnapshotNotFound if the board has never been compacted.
	LatestSnapshot(ctx context.Context, boardID string) (Snapshot, error)
}
