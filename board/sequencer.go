// Package board implements the authoritative ordering service for one or
// more whiteboards: every accepted op gets a strictly increasing serverSeq,
// is persisted to an append-only log, and is fanned out to the board's other
// participants. Retransmissions keyed by (boardID, opID, clientID) collapse
// to their original commit.
package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pairboard/canvas"
	"pairboard/storage"
)

var (
	ErrNotFound         = errors.New("board or membership not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidOp        = errors.New("malformed op")
)

// Emitter receives every newly committed op, exactly once, in serverSeq
// order per board. The sequencer invokes it while holding the board's commit
// lock, so implementations must be quick and must not call back into the
// sequencer.
type Emitter interface {
	EmitOp(op storage.SequencedOp)
}

type Sequencer struct {
	store         storage.Store
	emitter       Emitter
	log           *logrus.Logger
	snapshotEvery int64

	mu      sync.Mutex
	commits map[string]*sync.Mutex
}

type Option func(*Sequencer)

// WithEmitter wires live fan-out; without it committed ops are only
// persisted (reconnecting clients still catch up via Join).
func WithEmitter(e Emitter) Option {
	return func(s *Sequencer) { s.emitter = e }
}

// WithSnapshotEvery compacts the board after every n accepted ops. Zero
// disables automatic compaction.
func WithSnapshotEvery(n int64) Option {
	return func(s *Sequencer) { s.snapshotEvery = n }
}

func WithLogger(log *logrus.Logger) Option {
	return func(s *Sequencer) { s.log = log }
}

const defaultSnapshotEvery = 200

func New(store storage.Store, opts ...Option) *Sequencer {
	s := &Sequencer{
		store:         store,
		log:           logrus.New(),
		snapshotEvery: defaultSnapshotEvery,
		commits:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type SubmitRequest struct {
	BoardID  string
	UserID   string
	ClientID string
	OpID     string
	OpType   string
	OpData   json.RawMessage
}

type Ack struct {
	ServerSeq int64
	// Duplicate means the op had already been committed; the original
	// serverSeq is returned and nothing was re-applied or re-broadcast.
	Duplicate bool
}

// Submit runs the full accept path: role gate, idempotency, atomic seq
// assignment and persistence, then ordered fan-out. Rejections surface as
// ErrNotFound, ErrPermissionDenied or ErrInvalidOp; the submitting client
// must treat any of them as "roll back your optimistic apply".
func (s *Sequencer) Submit(ctx context.Context, req SubmitRequest) (Ack, error) {
	if req.BoardID == "" || req.OpID == "" || req.ClientID == "" {
		return Ack{}, fmt.Errorf("%w: missing boardId, opId or clientId", ErrInvalidOp)
	}
	op, err := canvas.DecodeOp(req.OpData)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	if string(op.Type) != req.OpType {
		return Ack{}, fmt.Errorf("%w: opType %q does not match payload %q", ErrInvalidOp, req.OpType, op.Type)
	}
	if err := op.Validate(); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}

	member, err := s.store.Member(ctx, req.BoardID, req.UserID)
	if errors.Is(err, storage.ErrBoardNotFound) || errors.Is(err, storage.ErrMemberNotFound) {
		return Ack{}, ErrNotFound
	}
	if err != nil {
		return Ack{}, err
	}
	if !member.Role.CanEdit() {
		return Ack{}, ErrPermissionDenied
	}

	commit := s.commitLock(req.BoardID)
	commit.Lock()
	committed, inserted, err := s.store.AppendOp(ctx, storage.SequencedOp{
		BoardID:  req.BoardID,
		OpID:     req.OpID,
		ClientID: req.ClientID,
		UserID:   req.UserID,
		OpType:   req.OpType,
		OpData:   req.OpData,
	})
	if err != nil {
		commit.Unlock()
		if errors.Is(err, storage.ErrBoardNotFound) {
			return Ack{}, ErrNotFound
		}
		return Ack{}, err
	}
	if inserted && s.emitter != nil {
		s.emitter.EmitOp(committed)
	}
	commit.Unlock()

	if !inserted {
		s.log.WithFields(logrus.Fields{
			"board":     req.BoardID,
			"opId":      req.OpID,
			"serverSeq": committed.ServerSeq,
		}).Debug("duplicate submission collapsed")
		return Ack{ServerSeq: committed.ServerSeq, Duplicate: true}, nil
	}

	if s.snapshotEvery > 0 && committed.ServerSeq%s.snapshotEvery == 0 {
		go s.compactAsync(req.BoardID, committed.ServerSeq)
	}
	return Ack{ServerSeq: committed.ServerSeq}, nil
}

// commitLock returns the board's commit mutex, creating it on first use.
// AppendOp is already atomic; the extra lock keeps fan-out in commit order.
func (s *Sequencer) commitLock(boardID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.commits[boardID]
	if !ok {
		lock = &sync.Mutex{}
		s.commits[boardID] = lock
	}
	return lock
}

func (s *Sequencer) compactAsync(boardID string, upToSeq int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.Compact(ctx, boardID, upToSeq); err != nil {
		s.log.WithError(err).WithField("board", boardID).Warn("background compaction failed")
	}
}
