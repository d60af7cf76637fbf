// Package client implements the editor-side half of the sync protocol: an
// optimistic local store, undo/redo history, and reconciliation against the
// server's authoritative op order. It is a headless library; rendering and
// input handling sit on top of it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pairboard/canvas"
	"pairboard/commons"
)

var (
	ErrNotReady      = errors.New("session not initialized yet")
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Transport carries messages to the server. The session's HandleMessage is
// the inbound half; transports (or tests) call it for every received
// message, in receive order.
type Transport interface {
	Send(msg commons.Message) error
	Close() error
}

// Peer is another participant's presence state. Cursor data is best-effort:
// it expires client-side after an inactivity window.
type Peer struct {
	UserID     string
	Username   string
	Cursor     *commons.Cursor
	LastActive time.Time
}

type historyEntry struct {
	op   canvas.Op
	opID string
}

type pendingOp struct {
	opID string
	op   canvas.Op
	msg  commons.Message
}

// Session owns one client's view of one board.
//
// Two stores are kept: synced holds exactly the state confirmed by the
// server (join payload plus every acked/broadcast op, in serverSeq order),
// and the visible store is synced plus the still-unacknowledged local ops
// replayed on top. Rolling back a rejected op is therefore mechanical:
// drop it from the overlay and rebuild, never a hand-crafted compensating
// edit.
type Session struct {
	boardID   string
	clientID  string
	log       *logrus.Logger

	mu        sync.Mutex
	transport Transport
	synced    *canvas.Store
	visible   *canvas.Store
	lastSeq   int64
	role      string
	pending   []pendingOp
	past      []historyEntry
	future    []historyEntry
	peers     map[string]Peer

	readyOnce sync.Once
	ready     chan struct{}
}

type Option func(*Session)

func WithClientID(clientID string) Option {
	return func(s *Session) { s.clientID = clientID }
}

func WithLogger(log *logrus.Logger) Option {
	return func(s *Session) { s.log = log }
}

func NewSession(boardID string, t Transport, opts ...Option) *Session {
	s := &Session{
		boardID:   boardID,
		clientID:  uuid.NewString(),
		log:       logrus.New(),
		transport: t,
		synced:    canvas.NewStore(),
		visible:   canvas.NewStore(),
		peers:     make(map[string]Peer),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) Send(msg commons.Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// Dial connects to a pairboard server, joins the board and waits for the
// stateInit payload. serverAddr is a host:port.
func Dial(ctx context.Context, serverAddr, token, boardID string, opts ...Option) (*Session, error) {
	s := NewSession(boardID, nil, opts...)

	u := url.URL{
		Scheme:   "ws",
		Host:     serverAddr,
		Path:     "/ws",
		RawQuery: url.Values{"token": {token}, "clientId": {s.clientID}}.Encode(),
	}
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverAddr, err)
	}

	s.mu.Lock()
	s.transport = &wsTransport{conn: conn}
	s.mu.Unlock()
	go s.readPump(conn)

	if err := s.Join(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.WaitReady(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) readPump(conn *websocket.Conn) {
	for {
		var msg commons.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Errorf("websocket error: %v", err)
			}
			return
		}
		s.HandleMessage(msg)
	}
}

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

func (s *Session) ClientID() string { return s.clientID }
func (s *Session) BoardID() string  { return s.boardID }

// WaitReady blocks until the first stateInit has been applied.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join asks the server for the snapshot+replay payload. Safe to call again
// after a reconnect; the resulting stateInit resets local state wholesale.
func (s *Session) Join() error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNotReady
	}
	return t.Send(commons.Message{Type: commons.JoinMessage, BoardID: s.boardID})
}

// SetTransport swaps the connection after a reconnect. The caller should
// Join again and then Resubmit pending ops.
func (s *Session) SetTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// Resubmit retransmits every unacknowledged op with its original opId,
// never a fresh one, or the server-side dedup key would change and a
// retried edit could commit twice.
func (s *Session) Resubmit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		if err := s.transport.Send(p.msg); err != nil {
			return err
		}
	}
	return nil
}

// Cursor publishes the local pointer position, fire-and-forget.
func (s *Session) Cursor(x, y float64) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNotReady
	}
	return t.Send(commons.Message{
		Type:    commons.CursorMessage,
		BoardID: s.boardID,
		Cursor:  &commons.Cursor{X: x, Y: y},
	})
}

// Store returns a deep copy of the visible board state.
func (s *Session) Store() *canvas.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible.Clone()
}

func (s *Session) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

func (s *Session) Role() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Peers lists participants active within maxAge.
func (s *Session) Peers(maxAge time.Duration) []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.LastActive.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

// HandleMessage applies one server message. Transports must call it in
// receive order; the server guarantees board messages arrive in
// non-decreasing serverSeq order per connection.
func (s *Session) HandleMessage(msg commons.Message) {
	switch msg.Type {
	case commons.StateInitMessage:
		s.handleStateInit(msg)
	case commons.AckMessage:
		s.handleAck(msg)
	case commons.OpBroadcastMessage:
		s.handleBroadcast(msg)
	case commons.ErrorMessage:
		s.handleError(msg)
	case commons.CursorUpdateMessage:
		s.handlePresence(msg, true)
	case commons.UserJoinedMessage:
		s.handlePresence(msg, true)
	case commons.UserLeftMessage:
		s.handlePresence(msg, false)
	default:
		s.log.Warnf("unknown message type: %v", msg.Type)
	}
}

func (s *Session) handleStateInit(msg commons.Message) {
	synced := canvas.NewStore()
	if msg.Snapshot != nil {
		for id, raw := range msg.Snapshot.Items {
			item, err := canvas.DecodeItem(raw)
			if err != nil {
				s.log.Errorf("bad snapshot item %s: %v", id, err)
				continue
			}
			synced.Items[id] = item
		}
		synced.ItemOrder = append([]string(nil), msg.Snapshot.ItemOrder...)
	}
	for _, payload := range msg.Ops {
		op, err := canvas.DecodeOp(payload.OpData)
		if err != nil {
			s.log.Errorf("bad replay op at seq %d: %v", payload.ServerSeq, err)
			continue
		}
		if err := synced.Apply(op); err != nil {
			s.log.Errorf("replay seq %d: %v", payload.ServerSeq, err)
		}
	}

	s.mu.Lock()
	s.synced = synced
	s.lastSeq = msg.LastSeq
	s.role = msg.Role
	// a join may land on a semantically different starting point, so old
	// history entries can no longer be trusted to invert cleanly
	s.past = nil
	s.future = nil
	// pending ops stay queued: ones the replay already delivered are folded
	// into synced and replaying them in the overlay is idempotent, and a
	// later Resubmit of a committed op collapses to its original seq anyway
	s.rebuildLocked()
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Infof("state initialized at seq %d", msg.LastSeq)
}

func (s *Session) handleAck(msg commons.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, p := range s.pending {
		if p.opID == msg.OpID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	p := s.pending[idx]
	if msg.ServerSeq > s.lastSeq {
		if err := s.synced.Apply(p.op); err != nil {
			s.log.Errorf("apply acked op %s: %v", p.opID, err)
		}
		s.lastSeq = msg.ServerSeq
	}
	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	if p.op.Type == canvas.OpClear {
		// the board everyone shares is now empty; the deferred history wipe
		// happens here, once the clear is actually committed
		s.past = nil
		s.future = nil
	}
	s.rebuildLocked()
}

func (s *Session) handleBroadcast(msg commons.Message) {
	op, err := canvas.DecodeOp(msg.OpData)
	if err != nil {
		s.log.Errorf("bad broadcast op at seq %d: %v", msg.ServerSeq, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// duplicate or already covered by the join replay
	if msg.ServerSeq <= s.lastSeq {
		return
	}
	if err := s.synced.Apply(op); err != nil {
		s.log.Errorf("apply broadcast seq %d: %v", msg.ServerSeq, err)
		return
	}
	s.lastSeq = msg.ServerSeq
	if op.Type == canvas.OpClear {
		// the board everyone is editing is gone; local history with it
		s.past = nil
		s.future = nil
	}
	s.rebuildLocked()
}

// handleError is the negative acknowledgment path: the op was never
// committed, so the optimistic apply must be rolled back.
func (s *Session) handleError(msg commons.Message) {
	s.log.Warnf("op %s rejected: %s (%s)", msg.OpID, msg.Error, msg.Code)
	if msg.OpID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.opID != msg.OpID {
			kept = append(kept, p)
		}
	}
	s.pending = kept

	keptHist := s.past[:0]
	for _, e := range s.past {
		if e.opID != msg.OpID {
			keptHist = append(keptHist, e)
		}
	}
	s.past = keptHist

	// a rejected undo leaves its original edit in effect, so the entry the
	// undo parked in future moves back to past and stays undoable
	for i, e := range s.future {
		if e.opID == msg.OpID {
			s.past = append(s.past, e)
			s.future = append(s.future[:i], s.future[i+1:]...)
			break
		}
	}

	s.rebuildLocked()
}

func (s *Session) handlePresence(msg commons.Message, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !active {
		delete(s.peers, msg.UserID)
		return
	}
	peer := s.peers[msg.UserID]
	peer.UserID = msg.UserID
	if msg.Username != "" {
		peer.Username = msg.Username
	}
	if msg.Cursor != nil {
		peer.Cursor = msg.Cursor
	}
	peer.LastActive = time.Now()
	s.peers[msg.UserID] = peer
}

// rebuildLocked recomputes the visible store as synced plus the pending
// overlay, carrying the selection across.
func (s *Session) rebuildLocked() {
	selection := s.visible.Selection
	rebuilt := s.synced.Clone()
	for _, p := range s.pending {
		if err := rebuilt.Apply(p.op); err != nil {
			s.log.Errorf("replay pending op %s: %v", p.opID, err)
		}
	}
	for id := range selection {
		if _, ok := rebuilt.Items[id]; ok {
			rebuilt.Selection[id] = struct{}{}
		}
	}
	s.visible = rebuilt
}
