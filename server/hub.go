package server

import (
	"sync"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"pairboard/commons"
	"pairboard/storage"
)

type client struct {
	conn     *websocket.Conn
	clientID string
	userID   string
	username string

	mu      sync.Mutex // guards boardID
	boardID string

	writeMu sync.Mutex
}

func (c *client) send(v interface{}) error {
	c.writeMu.Lock()
	err := c.conn.WriteJSON(v)
	c.writeMu.Unlock()
	return err
}

func (c *client) board() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boardID
}

func (c *client) setBoard(boardID string) {
	c.mu.Lock()
	c.boardID = boardID
	c.mu.Unlock()
}

// hub tracks which connections are attached to which board and fans
// messages out to them. It implements board.Emitter: committed ops reach the
// submitter as an ack and everyone else as a broadcast, over the same
// ordered path.
type hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*client // boardID -> clientID -> client
}

func newHub() *hub {
	return &hub{rooms: make(map[string]map[string]*client)}
}

func (h *hub) join(boardID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// a connection sits in at most one room
	if prev := c.board(); prev != "" && prev != boardID {
		if room, ok := h.rooms[prev]; ok {
			delete(room, c.clientID)
		}
	}

	room, ok := h.rooms[boardID]
	if !ok {
		room = make(map[string]*client)
		h.rooms[boardID] = room
	}
	room[c.clientID] = c
}

func (h *hub) leave(c *client) {
	boardID := c.board()
	if boardID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[boardID]; ok {
		delete(room, c.clientID)
		if len(room) == 0 {
			delete(h.rooms, boardID)
		}
	}
}

func (h *hub) clients(boardID string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[boardID]
	out := make([]*client, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	return out
}

func (h *hub) broadcast(boardID string, msg commons.Message, exceptClientID string) {
	for _, c := range h.clients(boardID) {
		if c.clientID == exceptClientID {
			continue
		}
		if err := c.send(msg); err != nil {
			color.Red("failed to send to %s: %s", c.clientID, err)
		}
	}
}

// EmitOp delivers one committed op to every session on its board. Called by
// the sequencer under the board's commit lock, so each connection observes
// strictly increasing serverSeq.
func (h *hub) EmitOp(op storage.SequencedOp) {
	ack := commons.Message{
		Type:         commons.AckMessage,
		BoardID:      op.BoardID,
		OpID:         op.OpID,
		ServerSeq:    op.ServerSeq,
		Acknowledged: true,
	}
	broadcast := commons.Message{
		Type:      commons.OpBroadcastMessage,
		BoardID:   op.BoardID,
		ServerSeq: op.ServerSeq,
		OpType:    op.OpType,
		OpData:    op.OpData,
		UserID:    op.UserID,
	}

	for _, c := range h.clients(op.BoardID) {
		msg := broadcast
		if c.clientID == op.ClientID {
			msg = ack
		}
		if err := c.send(msg); err != nil {
			color.Red("failed to send seq %d to %s: %s", op.ServerSeq, c.clientID, err)
		}
	}
}
