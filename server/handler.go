package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pairboard/board"
	"pairboard/commons"
)

const requestTimeout = 10 * time.Second

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.issuer.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		color.Red("error upgrading connection to websocket: %v", err)
		return
	}
	defer conn.Close()

	c := &client{
		conn:     conn,
		clientID: clientID,
		userID:   identity.UserID,
		username: identity.Name,
	}

	color.Green("client %s connected (user %s)", clientID, identity.UserID)
	defer s.dropClient(c)

	for {
		var msg commons.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				color.Red("failed to read from client %s: %v", clientID, err)
			}
			return
		}
		s.handleMsg(c, msg)
	}
}

func (s *Server) dropClient(c *client) {
	boardID := c.board()
	s.hub.leave(c)
	if boardID != "" {
		s.hub.broadcast(boardID, commons.Message{
			Type:     commons.UserLeftMessage,
			BoardID:  boardID,
			UserID:   c.userID,
			Username: c.username,
		}, c.clientID)
	}
	color.Red("client %s disconnected", c.clientID)
}

func (s *Server) handleMsg(c *client, msg commons.Message) {
	switch msg.Type {
	case commons.JoinMessage:
		s.handleJoin(c, msg)
	case commons.OpMessage:
		s.handleOp(c, msg)
	case commons.CursorMessage:
		s.handleCursor(c, msg)
	default:
		s.log.WithField("type", msg.Type).Warn("unknown message type")
		s.sendError(c, msg.OpID, commons.CodeBadRequest, "unknown message type")
	}
}

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

func (s *Server) handleJoin(c *client, msg commons.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	// registration and the stateInit send happen under the board's commit
	// lock, so no committed op can slip between the replay tail and the
	// live stream
	_, err := s.seq.JoinAndSubscribe(ctx, msg.BoardID, c.userID, func(result board.JoinResult) {
		s.hub.join(msg.BoardID, c)
		c.setBoard(msg.BoardID)

		init := commons.Message{
			Type:    commons.StateInitMessage,
			BoardID: msg.BoardID,
			LastSeq: result.LastSeq,
			Role:    string(result.Role),
			Snapshot: &commons.SnapshotPayload{
				Items:     result.Snapshot.Items,
				ItemOrder: result.Snapshot.ItemOrder,
				Seq:       result.Snapshot.Seq,
			},
		}
		for _, op := range result.Ops {
			init.Ops = append(init.Ops, commons.SequencedOpPayload{
				ServerSeq: op.ServerSeq,
				OpType:    op.OpType,
				OpData:    op.OpData,
				UserID:    op.UserID,
			})
		}
		if err := c.send(init); err != nil {
			color.Red("failed to send stateInit to %s: %s", c.clientID, err)
		}
	})
	if err != nil {
		s.sendError(c, "", errorCode(err), "failed to join board")
		return
	}

	s.log.WithFields(logrus.Fields{"board": msg.BoardID, "user": c.userID}).Info("client joined board")
	s.hub.broadcast(msg.BoardID, commons.Message{
		Type:     commons.UserJoinedMessage,
		BoardID:  msg.BoardID,
		UserID:   c.userID,
		Username: c.username,
	}, c.clientID)
}

func (s *Server) handleOp(c *client, msg commons.Message) {
	if c.board() != msg.BoardID || msg.BoardID == "" {
		s.sendError(c, msg.OpID, commons.CodeBadRequest, "join the board before submitting ops")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	ack, err := s.seq.Submit(ctx, board.SubmitRequest{
		BoardID:  msg.BoardID,
		UserID:   c.userID,
		ClientID: c.clientID,
		OpID:     msg.OpID,
		OpType:   msg.OpType,
		OpData:   msg.OpData,
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"board": msg.BoardID,
			"opId":  msg.OpID,
		}).Warn("op rejected")
		s.sendError(c, msg.OpID, errorCode(err), err.Error())
		return
	}

	// a fresh commit is acked through the hub's ordered path; only the
	// retransmission answer is sent directly
	if ack.Duplicate {
		if err := c.send(commons.Message{
			Type:         commons.AckMessage,
			BoardID:      msg.BoardID,
			OpID:         msg.OpID,
			ServerSeq:    ack.ServerSeq,
			Acknowledged: true,
		}); err != nil {
			color.Red("failed to re-ack %s to %s: %s", msg.OpID, c.clientID, err)
		}
	}
}

// cursor traffic is fire-and-forget: no ack, no persistence, no ordering
func (s *Server) handleCursor(c *client, msg commons.Message) {
	if c.board() != msg.BoardID || msg.Cursor == nil {
		return
	}
	s.hub.broadcast(msg.BoardID, commons.Message{
		Type:     commons.CursorUpdateMessage,
		BoardID:  msg.BoardID,
		UserID:   c.userID,
		Username: c.username,
		Cursor:   msg.Cursor,
	}, c.clientID)
}

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

func (s *Server) sendError(c *client, opID string, code commons.ErrorCode, text string) {
	if err := c.send(commons.Message{
		Type:  commons.ErrorMessage,
		OpID:  opID,
		Code:  code,
		Error: text,
	}); err != nil {
		color.Red("failed to send error to %s: %s", c.clientID, err)
	}
}

func errorCode(err error) commons.ErrorCode {
	switch {
	case errors.Is(err, board.ErrPermissionDenied):
		return commons.CodePermissionDenied
	case errors.Is(err, board.ErrNotFound):
		return commons.CodeNotFound
	case errors.Is(err, board.ErrInvalidOp):
		return commons.CodeBadRequest
	default:
		return commons.CodeInternal
	}
}
