// Package server hosts the sequencer behind a websocket endpoint plus the
// minimal HTTP surface the sync protocol needs: guest token issuance and
// board creation/lookup. Rendering, full membership management and the rest
// of the product API live elsewhere.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pairboard/auth"
	"pairboard/board"
	"pairboard/storage"
)

type Server struct {
	seq      *board.Sequencer
	store    storage.Store
	issuer   *auth.Issuer
	hub      *hub
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

// New wires a server around store. The returned server's hub is registered
// as the sequencer's emitter, so committed ops fan out to connected
// sessions in commit order.
func New(store storage.Store, issuer *auth.Issuer, log *logrus.Logger, seqOpts ...board.Option) *Server {
	s := &Server{
		store:  store,
		issuer: issuer,
		hub:    newHub(),
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	opts := append([]board.Option{board.WithEmitter(s.hub), board.WithLogger(log)}, seqOpts...)
	s.seq = board.New(store, opts...)
	return s
}

// Sequencer exposes the underlying sequencer, mainly for compaction tooling.
func (s *Server) Sequencer() *board.Sequencer {
	return s.seq
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/guest", s.handleGuest).Methods(http.MethodPost)
	r.HandleFunc("/api/boards", s.handleCreateBoard).Methods(http.MethodPost)
	r.HandleFunc("/api/boards/{boardID}", s.handleGetBoard).Methods(http.MethodGet)
	return r
}

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGuest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	identity, token, err := s.issuer.Guest(req.Name)
	if err != nil {
		s.log.WithError(err).Error("failed to mint guest token")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": map[string]string{
			"id":   identity.UserID,
			"name": identity.Name,
		},
		"accessToken": token,
	})
}

func (s *Server) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.bearerIdentity(w, r)
	if !ok {
		return
	}

	var req struct {
		Name            string `json:"name"`
		RequireApproval bool   `json:"requireApproval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	b := storage.Board{
		ID:              uuid.NewString(),
		Name:            req.Name,
		RequireApproval: req.RequireApproval,
	}
	if err := s.store.CreateBoard(r.Context(), b); err != nil {
		s.log.WithError(err).Error("failed to create board")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.store.PutMember(r.Context(), storage.Member{
		BoardID: b.ID,
		UserID:  identity.UserID,
		Role:    storage.RoleOwner,
	}); err != nil {
		s.log.WithError(err).Error("failed to add board owner")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       b.ID,
		"name":     b.Name,
		"userRole": string(storage.RoleOwner),
	})
}

func (s *Server) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.bearerIdentity(w, r)
	if !ok {
		return
	}

	boardID := mux.Vars(r)["boardID"]
	b, err := s.store.Board(r.Context(), boardID)
	if errors.Is(err, storage.ErrBoardNotFound) {
		http.Error(w, "board not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	role := ""
	if member, err := s.store.Member(r.Context(), boardID, identity.UserID); err == nil {
		role = string(member.Role)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       b.ID,
		"name":     b.Name,
		"lastSeq":  b.LastSeq,
		"userRole": role,
	})
}

func (s *Server) bearerIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	identity, err := s.issuer.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
