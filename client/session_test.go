package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairboard/canvas"
	"pairboard/commons"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []commons.Message
}

func (t *fakeTransport) Send(msg commons.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) ops() []commons.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []commons.Message
	for _, m := range t.sent {
		if m.Type == commons.OpMessage {
			out = append(out, m)
		}
	}
	return out
}

func (t *fakeTransport) lastOp(tt *testing.T) commons.Message {
	tt.Helper()
	ops := t.ops()
	require.NotEmpty(tt, ops)
	return ops[len(ops)-1]
}

func rectItem(id string, x, y float64) *canvas.Rect {
	return &canvas.Rect{
		ItemBase: canvas.ItemBase{ID: id, X: x, Y: y, Opacity: 1},
		Width:    100,
		Height:   100,
	}
}

func encodeOp(t *testing.T, op canvas.Op) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(op)
	require.NoError(t, err)
	return data
}

func readySession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	s := NewSession("b1", tr, WithClientID("c1"))
	s.HandleMessage(commons.Message{
		Type:    commons.StateInitMessage,
		BoardID: "b1",
		Role:    "EDITOR",
	})
	return s, tr
}

// fakeSequencer hands out seqs the way the server would: one per distinct
// op, in arrival order.
type fakeSequencer struct {
	seq int64
}

func (f *fakeSequencer) ack(s *Session, msg commons.Message) {
	f.seq++
	s.HandleMessage(commons.Message{
		Type:         commons.AckMessage,
		BoardID:      msg.BoardID,
		OpID:         msg.OpID,
		ServerSeq:    f.seq,
		Acknowledged: true,
	})
}

func (f *fakeSequencer) broadcast(s *Session, t *testing.T, op canvas.Op) {
	f.seq++
	s.HandleMessage(commons.Message{
		Type:      commons.OpBroadcastMessage,
		BoardID:   "b1",
		ServerSeq: f.seq,
		OpType:    string(op.Type),
		OpData:    encodeOp(t, op),
		UserID:    "peer",
	})
}

// ////////////////////////////////////////////////////////////////////
// ////////////////////////////////////////////////////////////////////

func TestStateInitReplaysSnapshotAndTail(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession("b1", tr)

	snapRect, err := canvas.EncodeItem(rectItem("r1", 10, 10))
	require.NoError(t, err)

	s.HandleMessage(commons.Message{
		Type:    commons.StateInitMessage,
		BoardID: "b1",
		Snapshot: &commons.SnapshotPayload{
			Items:     map[string]json.RawMessage{"r1": snapRect},
			ItemOrder: []string{"r1"},
			Seq:       3,
		},
		Ops: []commons.SequencedOpPayload{
			{ServerSeq: 4, OpType: "update", OpData: encodeOp(t, canvas.Update("r1", map[string]interface{}{"x": 50.0}, map[string]interface{}{"x": 10.0}))},
			{ServerSeq: 5, OpType: "create", OpData: encodeOp(t, canvas.Create(rectItem("r2", 0, 0)))},
		},
		LastSeq: 5,
		Role:    "VIEWER",
	})

	store := s.Store()
	assert.Equal(t, 2, store.Len())
	r1, ok := store.Get("r1")
	require.True(t, ok)
	assert.Equal(t, 50.0, r1.Base().X)
	assert.Equal(t, int64(5), s.LastSeq())
	assert.Equal(t, "VIEWER", s.Role())
}

func TestBroadcastFromPeerApplies(t *testing.T) {
	s, _ := readySession(t)
	var srv fakeSequencer

	srv.broadcast(s, t, canvas.Create(rectItem("r1", 10, 10)))

	assert.Equal(t, 1, s.Store().Len())
	assert.Equal(t, int64(1), s.LastSeq())
}

func TestBroadcastAtOrBelowLastSeqIgnored(t *testing.T) {
	s, _ := readySession(t)
	var srv fakeSequencer

	srv.broadcast(s, t, canvas.Create(rectItem("r1", 10, 10)))

	// redelivery of the same committed op must not disturb anything
	s.HandleMessage(commons.Message{
		Type:      commons.OpBroadcastMessage,
		BoardID:   "b1",
		ServerSeq: 1,
		OpData:    encodeOp(t, canvas.Create(rectItem("r1", 10, 10))),
	})

	assert.Equal(t, 1, s.Store().Len())
	assert.Equal(t, int64(1), s.LastSeq())
}

func TestRejectionRollsBackOptimisticApply(t *testing.T) {
	s, tr := readySession(t)

	require.NoError(t, s.Create(rectItem("r1", 10, 10)))
	assert.Equal(t, 1, s.Store().Len())

	s.HandleMessage(commons.Message{
		Type:  commons.ErrorMessage,
		OpID:  tr.lastOp(t).OpID,
		Code:  commons.CodePermissionDenied,
		Error: "EDITOR role required",
	})

	assert.Equal(t, 0, s.Store().Len())
	assert.Equal(t, 0, s.PendingCount())
	assert.False(t, s.CanUndo())
}

func TestRejectionKeepsUnrelatedPendingOps(t *testing.T) {
	s, tr := readySession(t)

	require.NoError(t, s.Create(rectItem("r1", 10, 10)))
	firstID := tr.lastOp(t).OpID
	require.NoError(t, s.Create(rectItem("r2", 20, 20)))

	s.HandleMessage(commons.Message{
		Type: commons.ErrorMessage,
		OpID: firstID,
		Code: commons.CodeBadRequest,
	})

	store := s.Store()
	assert.Equal(t, 1, store.Len())
	_, ok := store.Get("r2")
	assert.True(t, ok)
	assert.Equal(t, 1, s.PendingCount())
}

func TestResubmitReusesOriginalOpID(t *testing.T) {
	s, tr := readySession(t)

	require.NoError(t, s.Create(rectItem("r1", 10, 10)))
	original := tr.lastOp(t)

	// reconnect: new transport, same session
	tr2 := &fakeTransport{}
	s.SetTransport(tr2)
	require.NoError(t, s.Resubmit())

	resent := tr2.lastOp(t)
	assert.Equal(t, original.OpID, resent.OpID)
	assert.Equal(t, original.OpData, resent.OpData)
}

func TestStateInitKeepsPendingOverlay(t *testing.T) {
	s, _ := readySession(t)

	require.NoError(t, s.Create(rectItem("r1", 10, 10)))

	// a rejoin whose replay does not yet include the in-flight op
	s.HandleMessage(commons.Message{
		Type:    commons.StateInitMessage,
		BoardID: "b1",
		LastSeq: 0,
		Role:    "EDITOR",
	})

	_, ok := s.Store().Get("r1")
	assert.True(t, ok, "unacked op should survive a rejoin in the overlay")
	assert.Equal(t, 1, s.PendingCount())
}

func TestAckCoveredByReplayDoesNotReapply(t *testing.T) {
	s, tr := readySession(t)

	require.NoError(t, s.Create(rectItem("r1", 10, 10)))
	opID := tr.lastOp(t).OpID

	// the rejoin replay already delivered the commit at seq 3
	snapRect, err := canvas.EncodeItem(rectItem("r1", 10, 10))
	require.NoError(t, err)
	s.HandleMessage(commons.Message{
		Type:    commons.StateInitMessage,
		BoardID: "b1",
		Snapshot: &commons.SnapshotPayload{
			Items:     map[string]json.RawMessage{"r1": snapRect},
			ItemOrder: []string{"r1"},
			Seq:       3,
		},
		LastSeq: 3,
		Role:    "EDITOR",
	})

	// the late ack for the resubmitted op reports the original seq
	s.HandleMessage(commons.Message{
		Type:      commons.AckMessage,
		OpID:      opID,
		ServerSeq: 3,
	})

	assert.Equal(t, 1, s.Store().Len())
	assert.Equal(t, 0, s.PendingCount())
	assert.Equal(t, int64(3), s.LastSeq())
}

func TestPeerClearDropsLocalHistory(t *testing.T) {
	s, tr := readySession(t)
	var srv fakeSequencer

	require.NoError(t, s.Create(rectItem("r1", 10, 10)))
	srv.ack(s, tr.lastOp(t))
	require.True(t, s.CanUndo())

	srv.broadcast(s, t, canvas.Clear())

	assert.Equal(t, 0, s.Store().Len())
	assert.False(t, s.CanUndo())
	assert.False(t, s.CanRedo())
}

func TestPresenceTracking(t *testing.T) {
	s, _ := readySession(t)

	s.HandleMessage(commons.Message{Type: commons.UserJoinedMessage, UserID: "u2", Username: "miniature-schnauzer"})
	s.HandleMessage(commons.Message{
		Type:     commons.CursorUpdateMessage,
		UserID:   "u2",
		Username: "miniature-schnauzer",
		Cursor:   &commons.Cursor{X: 4, Y: 2},
	})

	peers := s.Peers(time.Minute)
	require.Len(t, peers, 1)
	assert.Equal(t, "miniature-schnauzer", peers[0].Username)
	require.NotNil(t, peers[0].Cursor)
	assert.Equal(t, 4.0, peers[0].Cursor.X)

	s.HandleMessage(commons.Message{Type: commons.UserLeftMessage, UserID: "u2"})
	assert.Empty(t, s.Peers(time.Minute))
}

func TestDispatchBeforeTransportFails(t *testing.T) {
	s := NewSession("b1", nil)
	assert.ErrorIs(t, s.Create(rectItem("r1", 0, 0)), ErrNotReady)
}
