package commons

import "encoding/json"

type MessageType string

const (
	JoinMessage         MessageType = "join"        // client -> server: enter a board
	StateInitMessage    MessageType = "stateInit"   // server -> client: snapshot + replay tail
	OpMessage           MessageType = "op"          // client -> server: submit one edit
	AckMessage          MessageType = "ack"         // server -> client: edit committed
	OpBroadcastMessage  MessageType = "opBroadcast" // server -> peers: committed edit
	CursorMessage       MessageType = "cursor"      // client -> server: fire-and-forget presence
	CursorUpdateMessage MessageType = "cursorUpdate"
	UserJoinedMessage   MessageType = "userJoined"
	UserLeftMessage     MessageType = "userLeft"
	ErrorMessage        MessageType = "error"
)

type ErrorCode string

const (
	CodePermissionDenied ErrorCode = "permission_denied"
	CodeNotFound         ErrorCode = "not_found"
	CodeBadRequest       ErrorCode = "bad_request"
	CodeInternal         ErrorCode = "internal"
)

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SnapshotPayload is the compacted board state a joining client starts from.
type SnapshotPayload struct {
	Items     map[string]json.RawMessage `json:"items"`
	ItemOrder []string                   `json:"itemOrder"`
	Seq       int64                      `json:"seq"`
}

// SequencedOpPayload is one committed op as it travels to clients, either in
// a stateInit replay tail or as a live broadcast.
type SequencedOpPayload struct {
	ServerSeq int64           `json:"serverSeq"`
	OpType    string          `json:"opType"`
	OpData    json.RawMessage `json:"opData"`
	UserID    string          `json:"userId,omitempty"`
}

// Message is the single wire envelope exchanged between server and clients.
// Which fields are meaningful depends on Type.
type Message struct {
	Type    MessageType `json:"type"`
	BoardID string      `json:"boardId,omitempty"`

	// op submission (OpMessage) and its outcomes (AckMessage, ErrorMessage)
	OpID         string          `json:"opId,omitempty"`
	OpType       string          `json:"opType,omitempty"`
	OpData       json.RawMessage `json:"opData,omitempty"`
	ServerSeq    int64           `json:"serverSeq,omitempty"`
	Acknowledged bool            `json:"acknowledged,omitempty"`

	// join response (StateInitMessage)
	Snapshot *SnapshotPayload     `json:"snapshot,omitempty"`
	Ops      []SequencedOpPayload `json:"ops,omitempty"`
	LastSeq  int64                `json:"lastSeq,omitempty"`
	Role     string               `json:"role,omitempty"`

	// presence
	UserID   string  `json:"userId,omitempty"`
	Username string  `json:"username,omitempty"`
	Cursor   *Cursor `json:"cursor,omitempty"`

	// error reporting
	Code  ErrorCode `json:"code,omitempty"`
	Error string    `json:"error,omitempty"`
}
