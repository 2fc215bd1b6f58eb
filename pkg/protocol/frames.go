// Package protocol defines the framed WebSocket contract between the gateway
// and its clients. Each WebSocket message is one JSON frame; every frame
// carries a "type" discriminator.
package protocol

// ProtocolVersion is bumped on any wire-incompatible frame change.
const ProtocolVersion = 1

// Server → client frame types.
const (
	FrameSession = "session" // sent once on connect, carries the session id
	FrameStart   = "start"   // a reply is about to stream
	FrameChunk   = "chunk"   // one streamed piece of the reply
	FrameEnd     = "end"     // closes a turn; carries the turn index
	FrameError   = "error"   // terminal failure for the turn; no end follows
)

// ServerFrame is the single server→client frame shape. Unused fields are
// omitted per frame type.
type ServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	TurnIndex int    `json:"turn_index,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// Attachment is an uploaded file carried alongside a client message.
type Attachment struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// ClientFrame is the single client→server frame shape.
type ClientFrame struct {
	Content     string       `json:"content"`
	SessionID   string       `json:"session_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// NewSessionFrame announces a freshly created or resolved session.
func NewSessionFrame(sessionID string) ServerFrame {
	return ServerFrame{Type: FrameSession, SessionID: sessionID}
}

// NewStartFrame precedes the first chunk of a reply.
func NewStartFrame(sessionID string) ServerFrame {
	return ServerFrame{Type: FrameStart, SessionID: sessionID}
}

// NewChunkFrame carries one streamed piece of assistant output.
func NewChunkFrame(content string) ServerFrame {
	return ServerFrame{Type: FrameChunk, Content: content}
}

// NewEndFrame closes a turn.
func NewEndFrame(sessionID string, turnIndex int) ServerFrame {
	return ServerFrame{Type: FrameEnd, SessionID: sessionID, TurnIndex: turnIndex}
}

// NewErrorFrame reports a terminal turn failure. No end frame follows.
func NewErrorFrame(kind, message string) ServerFrame {
	return ServerFrame{Type: FrameError, Kind: kind, Message: message}
}
