package ws

import (
	"encoding/json"

	"github.com/idleguard/idleguard/internal/session"
	"github.com/idleguard/idleguard/internal/watchdog"
)

type MessageType string

// Host to server.
const (
	MsgLogin      MessageType = "login"
	MsgSignal     MessageType = "signal"
	MsgVisibility MessageType = "visibility"
	MsgLogout     MessageType = "logout"
	MsgResync     MessageType = "resync"
)

// Server to clients.
const (
	MsgSnapshot  MessageType = "snapshot"
	MsgDelta     MessageType = "delta"
	MsgSession   MessageType = "session"
	MsgIdle      MessageType = "idle"
	MsgLoggedOut MessageType = "logged_out"
	MsgError     MessageType = "error"
)

// WSMessage is the outbound envelope. Seq increases by one for every message
// the broadcaster encodes, so observers can spot gaps and ask for a resync.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// InboundMessage is the envelope hosts send. Payload is decoded per Type.
type InboundMessage struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type LoginPayload struct {
	User  string `json:"user"`
	Host  string `json:"host,omitempty"`
	Token string `json:"token,omitempty"`
}

type SignalPayload struct {
	Signal watchdog.Signal `json:"signal"`
}

type VisibilityPayload struct {
	State string `json:"state"` // "visible" or "hidden"
}

type SnapshotPayload struct {
	Sessions []*session.SessionState `json:"sessions"`
}

type DeltaPayload struct {
	Updates []*session.SessionState `json:"updates"`
	Removed []string                `json:"removed,omitempty"`
}

// SessionPayload tells a host about its own session, unmasked.
type SessionPayload struct {
	State *session.SessionState `json:"state"`
}

type IdlePayload struct {
	SessionID string `json:"sessionId"`
	TimeoutMs int64  `json:"timeout"`
}

type LoggedOutPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
