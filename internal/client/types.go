// Package client connects a terminal host to an idleguard server. Payloads
// are the server's own wire types from package ws.
package client

import (
	"encoding/json"

	"github.com/idleguard/idleguard/internal/ws"
)

// envelope is a server message before its payload is decoded.
type envelope struct {
	Type    ws.MessageType  `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// --- Bubble Tea messages ---

// WSConnectedMsg is sent when the WebSocket connects.
type WSConnectedMsg struct{}

// WSDisconnectedMsg is sent when the connection drops.
type WSDisconnectedMsg struct{ Err error }

// WSSnapshotMsg delivers every session the server knows about.
type WSSnapshotMsg struct{ Payload ws.SnapshotPayload }

// WSDeltaMsg delivers coalesced session updates and removals.
type WSDeltaMsg struct{ Payload ws.DeltaPayload }

// WSSessionMsg carries this host's own session after login.
type WSSessionMsg struct{ Payload ws.SessionPayload }

// WSIdleMsg is sent when the server-side watchdog for this host fired.
type WSIdleMsg struct{ Payload ws.IdlePayload }

// WSLoggedOutMsg is sent when this host's session ended for any reason.
type WSLoggedOutMsg struct{ Payload ws.LoggedOutPayload }

// WSErrorMsg wraps a server-side error.
type WSErrorMsg struct{ Payload ws.ErrorPayload }

// WSWriteErrMsg reports a failed write from one of the send commands.
type WSWriteErrMsg struct {
	Type ws.MessageType
	Err  error
}
