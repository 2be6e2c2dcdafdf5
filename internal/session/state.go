package session

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status int

const (
	Active Status = iota
	Hidden
	Idle
	LoggedOut
	Disconnected
)

var statusNames = map[Status]string{
	Active:       "active",
	Hidden:       "hidden",
	Idle:         "idle",
	LoggedOut:    "logged_out",
	Disconnected: "disconnected",
}

var statusFromName = map[string]Status{
	"active":       Active,
	"hidden":       Hidden,
	"idle":         Idle,
	"logged_out":   LoggedOut,
	"disconnected": Disconnected,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, ok := statusFromName[n]
	if !ok {
		return fmt.Errorf("unknown session status %q", n)
	}
	*s = v
	return nil
}

// End reasons recorded in SessionState.EndReason.
const (
	ReasonIdle       = "idle"
	ReasonLogout     = "logout"
	ReasonForced     = "forced"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
)

type SessionState struct {
	ID             string        `json:"id"`
	User           string        `json:"user"`
	Host           string        `json:"host"` // host kind: browser, tui, mock
	RemoteAddr     string        `json:"remoteAddr,omitempty"`
	Status         Status        `json:"status"`
	LoggedInAt     time.Time     `json:"loggedInAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	LastSignal     string        `json:"lastSignal,omitempty"`   // DOM event name
	IdleDeadline   *time.Time    `json:"idleDeadline,omitempty"` // nil while no countdown is pending
	IdleTimeout    time.Duration `json:"idleTimeout"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
	EndReason      string        `json:"endReason,omitempty"`
	SignalCount    int           `json:"signalCount"`
	Lane           int           `json:"lane"`
}

// Clone returns a deep copy of the SessionState, duplicating pointer fields
// so the copy can be mutated independently of the original.
func (s *SessionState) Clone() *SessionState {
	c := *s
	if s.IdleDeadline != nil {
		t := *s.IdleDeadline
		c.IdleDeadline = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func (s *SessionState) IsTerminal() bool {
	return s.Status == LoggedOut || s.Status == Disconnected
}

// Remaining returns the time left before the session goes idle, or zero.
func (s *SessionState) Remaining(now time.Time) time.Duration {
	if s.IdleDeadline == nil || s.IsTerminal() {
		return 0
	}
	if d := s.IdleDeadline.Sub(now); d > 0 {
		return d
	}
	return 0
}
