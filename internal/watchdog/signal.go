package watchdog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Signal identifies a host event the watchdog listens for.
type Signal int

const (
	PointerMove Signal = iota
	PointerDown
	KeyDown
	Scroll
	TouchStart
	TouchMove
	VisibilityChange
)

var signalNames = map[Signal]string{
	PointerMove:      "mousemove",
	PointerDown:      "mousedown",
	KeyDown:          "keydown",
	Scroll:           "scroll",
	TouchStart:       "touchstart",
	TouchMove:        "touchmove",
	VisibilityChange: "visibilitychange",
}

var signalFromName = map[string]Signal{
	"mousemove":        PointerMove,
	"mousedown":        PointerDown,
	"keydown":          KeyDown,
	"scroll":           Scroll,
	"touchstart":       TouchStart,
	"touchmove":        TouchMove,
	"visibilitychange": VisibilityChange,
}

// ActivitySignals is the fixed set of interaction signals that reset the
// countdown. VisibilityChange is handled separately.
var ActivitySignals = []Signal{PointerMove, PointerDown, KeyDown, Scroll, TouchStart, TouchMove}

func (s Signal) String() string {
	if n, ok := signalNames[s]; ok {
		return n
	}
	return "unknown"
}

// IsActivity reports whether s belongs to ActivitySignals.
func (s Signal) IsActivity() bool {
	return s >= PointerMove && s <= TouchMove
}

// ParseSignal maps a DOM event name to a Signal.
func ParseSignal(name string) (Signal, error) {
	if s, ok := signalFromName[name]; ok {
		return s, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

func (s Signal) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Signal) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseSignal(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Visibility is the page (or terminal focus) visibility carried by a
// VisibilityChange event.
type Visibility int

const (
	Visible Visibility = iota
	Hidden
)

func (v Visibility) String() string {
	if v == Hidden {
		return "hidden"
	}
	return "visible"
}

// ParseVisibility accepts "visible" and "hidden".
func ParseVisibility(name string) (Visibility, error) {
	switch name {
	case "visible":
		return Visible, nil
	case "hidden":
		return Hidden, nil
	}
	return 0, fmt.Errorf("unknown visibility %q", name)
}

// Event is a single signal delivered by an EventSource.
type Event struct {
	Signal     Signal
	Visibility Visibility
	At         time.Time
}
