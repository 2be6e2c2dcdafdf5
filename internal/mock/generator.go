// Package mock simulates watchdog hosts so the guard can be demoed and soak
// tested without real browsers or terminals.
package mock

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/idleguard/idleguard/internal/guard"
	"github.com/idleguard/idleguard/internal/watchdog"
)

const (
	PatternSteady     = "steady"     // signals every tick
	PatternBurst      = "burst"      // a burst of signals, then silence until idle logout
	PatternBackground = "background" // hides for a while, comes back
	PatternIdle       = "idle"       // never signals

	relogDelay = 3 // ticks between logout and the next login
)

type mockHost struct {
	user    string
	pattern string
	signals []watchdog.Signal

	sessionID string
	tick      int // ticks since login
	endedAt   int // generator tick of the last logout, -1 if none
	logins    int
	sigIdx    int
	hidden    bool
}

// Generator drives a fixed roster of synthetic hosts through the guard.
type Generator struct {
	manager  *guard.Manager
	interval time.Duration
	logger   *zap.Logger
	hosts    []*mockHost
	tick     int
}

func NewGenerator(manager *guard.Manager, interval time.Duration, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		manager:  manager,
		interval: interval,
		logger:   logger.Named("mock"),
		hosts: []*mockHost{
			{user: "ada", pattern: PatternSteady, signals: []watchdog.Signal{watchdog.KeyDown, watchdog.KeyDown, watchdog.Scroll}},
			{user: "grace", pattern: PatternBurst, signals: []watchdog.Signal{watchdog.PointerMove, watchdog.PointerDown, watchdog.Scroll}},
			{user: "linus", pattern: PatternBackground, signals: []watchdog.Signal{watchdog.PointerMove, watchdog.KeyDown}},
			{user: "ken", pattern: PatternIdle},
			{user: "barbara", pattern: PatternSteady, signals: []watchdog.Signal{watchdog.TouchStart, watchdog.TouchMove, watchdog.TouchMove}},
		},
	}
}

// Start logs every host in and runs until ctx is done.
func (g *Generator) Start(ctx context.Context) {
	for _, h := range g.hosts {
		h.endedAt = -1
		g.login(h)
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.logger.Info("mock hosts started", zap.Int("hosts", len(g.hosts)))
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("mock hosts stopped")
			return
		case <-ticker.C:
			g.Step()
		}
	}
}

// Step advances every host by one tick.
func (g *Generator) Step() {
	g.tick++
	for _, h := range g.hosts {
		g.advance(h)
	}
}

func (g *Generator) advance(h *mockHost) {
	if h.sessionID != "" {
		if st, ok := g.manager.Get(h.sessionID); !ok || st.IsTerminal() {
			g.logger.Debug("mock host logged out", zap.String("user", h.user))
			h.sessionID = ""
			h.endedAt = g.tick
		}
	}
	if h.sessionID == "" {
		if h.endedAt < 0 || g.tick-h.endedAt >= relogDelay {
			g.login(h)
		}
		return
	}

	h.tick++
	switch h.pattern {
	case PatternSteady:
		g.signal(h)
	case PatternBurst:
		if h.tick <= 5 {
			g.signal(h)
		}
	case PatternBackground:
		g.advanceBackground(h)
	case PatternIdle:
	}
}

// advanceBackground cycles: three active ticks, four hidden, visible again.
func (g *Generator) advanceBackground(h *mockHost) {
	switch phase := h.tick % 8; {
	case phase >= 1 && phase <= 3:
		g.signal(h)
	case phase == 4:
		h.hidden = true
		g.visibility(h, watchdog.Hidden)
	case phase == 0 && h.hidden:
		h.hidden = false
		g.visibility(h, watchdog.Visible)
	}
}

func (g *Generator) login(h *mockHost) {
	st, err := g.manager.Login(h.user, "mock", "mock")
	if err != nil {
		g.logger.Warn("mock login failed", zap.String("user", h.user), zap.Error(err))
		h.endedAt = g.tick
		return
	}
	h.sessionID = st.ID
	h.tick = 0
	h.hidden = false
	h.logins++
}

func (g *Generator) signal(h *mockHost) {
	if len(h.signals) == 0 {
		return
	}
	sig := h.signals[h.sigIdx%len(h.signals)]
	h.sigIdx++
	g.send(h, watchdog.Event{Signal: sig})
}

func (g *Generator) visibility(h *mockHost, v watchdog.Visibility) {
	g.send(h, watchdog.Event{Signal: watchdog.VisibilityChange, Visibility: v})
}

func (g *Generator) send(h *mockHost, ev watchdog.Event) {
	if _, err := g.manager.Signal(h.sessionID, ev); err != nil {
		g.logger.Debug("mock signal rejected", zap.String("user", h.user), zap.Error(err))
	}
}
