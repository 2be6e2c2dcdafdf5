package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/idleguard/idleguard/internal/guard"
	"github.com/idleguard/idleguard/internal/session"
	"github.com/idleguard/idleguard/internal/watchdog/watchdogtest"
)

// newTestGenerator ticks once per simulated second with a 4s idle timeout.
func newTestGenerator(t *testing.T) (*Generator, *guard.Manager, *watchdogtest.Clock) {
	t.Helper()
	clock := watchdogtest.NewClock(time.Time{})
	m := guard.NewManager(session.NewStore(), nil, guard.Options{Clock: clock, IdleTimeout: 4 * time.Second})
	g := NewGenerator(m, time.Second, nil)
	for _, h := range g.hosts {
		h.endedAt = -1
		g.login(h)
	}
	return g, m, clock
}

func (g *Generator) host(user string) *mockHost {
	for _, h := range g.hosts {
		if h.user == user {
			return h
		}
	}
	return nil
}

func step(g *Generator, clock *watchdogtest.Clock, n int) {
	for i := 0; i < n; i++ {
		clock.Advance(time.Second)
		g.Step()
	}
}

func TestAllHostsLogIn(t *testing.T) {
	g, m, _ := newTestGenerator(t)
	assert.Equal(t, len(g.hosts), m.Live())
	for _, h := range g.hosts {
		assert.NotEmpty(t, h.sessionID, h.user)
	}
}

func TestSteadyHostStaysLoggedIn(t *testing.T) {
	g, m, clock := newTestGenerator(t)
	ada := g.host("ada")
	first := ada.sessionID

	step(g, clock, 20)

	assert.Equal(t, first, ada.sessionID)
	st, _ := m.Get(first)
	assert.Equal(t, session.Active, st.Status)
	assert.Equal(t, 20, st.SignalCount)
}

func TestIdleHostIsLoggedOutAndReturns(t *testing.T) {
	g, m, clock := newTestGenerator(t)
	ken := g.host("ken")
	first := ken.sessionID

	step(g, clock, 4)
	st, _ := m.Get(first)
	assert.Equal(t, session.LoggedOut, st.Status)
	assert.Equal(t, session.ReasonIdle, st.EndReason)

	step(g, clock, relogDelay+1)
	assert.NotEmpty(t, ken.sessionID)
	assert.NotEqual(t, first, ken.sessionID)
	assert.Equal(t, 2, ken.logins)
}

func TestBurstHostGoesIdleAfterBurst(t *testing.T) {
	g, m, clock := newTestGenerator(t)
	grace := g.host("grace")
	first := grace.sessionID

	step(g, clock, 5)
	st, _ := m.Get(first)
	assert.Equal(t, session.Active, st.Status)
	assert.Equal(t, 5, st.SignalCount)

	// Last signal at t=5s, so the 4s timeout elapses at t=9s.
	step(g, clock, 4)
	st, _ = m.Get(first)
	assert.Equal(t, session.LoggedOut, st.Status)
}

func TestBackgroundHostHidesAndReturns(t *testing.T) {
	g, m, clock := newTestGenerator(t)
	linus := g.host("linus")
	id := linus.sessionID

	step(g, clock, 4)
	st, _ := m.Get(id)
	assert.Equal(t, session.Hidden, st.Status)

	// Hidden from t=4s with the last signal at t=3s: expires at t=7s,
	// before the host would come back at t=8s.
	step(g, clock, 3)
	st, _ = m.Get(id)
	assert.Equal(t, session.LoggedOut, st.Status)
}

func TestStartStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := guard.NewManager(session.NewStore(), nil, guard.Options{IdleTimeout: time.Hour})
	g := NewGenerator(m, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.Live() == len(g.hosts) }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	m.Close()
}
