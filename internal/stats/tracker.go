// Package stats keeps running totals of session lifecycles: logins, idle
// logouts and other endings, per user and per host kind. It reads the guard's
// session event channel and persists the totals to disk.
package stats

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/idleguard/idleguard/internal/session"
)

const (
	saveInterval = 30 * time.Second
	eventBuffer  = 256
)

// Tracker aggregates session events into Stats.
type Tracker struct {
	persist *Store
	events  chan session.Event
	logger  *zap.Logger

	mu      sync.Mutex
	stats   *Stats
	dirty   bool
	counted map[string]bool // session ids whose login was counted
}

// NewTracker loads the existing stats and returns the send side of the event
// channel for guard.Manager.SetEvents. The caller must run Run.
func NewTracker(persist *Store, logger *zap.Logger) (*Tracker, chan<- session.Event, error) {
	st, err := persist.Load()
	if err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ch := make(chan session.Event, eventBuffer)
	t := &Tracker{
		persist: persist,
		events:  ch,
		logger:  logger.Named("stats"),
		stats:   st,
		counted: make(map[string]bool),
	}
	return t, ch, nil
}

// Run processes events and saves dirty stats periodically. It blocks until
// ctx is cancelled, then saves once more.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.save()
			return
		case ev := <-t.events:
			t.process(ev)
		case <-ticker.C:
			t.mu.Lock()
			dirty := t.dirty
			t.mu.Unlock()
			if dirty {
				t.save()
			}
		}
	}
}

// Stats returns a copy of the current totals.
func (t *Tracker) Stats() *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.clone()
}

func (t *Tracker) process(ev session.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := ev.State
	if ev.ActiveCount > t.stats.MaxConcurrentActive {
		t.stats.MaxConcurrentActive = ev.ActiveCount
	}

	switch ev.Type {
	case session.EventNew:
		if t.counted[s.ID] {
			return
		}
		t.counted[s.ID] = true
		t.stats.TotalLogins++
		t.stats.LoginsPerUser[s.User]++
		t.stats.LoginsPerHost[s.Host]++

	case session.EventTerminal:
		if !t.counted[s.ID] {
			// Logged in before a restart, or already ended.
			return
		}
		delete(t.counted, s.ID)
		t.stats.TotalEnded++
		t.stats.EndsPerReason[s.EndReason]++
		if s.EndReason == session.ReasonIdle {
			t.stats.TotalIdle++
			t.stats.IdlePerUser[s.User]++
		}
		if s.EndedAt != nil && !s.LoggedInAt.IsZero() {
			if d := s.EndedAt.Sub(s.LoggedInAt).Seconds(); d > t.stats.MaxSessionDurationSec {
				t.stats.MaxSessionDurationSec = d
			}
		}
		if s.SignalCount > t.stats.MaxSignals {
			t.stats.MaxSignals = s.SignalCount
		}

	case session.EventRemoved:
		delete(t.counted, s.ID)
	}

	t.dirty = true
}

func (t *Tracker) save() {
	t.mu.Lock()
	st := t.stats.clone()
	t.dirty = false
	t.mu.Unlock()

	if err := t.persist.Save(st); err != nil {
		t.logger.Warn("failed to save stats", zap.String("path", t.persist.Path()), zap.Error(err))
	}
}
