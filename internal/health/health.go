// Package health reports process and session health for /api/health.
package health

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type Snapshot struct {
	PID            int     `json:"pid"`
	Uptime         string  `json:"uptime"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	RSSBytes       uint64  `json:"rssBytes"`
	CPUPercent     float64 `json:"cpuPercent"`
	NumThreads     int32   `json:"numThreads"`
	Goroutines     int     `json:"goroutines"`
	Sessions       int     `json:"sessions"`
	ActiveSessions int     `json:"activeSessions"`
	Clients        int     `json:"clients"`
}

// Counts supplies the session and client numbers at snapshot time.
type Counts func() (sessions, active, clients int)

type Collector struct {
	started time.Time
	proc    *process.Process
	counts  Counts
}

// NewCollector inspects the current process. counts may be nil.
func NewCollector(counts Counts) (*Collector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Collector{
		started: time.Now(),
		proc:    proc,
		counts:  counts,
	}, nil
}

// Snapshot gathers the current numbers. Process stats that the platform
// cannot report are left at zero rather than failing the whole snapshot.
func (c *Collector) Snapshot(ctx context.Context) Snapshot {
	up := time.Since(c.started)
	s := Snapshot{
		PID:           int(c.proc.Pid),
		Uptime:        up.Truncate(time.Second).String(),
		UptimeSeconds: up.Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if mem, err := c.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		s.RSSBytes = mem.RSS
	}
	if cpu, err := c.proc.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := c.proc.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	if c.counts != nil {
		s.Sessions, s.ActiveSessions, s.Clients = c.counts()
	}
	return s
}
