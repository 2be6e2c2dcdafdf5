package stats

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"
)

const (
	statsVersion  = 1
	statsFileName = "stats.json"
	appDirName    = "idleguard"
)

// Stats is the persistent aggregate of session lifecycles. It is saved to
// ~/.local/state/idleguard/stats.json (respecting XDG_STATE_HOME).
type Stats struct {
	Version int `json:"version"`

	TotalLogins int `json:"totalLogins"`
	TotalEnded  int `json:"totalEnded"`
	TotalIdle   int `json:"totalIdle"` // sessions the watchdog logged out

	LoginsPerUser map[string]int `json:"loginsPerUser"`
	LoginsPerHost map[string]int `json:"loginsPerHost"` // by host kind
	EndsPerReason map[string]int `json:"endsPerReason"`
	IdlePerUser   map[string]int `json:"idlePerUser"`

	MaxConcurrentActive   int     `json:"maxConcurrentActive"`
	MaxSessionDurationSec float64 `json:"maxSessionDurationSec"`
	MaxSignals            int     `json:"maxSignals"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// Store loads and saves Stats.
type Store struct {
	dir string
}

// NewStore creates a Store in dir, or in the default state directory when
// dir is empty. The directory is created on the first Save.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultStatsDir()
	}
	return &Store{dir: dir}
}

// Path returns the full path to the stats file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, statsFileName)
}

// Load reads stats from disk. A missing file yields empty stats.
func (s *Store) Load() (*Stats, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return newStats(), nil
		}
		return nil, fmt.Errorf("reading stats: %w", err)
	}

	var st Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing stats: %w", err)
	}
	st.initMaps()
	return &st, nil
}

// Save writes stats atomically through a temp file and rename.
func (s *Store) Save(st *Stats) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating stats dir: %w", err)
	}

	st.Version = statsVersion
	st.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".stats-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming stats file: %w", err)
	}
	committed = true
	return nil
}

func newStats() *Stats {
	st := &Stats{Version: statsVersion}
	st.initMaps()
	return st
}

func (st *Stats) initMaps() {
	if st.LoginsPerUser == nil {
		st.LoginsPerUser = make(map[string]int)
	}
	if st.LoginsPerHost == nil {
		st.LoginsPerHost = make(map[string]int)
	}
	if st.EndsPerReason == nil {
		st.EndsPerReason = make(map[string]int)
	}
	if st.IdlePerUser == nil {
		st.IdlePerUser = make(map[string]int)
	}
}

func (st *Stats) clone() *Stats {
	cp := *st
	cp.LoginsPerUser = maps.Clone(st.LoginsPerUser)
	cp.LoginsPerHost = maps.Clone(st.LoginsPerHost)
	cp.EndsPerReason = maps.Clone(st.EndsPerReason)
	cp.IdlePerUser = maps.Clone(st.IdlePerUser)
	return &cp
}

// defaultStatsDir returns ~/.local/state/idleguard, respecting
// XDG_STATE_HOME if set.
func defaultStatsDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
