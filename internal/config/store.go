package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store owns the mutable configuration at runtime. Readers take an
// immutable snapshot per dispatch cycle instead of reading shared state
// mid-decision; the scheduler writes back only the key rotation index
// and runtime-discovered limits.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, cfg: *cfg}
}

// Snapshot returns a copy safe to read without holding the lock. Nested
// slices are cloned; snapshot holders must treat the contents as
// read-only.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.cfg
	out.Gemini.APIKeys = append([]string(nil), s.cfg.Gemini.APIKeys...)
	out.Connections = append([]Connection(nil), s.cfg.Connections...)
	out.Gemini.DiscoveredRPM = make(map[string]int, len(s.cfg.Gemini.DiscoveredRPM))
	for k, v := range s.cfg.Gemini.DiscoveredRPM {
		out.Gemini.DiscoveredRPM[k] = v
	}
	out.ActiveModelForConnection = make(map[string]string, len(s.cfg.ActiveModelForConnection))
	for k, v := range s.cfg.ActiveModelForConnection {
		out.ActiveModelForConnection[k] = v
	}
	return out
}

// Apply replaces the whole configuration, e.g. after a settings change.
func (s *Store) Apply(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = *cfg
}

// SetGeminiKeyIndex records where the next round-robin scan starts.
func (s *Store) SetGeminiKeyIndex(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Gemini.KeyIndex = idx
}

// SetDiscoveredRPM records a per-model RPM limit learned at runtime. It
// takes precedence over the statically configured limit.
func (s *Store) SetDiscoveredRPM(model string, rpm int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Gemini.DiscoveredRPM == nil {
		s.cfg.Gemini.DiscoveredRPM = map[string]int{}
	}
	s.cfg.Gemini.DiscoveredRPM[model] = rpm
}

// SetActiveConnection switches the connection used for new batches.
func (s *Store) SetActiveConnection(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ActiveConnection = name
}

// Save persists the current configuration atomically (temp + rename).
// An empty path disables persistence.
func (s *Store) Save() error {
	s.mu.RLock()
	cfg := s.cfg
	path := s.path
	s.mu.RUnlock()

	if path == "" {
		return nil
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
