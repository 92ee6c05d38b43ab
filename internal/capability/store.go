package capability

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bobarin/beatsync/internal/fsutil"
	"github.com/bobarin/beatsync/internal/logging"
	"github.com/bobarin/beatsync/internal/models"
)

const (
	StateFileName = ".beatsync_capabilities.json"

	maxIncidents = 100

	defaultLockWait  = 30 * time.Second
	defaultLockStale = 2 * time.Minute
)

// Store reads and merges capability state files. Each engine root has its own file;
// writes are serialized by an in-process mutex and a lock directory next to the file.
type Store struct {
	log       logrus.FieldLogger
	lockWait  time.Duration
	lockStale time.Duration
	now       func() time.Time

	mu    sync.Mutex
	roots map[string]*sync.Mutex
}

func NewStore(log logrus.FieldLogger) *Store {
	return &Store{
		log:       logging.Component(log, "capability"),
		lockWait:  defaultLockWait,
		lockStale: defaultLockStale,
		now:       func() time.Time { return time.Now().UTC() },
		roots:     make(map[string]*sync.Mutex),
	}
}

// StatePath returns the state file for an engine root.
func StatePath(engineRoot string) string {
	return filepath.Join(engineRoot, StateFileName)
}

// Load returns the state recorded for engineRoot, or an empty state when there is none
// or it cannot be read.
func (s *Store) Load(engineRoot string) models.CapabilityState {
	path := StatePath(engineRoot)
	state := models.NewCapabilityState()
	if err := fsutil.ReadJSON(path, &state); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warnf("[Capability] Ignoring unreadable state %s: %v", path, err)
		}
		return models.NewCapabilityState()
	}
	return normalize(state)
}

// MergeAndSave folds adj into the stored state for engineRoot and writes the result
// atomically. It returns the merged state.
func (s *Store) MergeAndSave(engineRoot string, adj models.Adjustment) (models.CapabilityState, error) {
	rootMu := s.rootMutex(engineRoot)
	rootMu.Lock()
	defer rootMu.Unlock()

	path := StatePath(engineRoot)
	lock, err := fsutil.AcquireLock(path+".lock", s.lockWait, s.lockStale)
	if err != nil {
		return models.CapabilityState{}, fmt.Errorf("lock capability state: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.log.Warnf("[Capability] %v", err)
		}
	}()

	merged := Merge(s.Load(engineRoot), adj, s.now())
	if err := fsutil.WriteJSON(path, merged); err != nil {
		return models.CapabilityState{}, fmt.Errorf("save capability state: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"engine_root": engineRoot,
		"signature":   adj.Signature,
		"version":     merged.Version,
	}).Infof("[Capability] Learned %s", Describe(adj))
	return merged, nil
}

func (s *Store) rootMutex(engineRoot string) *sync.Mutex {
	key := filepath.Clean(engineRoot)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.roots[key]
	if !ok {
		m = &sync.Mutex{}
		s.roots[key] = m
	}
	return m
}

// Merge returns state with adj applied. Flags are unioned, fallbacks overwrite per key,
// and the incident log keeps the most recent entries.
func Merge(state models.CapabilityState, adj models.Adjustment, now time.Time) models.CapabilityState {
	out := normalize(state)

	flags := make(map[string]bool, len(out.UnsupportedFlags)+len(adj.UnsupportedFlags))
	for _, f := range out.UnsupportedFlags {
		flags[f] = true
	}
	for _, f := range adj.UnsupportedFlags {
		flags[f] = true
	}
	out.UnsupportedFlags = make([]string, 0, len(flags))
	for f := range flags {
		out.UnsupportedFlags = append(out.UnsupportedFlags, f)
	}
	sort.Strings(out.UnsupportedFlags)

	fallbacks := make(map[string]string, len(out.AttentionBackendFallback)+len(adj.AttentionFallback))
	for k, v := range out.AttentionBackendFallback {
		fallbacks[k] = v
	}
	for k, v := range adj.AttentionFallback {
		fallbacks[k] = v
	}
	out.AttentionBackendFallback = fallbacks

	if adj.Signature != "" {
		incidents := append([]models.Incident(nil), out.Incidents...)
		incidents = append(incidents, models.Incident{
			Signature: adj.Signature,
			Detail:    adj.Evidence,
			At:        now,
		})
		if len(incidents) > maxIncidents {
			incidents = incidents[len(incidents)-maxIncidents:]
		}
		out.Incidents = incidents
	}

	out.Version++
	out.LastUpdated = now
	return out
}

func normalize(state models.CapabilityState) models.CapabilityState {
	if state.UnsupportedFlags == nil {
		state.UnsupportedFlags = []string{}
	}
	if state.AttentionBackendFallback == nil {
		state.AttentionBackendFallback = map[string]string{}
	}
	return state
}

// LearnFromLog matches a failure log against table and records the adjustment it implies.
// It returns nil when nothing in the log is recognized or there is nothing new to learn.
func (s *Store) LearnFromLog(engineRoot string, table Table, logText string) (*Match, error) {
	match := table.Match(logText)
	if match == nil || match.Adjustment.Empty() {
		return nil, nil
	}
	if Covers(s.Load(engineRoot), match.Adjustment) {
		return nil, nil
	}
	if _, err := s.MergeAndSave(engineRoot, match.Adjustment); err != nil {
		return nil, err
	}
	return match, nil
}
