// Package state persists which content identifiers have already been notified.
//
// The store keeps, per (account, kind) pair, a bounded window of the most
// recently notified identifiers. It lives in memory during a cycle and is
// flushed as a single JSON snapshot with write-to-temp-then-rename semantics,
// so a crash never leaves a half-written file behind. A missing or corrupt
// file yields an empty store rather than an error.
//
// Only one process may own a state file at a time; no file locking is done.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/clock/system"
	"github.com/JakeFAU/bilibili-notifier/internal/metrics"
	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

const (
	// SnapshotVersion is written into every snapshot.
	SnapshotVersion = 1
	// DefaultMaxIDs bounds the window retained per pair.
	DefaultMaxIDs = 50
)

// Options configures a Store.
type Options struct {
	Path   string
	MaxIDs int
	Logger *zap.Logger
	Clock  monitor.Clock
}

// Store is the durable record of notified identifiers. It is safe for
// concurrent use.
type Store struct {
	path   string
	maxIDs int
	logger *zap.Logger
	clock  monitor.Clock

	mu      sync.RWMutex
	records map[monitor.PairKey]*record

	saveMu sync.Mutex
}

type record struct {
	ids          []string
	index        map[string]struct{}
	updatedAt    time.Time
	partial      map[string][]string
	partialOrder []string
}

func newRecord() *record {
	return &record{
		index:   make(map[string]struct{}),
		partial: make(map[string][]string),
	}
}

// New returns an empty Store bound to opts.Path without touching the disk.
func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("state path is required")
	}
	if opts.MaxIDs <= 0 {
		opts.MaxIDs = DefaultMaxIDs
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	return &Store{
		path:    opts.Path,
		maxIDs:  opts.MaxIDs,
		logger:  opts.Logger,
		clock:   opts.Clock,
		records: make(map[monitor.PairKey]*record),
	}, nil
}

// Load reads the snapshot at opts.Path. A missing file yields an empty store;
// an unreadable or corrupt file is logged as a warning and also yields an
// empty store. Only invalid options produce an error.
func Load(opts Options) (*Store, error) {
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Info("state file not found; starting empty", zap.String("path", s.path))
		metrics.ObserveStateLoad("missing")
		return s, nil
	case err != nil:
		s.warnCorrupt(&monitor.StateError{Path: s.path, Err: err})
		return s, nil
	}
	records, err := decodeSnapshot(data)
	if err != nil {
		s.warnCorrupt(&monitor.StateError{Path: s.path, Err: err})
		return s, nil
	}
	for key, rec := range records {
		s.records[key] = s.trim(rec)
	}
	s.logger.Info("state loaded", zap.String("path", s.path), zap.Int("pairs", len(s.records)))
	metrics.ObserveStateLoad("ok")
	return s, nil
}

func (s *Store) warnCorrupt(err error) {
	s.logger.Warn("state file unreadable; starting empty", zap.Error(err))
	metrics.ObserveStateLoad("corrupt")
}

// Path returns the snapshot location.
func (s *Store) Path() string {
	return s.path
}

// MaxIDs returns the per-pair retention window.
func (s *Store) MaxIDs() int {
	return s.maxIDs
}

// IsKnown reports whether id was already notified for the pair.
func (s *Store) IsKnown(mid int64, kind monitor.Kind, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[monitor.PairKey{MID: mid, Kind: kind}]
	if !ok {
		return false
	}
	_, known := rec.index[id]
	return known
}

// HasBaseline reports whether the pair has been observed at least once.
func (s *Store) HasBaseline(mid int64, kind monitor.Kind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[monitor.PairKey{MID: mid, Kind: kind}]
	return ok
}

// Mark records id as notified. Marking an already known id is a no-op.
func (s *Store) Mark(mid int64, kind monitor.Kind, id string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensure(monitor.PairKey{MID: mid, Kind: kind})
	s.markLocked(rec, id, ts)
}

// Seed establishes the baseline for a pair, even when ids is empty, and marks
// every id as known without notifying.
func (s *Store) Seed(mid int64, kind monitor.Kind, ids []string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensure(monitor.PairKey{MID: mid, Kind: kind})
	for _, id := range ids {
		s.markLocked(rec, id, ts)
	}
	if rec.updatedAt.IsZero() {
		rec.updatedAt = s.stamp(ts)
	}
}

// Delivered returns the channels that already delivered id in a previous,
// partially failed attempt.
func (s *Store) Delivered(mid int64, kind monitor.Kind, id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[monitor.PairKey{MID: mid, Kind: kind}]
	if !ok {
		return nil
	}
	return append([]string(nil), rec.partial[id]...)
}

// MarkDelivered records that channel delivered id while other channels have
// not. The entry is dropped once id is marked known.
func (s *Store) MarkDelivered(mid int64, kind monitor.Kind, id, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensure(monitor.PairKey{MID: mid, Kind: kind})
	if _, known := rec.index[id]; known {
		return
	}
	channels, tracked := rec.partial[id]
	for _, c := range channels {
		if c == channel {
			return
		}
	}
	rec.partial[id] = append(channels, channel)
	if !tracked {
		rec.partialOrder = append(rec.partialOrder, id)
		for len(rec.partialOrder) > s.maxIDs {
			delete(rec.partial, rec.partialOrder[0])
			rec.partialOrder = rec.partialOrder[1:]
		}
	}
}

func (s *Store) ensure(key monitor.PairKey) *record {
	rec, ok := s.records[key]
	if !ok {
		rec = newRecord()
		s.records[key] = rec
	}
	return rec
}

func (s *Store) markLocked(rec *record, id string, ts time.Time) {
	if id == "" {
		return
	}
	rec.updatedAt = s.stamp(ts)
	if _, ok := rec.partial[id]; ok {
		delete(rec.partial, id)
		rec.partialOrder = removeString(rec.partialOrder, id)
	}
	if _, known := rec.index[id]; known {
		return
	}
	rec.ids = append(rec.ids, id)
	rec.index[id] = struct{}{}
	for len(rec.ids) > s.maxIDs {
		delete(rec.index, rec.ids[0])
		rec.ids = rec.ids[1:]
	}
}

func (s *Store) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return s.clock.Now().UTC()
	}
	return ts.UTC()
}

func (s *Store) trim(rec *record) *record {
	if len(rec.ids) > s.maxIDs {
		for _, id := range rec.ids[:len(rec.ids)-s.maxIDs] {
			delete(rec.index, id)
		}
		rec.ids = append([]string(nil), rec.ids[len(rec.ids)-s.maxIDs:]...)
	}
	for len(rec.partialOrder) > s.maxIDs {
		delete(rec.partial, rec.partialOrder[0])
		rec.partialOrder = rec.partialOrder[1:]
	}
	return rec
}

// Save atomically replaces the snapshot on disk.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	snap := s.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		metrics.ObserveStateSave("error")
		return fmt.Errorf("marshal state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			metrics.ObserveStateSave("error")
			return fmt.Errorf("create state directory: %w", err)
		}
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		metrics.ObserveStateSave("error")
		return fmt.Errorf("write state file: %w", err)
	}
	metrics.ObserveStateSave("ok")
	s.logger.Debug("state saved", zap.String("path", s.path), zap.Int("bytes", len(data)))
	return nil
}

// Snapshot returns a deep copy of the current state in its persisted shape.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Version:  SnapshotVersion,
		Accounts: make(map[string]map[string]*Record, len(s.records)),
	}
	for key, rec := range s.records {
		mid := strconv.FormatInt(key.MID, 10)
		kinds, ok := snap.Accounts[mid]
		if !ok {
			kinds = make(map[string]*Record)
			snap.Accounts[mid] = kinds
		}
		out := &Record{
			IDs:       append([]string{}, rec.ids...),
			UpdatedAt: rec.updatedAt,
		}
		if len(rec.partialOrder) > 0 {
			out.Partial = make(map[string][]string, len(rec.partialOrder))
			for _, id := range rec.partialOrder {
				out.Partial[id] = append([]string(nil), rec.partial[id]...)
			}
		}
		kinds[string(key.Kind)] = out
	}
	return snap
}

// Snapshot is the persisted layout: accounts keyed by decimal mid, then kind.
type Snapshot struct {
	Version  int                           `json:"version"`
	Accounts map[string]map[string]*Record `json:"accounts"`
}

// Record is the persisted state of one (account, kind) pair. IDs are ordered
// oldest first.
type Record struct {
	IDs       []string            `json:"ids"`
	UpdatedAt time.Time           `json:"updated_at"`
	Partial   map[string][]string `json:"partial,omitempty"`
}

// legacyKinds maps category keys written by earlier releases.
var legacyKinds = map[string]monitor.Kind{
	"动态": monitor.KindDynamic,
	"视频": monitor.KindVideo,
	"专栏": monitor.KindArticle,
}

func decodeSnapshot(data []byte) (map[monitor.PairKey]*record, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if _, versioned := probe["version"]; versioned {
		return decodeVersioned(data)
	}
	return decodeLegacy(data)
}

func decodeVersioned(data []byte) (map[monitor.PairKey]*record, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode state snapshot: %w", err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("unsupported state version %d", snap.Version)
	}
	out := make(map[monitor.PairKey]*record)
	for rawMID, kinds := range snap.Accounts {
		mid, err := strconv.ParseInt(rawMID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid account key %q: %w", rawMID, err)
		}
		for rawKind, rec := range kinds {
			kind, err := resolveKind(rawKind)
			if err != nil || rec == nil {
				continue
			}
			r := newRecord()
			r.updatedAt = rec.UpdatedAt
			for _, id := range rec.IDs {
				if _, dup := r.index[id]; dup || id == "" {
					continue
				}
				r.ids = append(r.ids, id)
				r.index[id] = struct{}{}
			}
			for id, channels := range rec.Partial {
				if _, known := r.index[id]; known {
					continue
				}
				r.partial[id] = append([]string(nil), channels...)
				r.partialOrder = append(r.partialOrder, id)
			}
			out[monitor.PairKey{MID: mid, Kind: kind}] = r
		}
	}
	return out, nil
}

func decodeLegacy(data []byte) (map[monitor.PairKey]*record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]map[string][]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode legacy state: %w", err)
	}
	out := make(map[monitor.PairKey]*record)
	for rawMID, kinds := range raw {
		mid, err := strconv.ParseInt(rawMID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid account key %q: %w", rawMID, err)
		}
		for rawKind, ids := range kinds {
			kind, err := resolveKind(rawKind)
			if err != nil {
				continue
			}
			r := newRecord()
			for _, v := range ids {
				id := fmt.Sprint(v)
				if _, dup := r.index[id]; dup || id == "" {
					continue
				}
				r.ids = append(r.ids, id)
				r.index[id] = struct{}{}
			}
			out[monitor.PairKey{MID: mid, Kind: kind}] = r
		}
	}
	return out, nil
}

func resolveKind(raw string) (monitor.Kind, error) {
	if kind, ok := legacyKinds[raw]; ok {
		return kind, nil
	}
	return monitor.ParseKind(raw)
}

func removeString(list []string, target string) []string {
	for i, v := range list {
		if v == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
