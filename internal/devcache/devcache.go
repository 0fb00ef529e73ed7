// Package devcache persists the last-known DeviceStats for each device
// id seen on the bus, so that record survives across runs. The cache is
// purely advisory: a missing or corrupt
// file degrades to an empty cache, never an error that blocks an
// operation.
package devcache

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/bigbag/cannuccia-flasher/internal/log"
	"github.com/bigbag/cannuccia-flasher/internal/protocol"
)

// Record is one device's last-known stats plus when they were observed.
type Record struct {
	Stats      protocol.DeviceStats
	ObservedAt time.Time
}

// Store is an in-memory map of DeviceId -> Record, CBOR-serialized to a
// single file on Flush.
type Store struct {
	path   string
	logger log.Logger

	mu      sync.Mutex
	records map[uint8]Record
	dirty   bool
}

// Open loads path, decoding it as CBOR into a fresh Store. A missing
// file is not an error — it just starts with an empty cache, which gets
// created on the first Flush.
func Open(path string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Nop{}
	}
	s := &Store{path: path, logger: logger, records: make(map[uint8]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	var records map[uint8]Record
	if err := cbor.Unmarshal(data, &records); err != nil {
		logger.Warn("device cache file is corrupt, starting empty", "path", path, "err", err)
		return s, nil
	}
	s.records = records
	return s, nil
}

// Empty returns a Store that never loaded its file (used when Open
// itself failed outright, e.g. a permissions error) so the engine can
// keep running without the cache blocking anything.
func Empty(path string, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Nop{}
	}
	return &Store{path: path, logger: logger, records: make(map[uint8]Record)}
}

// Put records stats for devID, observed at observedAt.
func (s *Store) Put(devID uint8, stats protocol.DeviceStats, observedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[devID] = Record{Stats: stats, ObservedAt: observedAt}
	s.dirty = true
}

// Get returns the last-known record for devID, if any.
func (s *Store) Get(devID uint8) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[devID]
	return r, ok
}

// All returns a snapshot of every cached record.
func (s *Store) All() map[uint8]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint8]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Flush writes the cache to disk if it has changed since the last Flush.
// A failure here is returned; internal/engine logs it and treats it as
// non-fatal.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	data, err := cbor.Marshal(s.records)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return err
	}

	s.dirty = false
	return nil
}
