// Package storage persists the consensus core's state between
// restarts: the seed chain tail, per-height state snapshots, and the
// committed decision tail kept for the reorg window. Backed by Pebble
// with non-blocking writes and a periodic WAL sync.
package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"

	"SpotCheck/internal/wire"
)

const (
	// syncInterval is the interval between background WAL syncs.
	syncInterval = 100 * time.Millisecond
)

// Key prefixes partition the keyspace. Heights are encoded big-endian
// so iteration order matches block order.
var (
	prefixSeed     = []byte("s/")
	prefixSnapshot = []byte("n/")
	prefixRoot     = []byte("r/")
	prefixDecision = []byte("d/")
	keyTipHeight   = []byte("m/tip")
)

// Store is the node's persistence layer.
type Store struct {
	db       *pebble.DB
	comp     *zstd.Encoder
	decomp   *zstd.Decoder
	stopSync chan struct{}
	wg       sync.WaitGroup
}

// Open creates or reopens a store at the given path and starts the
// background WAL sync loop.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20),
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	comp, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd encoder:\n%w", err)
	}

	decomp, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd decoder:\n%w", err)
	}

	s := &Store{
		db:       db,
		comp:     comp,
		decomp:   decomp,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// PutSeed persists one seed of the beacon chain tail.
func (s *Store) PutSeed(height uint64, seed wire.Hash) error {
	return s.db.Set(heightKey(prefixSeed, height), seed[:], pebble.NoSync)
}

// Seed loads a persisted seed. Returns false if absent.
func (s *Store) Seed(height uint64) (wire.Hash, bool, error) {
	var seed wire.Hash

	value, closer, err := s.db.Get(heightKey(prefixSeed, height))
	if err == pebble.ErrNotFound {
		return seed, false, nil
	}

	if err != nil {
		return seed, false, err
	}
	defer closer.Close()

	copy(seed[:], value)

	return seed, true, nil
}

// PutSnapshot persists the canonical per-height snapshot payload,
// zstd-compressed, and records its content address (the state root).
func (s *Store) PutSnapshot(height uint64, payload []byte) (wire.Hash, error) {
	root := wire.Sum256(payload)
	compressed := s.comp.EncodeAll(payload, nil)

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(heightKey(prefixSnapshot, height), compressed, nil); err != nil {
		return wire.Hash{}, err
	}

	if err := batch.Set(heightKey(prefixRoot, height), root[:], nil); err != nil {
		return wire.Hash{}, err
	}

	var tip [8]byte
	binary.BigEndian.PutUint64(tip[:], height)

	if err := batch.Set(keyTipHeight, tip[:], nil); err != nil {
		return wire.Hash{}, err
	}

	if err := batch.Commit(pebble.NoSync); err != nil {
		return wire.Hash{}, fmt.Errorf("commit snapshot at height %d:\n%w", height, err)
	}

	return root, nil
}

// Snapshot loads and decompresses the snapshot payload at a height.
// Returns false if absent.
func (s *Store) Snapshot(height uint64) ([]byte, bool, error) {
	value, closer, err := s.db.Get(heightKey(prefixSnapshot, height))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	payload, err := s.decomp.DecodeAll(value, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompress snapshot at height %d:\n%w", height, err)
	}

	return payload, true, nil
}

// StateRoot returns the recorded content address of a height's
// snapshot. Returns false if absent.
func (s *Store) StateRoot(height uint64) (wire.Hash, bool, error) {
	var root wire.Hash

	value, closer, err := s.db.Get(heightKey(prefixRoot, height))
	if err == pebble.ErrNotFound {
		return root, false, nil
	}

	if err != nil {
		return root, false, err
	}
	defer closer.Close()

	copy(root[:], value)

	return root, true, nil
}

// TipHeight returns the highest snapshotted height. Returns false on a
// fresh store.
func (s *Store) TipHeight() (uint64, bool, error) {
	value, closer, err := s.db.Get(keyTipHeight)
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, err
	}
	defer closer.Close()

	return binary.BigEndian.Uint64(value), true, nil
}

// PutDecision appends a committed decision to the tail kept for the
// reorg window.
func (s *Store) PutDecision(hash wire.Hash, encoded []byte) error {
	key := make([]byte, 0, len(prefixDecision)+32)
	key = append(key, prefixDecision...)
	key = append(key, hash[:]...)

	return s.db.Set(key, encoded, pebble.NoSync)
}

// Decision loads a committed decision by content hash. Returns false
// if absent.
func (s *Store) Decision(hash wire.Hash) (*wire.Decision, bool, error) {
	key := make([]byte, 0, len(prefixDecision)+32)
	key = append(key, prefixDecision...)
	key = append(key, hash[:]...)

	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	decision, err := wire.DecodeDecision(value)
	if err != nil {
		return nil, false, err
	}

	return decision, true, nil
}

// PruneBelow removes seeds, snapshots and roots below the given
// height, bounding disk usage to the reorg window.
func (s *Store) PruneBelow(height uint64) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, prefix := range [][]byte{prefixSeed, prefixSnapshot, prefixRoot} {
		if err := batch.DeleteRange(prefix, heightKey(prefix, height), nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.NoSync)
}

// Close stops the sync loop, performs a final sync and closes the
// database.
func (s *Store) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	s.comp.Close()
	s.decomp.Close()

	return s.db.Close()
}

// startSyncLoop starts the background goroutine syncing the WAL.
func (s *Store) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Store) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

// heightKey builds a prefix + big-endian height key.
func heightKey(prefix []byte, height uint64) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, height)

	return key
}
