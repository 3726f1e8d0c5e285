// Package kvstore is a LevelDB storage backend with the same contract as
// the SQLite store. It suits embedded hosts that prefer a single directory
// of immutable table files over a SQL database.
//
// Key layout (one prefix byte per pool, components separated by 0x00):
//
//	B space feed seq   -> blockRecord (msgpack)
//	E space number     -> ir.EpochRecord (msgpack)
//	R space root       -> number
//	S space            -> local key
//	I key              -> ir.Identity (msgpack)
//	N name             -> key
//
// Numbers are 8-byte big-endian so iteration order is numeric order.
package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

const (
	poolBlock    byte = 'B'
	poolEpoch    byte = 'E'
	poolRoot     byte = 'R'
	poolSpace    byte = 'S'
	poolIdentity byte = 'I'
	poolName     byte = 'N'
)

// Store is a LevelDB-backed store. Writes that check-then-put are
// serialized by mu; LevelDB itself has no multi-key transactions.
type Store struct {
	mu sync.Mutex
	db *leveldb.DB
}

type blockRecord struct {
	Hash      string `msgpack:"hash"`
	Payload   []byte `msgpack:"payload"`
	Signature []byte `msgpack:"signature"`
}

// Open opens or creates a LevelDB directory.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens a store that lives only in memory.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(pool byte, parts ...[]byte) []byte {
	k := []byte{pool}
	for i, p := range parts {
		if i > 0 {
			k = append(k, 0)
		}
		k = append(k, p...)
	}
	return k
}

func num(n int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return b[:]
}

func blockKey(spaceID string, feed ir.FeedID, seq int64) []byte {
	return key(poolBlock, []byte(spaceID), []byte(feed), num(seq))
}

// feedPrefix ends with the separator so "a" never matches feed "ab".
func feedPrefix(spaceID string, feed ir.FeedID) []byte {
	return append(key(poolBlock, []byte(spaceID), []byte(feed)), 0)
}

func spacePrefix(pool byte, spaceID string) []byte {
	return append(key(pool, []byte(spaceID)), 0)
}

// PutBlock stores a feed block; identical re-puts are no-ops and a
// different block at a held position fails with fault.WriteConflict.
func (s *Store) PutBlock(ctx context.Context, spaceID string, b ir.FeedBlock) error {
	return s.PutBlocks(ctx, spaceID, []ir.FeedBlock{b})
}

// PutBlocks stores blocks in one atomic batch after checking every
// position for conflicts.
func (s *Store) PutBlocks(_ context.Context, spaceID string, blocks []ir.FeedBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	pending := make(map[string]string, len(blocks))
	for _, b := range blocks {
		hash, err := ir.BlockHash(b)
		if err != nil {
			return fmt.Errorf("put block: %w", err)
		}
		k := blockKey(spaceID, b.FeedID, b.Seq)

		held, ok := pending[string(k)]
		if !ok {
			rec, found, err := s.getBlock(k)
			if err != nil {
				return fmt.Errorf("put block: %w", err)
			}
			ok, held = found, rec.Hash
		}
		if ok {
			if held != hash {
				return fault.New(fault.WriteConflict, "different block stored at position").With("seq", b.Seq)
			}
			continue
		}

		value, err := msgpack.Marshal(blockRecord{Hash: hash, Payload: b.Payload, Signature: b.Signature})
		if err != nil {
			return fmt.Errorf("encode block: %w", err)
		}
		batch.Put(k, value)
		pending[string(k)] = hash
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("put blocks: %w", err)
	}
	return nil
}

func (s *Store) getBlock(k []byte) (blockRecord, bool, error) {
	raw, err := s.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return blockRecord{}, false, nil
	}
	if err != nil {
		return blockRecord{}, false, err
	}
	var rec blockRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return blockRecord{}, false, fmt.Errorf("decode block: %w", err)
	}
	return rec, true, nil
}

// GetRange returns blocks with from <= seq <= to in seq order; a negative
// to reads to the end of the feed.
func (s *Store) GetRange(_ context.Context, spaceID string, feed ir.FeedID, from, to int64) ([]ir.FeedBlock, error) {
	if from < 0 {
		from = 0
	}
	rng := &util.Range{Start: blockKey(spaceID, feed, from)}
	if to < 0 {
		rng.Limit = util.BytesPrefix(feedPrefix(spaceID, feed)).Limit
	} else {
		rng.Limit = blockKey(spaceID, feed, to+1)
	}

	it := s.db.NewIterator(rng, nil)
	defer it.Release()

	blocks := []ir.FeedBlock{}
	for it.Next() {
		k := it.Key()
		var rec blockRecord
		if err := msgpack.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode block: %w", err)
		}
		blocks = append(blocks, ir.FeedBlock{
			FeedID:    feed,
			Seq:       int64(binary.BigEndian.Uint64(k[len(k)-8:])),
			Payload:   rec.Payload,
			Signature: rec.Signature,
		})
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}

// Tips returns the highest stored seq of every feed in the space.
func (s *Store) Tips(_ context.Context, spaceID string) (ir.Timeframe, error) {
	prefix := spacePrefix(poolBlock, spaceID)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	tf := ir.Timeframe{}
	for it.Next() {
		feed, seq, ok := splitBlockKey(it.Key()[len(prefix):])
		if !ok {
			return nil, fmt.Errorf("malformed block key %q", it.Key())
		}
		tf.Advance(feed, seq)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate tips: %w", err)
	}
	return tf, nil
}

func splitBlockKey(rest []byte) (ir.FeedID, int64, bool) {
	if len(rest) < 9 || rest[len(rest)-9] != 0 {
		return "", 0, false
	}
	feed := rest[:len(rest)-9]
	if bytes.IndexByte(feed, 0) >= 0 {
		return "", 0, false
	}
	return ir.FeedID(feed), int64(binary.BigEndian.Uint64(rest[len(rest)-8:])), true
}

// Prune deletes blocks covered by tf and returns how many were removed.
func (s *Store) Prune(_ context.Context, spaceID string, tf ir.Timeframe) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, feed := range tf.Feeds() {
		it := s.db.NewIterator(&util.Range{
			Start: blockKey(spaceID, feed, 0),
			Limit: blockKey(spaceID, feed, tf[feed]+1),
		}, nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return 0, fmt.Errorf("prune %s: %w", feed, err)
		}
	}
	n := int64(batch.Len())
	if n == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return n, nil
}

// CountBlocks returns the number of stored blocks in a space.
func (s *Store) CountBlocks(_ context.Context, spaceID string) (int64, error) {
	it := s.db.NewIterator(util.BytesPrefix(spacePrefix(poolBlock, spaceID)), nil)
	defer it.Release()

	var n int64
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// PutEpochSnapshot records the committed epoch for rec.Number, replacing a
// previous winner for the same number.
func (s *Store) PutEpochSnapshot(_ context.Context, rec ir.EpochRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode epoch: %w", err)
	}
	k := key(poolEpoch, []byte(rec.SpaceID), num(rec.Number))

	batch := new(leveldb.Batch)
	if prev, ok, err := s.getEpoch(k); err != nil {
		return fmt.Errorf("put epoch snapshot: %w", err)
	} else if ok {
		batch.Delete(key(poolRoot, []byte(rec.SpaceID), []byte(prev.Root)))
	}
	batch.Put(k, value)
	batch.Put(key(poolRoot, []byte(rec.SpaceID), []byte(rec.Root)), num(rec.Number))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("put epoch snapshot: %w", err)
	}
	return nil
}

func (s *Store) getEpoch(k []byte) (ir.EpochRecord, bool, error) {
	raw, err := s.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ir.EpochRecord{}, false, nil
	}
	if err != nil {
		return ir.EpochRecord{}, false, err
	}
	var rec ir.EpochRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return ir.EpochRecord{}, false, fmt.Errorf("decode epoch: %w", err)
	}
	return rec, true, nil
}

// GetLatestEpoch returns the highest committed epoch of a space.
func (s *Store) GetLatestEpoch(_ context.Context, spaceID string) (ir.EpochRecord, bool, error) {
	it := s.db.NewIterator(util.BytesPrefix(spacePrefix(poolEpoch, spaceID)), nil)
	defer it.Release()

	if !it.Last() {
		return ir.EpochRecord{}, false, it.Error()
	}
	var rec ir.EpochRecord
	if err := msgpack.Unmarshal(it.Value(), &rec); err != nil {
		return ir.EpochRecord{}, false, fmt.Errorf("decode epoch: %w", err)
	}
	return rec, true, nil
}

// GetEpochSnapshot returns the snapshot bytes for a committed root.
func (s *Store) GetEpochSnapshot(_ context.Context, spaceID, root string) ([]byte, bool, error) {
	n, err := s.db.Get(key(poolRoot, []byte(spaceID), []byte(root)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get epoch snapshot: %w", err)
	}
	rec, ok, err := s.getEpoch(key(poolEpoch, []byte(spaceID), n))
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Snapshot, true, nil
}

// PutSpace registers a space replica. Idempotent.
func (s *Store) PutSpace(_ context.Context, rec ir.SpaceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(poolSpace, []byte(rec.SpaceID))
	if ok, err := s.db.Has(k, nil); err != nil || ok {
		return err
	}
	return s.db.Put(k, []byte(rec.LocalKey), nil)
}

// GetSpace returns a registered space or fault.UnknownSpace.
func (s *Store) GetSpace(_ context.Context, spaceID string) (ir.SpaceRecord, error) {
	v, err := s.db.Get(key(poolSpace, []byte(spaceID)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ir.SpaceRecord{}, fault.New(fault.UnknownSpace, "space not registered").With("space", spaceID)
	}
	if err != nil {
		return ir.SpaceRecord{}, fmt.Errorf("get space: %w", err)
	}
	return ir.SpaceRecord{SpaceID: spaceID, LocalKey: string(v)}, nil
}

// ListSpaces returns every registered space ordered by id.
func (s *Store) ListSpaces(_ context.Context) ([]ir.SpaceRecord, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte{poolSpace}), nil)
	defer it.Release()

	out := []ir.SpaceRecord{}
	for it.Next() {
		out = append(out, ir.SpaceRecord{
			SpaceID:  string(it.Key()[1:]),
			LocalKey: string(it.Value()),
		})
	}
	return out, it.Error()
}

// DeleteSpace removes a space replica and all of its blocks and epochs.
func (s *Store) DeleteSpace(_ context.Context, spaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, pool := range []byte{poolBlock, poolEpoch, poolRoot} {
		it := s.db.NewIterator(util.BytesPrefix(spacePrefix(pool, spaceID)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return fmt.Errorf("delete space: %w", err)
		}
	}
	batch.Delete(key(poolSpace, []byte(spaceID)))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete space: %w", err)
	}
	return nil
}

// PutIdentity stores a signing identity. Idempotent on key.
func (s *Store) PutIdentity(_ context.Context, id ir.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(poolIdentity, []byte(id.Key))
	if ok, err := s.db.Has(k, nil); err != nil || ok {
		return err
	}
	value, err := msgpack.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(k, value)
	if id.Name != "" {
		batch.Put(key(poolName, []byte(id.Name)), []byte(id.Key))
	}
	return s.db.Write(batch, nil)
}

// GetIdentity looks an identity up by key or by name.
func (s *Store) GetIdentity(_ context.Context, keyOrName string) (ir.Identity, error) {
	raw, err := s.db.Get(key(poolIdentity, []byte(keyOrName)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		var k []byte
		k, err = s.db.Get(key(poolName, []byte(keyOrName)), nil)
		if err == nil {
			raw, err = s.db.Get(key(poolIdentity, k), nil)
		}
	}
	if errors.Is(err, leveldb.ErrNotFound) {
		return ir.Identity{}, fault.New(fault.InvalidArgument, "no such identity %q", keyOrName)
	}
	if err != nil {
		return ir.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	var id ir.Identity
	if err := msgpack.Unmarshal(raw, &id); err != nil {
		return ir.Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}
