// Package storage provides storage engine implementations for espresso.
//
// BadgerEngine provides persistent disk-based storage using BadgerDB.
// It implements the Engine interface with append-only scoring history.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/blake2b"
)

// Key prefixes for BadgerDB storage organization
const (
	prefixMeta     = byte(0x00) // meta:name -> value
	prefixInstance = byte(0x01) // instance records
	prefixPattern  = byte(0x02) // pattern records
)

const (
	digestSize = 16
	suffixSize = 4 + 8 // iteration + write sequence
)

var writeSeqKey = []byte{prefixMeta, 's', 'e', 'q'}

// BadgerEngine provides persistent storage using BadgerDB.
//
// Key Structure:
//   - Instance record: 0x01 + relation + 0x00 + digest(args) + iteration + seq -> JSON
//   - Pattern record:  0x02 + relation + 0x00 + digest(pattern) + iteration + seq -> JSON
//
// The digest is a 128-bit BLAKE2b hash of the key fields so every key of a
// collection has the same shape no matter what the arguments contain. The
// big-endian iteration and write sequence make the last key under a digest
// the authoritative record, which is what the reverse scan in Latest* reads.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db     *badger.DB
	seq    *badger.Sequence
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB logging is silenced.
	Logger badger.Logger
}

// NewBadgerEngine creates a new persistent storage engine with default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		DataDir: dataDir,
	})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
//
// Example - In-Memory Database for Testing:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		InMemory: true,
//	})
//	defer engine.Close()
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(opts.Logger)
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	// Scoring records are tiny; keep the footprint small.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	seq, err := db.GetSequence(writeSeqKey, 256)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to lease write sequence: %w", err)
	}

	return &BadgerEngine{
		db:  db,
		seq: seq,
	}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		InMemory: true,
	})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

// collectionPrefix returns the prefix shared by every record of one collection.
func collectionPrefix(prefix byte, relation string) []byte {
	key := make([]byte, 0, 1+len(relation)+1)
	key = append(key, prefix)
	key = append(key, relation...)
	key = append(key, 0x00)
	return key
}

// recordPrefix returns the prefix shared by every record of one key.
func recordPrefix(prefix byte, relation string, digest []byte) []byte {
	key := collectionPrefix(prefix, relation)
	return append(key, digest...)
}

// recordKey creates the full key of one record.
func recordKey(prefix byte, relation string, digest []byte, iteration int, seq uint64) []byte {
	key := recordPrefix(prefix, relation, digest)
	var suffix [suffixSize]byte
	binary.BigEndian.PutUint32(suffix[:4], uint32(iteration))
	binary.BigEndian.PutUint64(suffix[4:], seq)
	return append(key, suffix[:]...)
}

// instanceDigest hashes the arity and every length-prefixed argument.
func instanceDigest(inst Instance) []byte {
	h, _ := blake2b.New(digestSize, nil)
	var n [binary.MaxVarintLen64]byte
	h.Write(n[:binary.PutUvarint(n[:], uint64(len(inst)))])
	for _, arg := range inst {
		h.Write(n[:binary.PutUvarint(n[:], uint64(len(arg)))])
		h.Write([]byte(arg))
	}
	return h.Sum(nil)
}

// patternDigest hashes the pattern string.
func patternDigest(p Pattern) []byte {
	h, _ := blake2b.New(digestSize, nil)
	h.Write([]byte(p))
	return h.Sum(nil)
}

// lastKeyUnder returns a key that sorts after every record key under prefix.
func lastKeyUnder(prefix []byte) []byte {
	return append(bytes.Clone(prefix), bytes.Repeat([]byte{0xFF}, suffixSize)...)
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// Writes
// ============================================================================

// InsertInstance appends an instance record.
func (b *BadgerEngine) InsertInstance(relation string, rec ScoredInstance) error {
	if err := validateRelation(relation); err != nil {
		return err
	}
	if err := validateInstanceRecord(rec); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := serializeInstance(rec)
	if err != nil {
		return fmt.Errorf("failed to encode instance record: %w", err)
	}
	return b.put(prefixInstance, relation, instanceDigest(rec.Instance), rec.Iteration, data)
}

// InsertPattern appends a pattern record.
func (b *BadgerEngine) InsertPattern(relation string, rec ScoredPattern) error {
	if err := validateRelation(relation); err != nil {
		return err
	}
	if err := validatePatternRecord(rec); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := serializePattern(rec)
	if err != nil {
		return fmt.Errorf("failed to encode pattern record: %w", err)
	}
	return b.put(prefixPattern, relation, patternDigest(rec.Pattern), rec.Iteration, data)
}

func (b *BadgerEngine) put(prefix byte, relation string, digest []byte, iteration int, data []byte) error {
	seq, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate write sequence: %w", err)
	}
	key := recordKey(prefix, relation, digest, iteration, seq)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// ============================================================================
// Lookups
// ============================================================================

// LatestInstance returns the record with the greatest iteration for inst.
func (b *BadgerEngine) LatestInstance(relation string, inst Instance) (*ScoredInstance, error) {
	if err := validateRelation(relation); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var found *ScoredInstance
	prefix := recordPrefix(prefixInstance, relation, instanceDigest(inst))
	err := b.scanReverse(prefix, func(val []byte) (bool, error) {
		rec, err := deserializeInstance(val)
		if err != nil {
			return false, err
		}
		if !rec.Instance.Equal(inst) {
			return false, nil // digest collision
		}
		found = rec
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// LatestPattern returns the record with the greatest iteration for p.
func (b *BadgerEngine) LatestPattern(relation string, p Pattern) (*ScoredPattern, error) {
	if err := validateRelation(relation); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var found *ScoredPattern
	prefix := recordPrefix(prefixPattern, relation, patternDigest(p))
	err := b.scanReverse(prefix, func(val []byte) (bool, error) {
		rec, err := deserializePattern(val)
		if err != nil {
			return false, err
		}
		if rec.Pattern != p {
			return false, nil
		}
		found = rec
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// scanReverse walks the records under prefix from the newest key down until
// fn reports done.
func (b *BadgerEngine) scanReverse(prefix []byte, fn func(val []byte) (bool, error)) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(lastKeyUnder(prefix)); it.ValidForPrefix(prefix); it.Next() {
			var done bool
			err := it.Item().Value(func(val []byte) error {
				var fnErr error
				done, fnErr = fn(val)
				return fnErr
			})
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		return nil
	})
}

// Instances returns every instance record of a relation.
func (b *BadgerEngine) Instances(relation string) ([]ScoredInstance, error) {
	if err := validateRelation(relation); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var out []ScoredInstance
	err := b.scan(collectionPrefix(prefixInstance, relation), func(val []byte) error {
		rec, err := deserializeInstance(val)
		if err != nil {
			return err
		}
		out = append(out, *rec)
		return nil
	})
	return out, err
}

// Patterns returns every pattern record of a relation.
func (b *BadgerEngine) Patterns(relation string) ([]ScoredPattern, error) {
	if err := validateRelation(relation); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var out []ScoredPattern
	err := b.scan(collectionPrefix(prefixPattern, relation), func(val []byte) error {
		rec, err := deserializePattern(val)
		if err != nil {
			return err
		}
		out = append(out, *rec)
		return nil
	})
	return out, err
}

func (b *BadgerEngine) scan(prefix []byte, fn func(val []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.PrefetchSize = 64
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// Maintenance
// ============================================================================

// Drop removes both collections of a relation.
func (b *BadgerEngine) Drop(relation string) error {
	if err := validateRelation(relation); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.DropPrefix(
		collectionPrefix(prefixInstance, relation),
		collectionPrefix(prefixPattern, relation),
	)
}

// Sync forces a sync of all data to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// Close releases the write sequence and closes the BadgerDB database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	if err := b.seq.Release(); err != nil {
		b.db.Close()
		return fmt.Errorf("failed to release write sequence: %w", err)
	}
	return b.db.Close()
}
