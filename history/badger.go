package history

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const prefixSample = byte(0x01) // sample:seq -> float64 bits

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Capacity int
	// Logger for badger internals; nil keeps it quiet.
	Logger badger.Logger
}

// BadgerStore keeps the history in a badger database keyed by a monotonically
// increasing sequence number. Keys older than the newest Capacity are deleted
// in the same transaction that appends.
type BadgerStore struct {
	db    *badger.DB
	ring  *Ring
	first uint64
	next  uint64
	mu    sync.Mutex
}

func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	bo := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	}
	bo = bo.WithLogger(opts.Logger).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumMemtables(2)

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	s := &BadgerStore{db: db, ring: NewRing(opts.Capacity)}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func sampleKey(seq uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixSample
	binary.BigEndian.PutUint64(k[1:], seq)
	return k
}

func encodeValue(v float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	return b
}

func (s *BadgerStore) load() error {
	var seqs []uint64
	var values []float64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixSample}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 9 {
				continue
			}
			var v float64
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("bad sample value length %d", len(val))
				}
				v = math.Float64frombits(binary.BigEndian.Uint64(val))
				return nil
			}); err != nil {
				return err
			}
			seqs = append(seqs, binary.BigEndian.Uint64(key[1:]))
			values = append(values, v)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load history db: %w", err)
	}
	if len(seqs) == 0 {
		return nil
	}
	s.next = seqs[len(seqs)-1] + 1
	s.first = seqs[0]
	if excess := len(seqs) - s.ring.Cap(); excess > 0 {
		if err := s.db.Update(func(txn *badger.Txn) error {
			for _, seq := range seqs[:excess] {
				if err := txn.Delete(sampleKey(seq)); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("trim history db: %w", err)
		}
		s.first = seqs[excess]
	}
	s.ring.Load(values)
	return nil
}

// Append writes v under the next sequence number and evicts the oldest keys
// beyond capacity. The in-memory view only changes once the commit succeeds.
func (s *BadgerStore) Append(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.first
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(sampleKey(s.next), encodeValue(v)); err != nil {
			return err
		}
		for s.next+1-first > uint64(s.ring.Cap()) {
			if err := txn.Delete(sampleKey(first)); err != nil {
				return err
			}
			first++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	s.next++
	s.first = first
	s.ring.Add(v)
	return nil
}

func (s *BadgerStore) Values() []float64 { return s.ring.Values() }

func (s *BadgerStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DropPrefix([]byte{prefixSample}); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	s.ring.Reset()
	s.first = s.next
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
