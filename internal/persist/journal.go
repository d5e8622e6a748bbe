package persist

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var (
	journalPrefix = []byte("evt:")
	journalSeqKey = []byte("!seq:journal")
)

// Journal is the append-only event log, backed by badger. Keys are
// big-endian sequence numbers, so iteration order is emission order.
type Journal struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenJournal opens (or creates) the journal at dir.
func OpenJournal(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	seq, err := db.GetSequence(journalSeqKey, 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal sequence: %w", err)
	}
	return &Journal{db: db, seq: seq}, nil
}

// Close releases the sequence and the database.
func (j *Journal) Close() error {
	if err := j.seq.Release(); err != nil {
		_ = j.db.Close()
		return fmt.Errorf("release sequence: %w", err)
	}
	return j.db.Close()
}

func journalKey(seq uint64) []byte {
	key := make([]byte, len(journalPrefix)+8)
	copy(key, journalPrefix)
	binary.BigEndian.PutUint64(key[len(journalPrefix):], seq)
	return key
}

// Append writes the event under the next sequence number and sets e.Seq.
// Sequence numbers count from 1 and are monotone across process restarts.
func (j *Journal) Append(e *Event) error {
	n, err := j.seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	e.Seq = n + 1
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(e.Seq), data)
	})
	if err != nil {
		return fmt.Errorf("append event %d: %w", e.Seq, err)
	}
	return nil
}

// Replay calls fn for every event with Seq > since, in sequence order.
// Replay is read-only observability; it never mutates the journal.
func (j *Journal) Replay(since uint64, fn func(Event) error) error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = journalPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(journalKey(since + 1)); it.ValidForPrefix(journalPrefix); it.Next() {
			var e Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}
