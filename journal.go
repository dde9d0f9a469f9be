package custody

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	g "github.com/pandodao/generic"
)

var eventPrefix = []byte("e:")

// Journal persists events in badger, keyed by sequence, so a bank can be
// rebuilt with Replay.
type Journal struct {
	db *badger.DB
}

func NewJournal(db *badger.DB) *Journal {
	return &Journal{db: db}
}

func saveEvent(txn *badger.Txn, e *Event) error {
	pk := buildIndexKey(eventPrefix, e.Seq)
	return txn.SetEntry(badger.NewEntry(pk, g.Must(json.Marshal(e))))
}

func listEvents(txn *badger.Txn, offset int64, limit int) ([]*Event, error) {
	opts := badger.DefaultIteratorOptions
	if limit > 0 {
		opts.PrefetchSize = limit
	}

	it := txn.NewIterator(opts)
	defer it.Close()

	var events []*Event
	for it.Seek(buildIndexKey(eventPrefix, offset)); it.ValidForPrefix(eventPrefix); it.Next() {
		if limit > 0 && len(events) >= limit {
			break
		}

		var e Event
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return nil, err
		}

		events = append(events, &e)
	}

	return events, nil
}

// Notify appends e. A failed write is logged; the operation has already
// completed and cannot be undone from here.
func (j *Journal) Notify(_ context.Context, e *Event) {
	if err := j.Append(e); err != nil {
		slog.Error("journal: append event failed", "seq", e.Seq, "kind", e.Kind, slog.Any("err", err))
	}
}

func (j *Journal) Append(e *Event) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return saveEvent(txn, e)
	})
}

// List returns up to limit events with Seq >= offset. limit <= 0 means all.
func (j *Journal) List(offset int64, limit int) ([]*Event, error) {
	txn := j.db.NewTransaction(false)
	defer txn.Discard()

	return listEvents(txn, offset, limit)
}

// Replay restores every journaled event into b, in sequence order.
func (j *Journal) Replay(b *Bank) (int, error) {
	events, err := j.List(0, 0)
	if err != nil {
		return 0, err
	}

	for _, e := range events {
		if err := b.Restore(e); err != nil {
			return 0, err
		}
	}

	last, err := j.lastSeq()
	if err != nil {
		return 0, err
	}

	slog.Info("journal replayed", "events", len(events), "last_seq", last)
	return len(events), nil
}

// lastSeq reads the sequence of the newest journaled event, 0 when empty.
func (j *Journal) lastSeq() (int64, error) {
	txn := j.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	// reverse iteration seeks to the last key <= the given one
	it.Seek(append(append([]byte{}, eventPrefix...), 0xff))
	if !it.ValidForPrefix(eventPrefix) {
		return 0, nil
	}

	var seq int64
	if err := decodeIndexKey(it.Item().Key(), eventPrefix, &seq); err != nil {
		return 0, err
	}

	return seq, nil
}
