// Package report persists the outcome of simulation runs. Records are CBOR
// encoded and kept in badger under runs/<run id>.
package report

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/zde37/overlay/internal/event"
	"github.com/zde37/overlay/internal/metrics"
)

// ErrRunNotFound is returned by Load for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

var runPrefix = []byte("runs/")

// Record describes one finished run.
type Record struct {
	RunID          uuid.UUID               `json:"run_id" cbor:"1,keyasint"`
	Protocol       string                  `json:"protocol" cbor:"2,keyasint"`
	Bits           int                     `json:"bits" cbor:"3,keyasint"`
	Nodes          int                     `json:"nodes" cbor:"4,keyasint"`
	Seed           int64                   `json:"seed" cbor:"5,keyasint"`
	StartedAt      time.Time               `json:"started_at" cbor:"6,keyasint"`
	Elapsed        uint64                  `json:"elapsed" cbor:"7,keyasint"` // logical clock at the end
	Summary        metrics.Summary         `json:"summary" cbor:"8,keyasint"`
	Events         map[string]event.Counts `json:"events" cbor:"9,keyasint"`
	RingConsistent bool                    `json:"ring_consistent" cbor:"10,keyasint"`
	Misplaced      int                     `json:"misplaced" cbor:"11,keyasint"`
}

// NewRecord starts a record with a fresh run id.
func NewRecord(protocol string, bits int, seed int64, startedAt time.Time) Record {
	return Record{
		RunID:     uuid.New(),
		Protocol:  protocol,
		Bits:      bits,
		Seed:      seed,
		StartedAt: startedAt.UTC(),
		Events:    make(map[string]event.Counts),
	}
}

// Store reads and writes records.
type Store struct {
	db  *badger.DB
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewStore uses db for persistence. Records are encoded deterministically.
func NewStore(db *badger.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor decoder: %w", err)
	}
	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Encode returns the CBOR form of rec.
func (s *Store) Encode(rec Record) ([]byte, error) {
	return s.enc.Marshal(rec)
}

// Decode parses a CBOR encoded record.
func (s *Store) Decode(data []byte) (Record, error) {
	var rec Record
	if err := s.dec.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}

// Save writes rec, replacing an earlier record with the same id.
func (s *Store) Save(rec Record) error {
	if rec.RunID == uuid.Nil {
		return fmt.Errorf("record has no run id")
	}
	data, err := s.Encode(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.RunID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(rec.RunID), data)
	})
}

// Load reads the record of id.
func (s *Store) Load(id uuid.UUID) (Record, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read record %s: %w", id, err)
	}
	return s.Decode(data)
}

// List returns every record, oldest first.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = runPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(runPrefix); it.ValidForPrefix(runPrefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := s.Decode(data)
			if err != nil {
				return fmt.Errorf("record %q: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].RunID.String() < out[j].RunID.String()
	})
	return out, nil
}

func runKey(id uuid.UUID) []byte {
	return append(append([]byte{}, runPrefix...), id.String()...)
}
