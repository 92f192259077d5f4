package report

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/overlay/internal/event"
	"github.com/zde37/overlay/internal/metrics"
	"github.com/zde37/overlay/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewStore(db.DB())
	require.NoError(t, err)
	return s
}

func sampleRecord(startedAt time.Time) Record {
	rec := NewRecord("chord", 32, 42, startedAt)
	rec.Nodes = 16
	rec.Elapsed = 1234
	rec.RingConsistent = true
	rec.Summary = metrics.Summary{
		Modes: map[string]metrics.ModeSummary{
			"lookup": {Attempts: 10, Successes: 9, TotalHops: 27, MaxHops: 5},
		},
		RPCCalls:    500,
		RPCFailures: 3,
	}
	rec.Events["join"] = event.Counts{Success: 16}
	rec.Events["lookup"] = event.Counts{Success: 9, Failure: 1, LastError: "no route"}
	return rec
}

func TestNewStore(t *testing.T) {
	_, err := NewStore(nil)
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	s := newStore(t)
	rec := sampleRecord(time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC))
	require.NoError(t, s.Save(rec))

	got, err := s.Load(rec.RunID)
	require.NoError(t, err)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))
	got.StartedAt = rec.StartedAt
	assert.Equal(t, rec, got)
}

func TestLoadUnknown(t *testing.T) {
	s := newStore(t)
	_, err := s.Load(uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSaveRequiresRunID(t *testing.T) {
	s := newStore(t)
	assert.Error(t, s.Save(Record{Protocol: "ring"}))
}

func TestEncodeIsDeterministic(t *testing.T) {
	s := newStore(t)
	rec := sampleRecord(time.Unix(1700000000, 0))

	a, err := s.Encode(rec)
	require.NoError(t, err)
	b, err := s.Encode(rec)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = s.Decode([]byte{0xff})
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	s := newStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	late := sampleRecord(base.Add(2 * time.Hour))
	early := sampleRecord(base)
	middle := sampleRecord(base.Add(time.Hour))
	for _, rec := range []Record{late, early, middle} {
		require.NoError(t, s.Save(rec))
	}

	// saving again replaces
	middle.Nodes = 99
	require.NoError(t, s.Save(middle))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []uuid.UUID{early.RunID, middle.RunID, late.RunID},
		[]uuid.UUID{list[0].RunID, list[1].RunID, list[2].RunID})
	assert.Equal(t, 99, list[1].Nodes)
}
