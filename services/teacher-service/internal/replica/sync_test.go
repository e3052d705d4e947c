package replica

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/libs/eventbus"
	"github.com/stretchr/testify/require"
)

// lwwStore mirrors the repository's conflict rule so replay semantics can
// be checked end to end without a database.
type lwwStore struct {
	rows map[string]ClassInfo
}

func newLWWStore() *lwwStore {
	return &lwwStore{rows: map[string]ClassInfo{}}
}

func (s *lwwStore) Upsert(_ context.Context, info ClassInfo) error {
	existing, ok := s.rows[info.ClassID]
	if ok && existing.EventTimestamp.After(info.EventTimestamp) {
		return nil
	}
	s.rows[info.ClassID] = info
	return nil
}

func classCreated(id string, at time.Time) contracts.ClassCreated {
	return contracts.ClassCreated{
		Envelope:      eventbus.Envelope{ID: "evt-" + id, Timestamp: at},
		ClassID:       id,
		ClassName:     "Class " + id,
		Grade:         "7",
		AcademicYear:  "2026",
		TotalStudents: 30,
		SchoolID:      "school-1",
	}
}

func TestSynchronizer_AppliesCreatedSnapshot(t *testing.T) {
	store := newLWWStore()
	sync := NewSynchronizer(slog.Default(), store)

	at := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, sync.OnClassCreated(context.Background(), classCreated("c1", at)))

	info := store.rows["c1"]
	require.Equal(t, "Class c1", info.ClassName)
	require.Equal(t, "7", info.Grade)
	require.Equal(t, 30, info.TotalStudents)
	require.Equal(t, at, info.EventTimestamp)
}

func TestSynchronizer_ReplayIsIdempotent(t *testing.T) {
	store := newLWWStore()
	sync := NewSynchronizer(slog.Default(), store)

	evt := classCreated("c1", time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, sync.OnClassCreated(context.Background(), evt))
	require.NoError(t, sync.OnClassCreated(context.Background(), evt))

	require.Len(t, store.rows, 1)
}

func TestSynchronizer_UpdateSupersedesCreate(t *testing.T) {
	store := newLWWStore()
	sync := NewSynchronizer(slog.Default(), store)
	ctx := context.Background()

	require.NoError(t, sync.OnClassCreated(ctx, classCreated("c1", time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))))

	updated := contracts.ClassUpdated{
		Envelope:      eventbus.Envelope{ID: "evt-u1", Timestamp: time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)},
		ClassID:       "c1",
		ClassName:     "Class c1 (renamed)",
		TotalStudents: 31,
	}
	require.NoError(t, sync.OnClassUpdated(ctx, updated))

	require.Equal(t, "Class c1 (renamed)", store.rows["c1"].ClassName)
	require.Equal(t, 31, store.rows["c1"].TotalStudents)
}

func TestSynchronizer_StaleUpdateDoesNotRegress(t *testing.T) {
	store := newLWWStore()
	sync := NewSynchronizer(slog.Default(), store)
	ctx := context.Background()

	require.NoError(t, sync.OnClassCreated(ctx, classCreated("c1", time.Date(2026, 2, 5, 8, 0, 0, 0, time.UTC))))

	stale := contracts.ClassUpdated{
		Envelope:  eventbus.Envelope{ID: "evt-old", Timestamp: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)},
		ClassID:   "c1",
		ClassName: "old name",
	}
	require.NoError(t, sync.OnClassUpdated(ctx, stale))

	require.Equal(t, "Class c1", store.rows["c1"].ClassName)
}

func TestSynchronizer_RejectsEventWithoutClassID(t *testing.T) {
	store := newLWWStore()
	sync := NewSynchronizer(slog.Default(), store)

	evt := classCreated("", time.Now())
	evt.ClassName = "orphan"
	require.NoError(t, sync.OnClassCreated(context.Background(), evt))
	require.Empty(t, store.rows)
}

func TestSynchronizer_MissingNameIsAnError(t *testing.T) {
	store := newLWWStore()
	sync := NewSynchronizer(slog.Default(), store)

	evt := classCreated("c1", time.Now())
	evt.ClassName = ""
	require.Error(t, sync.OnClassCreated(context.Background(), evt))
	require.Empty(t, store.rows)
}
