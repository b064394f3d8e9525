package bbolt

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	testutils "github.com/pancsta/asyncfsm/internal/testing/utils"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

func newDb(t *testing.T) *bbolt.DB {
	db, err := NewDb(filepath.Join(t.TempDir(), "hist.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func TestBboltTrack(t *testing.T) {
	// init
	db := newDb(t)
	onErr := func(err error) {
		t.Error(err)
	}
	mach := testutils.NewTrafficStarted(t, nil)
	store, err := NewStore(db, mach, Config{QueueBatch: 4}, onErr)
	require.NoError(t, err)

	// test
	for range 10 {
		require.NoError(t, mach.Send(am.Event{Type: "NEXT"}))
	}
	require.NoError(t, store.Sync())

	// assert
	entries, err := store.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 10)
	assert.Equal(t, "red", entries[0].From)
	assert.Equal(t, "green", entries[0].To)
	assert.Equal(t, "NEXT", entries[0].Event)
	assert.Equal(t, "green", entries[9].To)
	assert.Equal(t, uint64(10), store.Saved.Load())

	rec, err := store.MachineRecord()
	require.NoError(t, err)
	assert.Equal(t, mach.Id(), rec.MachId)
	assert.Equal(t, 10, rec.Stored)
	assert.Equal(t, uint64(10), rec.Written)
	assert.False(t, rec.FirstTracking.IsZero())
}

func TestBboltGc(t *testing.T) {
	// init
	db := newDb(t)
	mach := testutils.NewTrafficStarted(t, nil)
	store, err := NewStore(db, mach, Config{
		QueueBatch: 2,
		MaxEntries: 3,
	}, nil)
	require.NoError(t, err)

	// test
	for range 7 {
		require.NoError(t, mach.Send(am.Event{Type: "NEXT"}))
	}
	require.NoError(t, store.Sync())

	// assert
	entries, err := store.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// 7th transition is red -> green
	assert.Equal(t, "green", entries[2].To)
	rec, err := store.MachineRecord()
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Stored)
	assert.Equal(t, uint64(7), rec.Written)
}

func TestBboltTrackedStates(t *testing.T) {
	// init
	db := newDb(t)
	mach := testutils.NewTrafficStarted(t, nil)
	store, err := NewStore(db, mach, Config{
		TrackedStates: am.S{"off"},
	}, nil)
	require.NoError(t, err)

	// test
	for _, ev := range []string{"NEXT", "BREAK", "ON"} {
		require.NoError(t, mach.Send(am.Event{Type: ev}))
	}
	require.NoError(t, mach.Stop())

	// assert
	entries, err := ListEntries(db, mach.Id())
	require.NoError(t, err)
	require.Len(t, entries, 2, "flushed on stop")
	assert.Equal(t, "broken", entries[0].From)
	assert.True(t, entries[0].Spontaneous)
	assert.Equal(t, "red", entries[1].To)
	require.NoError(t, store.Dispose())
	require.NoError(t, store.Dispose())
}

func TestListMachines(t *testing.T) {
	// init
	db := newDb(t)
	m1 := testutils.Traffic.NewMachine(nil, &am.Opts{Id: "m1"})
	m2 := testutils.Traffic.NewMachine(nil, &am.Opts{Id: "m2"})

	// test
	_, err := NewStore(db, m1, Config{}, nil)
	require.NoError(t, err)
	_, err = NewStore(db, m2, Config{}, nil)
	require.NoError(t, err)

	// assert
	recs, err := ListMachines(db)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "m1", recs[0].MachId)
	assert.Equal(t, "m2", recs[1].MachId)

	_, err = GetMachine(db, "m3")
	assert.ErrorIs(t, err, ErrNoMachine)
	_, err = ListEntries(db, "m3")
	assert.ErrorIs(t, err, ErrNoMachine)
}

func TestBboltSyncOrder(t *testing.T) {
	// init
	db := newDb(t)
	onErr := func(err error) {
		t.Error(err)
	}
	mach := testutils.NewTrafficStarted(t, nil)
	store, err := NewStore(db, mach, Config{QueueBatch: 3}, onErr)
	require.NoError(t, err)

	// test
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 30 {
			assert.NoError(t, mach.Send(am.Event{Type: "NEXT"}))
		}
	}()
	for range 20 {
		require.NoError(t, store.Sync())
	}
	wg.Wait()
	require.NoError(t, store.Dispose())

	// assert
	entries, err := store.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 30)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].To, entries[i].From, "entry %d", i)
	}
}
