// Package bbolt provides machine history tracking using the bbolt K/V
// database. Entries are written in batches and encoded with msgpack.
package bbolt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	amhist "github.com/pancsta/asyncfsm/pkg/history"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

const (
	BuckMachines = "_machines"
	BuckEntries  = "entries"
)

// ErrNoMachine means there's no bucket for the requested machine ID.
var ErrNoMachine = errors.New("machine not found")

type Config struct {
	// TrackedStates limits the entries to transitions touching these states.
	// Nil tracks all.
	TrackedStates am.S
	// MaxEntries is the max amount of stored entries per machine (default:
	// 1000). Older entries are removed with every write.
	MaxEntries int
	// QueueBatch is the amount of entries to save in bulk (default: 100).
	QueueBatch int
}

// MachineRecord describes a tracked machine.
type MachineRecord struct {
	MachId        string    `msgpack:"id"`
	FirstTracking time.Time `msgpack:"first"`
	LastTracking  time.Time `msgpack:"last"`
	// Stored is the amount of entries currently in the DB.
	Stored int `msgpack:"stored"`
	// Written is the amount of all the entries ever written.
	Written uint64 `msgpack:"written"`
}

// ///// ///// /////

// ///// TRACER

// ///// ///// /////

type tracer struct {
	am.NoOpTracer

	store *Store
}

func (t *tracer) TransitionEnd(tx *am.Transition) {
	if !tx.Reenters {
		return
	}
	entry := amhist.NewEntry(tx)
	if !entry.Matches(t.store.Cfg.TrackedStates) {
		return
	}

	s := t.store
	s.mx.Lock()
	defer s.mx.Unlock()

	s.queue = append(s.queue, entry)
	if len(s.queue) < s.Cfg.QueueBatch {
		return
	}

	// flush in the background, one batch at a time
	entries := s.queue
	s.queue = nil
	s.writer.Go(func() error {
		return s.write(entries)
	})
}

func (t *tracer) MachineStop(mach *am.Machine) {
	// flush on stop, errors go to onErr
	_ = t.store.Sync()
}

// ///// ///// /////

// ///// STORE

// ///// ///// /////

// NewDb opens a bbolt database file, "fsmhist.db" by default.
func NewDb(path string) (*bbolt.DB, error) {
	if path == "" {
		path = "fsmhist.db"
	}

	return bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
}

// Store writes transition entries of a single machine into a bucket named
// after the machine's ID.
type Store struct {
	Db   *bbolt.DB
	Mach *am.Machine
	// read-only config for this history
	Cfg Config

	// Saved is the amount of entries written by this store.
	Saved atomic.Uint64

	mx       sync.Mutex
	queue    []amhist.Entry
	writer   *errgroup.Group
	onErr    func(err error)
	tr       *tracer
	disposed atomic.Bool
}

// NewStore creates a new Store and binds it to [mach]. [onErr] receives
// errors of background writes and can be nil.
func NewStore(
	db *bbolt.DB, mach *am.Machine, cfg Config, onErr func(err error),
) (*Store, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = amhist.DefaultMaxEntries
	}
	if cfg.QueueBatch <= 0 {
		cfg.QueueBatch = 100
	}
	if onErr == nil {
		onErr = func(err error) {
			mach.Log("history error: %s", err)
		}
	}

	// init DB
	now := time.Now().UTC()
	err := db.Update(func(tx *bbolt.Tx) error {
		bMachs, err := tx.CreateBucketIfNotExists([]byte(BuckMachines))
		if err != nil {
			return err
		}
		b, err := tx.CreateBucketIfNotExists([]byte(mach.Id()))
		if err != nil {
			return err
		}
		if _, err := b.CreateBucketIfNotExists([]byte(BuckEntries)); err != nil {
			return err
		}

		// upsert the machine record
		rec := &MachineRecord{}
		if pack := bMachs.Get([]byte(mach.Id())); pack != nil {
			if err := msgpack.Unmarshal(pack, rec); err != nil {
				return err
			}
		} else {
			rec.MachId = mach.Id()
			rec.FirstTracking = now
		}
		rec.LastTracking = now
		enc, err := msgpack.Marshal(rec)
		if err != nil {
			return err
		}

		return bMachs.Put([]byte(mach.Id()), enc)
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		Db:     db,
		Mach:   mach,
		Cfg:    cfg,
		writer: &errgroup.Group{},
		onErr:  onErr,
	}
	s.writer.SetLimit(1)
	s.tr = &tracer{store: s}
	mach.BindTracer(s.tr)

	return s, nil
}

// Sync writes all the pending entries and waits for background writes.
func (s *Store) Sync() error {
	var err error
	done := make(chan struct{})

	// the writer runs one batch at a time, so this one goes after all the
	// batches forked before it
	s.mx.Lock()
	entries := s.queue
	s.queue = nil
	s.writer.Go(func() error {
		defer close(done)
		err = s.write(entries)
		return err
	})
	s.mx.Unlock()
	<-done

	return err
}

// Entries returns all the stored entries, oldest first. Pending entries
// require [Store.Sync] first.
func (s *Store) Entries() ([]amhist.Entry, error) {
	return ListEntries(s.Db, s.Mach.Id())
}

// MachineRecord returns the record of the tracked machine.
func (s *Store) MachineRecord() (*MachineRecord, error) {
	return GetMachine(s.Db, s.Mach.Id())
}

// Dispose flushes pending entries and stops tracking. The DB stays open.
func (s *Store) Dispose() error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	s.Mach.DetachTracer(s.tr)

	return s.Sync()
}

// write saves a batch of entries and removes the ones over the limit.
func (s *Store) write(entries []amhist.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	machId := []byte(s.Mach.Id())

	err := s.Db.Update(func(tx *bbolt.Tx) error {
		bMachs := tx.Bucket([]byte(BuckMachines))
		b := tx.Bucket(machId).Bucket([]byte(BuckEntries))

		for _, entry := range entries {
			id, err := b.NextSequence()
			if err != nil {
				return err
			}
			enc, err := msgpack.Marshal(entry)
			if err != nil {
				return err
			}
			if err := b.Put(itob(id), enc); err != nil {
				return err
			}
		}

		// GC
		stored := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			stored++
		}
		if over := stored - s.Cfg.MaxEntries; over > 0 {
			var keys [][]byte
			for k, _ := c.First(); k != nil && len(keys) < over; k, _ = c.Next() {
				keys = append(keys, slices.Clone(k))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			stored -= len(keys)
		}

		// update the machine record
		rec := &MachineRecord{}
		if err := msgpack.Unmarshal(bMachs.Get(machId), rec); err != nil {
			return err
		}
		rec.LastTracking = time.Now().UTC()
		rec.Stored = stored
		rec.Written += uint64(len(entries))
		enc, err := msgpack.Marshal(rec)
		if err != nil {
			return err
		}

		return bMachs.Put(machId, enc)
	})
	if err != nil {
		s.onErr(err)
		return err
	}
	s.Saved.Add(uint64(len(entries)))

	return nil
}

// ///// ///// /////

// ///// DB

// ///// ///// /////

// GetMachine returns a machine record for a given machine id.
func GetMachine(db *bbolt.DB, id string) (*MachineRecord, error) {
	var ret *MachineRecord
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BuckMachines))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrNoMachine, id)
		}
		pack := b.Get([]byte(id))
		if pack == nil {
			return fmt.Errorf("%w: %s", ErrNoMachine, id)
		}
		ret = &MachineRecord{}

		return msgpack.Unmarshal(pack, ret)
	})

	return ret, err
}

// ListMachines returns a list of all machines in a database.
func ListMachines(db *bbolt.DB) ([]*MachineRecord, error) {
	ret := make([]*MachineRecord, 0)
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BuckMachines))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec := &MachineRecord{}
			if err := msgpack.Unmarshal(v, rec); err != nil {
				return err
			}
			ret = append(ret, rec)
		}

		return nil
	})

	return ret, err
}

// ListEntries returns all the stored entries of a machine, oldest first.
func ListEntries(db *bbolt.DB, machId string) ([]amhist.Entry, error) {
	var ret []amhist.Entry
	err := db.View(func(tx *bbolt.Tx) error {
		bMach := tx.Bucket([]byte(machId))
		if bMach == nil {
			return fmt.Errorf("%w: %s", ErrNoMachine, machId)
		}
		c := bMach.Bucket([]byte(BuckEntries)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry amhist.Entry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return err
			}
			ret = append(ret, entry)
		}

		return nil
	})

	return ret, err
}

// itob returns an 8-byte big endian representation of v.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
