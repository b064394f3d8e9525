// Package gorm provides machine history tracking in SQL databases via GORM,
// with SQLite as the default driver. Entries include the target state's data,
// encoded as JSON, and can be queried with [Store.FindLatest].
package gorm

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/gormlite"
	"github.com/ncruces/go-sqlite3/vfs"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	amhist "github.com/pancsta/asyncfsm/pkg/history"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

type Config struct {
	// TrackedStates limits the entries to transitions touching these states.
	// Nil tracks all.
	TrackedStates am.S
	// MaxEntries is the max amount of stored entries per machine (default:
	// 1000). The GC kicks in after 1.5x of that.
	MaxEntries int
	// QueueBatch is the amount of entries to save in bulk (default: 100).
	QueueBatch int
	// SavePool is the amount of goroutines doing bulk saving (default: 1).
	SavePool int
}

// ///// ///// /////

// ///// SCHEMA

// ///// ///// /////

// Machine is a tracked machine.
type Machine struct {
	ID uint32 `gorm:"primaryKey"`

	// rels

	Entries []Entry

	// data

	MachId     string `gorm:"column:mach_id;uniqueIndex"`
	StateNames datatypes.JSON

	// first time the machine has been tracked
	FirstTracking time.Time
	// last time a tracking of this machine has started
	LastTracking time.Time
	// last time a sync has been performed
	LastSync time.Time
	// amount of all the entries ever written
	Written uint64
}

// Entry is a single transition, with the target state's data.
type Entry struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	MachineID uint32 `gorm:"index"`

	From  string `gorm:"index"`
	To    string `gorm:"index"`
	Event string `gorm:"index"`
	Kind  string
	// Spontaneous is true for "always" rules.
	Spontaneous bool
	// Data is the data of the target state, null when not encodable.
	Data datatypes.JSON
	// QueueLen is the amount of events waiting during the transition.
	QueueLen int
	// HTime is the human time of the transition, in UTC.
	HTime time.Time `gorm:"column:h_time;index"`
}

// ToEntry converts the row into a generic history entry.
func (e *Entry) ToEntry() amhist.Entry {
	return amhist.Entry{
		From:        e.From,
		To:          e.To,
		Event:       e.Event,
		Kind:        e.Kind,
		Spontaneous: e.Spontaneous,
		Time:        e.HTime,
	}
}

// Query filters [Store.FindLatest]. Empty fields match everything.
type Query struct {
	From  string
	To    string
	Event string
	// Since excludes entries older than this time.
	Since time.Time
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
	s := t.store
	if !amhist.NewEntry(tx).Matches(s.Cfg.TrackedStates) {
		return
	}

	row := Entry{
		MachineID:   s.machRec.ID,
		From:        tx.From.Name,
		To:          tx.To.Name,
		Kind:        tx.Kind.String(),
		Spontaneous: tx.Spontaneous,
		QueueLen:    tx.QueueLen,
		HTime:       tx.Start.UTC(),
	}
	if tx.Event != nil {
		row.Event = tx.Event.Type
	}
	if len(tx.To.Data) > 0 {
		if j, err := json.Marshal(tx.To.Data); err == nil {
			row.Data = j
		}
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	s.queue = append(s.queue, row)
	if len(s.queue) >= s.Cfg.QueueBatch {
		s.writeDb()
	}
}

func (t *tracer) MachineStop(mach *am.Machine) {
	// errors go to onErr
	_ = t.store.Sync()
}

// ///// ///// /////

// ///// STORE

// ///// ///// /////

// Store writes transition entries of a single machine into SQL tables shared
// by all the tracked machines.
type Store struct {
	Db   *gorm.DB
	Mach *am.Machine
	// read-only config for this history
	Cfg Config

	// Saved is the amount of entries written by this store.
	Saved atomic.Uint64
	// SavedGc is the value of Saved during the last GC.
	SavedGc atomic.Uint64

	mx       sync.Mutex
	gcMx     sync.Mutex
	queue    []Entry
	machRec  *Machine
	savePool *errgroup.Group
	onErr    func(err error)
	tr       *tracer
	disposed atomic.Bool
}

// NewStore migrates the schema, upserts the machine record and binds a
// tracer to [mach]. [onErr] receives errors of background writes and can be
// nil.
func NewStore(
	db *gorm.DB, mach *am.Machine, cfg Config, onErr func(err error),
) (*Store, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = amhist.DefaultMaxEntries
	}
	if cfg.QueueBatch <= 0 {
		cfg.QueueBatch = 100
	}
	if cfg.SavePool <= 0 {
		cfg.SavePool = 1
	}
	if onErr == nil {
		onErr = func(err error) {
			mach.Log("history error: %s", err)
		}
	}

	if err := db.AutoMigrate(&Machine{}, &Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// upsert the machine record
	now := time.Now().UTC()
	names, err := json.Marshal(mach.Definition().StateNames())
	if err != nil {
		return nil, err
	}
	rec, err := GetMachine(db, mach.Id())
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = &Machine{
			MachId:        mach.Id(),
			FirstTracking: now,
		}
	case err != nil:
		return nil, err
	}
	rec.StateNames = names
	rec.LastTracking = now
	if err := db.Save(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to save: %w", err)
	}

	s := &Store{
		Db:       db,
		Mach:     mach,
		Cfg:      cfg,
		machRec:  rec,
		savePool: &errgroup.Group{},
		onErr:    onErr,
	}
	s.savePool.SetLimit(cfg.SavePool)
	s.tr = &tracer{store: s}
	mach.BindTracer(s.tr)

	return s, nil
}

// Sync writes all the pending entries and waits for background writes.
// Returns the first error of any write since the store got created.
func (s *Store) Sync() error {
	s.mx.Lock()
	s.writeDb()
	s.mx.Unlock()

	return s.savePool.Wait()
}

// Entries returns all the stored entries, oldest first. Pending entries
// require [Store.Sync] first.
func (s *Store) Entries() ([]Entry, error) {
	var ret []Entry
	err := s.Db.
		Where("machine_id = ?", s.machRec.ID).
		Order("id ASC").
		Find(&ret).Error

	return ret, err
}

// FindLatest returns up to [limit] newest entries matching [query], newest
// first.
func (s *Store) FindLatest(query Query, limit int) ([]Entry, error) {
	q := s.Db.Where("machine_id = ?", s.machRec.ID)
	if query.From != "" {
		q = q.Where("`from` = ?", query.From)
	}
	if query.To != "" {
		q = q.Where("`to` = ?", query.To)
	}
	if query.Event != "" {
		q = q.Where("event = ?", query.Event)
	}
	if !query.Since.IsZero() {
		q = q.Where("h_time >= ?", query.Since.UTC())
	}

	var ret []Entry
	err := q.Order("id DESC").Limit(limit).Find(&ret).Error

	return ret, err
}

// MachineRecord returns the record of the tracked machine.
func (s *Store) MachineRecord() (*Machine, error) {
	return GetMachine(s.Db, s.Mach.Id())
}

// Dispose flushes pending entries and stops tracking. The DB stays open.
func (s *Store) Dispose() error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	s.Mach.DetachTracer(s.tr)

	s.mx.Lock()
	s.save()
	s.mx.Unlock()

	return s.savePool.Wait()
}

// writeDb forks a bulk save of the queue, unless disposed. Requires
// [Store.mx].
func (s *Store) writeDb() {
	if s.disposed.Load() {
		return
	}
	s.save()
}

// save forks a bulk save of the queue. Requires [Store.mx].
func (s *Store) save() {
	if len(s.queue) == 0 {
		return
	}
	rows := s.queue
	s.queue = nil
	machId := s.machRec.ID

	s.savePool.Go(func() error {
		err := s.Db.Transaction(func(tx *gorm.DB) error {
			if err := tx.CreateInBatches(&rows, 100).Error; err != nil {
				return err
			}

			return tx.Model(&Machine{}).
				Where("id = ?", machId).
				Updates(map[string]any{
					"written":   gorm.Expr("written + ?", len(rows)),
					"last_sync": time.Now().UTC(),
				}).Error
		})
		if err != nil {
			err = fmt.Errorf("failed to save: %w", err)
			s.onErr(err)
			return err
		}
		s.Saved.Add(uint64(len(rows)))
		s.checkGc()

		return nil
	})
}

// checkGc removes the oldest entries over MaxEntries, once enough new ones
// got saved.
func (s *Store) checkGc() {
	sinceLastGc := s.SavedGc.Load()
	now := s.Saved.Load()
	if float32(now-sinceLastGc) <= float32(s.Cfg.MaxEntries)*1.5 ||
		!s.gcMx.TryLock() {

		return
	}
	defer s.gcMx.Unlock()

	id := s.machRec.ID
	err := s.Db.
		Where("machine_id = ?", id).
		Where("id NOT IN (?)", s.Db.Model(&Entry{}).
			Select("id").
			Where("machine_id = ?", id).
			Order("id DESC").
			Limit(s.Cfg.MaxEntries)).
		Delete(&Entry{}).Error
	if err != nil {
		s.onErr(fmt.Errorf("failed to GC: %w", err))
	}

	s.SavedGc.Store(s.Saved.Load())
}

// ///// ///// /////

// ///// DB

// ///// ///// /////

// NewSqlite returns a new SQLite DB for GORM, stored in "[name].sqlite"
// ("fsmhist.sqlite" by default).
func NewSqlite(name string, debug bool) (*gorm.DB, *sql.DB, error) {
	if name == "" {
		name = "fsmhist"
	}

	cfg := logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Silent,
		Colorful:                  true,
		IgnoreRecordNotFoundError: true,
	}
	if debug {
		cfg.LogLevel = logger.Info
		cfg.IgnoreRecordNotFoundError = false
	}

	dbG, err := gorm.Open(gormlite.Open(name+".sqlite"), &gorm.Config{
		Logger: logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), cfg),
	})
	if err != nil {
		return nil, nil, err
	}
	dbSql, err := dbG.DB()
	if err != nil {
		return nil, nil, err
	}

	if !vfs.SupportsSharedMemory {
		if err = dbG.Exec(`PRAGMA locking_mode=exclusive`).Error; err != nil {
			return nil, nil, err
		}
	}

	// enable WAL
	if err = dbG.Exec(`PRAGMA journal_mode=wal;`).Error; err != nil {
		return nil, nil, err
	}

	return dbG, dbSql, nil
}

// GetMachine returns a machine record for a given machine id.
func GetMachine(db *gorm.DB, id string) (*Machine, error) {
	var m Machine
	if err := db.Where("mach_id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}

	return &m, nil
}

// ListMachines returns a list of all machines in a database.
func ListMachines(db *gorm.DB) ([]*Machine, error) {
	var ret []*Machine
	err := db.Order("id ASC").Find(&ret).Error

	return ret, err
}

// ListEntries returns up to [limit] newest entries of a machine, oldest
// first. Zero [limit] returns all of them.
func ListEntries(db *gorm.DB, machId string, limit int) ([]Entry, error) {
	rec, err := GetMachine(db, machId)
	if err != nil {
		return nil, err
	}

	q := db.Where("machine_id = ?", rec.ID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ret []Entry
	if err := q.Find(&ret).Error; err != nil {
		return nil, err
	}
	slices.Reverse(ret)

	return ret, nil
}
