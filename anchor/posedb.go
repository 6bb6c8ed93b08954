package anchor

import (
	"context"
	"fmt"
	"sort"

	"github.com/kwv/worldlock/mesh"
)

// PoseRecord is one persisted pin
type PoseRecord struct {
	Virtual mesh.Pose `json:"virtual"`
	Locked  mesh.Pose `json:"locked"`
}

// PoseStore persists the name-keyed pin table
type PoseStore interface {
	SavePoses(ctx context.Context, poses map[string]PoseRecord) error
	// LoadPoses returns nil, nil when nothing has been stored yet
	LoadPoses(ctx context.Context) (map[string]PoseRecord, error)
}

// PoseDB is the in-memory pin table in front of a PoseStore
type PoseDB struct {
	records map[string]PoseRecord
	store   PoseStore
}

// NewPoseDB creates an empty table; store may be nil for a memory-only table
func NewPoseDB(store PoseStore) *PoseDB {
	return &PoseDB{records: make(map[string]PoseRecord), store: store}
}

// Store returns the backing store, or nil
func (db *PoseDB) Store() PoseStore {
	return db.store
}

func (db *PoseDB) Set(name string, rec PoseRecord) {
	db.records[name] = rec
}

func (db *PoseDB) Get(name string) (PoseRecord, bool) {
	rec, ok := db.records[name]
	return rec, ok
}

// Forget removes name and reports whether it was present
func (db *PoseDB) Forget(name string) bool {
	if _, ok := db.records[name]; !ok {
		return false
	}
	delete(db.records, name)
	return true
}

// Empty removes every record
func (db *PoseDB) Empty() {
	db.records = make(map[string]PoseRecord)
}

// Len returns the number of records
func (db *PoseDB) Len() int {
	return len(db.records)
}

// Names returns the record names in sorted order
func (db *PoseDB) Names() []string {
	names := make([]string, 0, len(db.records))
	for name := range db.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the table, safe to hand to another goroutine
func (db *PoseDB) Snapshot() map[string]PoseRecord {
	out := make(map[string]PoseRecord, len(db.records))
	for k, v := range db.records {
		out[k] = v
	}
	return out
}

// Replace swaps the table for a copy of records
func (db *PoseDB) Replace(records map[string]PoseRecord) {
	db.records = make(map[string]PoseRecord, len(records))
	for k, v := range records {
		db.records[k] = v
	}
}

// Save writes the table to the store
func (db *PoseDB) Save(ctx context.Context) error {
	if db.store == nil {
		return nil
	}
	if err := db.store.SavePoses(ctx, db.Snapshot()); err != nil {
		return fmt.Errorf("saving poses: %w", err)
	}
	return nil
}

// Fetch reads the store without touching the table. It returns nil, nil
// when the store is empty or absent.
func (db *PoseDB) Fetch(ctx context.Context) (map[string]PoseRecord, error) {
	if db.store == nil {
		return nil, nil
	}
	records, err := db.store.LoadPoses(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading poses: %w", err)
	}
	return records, nil
}
