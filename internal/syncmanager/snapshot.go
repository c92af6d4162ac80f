package syncmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/store"
)

const snapshotKey = "syncmanager.snapshot"

// snapshotBlob is the persisted form of a safety snapshot: every local
// table captured at one instant, restorable byte-for-byte.
type snapshotBlob struct {
	TakenAt time.Time                             `json:"taken_at"`
	Tables  map[models.EntityType][]models.Record `json:"tables"`
}

// Snapshots persists a single safety snapshot of the local cache.
// Creating a new snapshot replaces the previous one.
type Snapshots struct {
	store *store.Store
	now   func() time.Time
}

// NewSnapshots wires snapshot persistence over the local store.
func NewSnapshots(st *store.Store) *Snapshots {
	return &Snapshots{store: st, now: time.Now}
}

// Create captures every local table and returns the snapshot time.
func (s *Snapshots) Create(ctx context.Context) (time.Time, error) {
	blob := snapshotBlob{
		TakenAt: s.now().UTC(),
		Tables:  make(map[models.EntityType][]models.Record, len(models.AllEntities())),
	}
	for _, entity := range models.AllEntities() {
		records, err := s.store.List(ctx, entity, store.Filter{})
		if err != nil {
			return time.Time{}, fmt.Errorf("snapshot %s: %w", entity, err)
		}
		blob.Tables[entity] = records
	}
	if err := s.store.SetKV(ctx, snapshotKey, blob); err != nil {
		return time.Time{}, fmt.Errorf("save snapshot: %w", err)
	}
	return blob.TakenAt, nil
}

// Restore replaces every local table with the snapshot's contents and
// returns when the snapshot was taken.
func (s *Snapshots) Restore(ctx context.Context) (time.Time, error) {
	var blob snapshotBlob
	ok, err := s.store.GetKV(ctx, snapshotKey, &blob)
	if err != nil {
		return time.Time{}, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return time.Time{}, fmt.Errorf("no snapshot to restore")
	}
	for _, entity := range models.AllEntities() {
		if err := s.store.ReplaceAll(ctx, entity, blob.Tables[entity]); err != nil {
			return time.Time{}, fmt.Errorf("restore %s: %w", entity, err)
		}
	}
	return blob.TakenAt, nil
}

// Time reports when the current snapshot was taken, if one exists.
func (s *Snapshots) Time(ctx context.Context) (time.Time, bool, error) {
	var blob snapshotBlob
	ok, err := s.store.GetKV(ctx, snapshotKey, &blob)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	return blob.TakenAt, ok, nil
}

// Has reports whether a snapshot exists.
func (s *Snapshots) Has(ctx context.Context) (bool, error) {
	_, ok, err := s.Time(ctx)
	return ok, err
}
