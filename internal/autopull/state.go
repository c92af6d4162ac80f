// Package autopull implements background replication from the remote
// data service into the local cache: per-table watermark state, the
// pull cycle itself, and the scheduler that runs it on an interval.
package autopull

import (
	"context"
	"fmt"
	"time"

	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/store"
)

// TableState tracks replication progress for one entity table. A nil
// LastFullPulledAt means the table has never completed a full sweep and
// the next cycle starts from scratch.
type TableState struct {
	LastPulledAt     *time.Time `json:"last_pulled_at"`
	LastFullPulledAt *time.Time `json:"last_full_pulled_at"`
	LastError        string     `json:"last_error,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
}

func stateKey(entity models.EntityType) string {
	return "autopull.table." + string(entity)
}

// States loads replication state for every entity table.
type States struct {
	store *store.Store
}

// NewStates wires table-state persistence over the local store.
func NewStates(st *store.Store) *States {
	return &States{store: st}
}

// Get loads one table's state. A table never pulled yields the zero state.
func (s *States) Get(ctx context.Context, entity models.EntityType) (TableState, error) {
	var state TableState
	if _, err := s.store.GetKV(ctx, stateKey(entity), &state); err != nil {
		return TableState{}, fmt.Errorf("load pull state %s: %w", entity, err)
	}
	return state, nil
}

// Put persists one table's state.
func (s *States) Put(ctx context.Context, entity models.EntityType, state TableState) error {
	if err := s.store.SetKV(ctx, stateKey(entity), state); err != nil {
		return fmt.Errorf("save pull state %s: %w", entity, err)
	}
	return nil
}

// All loads every table's state keyed by entity.
func (s *States) All(ctx context.Context) (map[models.EntityType]TableState, error) {
	out := make(map[models.EntityType]TableState, len(models.AllEntities()))
	for _, entity := range models.AllEntities() {
		state, err := s.Get(ctx, entity)
		if err != nil {
			return nil, err
		}
		out[entity] = state
	}
	return out, nil
}

// Reset clears one table's watermarks, forcing a full sweep next cycle.
func (s *States) Reset(ctx context.Context, entity models.EntityType) error {
	if err := s.store.DeleteKV(ctx, stateKey(entity)); err != nil {
		return fmt.Errorf("reset pull state %s: %w", entity, err)
	}
	return nil
}

// ResetAll clears every table's watermarks.
func (s *States) ResetAll(ctx context.Context) error {
	for _, entity := range models.AllEntities() {
		if err := s.Reset(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}
