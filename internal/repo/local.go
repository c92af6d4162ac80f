package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/store"
)

// localRepository serves one entity type from the cache store. Its calls
// do not fail under normal operation; every error is local I/O.
type localRepository struct {
	store  *store.Store
	entity models.EntityType
	now    func() time.Time
}

// NewLocal returns the local-backend repository for one entity type.
func NewLocal(st *store.Store, entity models.EntityType) Repository {
	return &localRepository{store: st, entity: entity, now: time.Now}
}

// LocalBackends builds the full local backend set.
func LocalBackends(st *store.Store) Backends {
	backends := make(Backends, len(models.AllEntities()))
	for _, entity := range models.AllEntities() {
		backends[entity] = NewLocal(st, entity)
	}
	return backends
}

func (r *localRepository) Entity() models.EntityType { return r.entity }

func (r *localRepository) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := r.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if r.entity.Mutable() && rec.UpdatedAt == nil {
		rec.Touch(now)
	}
	if err := r.store.Put(ctx, r.entity, rec); err != nil {
		return models.Record{}, err
	}
	return rec, nil
}

func (r *localRepository) Update(ctx context.Context, id string, changes map[string]any) (models.Record, error) {
	rec, ok, err := r.store.Get(ctx, r.entity, id)
	if err != nil {
		return models.Record{}, err
	}
	if !ok {
		return models.Record{}, fmt.Errorf("update %s/%s: %w", r.entity, id, ErrNotFound)
	}
	if err := rec.MergePayload(changes); err != nil {
		return models.Record{}, fmt.Errorf("update %s/%s: %w", r.entity, id, err)
	}
	if r.entity.Mutable() {
		rec.Touch(r.now())
	}
	if err := r.store.Put(ctx, r.entity, rec); err != nil {
		return models.Record{}, err
	}
	return rec, nil
}

func (r *localRepository) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, r.entity, id)
}

func (r *localRepository) Get(ctx context.Context, id string) (models.Record, bool, error) {
	return r.store.Get(ctx, r.entity, id)
}

func (r *localRepository) List(ctx context.Context, filter Filter) ([]models.Record, error) {
	return r.store.List(ctx, r.entity, store.Filter{ClientID: filter.ClientID})
}

func (r *localRepository) ListSince(ctx context.Context, since *time.Time, limit int) (Page, error) {
	page, err := r.store.ListSince(ctx, r.entity, since, limit)
	if err != nil {
		return Page{}, err
	}
	return Page{Records: page.Records, HasMore: page.HasMore, Latest: page.Latest}, nil
}
