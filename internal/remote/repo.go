package remote

import (
	"context"
	"net/url"
	"time"

	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/repo"
)

// repository adapts the HTTP client to the repository contract for one
// entity type.
type repository struct {
	client *Client
	entity models.EntityType
}

// NewRepository returns the remote-backend repository for one entity type.
func NewRepository(c *Client, entity models.EntityType) repo.Repository {
	return &repository{client: c, entity: entity}
}

// Backends builds the full remote backend set over one client.
func Backends(c *Client) repo.Backends {
	backends := make(repo.Backends, len(models.AllEntities()))
	for _, entity := range models.AllEntities() {
		backends[entity] = NewRepository(c, entity)
	}
	return backends
}

func (r *repository) Entity() models.EntityType { return r.entity }

func (r *repository) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	return r.client.Create(ctx, r.entity, rec)
}

func (r *repository) Update(ctx context.Context, id string, changes map[string]any) (models.Record, error) {
	return r.client.Update(ctx, r.entity, id, changes)
}

func (r *repository) Delete(ctx context.Context, id string) error {
	return r.client.Delete(ctx, r.entity, id)
}

func (r *repository) Get(ctx context.Context, id string) (models.Record, bool, error) {
	return r.client.Get(ctx, r.entity, id)
}

func (r *repository) List(ctx context.Context, filter repo.Filter) ([]models.Record, error) {
	params := url.Values{}
	if filter.ClientID != "" {
		params.Set("client_id", filter.ClientID)
	}
	return r.client.List(ctx, r.entity, params)
}

func (r *repository) ListSince(ctx context.Context, since *time.Time, limit int) (repo.Page, error) {
	records, hasMore, err := r.client.ListSince(ctx, r.entity, since, limit)
	if err != nil {
		return repo.Page{}, err
	}
	page := repo.Page{Records: records, HasMore: hasMore}
	for _, rec := range records {
		ts := rec.Timestamp()
		if page.Latest == nil || ts.After(*page.Latest) {
			t := ts
			page.Latest = &t
		}
	}
	return page, nil
}
