// Package repo defines the per-entity repository contract every component
// of the sync engine programs against, the local implementation backed by
// the cache store, and the factory that resolves the active backend from
// the process-wide data mode.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/palss/localsync/internal/models"
)

// ErrNotFound is returned by Update when the target record is absent.
var ErrNotFound = errors.New("record not found")

// Filter narrows List results. The zero value matches everything.
type Filter struct {
	ClientID string
}

// Page is one slice of a watermark-cursor listing used by replication.
type Page struct {
	Records []models.Record
	HasMore bool
	Latest  *time.Time
}

// Repository is the uniform entity contract. One instance serves one
// entity type; callers never know whether the local cache or the remote
// data service is behind it.
type Repository interface {
	Entity() models.EntityType

	Create(ctx context.Context, rec models.Record) (models.Record, error)
	Update(ctx context.Context, id string, changes map[string]any) (models.Record, error)
	Delete(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (models.Record, bool, error)
	List(ctx context.Context, filter Filter) ([]models.Record, error)

	// ListSince returns records changed strictly after since, ascending by
	// timestamp, at most limit per page. A nil since lists from the start.
	ListSince(ctx context.Context, since *time.Time, limit int) (Page, error)
}

// Backends maps every entity type to a repository of one backend.
type Backends map[models.EntityType]Repository
