// Package syncmanager implements operator-driven reconciliation between
// the local cache and the remote data service: bulk push and pull,
// integrity checking, safety snapshots and confirmed destructive clears.
package syncmanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/repo"
	"github.com/palss/localsync/internal/store"
)

// ConfirmToken must be passed verbatim to the destructive operations.
const ConfirmToken = "CLEAR"

const lastSyncKey = "syncmanager.last_sync"

// ErrNotConfirmed is returned when a destructive operation is invoked
// without the confirmation token.
var ErrNotConfirmed = fmt.Errorf("confirmation token %q required", ConfirmToken)

// Progress reports bulk operation advancement, per entity table.
type Progress func(entity models.EntityType, done, total int)

// RecordError is one record's failure within a bulk operation.
type RecordError struct {
	Entity models.EntityType
	ID     string
	Err    error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Entity, e.ID, e.Err)
}

// PushResult summarizes a bulk push.
type PushResult struct {
	Created int
	Updated int
	Skipped int
	Errors  []RecordError
}

// PullResult summarizes a bulk pull.
type PullResult struct {
	Records int
	Tables  map[models.EntityType]int
}

// Severity grades an integrity finding.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one integrity finding.
type Issue struct {
	Severity Severity
	Entity   models.EntityType
	Message  string
}

// Report is the result of an integrity check.
type Report struct {
	CheckedAt time.Time
	Issues    []Issue
}

// Clean reports whether the check found nothing.
func (r Report) Clean() bool { return len(r.Issues) == 0 }

// Stats summarizes both backends for the status surface.
type Stats struct {
	Local      map[models.EntityType]int
	Remote     map[models.EntityType]int
	LastSyncAt *time.Time
}

// PullStateResetter clears replication watermarks. Clearing the local
// cache must also clear them or the next pull would silently skip
// everything already watermarked.
type PullStateResetter interface {
	ResetAll(ctx context.Context) error
}

// Manager performs reconciliation. Bulk operations always take a
// safety snapshot before mutating anything, so a bad reconciliation is
// recoverable with Restore.
type Manager struct {
	store     *store.Store
	factory   *repo.Factory
	snapshots *Snapshots
	pullState PullStateResetter
	logger    *slog.Logger
	now       func() time.Time
}

// New wires the reconciliation manager. pullState may be nil when no
// replication state exists.
func New(st *store.Store, factory *repo.Factory, snapshots *Snapshots, pullState PullStateResetter, logger *slog.Logger) *Manager {
	return &Manager{
		store:     st,
		factory:   factory,
		snapshots: snapshots,
		pullState: pullState,
		logger:    logger,
		now:       time.Now,
	}
}

// Snapshots exposes the snapshot store for the CLI surface.
func (m *Manager) Snapshots() *Snapshots { return m.snapshots }

// Stats counts records on both backends. Remote counts are best effort:
// an unreachable service leaves the remote map nil.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Local: make(map[models.EntityType]int, len(models.AllEntities()))}
	for _, entity := range models.AllEntities() {
		n, err := m.store.Count(ctx, entity)
		if err != nil {
			return Stats{}, err
		}
		stats.Local[entity] = n
	}

	if m.factory.Remote(models.EntityClients) != nil {
		remoteCounts := make(map[models.EntityType]int, len(models.AllEntities()))
		reachable := true
		for _, entity := range models.AllEntities() {
			records, err := m.factory.Remote(entity).List(ctx, repo.Filter{})
			if err != nil {
				m.logger.Warn("remote count unavailable", "entity", entity, "error", err)
				reachable = false
				break
			}
			remoteCounts[entity] = len(records)
		}
		if reachable {
			stats.Remote = remoteCounts
		}
	}

	var last time.Time
	if ok, err := m.store.GetKV(ctx, lastSyncKey, &last); err != nil {
		return Stats{}, err
	} else if ok {
		stats.LastSyncAt = &last
	}
	return stats, nil
}

// LastSyncTime reports when a bulk reconciliation last completed.
func (m *Manager) LastSyncTime(ctx context.Context) (time.Time, bool, error) {
	var last time.Time
	ok, err := m.store.GetKV(ctx, lastSyncKey, &last)
	return last, ok, err
}

func (m *Manager) markSynced(ctx context.Context) {
	if err := m.store.SetKV(ctx, lastSyncKey, m.now().UTC()); err != nil {
		m.logger.Error("record sync time", "error", err)
	}
}

// PushLocalToRemote uploads every local record to the remote service,
// keeping record ids so both backends converge on the same identities.
// Existing mutable records are patched; append-only records already on
// the service are left alone. Individual record failures are collected,
// not fatal. A snapshot is taken before the first upload.
func (m *Manager) PushLocalToRemote(ctx context.Context, onProgress Progress) (PushResult, error) {
	var result PushResult

	if _, err := m.snapshots.Create(ctx); err != nil {
		return result, fmt.Errorf("pre-push snapshot: %w", err)
	}

	// Clients go first so records referencing them never arrive ahead
	// of their parent.
	for _, entity := range models.AllEntities() {
		target := m.factory.Remote(entity)
		if target == nil {
			return result, fmt.Errorf("push %s: remote backend not configured", entity)
		}
		records, err := m.store.List(ctx, entity, store.Filter{})
		if err != nil {
			return result, err
		}
		for i, rec := range records {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			m.pushRecord(ctx, target, entity, rec, &result)
			if onProgress != nil {
				onProgress(entity, i+1, len(records))
			}
		}
	}

	m.markSynced(ctx)
	return result, nil
}

func (m *Manager) pushRecord(ctx context.Context, target repo.Repository, entity models.EntityType, rec models.Record, result *PushResult) {
	_, exists, err := target.Get(ctx, rec.ID)
	if err != nil {
		result.Errors = append(result.Errors, RecordError{Entity: entity, ID: rec.ID, Err: err})
		return
	}
	switch {
	case !exists:
		if _, err := target.Create(ctx, rec); err != nil {
			result.Errors = append(result.Errors, RecordError{Entity: entity, ID: rec.ID, Err: err})
			return
		}
		result.Created++
	case entity.Mutable():
		changes, err := rec.PayloadFields()
		if err != nil {
			result.Errors = append(result.Errors, RecordError{Entity: entity, ID: rec.ID, Err: err})
			return
		}
		if _, err := target.Update(ctx, rec.ID, changes); err != nil {
			result.Errors = append(result.Errors, RecordError{Entity: entity, ID: rec.ID, Err: err})
			return
		}
		result.Updated++
	default:
		result.Skipped++
	}
}

// PullRemoteToLocal replaces the local cache with the remote service's
// full contents. A snapshot is taken before anything is overwritten.
func (m *Manager) PullRemoteToLocal(ctx context.Context, onProgress Progress) (PullResult, error) {
	result := PullResult{Tables: make(map[models.EntityType]int, len(models.AllEntities()))}

	if _, err := m.snapshots.Create(ctx); err != nil {
		return result, fmt.Errorf("pre-pull snapshot: %w", err)
	}

	for _, entity := range models.AllEntities() {
		source := m.factory.Remote(entity)
		if source == nil {
			return result, fmt.Errorf("pull %s: remote backend not configured", entity)
		}
		records, err := source.List(ctx, repo.Filter{})
		if err != nil {
			return result, fmt.Errorf("pull %s: %w", entity, err)
		}
		if err := m.store.ReplaceAll(ctx, entity, records); err != nil {
			return result, fmt.Errorf("replace %s: %w", entity, err)
		}
		result.Tables[entity] = len(records)
		result.Records += len(records)
		if onProgress != nil {
			onProgress(entity, len(records), len(records))
		}
	}

	m.markSynced(ctx)
	return result, nil
}

// CheckIntegrity compares both backends and validates local
// referential integrity. Count mismatches are warnings since pending
// outbox items legitimately cause drift; a record pointing at a client
// that does not exist locally is an error.
func (m *Manager) CheckIntegrity(ctx context.Context) (Report, error) {
	report := Report{CheckedAt: m.now().UTC()}

	clients, err := m.store.List(ctx, models.EntityClients, store.Filter{})
	if err != nil {
		return report, err
	}
	known := make(map[string]bool, len(clients))
	for _, c := range clients {
		known[c.ID] = true
	}

	for _, entity := range models.AllEntities() {
		localCount, err := m.store.Count(ctx, entity)
		if err != nil {
			return report, err
		}

		if source := m.factory.Remote(entity); source != nil {
			remoteRecords, err := source.List(ctx, repo.Filter{})
			if err != nil {
				report.Issues = append(report.Issues, Issue{
					Severity: SeverityWarning,
					Entity:   entity,
					Message:  fmt.Sprintf("remote unavailable: %v", err),
				})
			} else if len(remoteRecords) != localCount {
				report.Issues = append(report.Issues, Issue{
					Severity: SeverityWarning,
					Entity:   entity,
					Message:  fmt.Sprintf("count mismatch: %d local, %d remote", localCount, len(remoteRecords)),
				})
			}
		}

		if entity == models.EntityClients {
			continue
		}
		records, err := m.store.List(ctx, entity, store.Filter{})
		if err != nil {
			return report, err
		}
		for _, rec := range records {
			if rec.ClientID != "" && !known[rec.ClientID] {
				report.Issues = append(report.Issues, Issue{
					Severity: SeverityError,
					Entity:   entity,
					Message:  fmt.Sprintf("record %s references missing client %s", rec.ID, rec.ClientID),
				})
			}
		}
	}
	return report, nil
}

// ClearRemote deletes every record from the remote service. confirm
// must equal ConfirmToken.
func (m *Manager) ClearRemote(ctx context.Context, confirm string) (int, error) {
	if confirm != ConfirmToken {
		return 0, ErrNotConfirmed
	}
	deleted := 0
	// Reverse entity order so children go before the clients they
	// reference.
	entities := models.AllEntities()
	for i := len(entities) - 1; i >= 0; i-- {
		entity := entities[i]
		target := m.factory.Remote(entity)
		if target == nil {
			return deleted, fmt.Errorf("clear %s: remote backend not configured", entity)
		}
		records, err := target.List(ctx, repo.Filter{})
		if err != nil {
			return deleted, fmt.Errorf("clear %s: %w", entity, err)
		}
		for _, rec := range records {
			if err := target.Delete(ctx, rec.ID); err != nil {
				return deleted, fmt.Errorf("clear %s/%s: %w", entity, rec.ID, err)
			}
			deleted++
		}
	}
	m.logger.Info("remote cleared", "deleted", deleted)
	return deleted, nil
}

// ClearLocal empties the local cache and resets replication watermarks
// so the next pull is a full sweep. confirm must equal ConfirmToken.
func (m *Manager) ClearLocal(ctx context.Context, confirm string) error {
	if confirm != ConfirmToken {
		return ErrNotConfirmed
	}
	for _, entity := range models.AllEntities() {
		if err := m.store.ClearEntity(ctx, entity); err != nil {
			return fmt.Errorf("clear local %s: %w", entity, err)
		}
	}
	if m.pullState != nil {
		if err := m.pullState.ResetAll(ctx); err != nil {
			return err
		}
	}
	m.logger.Info("local cache cleared")
	return nil
}
