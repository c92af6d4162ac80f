package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/remote"
	"github.com/palss/localsync/internal/repo"
	"github.com/palss/localsync/internal/session"
)

// Outcome is the observable result of a dispatched write: the final
// outbox status, the authoritative record when the service accepted the
// write, and the classified error when it did not.
type Outcome struct {
	Status Status
	Record models.Record
	Err    error
}

// Accepted is returned as soon as a write is durably queued. Done
// resolves exactly once with the dispatch outcome; callers that only
// need optimistic acceptance can ignore it.
type Accepted struct {
	OutboxID string
	Record   models.Record
	Done     <-chan Outcome
}

// Writer issues mutations through the active backend. In local mode
// writes are synchronous. In remote mode every write is queued first,
// dispatched asynchronously, and settled by failure class: accepted
// writes merge the service's authoritative record into the cache,
// transient failures keep the optimistic local copy and stay queued,
// permanent rejections are never written locally.
type Writer struct {
	queue    *Queue
	factory  *repo.Factory
	identity session.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewWriter wires the optimistic writer.
func NewWriter(queue *Queue, factory *repo.Factory, identity session.Provider, logger *slog.Logger) *Writer {
	return &Writer{
		queue:    queue,
		factory:  factory,
		identity: identity,
		logger:   logger,
		now:      time.Now,
	}
}

// Create issues a create through the active backend.
func (w *Writer) Create(ctx context.Context, entity models.EntityType, rec models.Record) (Accepted, error) {
	if w.factory.Mode() == repo.ModeLocal {
		return w.createLocal(ctx, entity, rec)
	}

	// Stamp identity and assign the id locally so the record keeps the
	// same id on both backends once the service accepts it.
	who := w.identity.Current()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OrgID == "" {
		rec.OrgID = who.OrgID
	}
	if rec.CreatedBy == "" {
		rec.CreatedBy = who.UserID
	}
	now := w.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if entity.Mutable() && rec.UpdatedAt == nil {
		rec.Touch(now)
	}

	return w.enqueue(ctx, entity, ActionCreate, rec, rec)
}

// Update issues a partial update through the active backend.
func (w *Writer) Update(ctx context.Context, entity models.EntityType, id string, changes map[string]any) (Accepted, error) {
	if !entity.Mutable() {
		return Accepted{}, fmt.Errorf("update %s/%s: entity is append-only", entity, id)
	}
	if w.factory.Mode() == repo.ModeLocal {
		rec, err := w.factory.Local(entity).Update(ctx, id, changes)
		return settled(rec, err), err
	}
	// Snapshot what the record will look like once the change lands, so
	// the caller can render it before the dispatch settles.
	rec, ok, _ := w.factory.Local(entity).Get(ctx, id)
	if ok {
		if err := rec.MergePayload(changes); err == nil {
			rec.Touch(w.now().UTC())
		}
	}
	return w.enqueue(ctx, entity, ActionUpdate, updatePayload{ID: id, Changes: changes}, rec)
}

// Delete issues a delete through the active backend.
func (w *Writer) Delete(ctx context.Context, entity models.EntityType, id string) (Accepted, error) {
	if w.factory.Mode() == repo.ModeLocal {
		err := w.factory.Local(entity).Delete(ctx, id)
		return settled(models.Record{}, err), err
	}
	return w.enqueue(ctx, entity, ActionDelete, deletePayload{ID: id}, models.Record{})
}

func (w *Writer) createLocal(ctx context.Context, entity models.EntityType, rec models.Record) (Accepted, error) {
	created, err := w.factory.Local(entity).Create(ctx, rec)
	return settled(created, err), err
}

// settled builds an Accepted whose Done channel already holds the
// outcome, for the synchronous local path.
func settled(rec models.Record, err error) Accepted {
	done := make(chan Outcome, 1)
	outcome := Outcome{Status: StatusSent, Record: rec, Err: err}
	if err != nil {
		outcome.Status = StatusFailed
	}
	done <- outcome
	close(done)
	return Accepted{Record: rec, Done: done}
}

func (w *Writer) enqueue(ctx context.Context, entity models.EntityType, action Action, payload any, optimistic models.Record) (Accepted, error) {
	op := Op(entity, action)
	outboxID, err := w.queue.Enqueue(ctx, op, payload)
	if err != nil {
		return Accepted{}, err
	}

	done := make(chan Outcome, 1)
	go func() {
		// The enqueue context may end with the caller; dispatch runs on
		// its own deadline via the remote client's request timeout.
		item, ok, err := w.queue.Get(context.Background(), outboxID)
		if err != nil || !ok {
			done <- Outcome{Status: StatusFailed, Err: fmt.Errorf("load queued item %s: %w", outboxID, err)}
			close(done)
			return
		}
		done <- w.settle(context.Background(), item)
		close(done)
	}()

	return Accepted{OutboxID: outboxID, Record: optimistic, Done: done}, nil
}

// settle dispatches one queued item and records its status transition,
// applying the local side effect its failure class calls for.
func (w *Writer) settle(ctx context.Context, item Item) Outcome {
	rec, err := w.dispatch(ctx, item)
	if err == nil {
		if markErr := w.queue.MarkSent(ctx, item.ID); markErr != nil {
			w.logger.Error("outbox mark sent", "id", item.ID, "error", markErr)
		}
		w.applyConfirmed(ctx, item, rec)
		return Outcome{Status: StatusSent, Record: rec}
	}

	if remote.IsPermanent(err) {
		// An authorization or policy rejection means the write must not
		// exist anywhere; no local fallback.
		w.logger.Warn("outbox write rejected", "op", item.Op, "id", item.ID, "kind", remote.KindOf(err).String())
		if markErr := w.queue.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
			w.logger.Error("outbox mark failed", "id", item.ID, "error", markErr)
		}
		return Outcome{Status: StatusFailed, Err: err}
	}

	w.logger.Info("outbox write deferred", "op", item.Op, "id", item.ID, "kind", remote.KindOf(err).String())
	if markErr := w.queue.MarkRetrying(ctx, item.ID, err.Error()); markErr != nil {
		w.logger.Error("outbox mark retrying", "id", item.ID, "error", markErr)
	}
	w.applyOptimistic(ctx, item)
	return Outcome{Status: StatusPending, Err: err}
}

// dispatch replays one queued mutation against the remote backend.
func (w *Writer) dispatch(ctx context.Context, item Item) (models.Record, error) {
	entity, action, err := parseOp(item.Op)
	if err != nil {
		return models.Record{}, err
	}
	target := w.factory.Remote(entity)
	if target == nil {
		return models.Record{}, fmt.Errorf("dispatch %s: remote backend not configured", item.Op)
	}

	switch action {
	case ActionCreate:
		var rec models.Record
		if err := json.Unmarshal(item.Payload, &rec); err != nil {
			return models.Record{}, fmt.Errorf("decode %s payload: %w", item.Op, err)
		}
		return target.Create(ctx, rec)
	case ActionUpdate:
		var p updatePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return models.Record{}, fmt.Errorf("decode %s payload: %w", item.Op, err)
		}
		return target.Update(ctx, p.ID, p.Changes)
	case ActionDelete:
		var p deletePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return models.Record{}, fmt.Errorf("decode %s payload: %w", item.Op, err)
		}
		return models.Record{}, target.Delete(ctx, p.ID)
	}
	return models.Record{}, fmt.Errorf("unknown outbox op %q", item.Op)
}

// applyConfirmed merges the service's authoritative result into the
// local cache so both backends agree on ids and timestamps.
func (w *Writer) applyConfirmed(ctx context.Context, item Item, rec models.Record) {
	entity, action, err := parseOp(item.Op)
	if err != nil {
		return
	}
	local := w.factory.Local(entity)
	switch action {
	case ActionCreate, ActionUpdate:
		if _, err := local.Create(ctx, rec); err != nil {
			w.logger.Error("cache confirmed record", "op", item.Op, "record", rec.ID, "error", err)
		}
	case ActionDelete:
		var p deletePayload
		if json.Unmarshal(item.Payload, &p) == nil {
			if err := local.Delete(ctx, p.ID); err != nil {
				w.logger.Error("cache confirmed delete", "op", item.Op, "record", p.ID, "error", err)
			}
		}
	}
}

// applyOptimistic writes the queued mutation into the local cache after
// a transient failure, so the UI keeps showing the pending state.
func (w *Writer) applyOptimistic(ctx context.Context, item Item) {
	entity, action, err := parseOp(item.Op)
	if err != nil {
		return
	}
	local := w.factory.Local(entity)
	switch action {
	case ActionCreate:
		var rec models.Record
		if json.Unmarshal(item.Payload, &rec) != nil {
			return
		}
		if _, err := local.Create(ctx, rec); err != nil {
			w.logger.Error("cache optimistic record", "op", item.Op, "record", rec.ID, "error", err)
		}
	case ActionUpdate:
		var p updatePayload
		if json.Unmarshal(item.Payload, &p) != nil {
			return
		}
		if _, err := local.Update(ctx, p.ID, p.Changes); err != nil {
			w.logger.Warn("cache optimistic update", "op", item.Op, "record", p.ID, "error", err)
		}
	case ActionDelete:
		var p deletePayload
		if json.Unmarshal(item.Payload, &p) != nil {
			return
		}
		if err := local.Delete(ctx, p.ID); err != nil {
			w.logger.Error("cache optimistic delete", "op", item.Op, "record", p.ID, "error", err)
		}
	}
}

// Retry re-dispatches one queued item. It reports whether the item was
// sent. Unlike first dispatch, a transient failure here only records
// the attempt; the optimistic local copy was already written.
func (w *Writer) Retry(ctx context.Context, item Item) (bool, error) {
	if w.factory.Mode() != repo.ModeRemote {
		return false, fmt.Errorf("retry %s: not in remote mode", item.ID)
	}
	rec, err := w.dispatch(ctx, item)
	if err == nil {
		if markErr := w.queue.MarkSent(ctx, item.ID); markErr != nil {
			return true, markErr
		}
		w.applyConfirmed(ctx, item, rec)
		return true, nil
	}
	if remote.IsPermanent(err) {
		if markErr := w.queue.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
			return false, markErr
		}
		return false, err
	}
	if markErr := w.queue.MarkRetrying(ctx, item.ID, err.Error()); markErr != nil {
		return false, markErr
	}
	return false, err
}

// RetryAll re-dispatches every pending and failed item in enqueue
// order, then trims sent history. It returns how many items were sent
// and how many remain unsent.
func (w *Writer) RetryAll(ctx context.Context) (sent, unsent int, err error) {
	items, err := w.queue.Retriable(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, item := range items {
		ok, retryErr := w.Retry(ctx, item)
		if ok {
			sent++
			continue
		}
		unsent++
		if retryErr != nil {
			w.logger.Info("outbox retry failed", "op", item.Op, "id", item.ID, "error", retryErr)
		}
	}
	if _, cleanErr := w.queue.CleanupSent(ctx); cleanErr != nil {
		w.logger.Error("outbox cleanup", "error", cleanErr)
	}
	return sent, unsent, nil
}

// RetryDue re-dispatches pending items whose backoff window has
// elapsed. The watch loop calls this between replication cycles.
func (w *Writer) RetryDue(ctx context.Context) (sent int, err error) {
	if w.factory.Mode() != repo.ModeRemote {
		return 0, nil
	}
	items, err := w.queue.Pending(ctx)
	if err != nil {
		return 0, err
	}
	now := w.now()
	for _, item := range items {
		if !DueForRetry(item, now) {
			continue
		}
		if ok, _ := w.Retry(ctx, item); ok {
			sent++
		}
	}
	return sent, nil
}

func parseOp(op string) (models.EntityType, Action, error) {
	name, verb, found := strings.Cut(op, ".")
	if !found {
		return "", "", fmt.Errorf("malformed outbox op %q", op)
	}
	entity := models.EntityType(name)
	if !entity.Valid() {
		return "", "", fmt.Errorf("outbox op %q: unknown entity", op)
	}
	switch Action(verb) {
	case ActionCreate, ActionUpdate, ActionDelete:
		return entity, Action(verb), nil
	}
	return "", "", fmt.Errorf("outbox op %q: unknown action", op)
}
