package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/remote"
	"github.com/palss/localsync/internal/repo"
	"github.com/palss/localsync/internal/session"
	"github.com/palss/localsync/internal/store"
)

// fakeRemote is a scripted remote backend for one entity. Mutations
// fail with failWith until it is cleared; accepted creates get a
// server-assigned timestamp so tests can tell the authoritative record
// from the optimistic one.
type fakeRemote struct {
	entity models.EntityType

	mu       sync.Mutex
	records  map[string]models.Record
	failWith error
	serverAt time.Time
}

func newFakeRemote(entity models.EntityType) *fakeRemote {
	return &fakeRemote{
		entity:   entity,
		records:  make(map[string]models.Record),
		serverAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeRemote) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *fakeRemote) Entity() models.EntityType { return f.entity }

func (f *fakeRemote) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return models.Record{}, f.failWith
	}
	if f.entity.Mutable() {
		rec.Touch(f.serverAt)
	}
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *fakeRemote) Update(ctx context.Context, id string, changes map[string]any) (models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return models.Record{}, f.failWith
	}
	rec, ok := f.records[id]
	if !ok {
		return models.Record{}, repo.ErrNotFound
	}
	if err := rec.MergePayload(changes); err != nil {
		return models.Record{}, err
	}
	rec.Touch(f.serverAt)
	f.records[id] = rec
	return rec, nil
}

func (f *fakeRemote) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	delete(f.records, id)
	return nil
}

func (f *fakeRemote) Get(ctx context.Context, id string) (models.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	return rec, ok, nil
}

func (f *fakeRemote) List(ctx context.Context, filter repo.Filter) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Record
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRemote) ListSince(ctx context.Context, since *time.Time, limit int) (repo.Page, error) {
	records, _ := f.List(ctx, repo.Filter{})
	return repo.Page{Records: records}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWriter(t *testing.T, mode repo.Mode) (*Writer, *store.Store, *fakeRemote) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := newFakeRemote(models.EntityTasks)
	factory, err := repo.NewFactory(
		repo.LocalBackends(st),
		repo.Backends{models.EntityTasks: fake},
		mode,
	)
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}

	identity := session.Static{Identity: session.Identity{UserID: "user-1", OrgID: "org-1"}}
	w := NewWriter(NewQueue(st), factory, identity, discardLogger())
	return w, st, fake
}

func wait(t *testing.T, accepted Accepted) Outcome {
	t.Helper()
	select {
	case outcome := <-accepted.Done:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch outcome never arrived")
		return Outcome{}
	}
}

func transientErr() error {
	return &remote.Error{Kind: remote.KindNetworkUnavailable, Op: "POST /v1/tasks", Entity: models.EntityTasks, Err: errors.New("connection refused")}
}

func permanentErr() error {
	return &remote.Error{Kind: remote.KindPolicyDenied, Op: "POST /v1/tasks", Entity: models.EntityTasks, Err: errors.New("row not visible")}
}

func TestLocalModeWritesSynchronously(t *testing.T) {
	w, st, _ := testWriter(t, repo.ModeLocal)
	ctx := context.Background()

	accepted, err := w.Create(ctx, models.EntityTasks, models.Record{Payload: []byte(`{"title":"a"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if accepted.OutboxID != "" {
		t.Fatal("local mode must not touch the outbox")
	}
	outcome := wait(t, accepted)
	if outcome.Status != StatusSent || outcome.Err != nil {
		t.Fatalf("outcome: %+v", outcome)
	}

	_, ok, err := st.Get(ctx, models.EntityTasks, accepted.Record.ID)
	if err != nil || !ok {
		t.Fatalf("local record: ok=%v err=%v", ok, err)
	}

	items, err := w.queue.Items(ctx)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("outbox items in local mode: %d", len(items))
	}
}

func TestRemoteCreateConfirmed(t *testing.T) {
	w, st, fake := testWriter(t, repo.ModeRemote)
	ctx := context.Background()

	accepted, err := w.Create(ctx, models.EntityTasks, models.Record{Payload: []byte(`{"title":"a"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if accepted.OutboxID == "" {
		t.Fatal("remote create must be queued")
	}
	if accepted.Record.OrgID != "org-1" || accepted.Record.CreatedBy != "user-1" {
		t.Fatalf("identity stamping: %+v", accepted.Record)
	}

	outcome := wait(t, accepted)
	if outcome.Status != StatusSent {
		t.Fatalf("outcome: %+v", outcome)
	}
	// The id assigned at enqueue survives the round trip.
	if outcome.Record.ID != accepted.Record.ID {
		t.Fatalf("id changed in flight: %s -> %s", accepted.Record.ID, outcome.Record.ID)
	}

	item, ok, err := w.queue.Get(ctx, accepted.OutboxID)
	if err != nil || !ok {
		t.Fatalf("queue item: ok=%v err=%v", ok, err)
	}
	if item.Status != StatusSent {
		t.Fatalf("queue status: %s", item.Status)
	}

	// The cache holds the authoritative record, with the server timestamp.
	cached, ok, err := st.Get(ctx, models.EntityTasks, accepted.Record.ID)
	if err != nil || !ok {
		t.Fatalf("cached record: ok=%v err=%v", ok, err)
	}
	if cached.UpdatedAt == nil || !cached.UpdatedAt.Equal(fake.serverAt) {
		t.Fatalf("cached timestamp: got %v, want %v", cached.UpdatedAt, fake.serverAt)
	}
}

func TestRemoteCreatePermanentRejection(t *testing.T) {
	w, st, fake := testWriter(t, repo.ModeRemote)
	fake.fail(permanentErr())
	ctx := context.Background()

	accepted, err := w.Create(ctx, models.EntityTasks, models.Record{Payload: []byte(`{"title":"a"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	outcome := wait(t, accepted)
	if outcome.Status != StatusFailed {
		t.Fatalf("outcome: %+v", outcome)
	}
	if !remote.IsPermanent(outcome.Err) {
		t.Fatalf("outcome error: %v", outcome.Err)
	}

	item, _, _ := w.queue.Get(ctx, accepted.OutboxID)
	if item.Status != StatusFailed {
		t.Fatalf("queue status: %s", item.Status)
	}

	// A rejected write must never appear locally.
	_, ok, err := st.Get(ctx, models.EntityTasks, accepted.Record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("rejected write leaked into the local cache")
	}
}

func TestRemoteCreateTransientFailure(t *testing.T) {
	w, st, fake := testWriter(t, repo.ModeRemote)
	fake.fail(transientErr())
	ctx := context.Background()

	accepted, err := w.Create(ctx, models.EntityTasks, models.Record{Payload: []byte(`{"title":"a"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	outcome := wait(t, accepted)
	if outcome.Status != StatusPending {
		t.Fatalf("outcome: %+v", outcome)
	}

	item, _, _ := w.queue.Get(ctx, accepted.OutboxID)
	if item.Status != StatusPending || item.RetryCount != 1 {
		t.Fatalf("queue item: status=%s retries=%d", item.Status, item.RetryCount)
	}

	// The optimistic copy stays visible while the write waits for retry.
	_, ok, err := st.Get(ctx, models.EntityTasks, accepted.Record.ID)
	if err != nil || !ok {
		t.Fatalf("optimistic record: ok=%v err=%v", ok, err)
	}
}

func TestRetryAllRecovers(t *testing.T) {
	w, _, fake := testWriter(t, repo.ModeRemote)
	fake.fail(transientErr())
	ctx := context.Background()

	accepted, err := w.Create(ctx, models.EntityTasks, models.Record{Payload: []byte(`{"title":"a"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wait(t, accepted)

	fake.fail(nil)
	sent, unsent, err := w.RetryAll(ctx)
	if err != nil {
		t.Fatalf("retry all: %v", err)
	}
	if sent != 1 || unsent != 0 {
		t.Fatalf("retry all: sent=%d unsent=%d", sent, unsent)
	}

	item, _, _ := w.queue.Get(ctx, accepted.OutboxID)
	if item.Status != StatusSent {
		t.Fatalf("queue status after retry: %s", item.Status)
	}
	if _, ok, _ := fake.Get(ctx, accepted.Record.ID); !ok {
		t.Fatal("record never reached the remote backend")
	}
}

func TestRetryDueHonorsBackoff(t *testing.T) {
	w, _, fake := testWriter(t, repo.ModeRemote)
	fake.fail(transientErr())
	ctx := context.Background()

	accepted, err := w.Create(ctx, models.EntityTasks, models.Record{Payload: []byte(`{"title":"a"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wait(t, accepted)
	fake.fail(nil)

	// One failed attempt puts the item on the 5s delay; nothing is due yet.
	sent, err := w.RetryDue(ctx)
	if err != nil {
		t.Fatalf("retry due: %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent before backoff elapsed: %d", sent)
	}

	w.now = func() time.Time { return time.Now().Add(6 * time.Second) }
	sent, err = w.RetryDue(ctx)
	if err != nil {
		t.Fatalf("retry due: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent after backoff: got %d, want 1", sent)
	}
}

func TestRemoteUpdateFlow(t *testing.T) {
	w, st, fake := testWriter(t, repo.ModeRemote)
	ctx := context.Background()

	accepted, err := w.Create(ctx, models.EntityTasks, models.Record{Payload: []byte(`{"title":"a","status":"open"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wait(t, accepted)

	updated, err := w.Update(ctx, models.EntityTasks, accepted.Record.ID, map[string]any{"status": "done"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	outcome := wait(t, updated)
	if outcome.Status != StatusSent {
		t.Fatalf("outcome: %+v", outcome)
	}

	cached, _, err := st.Get(ctx, models.EntityTasks, accepted.Record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	fields, err := cached.PayloadFields()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if fields["status"] != "done" || fields["title"] != "a" {
		t.Fatalf("cached payload: %v", fields)
	}
	remoteRec, _, _ := fake.Get(ctx, accepted.Record.ID)
	remoteFields, _ := remoteRec.PayloadFields()
	if remoteFields["status"] != "done" {
		t.Fatalf("remote payload: %v", remoteFields)
	}
}

func TestRemoteDeleteFlow(t *testing.T) {
	w, st, fake := testWriter(t, repo.ModeRemote)
	ctx := context.Background()

	accepted, err := w.Create(ctx, models.EntityTasks, models.Record{Payload: []byte(`{"title":"a"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wait(t, accepted)

	deleted, err := w.Delete(ctx, models.EntityTasks, accepted.Record.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	outcome := wait(t, deleted)
	if outcome.Status != StatusSent {
		t.Fatalf("outcome: %+v", outcome)
	}

	if _, ok, _ := fake.Get(ctx, accepted.Record.ID); ok {
		t.Fatal("record still on the remote backend")
	}
	if _, ok, _ := st.Get(ctx, models.EntityTasks, accepted.Record.ID); ok {
		t.Fatal("record still in the local cache")
	}
}

func TestUpdateAppendOnlyRejected(t *testing.T) {
	w, _, _ := testWriter(t, repo.ModeLocal)

	_, err := w.Update(context.Background(), models.EntityComments, "c1", map[string]any{"body": "edited"})
	if err == nil {
		t.Fatal("append-only update should be rejected")
	}
}

func TestRetryRequiresRemoteMode(t *testing.T) {
	w, _, _ := testWriter(t, repo.ModeLocal)

	_, err := w.Retry(context.Background(), Item{ID: "x", Op: "tasks.create"})
	if err == nil {
		t.Fatal("retry in local mode should fail")
	}
}
