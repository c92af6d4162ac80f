package autopull

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/palss/localsync/internal/metrics"
	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/remote"
	"github.com/palss/localsync/internal/repo"
	"github.com/palss/localsync/internal/store"
)

// scriptedSource serves pre-built pages in order, recording the cursors
// it was asked for. Reads past the script return an empty final page.
type scriptedSource struct {
	entity    models.EntityType
	pages     []repo.Page
	err       error
	calls     int
	sinceSeen []*time.Time
	block     chan struct{} // when set, ListSince waits on it
}

func (s *scriptedSource) Entity() models.EntityType { return s.entity }

func (s *scriptedSource) ListSince(ctx context.Context, since *time.Time, limit int) (repo.Page, error) {
	if s.block != nil {
		<-s.block
	}
	s.sinceSeen = append(s.sinceSeen, since)
	if s.err != nil {
		return repo.Page{}, s.err
	}
	if s.calls >= len(s.pages) {
		return repo.Page{}, nil
	}
	page := s.pages[s.calls]
	s.calls++
	return page, nil
}

func (s *scriptedSource) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	return models.Record{}, errors.New("not scripted")
}
func (s *scriptedSource) Update(ctx context.Context, id string, changes map[string]any) (models.Record, error) {
	return models.Record{}, errors.New("not scripted")
}
func (s *scriptedSource) Delete(ctx context.Context, id string) error { return errors.New("not scripted") }
func (s *scriptedSource) Get(ctx context.Context, id string) (models.Record, bool, error) {
	return models.Record{}, false, nil
}
func (s *scriptedSource) List(ctx context.Context, filter repo.Filter) ([]models.Record, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *store.Store
	states  *States
	puller  *Puller
	sources map[models.EntityType]*scriptedSource
	sink    *metrics.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sources := make(map[models.EntityType]*scriptedSource)
	backends := make(repo.Backends)
	for _, entity := range models.AllEntities() {
		src := &scriptedSource{entity: entity}
		sources[entity] = src
		backends[entity] = src
	}

	factory, err := repo.NewFactory(repo.LocalBackends(st), backends, repo.ModeRemote)
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}

	states := NewStates(st)
	sink := &metrics.MemorySink{}
	puller := NewPuller(st, factory, states, sink, discardLogger())
	return &fixture{store: st, states: states, puller: puller, sources: sources, sink: sink}
}

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 9, minute, 0, 0, time.UTC)
}

func pulled(id string, minute int) models.Record {
	ts := at(minute)
	return models.Record{ID: id, CreatedAt: at(0), UpdatedAt: &ts, Payload: []byte(`{}`)}
}

func page(hasMore bool, records ...models.Record) repo.Page {
	p := repo.Page{Records: records, HasMore: hasMore}
	for _, rec := range records {
		ts := rec.Timestamp()
		if p.Latest == nil || ts.After(*p.Latest) {
			t := ts
			p.Latest = &t
		}
	}
	return p
}

func TestFullPullSetsWatermarks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sources[models.EntityTasks].pages = []repo.Page{
		page(false, pulled("a", 5), pulled("b", 10)),
	}

	summary, err := f.puller.RunCycle(ctx)
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if summary.Records != 2 || summary.Errors != 0 {
		t.Fatalf("summary: %+v", summary)
	}

	n, err := f.store.Count(ctx, models.EntityTasks)
	if err != nil || n != 2 {
		t.Fatalf("merged count: n=%d err=%v", n, err)
	}

	state, err := f.states.Get(ctx, models.EntityTasks)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.LastFullPulledAt == nil || state.LastPulledAt == nil {
		t.Fatalf("watermarks not set: %+v", state)
	}
	if state.LastError != "" {
		t.Fatalf("unexpected error recorded: %q", state.LastError)
	}

	// The next cycle is incremental and starts from the watermark.
	if _, err := f.puller.RunCycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	seen := f.sources[models.EntityTasks].sinceSeen
	last := seen[len(seen)-1]
	if last == nil || !last.Equal(*state.LastPulledAt) {
		t.Fatalf("incremental cursor: got %v, want %v", last, state.LastPulledAt)
	}
}

func TestFullPullPartialLeavesWatermarksUnset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Every page claims more data, so the sweep runs out of page budget.
	var pages []repo.Page
	for i := 0; i < maxPages+2; i++ {
		pages = append(pages, page(true, pulled("r", i+1)))
	}
	f.sources[models.EntityTasks].pages = pages

	summary, err := f.puller.RunCycle(ctx)
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if f.sources[models.EntityTasks].calls != maxPages {
		t.Fatalf("page budget: got %d calls, want %d", f.sources[models.EntityTasks].calls, maxPages)
	}

	state, err := f.states.Get(ctx, models.EntityTasks)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	// An incomplete sweep must not look complete: the next cycle starts
	// the full pull over.
	if state.LastFullPulledAt != nil || state.LastPulledAt != nil {
		t.Fatalf("partial sweep set watermarks: %+v", state)
	}
	for _, table := range summary.Tables {
		if table.Entity == models.EntityTasks && table.Completed {
			t.Fatal("partial sweep reported completed")
		}
	}
}

func TestIncrementalAdvancesToObservedTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	full := at(0)
	if err := f.states.Put(ctx, models.EntityTasks, TableState{
		LastPulledAt:     &full,
		LastFullPulledAt: &full,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	f.sources[models.EntityTasks].pages = []repo.Page{
		page(false, pulled("a", 20), pulled("b", 35)),
	}

	if _, err := f.puller.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	state, err := f.states.Get(ctx, models.EntityTasks)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	// The watermark is the newest record timestamp, not the cycle time.
	if state.LastPulledAt == nil || !state.LastPulledAt.Equal(at(35)) {
		t.Fatalf("watermark: got %v, want %v", state.LastPulledAt, at(35))
	}
	if !state.LastFullPulledAt.Equal(full) {
		t.Fatalf("full watermark moved: %v", state.LastFullPulledAt)
	}
}

func TestIncrementalEmptyCycleKeepsWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	full := at(10)
	if err := f.states.Put(ctx, models.EntityTasks, TableState{
		LastPulledAt:     &full,
		LastFullPulledAt: &full,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	if _, err := f.puller.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	state, _ := f.states.Get(ctx, models.EntityTasks)
	if !state.LastPulledAt.Equal(full) {
		t.Fatalf("empty cycle moved the watermark: %v", state.LastPulledAt)
	}
}

func TestTableErrorsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sources[models.EntityTasks].err = &remote.Error{
		Kind: remote.KindNetworkUnavailable, Op: "GET /v1/tasks",
		Entity: models.EntityTasks, Err: errors.New("connection reset"),
	}
	f.sources[models.EntityClients].pages = []repo.Page{
		page(false, pulled("c1", 5)),
	}

	summary, err := f.puller.RunCycle(ctx)
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if summary.Errors != 1 {
		t.Fatalf("errors: got %d, want 1", summary.Errors)
	}

	// The healthy table still replicated.
	n, err := f.store.Count(ctx, models.EntityClients)
	if err != nil || n != 1 {
		t.Fatalf("clients count: n=%d err=%v", n, err)
	}

	taskState, _ := f.states.Get(ctx, models.EntityTasks)
	if taskState.LastError == "" || taskState.LastErrorAt == nil {
		t.Fatalf("failed table state: %+v", taskState)
	}
	if taskState.LastFullPulledAt != nil {
		t.Fatal("failed full pull must not set the watermark")
	}
	clientState, _ := f.states.Get(ctx, models.EntityClients)
	if clientState.LastError != "" {
		t.Fatalf("healthy table carries an error: %q", clientState.LastError)
	}
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.sources[models.EntityClients].block = release

	done := make(chan error, 1)
	go func() {
		_, err := f.puller.RunCycle(ctx)
		done <- err
	}()

	// Wait for the first cycle to be inside its blocked table read.
	deadline := time.After(5 * time.Second)
	for !f.puller.inFlight.Load() {
		select {
		case <-deadline:
			t.Fatal("first cycle never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := f.puller.RunCycle(ctx); !errors.Is(err, ErrCycleInFlight) {
		t.Fatalf("overlapping cycle: got %v, want ErrCycleInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// With the first cycle finished, new cycles run again.
	if _, err := f.puller.RunCycle(ctx); err != nil {
		t.Fatalf("cycle after release: %v", err)
	}
}

func TestFullPullReplacesStaleLocalRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A row deleted remotely must disappear on the next full sweep.
	stale := pulled("gone", 1)
	if err := f.store.Put(ctx, models.EntityTasks, stale); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.sources[models.EntityTasks].pages = []repo.Page{
		page(false, pulled("kept", 5)),
	}

	if _, err := f.puller.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if _, ok, _ := f.store.Get(ctx, models.EntityTasks, "gone"); ok {
		t.Fatal("full pull kept a remotely deleted row")
	}
	if _, ok, _ := f.store.Get(ctx, models.EntityTasks, "kept"); !ok {
		t.Fatal("full pull lost a remote row")
	}
}

func TestCycleRecordPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, ok, err := f.puller.LastCycle(ctx); err != nil || ok {
		t.Fatalf("before any cycle: ok=%v err=%v", ok, err)
	}

	f.sources[models.EntityTasks].pages = []repo.Page{
		page(false, pulled("a", 5)),
	}
	f.sources[models.EntityContracts].err = errors.New("boom")

	if _, err := f.puller.RunCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	record, ok, err := f.puller.LastCycle(ctx)
	if err != nil || !ok {
		t.Fatalf("last cycle: ok=%v err=%v", ok, err)
	}
	if record.Records != 1 || record.Tables[models.EntityTasks] != 1 {
		t.Fatalf("record: %+v", record)
	}
	if record.LastError == "" {
		t.Fatal("failed table missing from cycle record")
	}
}

func TestCycleEmitsSample(t *testing.T) {
	f := newFixture(t)
	f.sources[models.EntityTasks].pages = []repo.Page{
		page(false, pulled("a", 5)),
	}

	if _, err := f.puller.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	sample, ok := f.sink.Last()
	if !ok {
		t.Fatal("no sample recorded")
	}
	if sample.Records != 1 {
		t.Fatalf("sample records: got %d, want 1", sample.Records)
	}
	if result, ok := sample.Tables["tasks"]; !ok || result.Pulled != 1 || !result.Full {
		t.Fatalf("sample table result: %+v", sample.Tables)
	}
}
