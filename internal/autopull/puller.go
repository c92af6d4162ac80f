package autopull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/palss/localsync/internal/metrics"
	"github.com/palss/localsync/internal/models"
	"github.com/palss/localsync/internal/repo"
	"github.com/palss/localsync/internal/store"
)

// Pagination bounds for one table in one cycle. A table with more
// changes than pageLimit*maxPages picks up where it left off next cycle.
const (
	pageLimit = 500
	maxPages  = 10
)

// ErrCycleInFlight is returned when a cycle is requested while the
// previous one is still running. The new cycle is skipped, never queued.
var ErrCycleInFlight = errors.New("pull cycle already running")

// TableOutcome is one table's result within a cycle.
type TableOutcome struct {
	Entity    models.EntityType
	Pulled    int
	Full      bool
	Completed bool
	Err       error
}

// Summary describes one finished cycle.
type Summary struct {
	StartedAt time.Time
	Duration  time.Duration
	Records   int
	Errors    int
	Tables    []TableOutcome
}

// Puller replicates remote changes into the local cache, one entity
// table at a time. A table whose state has no completed full sweep gets
// a full pull; otherwise an incremental pull from its watermark. Tables
// fail independently: an error on one is recorded in its state and the
// cycle moves on.
type Puller struct {
	store   *store.Store
	factory *repo.Factory
	states  *States
	sink    metrics.Sink
	logger  *slog.Logger
	now     func() time.Time

	inFlight atomic.Bool
}

// NewPuller wires the replication puller.
func NewPuller(st *store.Store, factory *repo.Factory, states *States, sink metrics.Sink, logger *slog.Logger) *Puller {
	return &Puller{
		store:   st,
		factory: factory,
		states:  states,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
}

// RunCycle executes one pull cycle across every entity table. At most
// one cycle runs at a time; a call that overlaps a running cycle
// returns ErrCycleInFlight without touching any table.
func (p *Puller) RunCycle(ctx context.Context) (Summary, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return Summary{}, ErrCycleInFlight
	}
	defer p.inFlight.Store(false)

	started := p.now().UTC()
	summary := Summary{StartedAt: started}

	for _, entity := range models.AllEntities() {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		outcome := p.pullTable(ctx, entity)
		summary.Tables = append(summary.Tables, outcome)
		summary.Records += outcome.Pulled
		if outcome.Err != nil {
			summary.Errors++
			p.logger.Warn("table pull failed", "entity", entity, "error", outcome.Err)
		}
	}

	summary.Duration = p.now().UTC().Sub(started)
	if err := p.saveLastCycle(ctx, summary); err != nil {
		p.logger.Error("save cycle record", "error", err)
	}
	if p.sink != nil {
		p.sink.ObservePull(sample(summary))
	}
	return summary, nil
}

const lastCycleKey = "autopull.last_cycle"

// CycleRecord is the persisted result of the most recent cycle, so any
// process over the same cache can report when replication last ran.
type CycleRecord struct {
	StartedAt  time.Time                 `json:"started_at"`
	DurationMS int64                     `json:"duration_ms"`
	Records    int                       `json:"records"`
	Tables     map[models.EntityType]int `json:"tables"`
	LastError  string                    `json:"last_error,omitempty"`
}

func (p *Puller) saveLastCycle(ctx context.Context, s Summary) error {
	record := CycleRecord{
		StartedAt:  s.StartedAt,
		DurationMS: s.Duration.Milliseconds(),
		Records:    s.Records,
		Tables:     make(map[models.EntityType]int, len(s.Tables)),
	}
	var failed []string
	for _, t := range s.Tables {
		record.Tables[t.Entity] = t.Pulled
		if t.Err != nil {
			failed = append(failed, string(t.Entity))
		}
	}
	if len(failed) > 0 {
		record.LastError = "tables failed: " + strings.Join(failed, ", ")
	}
	return p.store.SetKV(ctx, lastCycleKey, record)
}

// LastCycle loads the most recent cycle record, if any cycle has run.
func (p *Puller) LastCycle(ctx context.Context) (CycleRecord, bool, error) {
	var record CycleRecord
	ok, err := p.store.GetKV(ctx, lastCycleKey, &record)
	return record, ok, err
}

func sample(s Summary) metrics.PullSample {
	out := metrics.PullSample{
		StartedAt: s.StartedAt,
		Duration:  s.Duration,
		Records:   s.Records,
		Errors:    s.Errors,
		Tables:    make(map[string]metrics.TableResult, len(s.Tables)),
	}
	for _, t := range s.Tables {
		result := metrics.TableResult{Pulled: t.Pulled, Full: t.Full}
		if t.Err != nil {
			result.Error = t.Err.Error()
		}
		out.Tables[string(t.Entity)] = result
	}
	return out
}

// pullTable replicates one table and persists its updated state. The
// returned outcome carries the error, if any; state persistence errors
// take precedence since losing a watermark corrupts future cycles.
func (p *Puller) pullTable(ctx context.Context, entity models.EntityType) TableOutcome {
	outcome := TableOutcome{Entity: entity}

	state, err := p.states.Get(ctx, entity)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	source := p.factory.Remote(entity)
	if source == nil {
		outcome.Err = fmt.Errorf("pull %s: remote backend not configured", entity)
		return outcome
	}

	outcome.Full = state.LastFullPulledAt == nil
	if outcome.Full {
		state = p.fullPull(ctx, source, entity, state, &outcome)
	} else {
		state = p.incrementalPull(ctx, source, entity, state, &outcome)
	}

	if outcome.Err != nil {
		now := p.now().UTC()
		state.LastError = outcome.Err.Error()
		state.LastErrorAt = &now
	} else {
		state.LastError = ""
		state.LastErrorAt = nil
	}
	if err := p.states.Put(ctx, entity, state); err != nil {
		outcome.Err = err
	}
	return outcome
}

// fullPull sweeps the whole table. The first page replaces the local
// table so records deleted remotely disappear; later pages merge in.
// Watermarks are set only when the sweep completes within the page
// budget; a partial sweep leaves them unset so the next cycle starts
// the sweep over.
func (p *Puller) fullPull(ctx context.Context, source repo.Repository, entity models.EntityType, state TableState, outcome *TableOutcome) TableState {
	started := p.now().UTC()
	var since *time.Time
	for page := 0; page < maxPages; page++ {
		result, err := source.ListSince(ctx, since, pageLimit)
		if err != nil {
			outcome.Err = err
			return state
		}
		if page == 0 {
			if err := p.store.ReplaceAll(ctx, entity, result.Records); err != nil {
				outcome.Err = err
				return state
			}
			outcome.Pulled += len(result.Records)
		} else if err := p.merge(ctx, entity, result.Records, outcome); err != nil {
			outcome.Err = err
			return state
		}
		if !result.HasMore {
			// The sweep is anchored at its start time, not its end, so
			// writes landing mid-sweep are picked up incrementally.
			state.LastPulledAt = &started
			state.LastFullPulledAt = &started
			outcome.Completed = true
			return state
		}
		if result.Latest == nil {
			outcome.Err = fmt.Errorf("pull %s: page reports more data but no cursor", entity)
			return state
		}
		since = result.Latest
	}
	return state
}

// incrementalPull advances the table from its watermark. The watermark
// only ever moves to the highest record timestamp actually merged,
// never to wall-clock time.
func (p *Puller) incrementalPull(ctx context.Context, source repo.Repository, entity models.EntityType, state TableState, outcome *TableOutcome) TableState {
	since := state.LastPulledAt
	for page := 0; page < maxPages; page++ {
		result, err := source.ListSince(ctx, since, pageLimit)
		if err != nil {
			outcome.Err = err
			return state
		}
		if err := p.merge(ctx, entity, result.Records, outcome); err != nil {
			outcome.Err = err
			return state
		}
		if result.Latest != nil {
			state.LastPulledAt = result.Latest
			since = result.Latest
		}
		if !result.HasMore {
			outcome.Completed = true
			return state
		}
	}
	return state
}

func (p *Puller) merge(ctx context.Context, entity models.EntityType, records []models.Record, outcome *TableOutcome) error {
	for _, rec := range records {
		if err := p.store.PutIfNewer(ctx, entity, rec); err != nil {
			return fmt.Errorf("merge %s/%s: %w", entity, rec.ID, err)
		}
		outcome.Pulled++
	}
	return nil
}
