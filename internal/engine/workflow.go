package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/user/larksync"
	"github.com/user/larksync/internal/config"
	"github.com/user/larksync/internal/metrics"
	"github.com/user/larksync/pkg/fieldproc"
	"github.com/user/larksync/pkg/processlog"
	"github.com/user/larksync/pkg/schema"
)

// Worker runs sync cycles over table bindings.
type Worker struct {
	rt     *Runtime
	schema *schema.Schema
}

// NewWorker builds a worker over rt and the field mapping schema.
func NewWorker(rt *Runtime, s *schema.Schema) *Worker {
	return &Worker{rt: rt, schema: s}
}

// tableContext is the per-cycle view of one table: resolved tokens, the
// projection plan, and the processing log.
type tableContext struct {
	binding  config.Binding
	appToken string
	plan     *fieldproc.Plan
	proj     *fieldproc.Projector
	store    *processlog.Store
}

func (w *Worker) prepare(ctx context.Context, binding config.Binding) (*tableContext, error) {
	appToken, err := w.rt.Sink.ResolveAppToken(ctx, binding.WikiToken)
	if err != nil {
		return nil, fmt.Errorf("resolve app token for %s: %w", binding.Key(), err)
	}
	columns, err := w.rt.Sink.ListFields(ctx, appToken, binding.TableID)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", binding.Key(), err)
	}
	plan, err := fieldproc.NewPlan(w.schema, columns, binding.ExcludedFields, w.rt.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("build plan for %s: %w", binding.Key(), err)
	}
	store, err := w.rt.Log(binding.TableID)
	if err != nil {
		return nil, err
	}
	return &tableContext{
		binding:  binding,
		appToken: appToken,
		plan:     plan,
		proj:     fieldproc.NewProjector(plan, w.rt.Users, w.rt.Logger),
		store:    store,
	}, nil
}

// RunCycle executes one sync pass over binding: cold start if the table has
// no processing log yet, then the incremental search/filter/project/upsert
// sequence. The cycle outcome is recorded in the history regardless of
// status.
func (w *Worker) RunCycle(ctx context.Context, binding config.Binding, opts CycleOptions) (metrics.Cycle, error) {
	started := time.Now()
	ActiveCycles.Inc()
	defer ActiveCycles.Dec()

	cycle := metrics.Cycle{
		ID:        uuid.NewString(),
		Team:      binding.Team,
		Table:     binding.Table,
		TableID:   binding.TableID,
		Mode:      ModeIncremental,
		StartedAt: started,
	}
	if opts.FullUpdate {
		cycle.Mode = ModeFullUpdate
	}

	err := w.runCycle(ctx, binding, opts, &cycle)
	cycle.FinishedAt = time.Now()
	switch {
	case err != nil:
		cycle.Status = metrics.StatusFailed
		cycle.Error = err.Error()
	case cycle.Failed > 0:
		cycle.Status = metrics.StatusPartial
	default:
		cycle.Status = metrics.StatusOK
	}

	CyclesTotal.WithLabelValues(binding.Team, binding.Table, cycle.Status).Inc()
	CycleDuration.WithLabelValues(binding.Team, binding.Table).
		Observe(cycle.FinishedAt.Sub(started).Seconds())

	if w.rt.History != nil {
		if herr := w.rt.History.Record(ctx, cycle); herr != nil {
			w.rt.Logger.Error("failed to record cycle history", "cycle", cycle.ID, "error", herr)
		}
	}
	return cycle, err
}

func (w *Worker) runCycle(ctx context.Context, binding config.Binding, opts CycleOptions, cycle *metrics.Cycle) error {
	tc, err := w.prepare(ctx, binding)
	if err != nil {
		return err
	}

	initialized, err := tc.store.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if !initialized {
		cycle.Mode = ModeColdStart
		if err := w.coldStart(ctx, tc); err != nil {
			return err
		}
	}

	issues, err := w.rt.Source.Search(ctx, binding.JQLQuery, w.schema.SourceFields())
	if err != nil {
		return err
	}
	cycle.Scanned = len(issues)
	IssuesScanned.WithLabelValues(binding.Team, binding.Table).Add(float64(len(issues)))

	stale := issues
	if !opts.FullUpdate {
		stale, err = tc.store.FilterStale(ctx, issues)
		if err != nil {
			return err
		}
	}
	cycle.Stale = len(stale)
	IssuesStale.WithLabelValues(binding.Team, binding.Table).Add(float64(len(stale)))

	if len(stale) == 0 {
		w.rt.Logger.Debug("nothing to sync", "binding", binding.Key(), "scanned", cycle.Scanned)
		return nil
	}

	w.rt.Logger.Info("syncing stale issues",
		"binding", binding.Key(), "scanned", cycle.Scanned, "stale", cycle.Stale, "mode", cycle.Mode)

	result, err := w.upsert(ctx, tc, stale)
	cycle.Created = result.created
	cycle.Updated = result.updated
	cycle.Failed = result.failed
	return err
}

// coldStart adopts the rows already present in the sink table: each row's
// identity cell yields an issue key that is logged with the zero watermark,
// so the following incremental pass rewrites it from the source.
func (w *Worker) coldStart(ctx context.Context, tc *tableContext) error {
	records, err := w.rt.Sink.ListRecords(ctx, tc.appToken, tc.binding.TableID)
	if err != nil {
		return fmt.Errorf("cold start scan of %s: %w", tc.binding.Key(), err)
	}

	adopted := 0
	for _, record := range records {
		key := identityKey(record, tc.plan.IdentityColumn())
		if key == "" {
			w.rt.Logger.Warn("row without identity cell skipped during cold start",
				"binding", tc.binding.Key(), "record", record.ID)
			continue
		}
		err := tc.store.Record(ctx, key, record.ID, processlog.ColdStartSentinel, processlog.OutcomeColdStart)
		if err != nil {
			return err
		}
		adopted++
	}
	w.rt.Logger.Info("cold start complete",
		"binding", tc.binding.Key(), "rows", len(records), "adopted", adopted)
	return nil
}

// RunSingleIssue syncs exactly one issue into binding's table, bypassing the
// staleness filter.
func (w *Worker) RunSingleIssue(ctx context.Context, binding config.Binding, issueKey string) (metrics.Cycle, error) {
	started := time.Now()
	cycle := metrics.Cycle{
		ID:        uuid.NewString(),
		Team:      binding.Team,
		Table:     binding.Table,
		TableID:   binding.TableID,
		Mode:      ModeSingleIssue,
		StartedAt: started,
	}

	err := func() error {
		tc, err := w.prepare(ctx, binding)
		if err != nil {
			return err
		}
		issue, err := w.rt.Source.Get(ctx, issueKey, w.schema.SourceFields())
		if err != nil {
			return err
		}
		cycle.Scanned = 1
		cycle.Stale = 1

		result, err := w.upsert(ctx, tc, map[string]larksync.Issue{issue.Key: issue})
		cycle.Created = result.created
		cycle.Updated = result.updated
		cycle.Failed = result.failed
		return err
	}()

	cycle.FinishedAt = time.Now()
	switch {
	case err != nil:
		cycle.Status = metrics.StatusFailed
		cycle.Error = err.Error()
	case cycle.Failed > 0:
		cycle.Status = metrics.StatusPartial
	default:
		cycle.Status = metrics.StatusOK
	}
	if w.rt.History != nil {
		if herr := w.rt.History.Record(ctx, cycle); herr != nil {
			w.rt.Logger.Error("failed to record cycle history", "cycle", cycle.ID, "error", herr)
		}
	}
	return cycle, err
}

// identityKey extracts the issue key from a row's identity hyperlink cell.
func identityKey(record larksync.Record, column string) string {
	cell, ok := record.Fields[column]
	if !ok {
		return ""
	}
	switch v := cell.(type) {
	case map[string]interface{}:
		if text, ok := v["text"].(string); ok {
			return text
		}
	case larksync.Hyperlink:
		return v.Text
	case string:
		return v
	}
	return ""
}
