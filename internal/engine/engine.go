package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"factline/internal/catalog"
	"factline/internal/config"
	"factline/internal/domain"
	"factline/internal/repo"
	"factline/internal/transform"
	"factline/internal/warehouse"
)

// Engine orchestrates extract-transform-load runs over the dataset DAG.
// One cycle at a time; datasets within a dependency level run concurrently.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Warehouse warehouse.Executor
	Config    *config.Config
	Log       *log.Logger
	Now       func() time.Time

	cycleMu sync.Mutex

	mu       sync.Mutex
	disabled map[string]string
}

func New(db *sql.DB, wh warehouse.Executor, cfg *config.Config) *Engine {
	return &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Warehouse: wh,
		Config:    cfg,
		Log:       log.New(os.Stderr, "[sync] ", log.LstdFlags),
		Now:       time.Now,
		disabled:  map[string]string{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
	}
}

// CycleOptions select which datasets run and how the runs are labeled.
// An empty Datasets list syncs everything; naming a dataset pulls in its
// transitive predecessors so it never runs against stale prerequisites.
// SyncType manual or initial bypasses the scheduled labeling; empty or
// scheduled lets the engine label a dataset's first-ever run initial.
type CycleOptions struct {
	Datasets []string
	SyncType string
}

// CycleResult is the outcome of one orchestrated cycle, one run per
// dataset in dependency order.
type CycleResult struct {
	StartedAt time.Time
	Runs      []domain.SyncRun
}

// Counts tallies the cycle's runs by terminal status.
func (c CycleResult) Counts() (success, partial, failed, skipped int) {
	for _, r := range c.Runs {
		switch r.Status {
		case domain.RunSuccess:
			success++
		case domain.RunPartial:
			partial++
		case domain.RunFailed:
			failed++
		case domain.RunSkippedDep:
			skipped++
		}
	}
	return
}

// RunCycle executes one full sync cycle level by level. Per-dataset
// failures are recorded on the returned runs, not returned as an error;
// the error return covers setup problems only.
func (e *Engine) RunCycle(ctx context.Context, opts CycleOptions) (CycleResult, error) {
	if e.Config == nil {
		return CycleResult{}, errors.New("config not loaded")
	}
	switch opts.SyncType {
	case "", domain.SyncScheduled, domain.SyncManual, domain.SyncInitial:
	default:
		return CycleResult{}, fmt.Errorf("unknown sync type %s", opts.SyncType)
	}
	jobs, err := selectJobs(opts.Datasets)
	if err != nil {
		return CycleResult{}, err
	}
	levels, err := catalog.Levels(jobs)
	if err != nil {
		return CycleResult{}, err
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	res := CycleResult{StartedAt: e.now().UTC()}
	cycle := map[string]domain.SyncRun{}
	var mu sync.Mutex
	e.logf("cycle started (%d datasets)", len(jobs))

	for _, level := range levels {
		var wg sync.WaitGroup
		for _, job := range level {
			if !e.Config.Enabled(job.Dataset) {
				e.logf("dataset %s disabled in config, skipping", job.Dataset)
				continue
			}
			if reason, off := e.disabledReason(job.Dataset); off {
				e.logf("dataset %s disabled after configuration error: %s", job.Dataset, reason)
				continue
			}
			if reason := e.blockReason(job, cycle); reason != "" {
				run := e.recordSkip(ctx, job.Dataset, opts.SyncType, reason)
				mu.Lock()
				cycle[job.Dataset] = run
				mu.Unlock()
				continue
			}
			wg.Add(1)
			go func(job catalog.Job) {
				defer wg.Done()
				run := e.runDataset(ctx, job, opts.SyncType)
				mu.Lock()
				cycle[job.Dataset] = run
				mu.Unlock()
			}(job)
		}
		wg.Wait()
		for _, job := range level {
			if run, ok := cycle[job.Dataset]; ok {
				res.Runs = append(res.Runs, run)
			}
		}
	}

	success, partial, failed, skipped := res.Counts()
	e.logf("cycle finished: %d success, %d partial, %d failed, %d skipped", success, partial, failed, skipped)
	return res, nil
}

// selectJobs resolves the requested dataset names to job definitions,
// expanded with their transitive predecessors, in catalog order.
func selectJobs(names []string) ([]catalog.Job, error) {
	if len(names) == 0 {
		return catalog.Jobs(), nil
	}
	want := map[string]bool{}
	var add func(name string) error
	add = func(name string) error {
		if want[name] {
			return nil
		}
		job, err := catalog.JobByDataset(name)
		if err != nil {
			return err
		}
		want[name] = true
		for _, p := range job.Predecessors {
			if err := add(p); err != nil {
				return err
			}
		}
		return nil
	}
	for _, n := range names {
		if err := add(n); err != nil {
			return nil, err
		}
	}
	var out []catalog.Job
	for _, j := range catalog.Jobs() {
		if want[j.Dataset] {
			out = append(out, j)
		}
	}
	return out, nil
}

// blockReason decides dependency gating for one job against the current
// cycle's finished runs. A predecessor absent from the cycle was disabled
// in config by the operator and does not block; a predecessor disabled by
// a configuration error, or one that failed or was itself skipped this
// cycle, blocks the dependent.
func (e *Engine) blockReason(job catalog.Job, cycle map[string]domain.SyncRun) string {
	for _, pred := range job.Predecessors {
		if reason, off := e.disabledReason(pred); off {
			return fmt.Sprintf("predecessor %s disabled: %s", pred, reason)
		}
		run, ok := cycle[pred]
		if !ok {
			continue
		}
		if !run.Unblocks() {
			return fmt.Sprintf("predecessor %s %s", pred, run.Status)
		}
	}
	return ""
}

// runDataset executes the extract-transform-load pipeline for one dataset
// and finalizes its run row exactly once.
func (e *Engine) runDataset(ctx context.Context, job catalog.Job, requested string) domain.SyncRun {
	started := e.now().UTC()
	run := domain.SyncRun{
		ID:        uuid.New().String(),
		Dataset:   job.Dataset,
		SyncType:  e.resolveSyncType(ctx, job.Dataset, requested),
		Status:    domain.RunRunning,
		StartedAt: started,
	}
	if err := e.Repo.CreateSyncRun(ctx, run); err != nil {
		e.logf("dataset %s: record run: %v", job.Dataset, err)
		run.Status = domain.RunFailed
		msg := err.Error()
		run.Error = &msg
		return run
	}

	rep, err := e.syncOne(ctx, job)
	completed := e.now().UTC()

	var errMsg *string
	switch {
	case err != nil:
		class := classify(err)
		run.Status = domain.RunFailed
		s := class.Error()
		errMsg = &s
		if errors.Is(class, ErrConfiguration) {
			e.disable(job.Dataset, err.Error())
			e.logf("dataset %s: configuration error, disabled until restart: %v", job.Dataset, err)
		} else {
			e.logf("dataset %s: %v", job.Dataset, class)
		}
	case rep.loadErr != nil:
		run.Status = domain.RunPartial
		s := rep.loadErr.Error()
		errMsg = &s
		e.logf("dataset %s: load aborted after %d records: %v", job.Dataset, rep.result.Written, rep.loadErr)
	case rep.skipped > 0:
		run.Status = domain.RunPartial
		e.logf("dataset %s: %d written, %d skipped", job.Dataset, rep.result.Written, rep.skipped)
	default:
		run.Status = domain.RunSuccess
		e.logf("dataset %s: %d written", job.Dataset, rep.result.Written)
	}
	run.CompletedAt = &completed
	run.Processed = rep.result.Written
	run.Skipped = rep.skipped
	run.Error = errMsg
	if ferr := e.Repo.FinishSyncRun(ctx, run.ID, run.Status, completed, run.Processed, run.Skipped, errMsg); ferr != nil {
		e.logf("dataset %s: finalize run: %v", job.Dataset, ferr)
	}
	return run
}

type datasetReport struct {
	result  repo.LoadResult
	skipped int
	loadErr error
}

// syncOne runs extract, transform and load for one dataset. The returned
// error is fatal for the run; batch-abort load errors and per-row drops
// are carried in the report instead so the run lands on partial.
func (e *Engine) syncOne(ctx context.Context, job catalog.Job) (datasetReport, error) {
	var rep datasetReport
	scope := e.scope()
	syncedAt := e.now().UTC()
	batch := e.Config.BatchSizeFor(job.Dataset)
	ext := warehouse.Extractor{Exec: e.Warehouse, Timeout: e.Config.QueryTimeout(), Log: e.Log}

	switch job.Dataset {
	case catalog.DatasetContributors:
		rows, skipped, err := ext.Roster(ctx, scope)
		if err != nil {
			return rep, err
		}
		rep.skipped += skipped
		recs, drops := transform.RosterFacts(rows, syncedAt)
		if err := e.noteDrops(job.Dataset, drops, &rep); err != nil {
			return rep, err
		}
		res, unresolved, err := e.Repo.LoadContributors(ctx, recs, batch)
		rep.result = res
		if err != nil {
			rep.loadErr = err
			rep.skipped += res.Failed
			return rep, nil
		}
		rep.skipped += len(unresolved)
		for _, u := range unresolved {
			e.logf("dataset %s: %v", job.Dataset, u)
		}

	case catalog.DatasetTaskFacts:
		rows, skipped, err := ext.Tasks(ctx, scope)
		if err != nil {
			return rep, err
		}
		rep.skipped += skipped
		facts, drops := transform.TaskFacts(rows, syncedAt)
		if err := e.noteDrops(job.Dataset, drops, &rep); err != nil {
			return rep, err
		}
		res, err := e.Repo.LoadTaskFacts(ctx, facts, batch)
		rep.result = res
		if err != nil {
			rep.loadErr = err
			rep.skipped += res.Failed
		}

	case catalog.DatasetCompletions:
		rows, skipped, err := ext.Transitions(ctx, scope)
		if err != nil {
			return rep, err
		}
		rep.skipped += skipped
		recs, drops := transform.CompletionFacts(rows, syncedAt)
		if err := e.noteDrops(job.Dataset, drops, &rep); err != nil {
			return rep, err
		}
		res, err := e.Repo.LoadCompletions(ctx, recs, batch)
		rep.result = res
		if err != nil {
			rep.loadErr = err
			rep.skipped += res.Failed
		}

	case catalog.DatasetHandleTimes:
		rows, skipped, err := ext.Transitions(ctx, scope)
		if err != nil {
			return rep, err
		}
		rep.skipped += skipped
		recs := transform.HandleTimes(rows, syncedAt)
		res, err := e.Repo.LoadHandleTimes(ctx, recs, batch)
		rep.result = res
		if err != nil {
			rep.loadErr = err
			rep.skipped += res.Failed
		}

	case catalog.DatasetReviewFacts:
		reviews, skipped, err := ext.Reviews(ctx, scope)
		if err != nil {
			return rep, err
		}
		rep.skipped += skipped
		transitions, skipped, err := ext.Transitions(ctx, scope)
		if err != nil {
			return rep, err
		}
		rep.skipped += skipped
		recs, drops := transform.AttributeReviews(reviews, transitions, syncedAt)
		if err := e.noteDrops(job.Dataset, drops, &rep); err != nil {
			return rep, err
		}
		res, err := e.Repo.LoadReviewFacts(ctx, recs, batch)
		rep.result = res
		if err != nil {
			rep.loadErr = err
			rep.skipped += res.Failed
		}

	case catalog.DatasetDailyRollups:
		rows, skipped, err := ext.Activity(ctx, scope)
		if err != nil {
			return rep, err
		}
		rep.skipped += skipped
		recs, drops := transform.RollupFacts(rows, syncedAt)
		if err := e.noteDrops(job.Dataset, drops, &rep); err != nil {
			return rep, err
		}
		res, err := e.Repo.LoadDailyRollups(ctx, recs, batch)
		rep.result = res
		if err != nil {
			rep.loadErr = err
			rep.skipped += res.Failed
		}

	default:
		return rep, fmt.Errorf("%w: no pipeline for dataset %s", warehouse.ErrBadTemplate, job.Dataset)
	}
	return rep, nil
}

// noteDrops logs per-row transform drops and counts them toward partial.
// An unmapped raw status is not a bad row but a stale status mapping, so
// it escalates to a fatal configuration error instead.
func (e *Engine) noteDrops(dataset string, drops []error, rep *datasetReport) error {
	for _, d := range drops {
		if errors.Is(d, transform.ErrUnmappedStatus) {
			return d
		}
	}
	for _, d := range drops {
		e.logf("dataset %s: dropped row: %v", dataset, d)
	}
	rep.skipped += len(drops)
	return nil
}

func (e *Engine) scope() catalog.Scope {
	now := e.now().UTC()
	s := catalog.Scope{
		ProjectKey:      e.Config.Scope.Project,
		ExcludedBatches: e.Config.Scope.ExcludedBatches,
		To:              now,
	}
	if d := e.Config.Scope.LookbackDays; d > 0 {
		s.From = now.AddDate(0, 0, -d)
	}
	return s
}

// resolveSyncType labels a run. Manual and initial pass through; for a
// scheduled or unlabeled trigger the dataset's first-ever run is initial.
func (e *Engine) resolveSyncType(ctx context.Context, dataset, requested string) string {
	if requested != "" && requested != domain.SyncScheduled {
		return requested
	}
	seen, err := e.Repo.HasCompletedRun(ctx, dataset)
	if err != nil {
		e.logf("dataset %s: check sync history: %v", dataset, err)
		return domain.SyncScheduled
	}
	if !seen {
		return domain.SyncInitial
	}
	return domain.SyncScheduled
}

// recordSkip writes a skipped-dependency run row. CompletedAt is set on
// insert, so the row is born terminal and immutable.
func (e *Engine) recordSkip(ctx context.Context, dataset, requested, reason string) domain.SyncRun {
	now := e.now().UTC()
	run := domain.SyncRun{
		ID:          uuid.New().String(),
		Dataset:     dataset,
		SyncType:    e.resolveSyncType(ctx, dataset, requested),
		Status:      domain.RunSkippedDep,
		StartedAt:   now,
		CompletedAt: &now,
		Error:       &reason,
	}
	if err := e.Repo.CreateSyncRun(ctx, run); err != nil {
		e.logf("dataset %s: record skip: %v", dataset, err)
	}
	e.logf("dataset %s skipped: %s", dataset, reason)
	return run
}

func (e *Engine) disable(dataset, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disabled == nil {
		e.disabled = map[string]string{}
	}
	e.disabled[dataset] = reason
}

func (e *Engine) disabledReason(dataset string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.disabled[dataset]
	return reason, ok
}

// Disabled lists datasets switched off by configuration errors in this
// process, keyed by dataset name.
func (e *Engine) Disabled() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.disabled))
	for k, v := range e.disabled {
		out[k] = v
	}
	return out
}
