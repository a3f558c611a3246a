package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"factline/internal/domain"
)

const runColumns = `id, dataset, sync_type, status, started_at, completed_at, records_processed, records_skipped, error`

// CreateSyncRun appends a run row, normally in the running state.
func (r Repo) CreateSyncRun(ctx context.Context, run domain.SyncRun) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_runs(`+runColumns+`)
VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Dataset, run.SyncType, run.Status, fmtTime(run.StartedAt), fmtTimePtr(run.CompletedAt),
		run.Processed, run.Skipped, nullableString(run.Error))
	if err != nil {
		return fmt.Errorf("create sync run: %w", err)
	}
	return nil
}

// FinishSyncRun stamps a terminal status on a running run. Rows that
// already reached a terminal status are immutable, so finishing a run
// that is not running fails with ErrNotFound.
func (r Repo) FinishSyncRun(ctx context.Context, id, status string, completedAt time.Time, processed, skipped int, errMsg *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sync_runs
SET status = ?, completed_at = ?, records_processed = ?, records_skipped = ?, error = ?
WHERE id = ? AND status = ?`,
		status, fmtTime(completedAt), processed, skipped, nullableString(errMsg), id, domain.RunRunning)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("running sync run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) GetSyncRun(ctx context.Context, id string) (domain.SyncRun, error) {
	run, err := scanSyncRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return domain.SyncRun{}, ErrNotFound
	}
	if err != nil {
		return domain.SyncRun{}, fmt.Errorf("get sync run: %w", err)
	}
	return run, nil
}

// RunFilter narrows ListSyncRuns. The zero value lists every dataset,
// newest first, capped at DefaultRunLimit.
type RunFilter struct {
	Dataset string
	Limit   int
}

const DefaultRunLimit = 50

func (r Repo) ListSyncRuns(ctx context.Context, f RunFilter) ([]domain.SyncRun, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	query := `SELECT ` + runColumns + ` FROM sync_runs`
	args := []any{}
	if f.Dataset != "" {
		query += ` WHERE dataset = ?`
		args = append(args, f.Dataset)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.SyncRun{}
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list sync runs: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastSyncTime returns the completion time of the most recently finished
// run across all datasets, or nil when nothing has finished yet.
func (r Repo) LastSyncTime(ctx context.Context) (*time.Time, error) {
	var s sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(completed_at) FROM sync_runs WHERE completed_at IS NOT NULL`).Scan(&s)
	if err != nil {
		return nil, fmt.Errorf("last sync time: %w", err)
	}
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, fmt.Errorf("last sync time: %w", err)
	}
	return &t, nil
}

// HasCompletedRun reports whether the dataset ever landed data (a success
// or partial run), which decides whether the next run is labeled initial.
func (r Repo) HasCompletedRun(ctx context.Context, dataset string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_runs WHERE dataset = ? AND status IN (?, ?)`,
		dataset, domain.RunSuccess, domain.RunPartial).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check sync history: %w", err)
	}
	return n > 0, nil
}

// PruneSyncRuns trims run history to the newest keep rows per dataset and
// returns the number of rows removed.
func (r Repo) PruneSyncRuns(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sync_runs WHERE id NOT IN (
SELECT id FROM sync_runs s2 WHERE s2.dataset = sync_runs.dataset
ORDER BY s2.started_at DESC, s2.id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune sync runs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncRun(s rowScanner) (domain.SyncRun, error) {
	var (
		run                 domain.SyncRun
		startedAt           string
		completedAt, errMsg sql.NullString
	)
	err := s.Scan(&run.ID, &run.Dataset, &run.SyncType, &run.Status, &startedAt, &completedAt, &run.Processed, &run.Skipped, &errMsg)
	if err != nil {
		return domain.SyncRun{}, err
	}
	started, err := parseTime(startedAt)
	if err != nil {
		return domain.SyncRun{}, fmt.Errorf("sync run %s: %w", run.ID, err)
	}
	run.StartedAt = started
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return domain.SyncRun{}, fmt.Errorf("sync run %s: %w", run.ID, err)
		}
		run.CompletedAt = &t
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}
