package repo

import (
	"context"
	"database/sql"
	"fmt"

	"factline/internal/domain"
)

// LoadResult summarizes one dataset load. Written counts records in
// committed batches; Failed counts everything else, the aborted batch and
// the never-attempted remainder alike.
type LoadResult struct {
	Written int `json:"written"`
	Failed  int `json:"failed"`
	Batches int `json:"batches"`
}

const DefaultBatchSize = 500

func normBatch(size int) int {
	if size <= 0 {
		return DefaultBatchSize
	}
	return size
}

// loadBatches writes records in fixed-size batches, one transaction per
// batch, sequentially. A failing batch rolls back alone: earlier batches
// stay committed, later ones are never attempted this run. The next run's
// idempotent upserts converge the table.
func (r Repo) loadBatches(ctx context.Context, total, batchSize int, write func(tx *sql.Tx, i int) error) (LoadResult, error) {
	var res LoadResult
	size := normBatch(batchSize)
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			res.Failed = total - res.Written
			return res, err
		}
		batchErr := func() error {
			for i := start; i < end; i++ {
				if err := write(tx, i); err != nil {
					return err
				}
			}
			return nil
		}()
		if batchErr != nil {
			tx.Rollback()
			res.Failed = total - res.Written
			return res, fmt.Errorf("batch %d: %w", res.Batches+1, batchErr)
		}
		if err := tx.Commit(); err != nil {
			res.Failed = total - res.Written
			return res, fmt.Errorf("batch %d commit: %w", res.Batches+1, err)
		}
		res.Written += end - start
		res.Batches++
	}
	return res, nil
}

func (r Repo) LoadTaskFacts(ctx context.Context, facts []domain.TaskFact, batchSize int) (LoadResult, error) {
	return r.loadBatches(ctx, len(facts), batchSize, func(tx *sql.Tx, i int) error {
		f := facts[i]
		_, err := tx.ExecContext(ctx, `INSERT INTO task_facts(task_key,project_key,batch_key,title,status,domain,assignee_key,created_at,completed_at,review_count,synced_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_key) DO UPDATE SET project_key=excluded.project_key, batch_key=excluded.batch_key,
 title=excluded.title, status=excluded.status, domain=excluded.domain, assignee_key=excluded.assignee_key,
 created_at=excluded.created_at, completed_at=excluded.completed_at,
 review_count=excluded.review_count, synced_at=excluded.synced_at`,
			f.TaskKey, f.ProjectKey, f.BatchKey, f.Title, f.Status, nullableString(f.Domain), nullableString(f.AssigneeKey),
			fmtTime(f.CreatedAt), fmtTimePtr(f.CompletedAt), f.ReviewCount, fmtTime(f.SyncedAt))
		return err
	})
}

func (r Repo) LoadCompletions(ctx context.Context, recs []domain.Completion, batchSize int) (LoadResult, error) {
	return r.loadBatches(ctx, len(recs), batchSize, func(tx *sql.Tx, i int) error {
		c := recs[i]
		_, err := tx.ExecContext(ctx, `INSERT INTO completions(task_key,seq,actor_key,completed_at,completion_count,rework,synced_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(task_key,seq) DO UPDATE SET actor_key=excluded.actor_key, completed_at=excluded.completed_at,
 completion_count=excluded.completion_count, rework=excluded.rework, synced_at=excluded.synced_at`,
			c.TaskKey, c.Seq, c.ActorKey, fmtTime(c.CompletedAt), c.Count, c.Rework, fmtTime(c.SyncedAt))
		return err
	})
}

func (r Repo) LoadHandleTimes(ctx context.Context, recs []domain.HandleTime, batchSize int) (LoadResult, error) {
	return r.loadBatches(ctx, len(recs), batchSize, func(tx *sql.Tx, i int) error {
		h := recs[i]
		_, err := tx.ExecContext(ctx, `INSERT INTO handle_times(task_key,actor_key,started_at,ended_at,seconds,minutes,synced_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(task_key) DO UPDATE SET actor_key=excluded.actor_key, started_at=excluded.started_at,
 ended_at=excluded.ended_at, seconds=excluded.seconds, minutes=excluded.minutes, synced_at=excluded.synced_at`,
			h.TaskKey, h.ActorKey, fmtTime(h.StartedAt), fmtTime(h.EndedAt), h.Seconds, h.Minutes, fmtTime(h.SyncedAt))
		return err
	})
}

func (r Repo) LoadReviewFacts(ctx context.Context, recs []domain.ReviewFact, batchSize int) (LoadResult, error) {
	return r.loadBatches(ctx, len(recs), batchSize, func(tx *sql.Tx, i int) error {
		f := recs[i]
		_, err := tx.ExecContext(ctx, `INSERT INTO review_facts(review_key,task_key,reviewer_key,action,submitted_at,credited_key,synced_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(review_key) DO UPDATE SET task_key=excluded.task_key, reviewer_key=excluded.reviewer_key,
 action=excluded.action, submitted_at=excluded.submitted_at, credited_key=excluded.credited_key, synced_at=excluded.synced_at`,
			f.ReviewKey, f.TaskKey, f.ReviewerKey, f.Action, fmtTime(f.SubmittedAt), nullableString(f.CreditedKey), fmtTime(f.SyncedAt))
		return err
	})
}

func (r Repo) LoadDailyRollups(ctx context.Context, recs []domain.DailyRollup, batchSize int) (LoadResult, error) {
	return r.loadBatches(ctx, len(recs), batchSize, func(tx *sql.Tx, i int) error {
		d := recs[i]
		_, err := tx.ExecContext(ctx, `INSERT INTO daily_rollups(day,contributor_key,completed,reworked,reviewed,synced_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(day,contributor_key) DO UPDATE SET completed=excluded.completed, reworked=excluded.reworked,
 reviewed=excluded.reviewed, synced_at=excluded.synced_at`,
			d.Day, d.ContributorKey, d.Completed, d.Reworked, d.Reviewed, fmtTime(d.SyncedAt))
		return err
	})
}

// LoadContributors upserts the roster in two passes. Pass one writes every
// row with the lead reference cleared, so insertion order can never
// violate the self-referential constraint. Pass two resolves each lead
// key to its now-assigned row id. Lead keys pointing outside the roster
// stay null and come back as skip errors.
func (r Repo) LoadContributors(ctx context.Context, recs []domain.Contributor, batchSize int) (LoadResult, []error, error) {
	res, err := r.loadBatches(ctx, len(recs), batchSize, func(tx *sql.Tx, i int) error {
		c := recs[i]
		_, err := tx.ExecContext(ctx, `INSERT INTO contributors(contributor_key,display_name,email,role,lead_id,joined_at,active,synced_at)
VALUES (?,?,?,?,NULL,?,?,?)
ON CONFLICT(contributor_key) DO UPDATE SET display_name=excluded.display_name, email=excluded.email,
 role=excluded.role, lead_id=NULL, joined_at=excluded.joined_at, active=excluded.active, synced_at=excluded.synced_at`,
			c.ContributorKey, c.DisplayName, nullableString(c.Email), c.Role, fmtTime(c.JoinedAt), c.Active, fmtTime(c.SyncedAt))
		return err
	})
	if err != nil {
		return res, nil, err
	}

	ids, err := r.contributorIDs(ctx)
	if err != nil {
		return res, nil, fmt.Errorf("resolve roster ids: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, nil, err
	}
	defer tx.Rollback()
	var unresolved []error
	for _, c := range recs {
		if c.LeadKey == nil {
			continue
		}
		id, ok := ids[*c.LeadKey]
		if !ok {
			unresolved = append(unresolved, fmt.Errorf("contributor %s: lead %s not in roster", c.ContributorKey, *c.LeadKey))
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE contributors SET lead_id=? WHERE contributor_key=?`, id, c.ContributorKey); err != nil {
			return res, unresolved, fmt.Errorf("patch lead for %s: %w", c.ContributorKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return res, unresolved, err
	}
	return res, unresolved, nil
}

func (r Repo) contributorIDs(ctx context.Context) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT contributor_key, id FROM contributors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := map[string]int64{}
	for rows.Next() {
		var (
			key string
			id  int64
		)
		if err := rows.Scan(&key, &id); err != nil {
			return nil, err
		}
		ids[key] = id
	}
	return ids, rows.Err()
}
