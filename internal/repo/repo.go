package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"factline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// TableCounts returns the row count of every target table, keyed by table
// name. Tables come from the static job list, never from user input.
func (r Repo) TableCounts(ctx context.Context, tables []string) (map[string]int, error) {
	res := map[string]int{}
	for _, table := range tables {
		var n int
		if err := r.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		res[table] = n
	}
	return res, nil
}

// GetTaskFact reads one task fact by key.
func (r Repo) GetTaskFact(ctx context.Context, taskKey string) (domain.TaskFact, error) {
	var (
		f                          domain.TaskFact
		dom, assignee, completedAt sql.NullString
		createdAt, syncedAt        string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT task_key,project_key,batch_key,title,status,domain,assignee_key,created_at,completed_at,review_count,synced_at
FROM task_facts WHERE task_key=?`, taskKey).
		Scan(&f.TaskKey, &f.ProjectKey, &f.BatchKey, &f.Title, &f.Status, &dom, &assignee, &createdAt, &completedAt, &f.ReviewCount, &syncedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if dom.Valid {
		f.Domain = &dom.String
	}
	if assignee.Valid {
		f.AssigneeKey = &assignee.String
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return f, fmt.Errorf("task %s created_at: %w", taskKey, err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return f, fmt.Errorf("task %s completed_at: %w", taskKey, err)
		}
		f.CompletedAt = &t
	}
	if f.SyncedAt, err = parseTime(syncedAt); err != nil {
		return f, fmt.Errorf("task %s synced_at: %w", taskKey, err)
	}
	return f, nil
}

// GetContributor reads one contributor by natural key, with the lead
// reference resolved back to a natural key for callers.
func (r Repo) GetContributor(ctx context.Context, contributorKey string) (domain.Contributor, error) {
	var (
		c                  domain.Contributor
		email, leadKey     sql.NullString
		leadID             sql.NullInt64
		joinedAt, syncedAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT c.id, c.contributor_key, c.display_name, c.email, c.role, c.lead_id, l.contributor_key, c.joined_at, c.active, c.synced_at
FROM contributors c LEFT JOIN contributors l ON l.id = c.lead_id
WHERE c.contributor_key=?`, contributorKey).
		Scan(&c.ID, &c.ContributorKey, &c.DisplayName, &email, &c.Role, &leadID, &leadKey, &joinedAt, &c.Active, &syncedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if email.Valid {
		c.Email = &email.String
	}
	if leadID.Valid {
		c.LeadID = &leadID.Int64
	}
	if leadKey.Valid {
		c.LeadKey = &leadKey.String
	}
	if c.JoinedAt, err = parseTime(joinedAt); err != nil {
		return c, fmt.Errorf("contributor %s joined_at: %w", contributorKey, err)
	}
	if c.SyncedAt, err = parseTime(syncedAt); err != nil {
		return c, fmt.Errorf("contributor %s synced_at: %w", contributorKey, err)
	}
	return c, nil
}

// ListCompletions reads the completion history for one task in event
// order.
func (r Repo) ListCompletions(ctx context.Context, taskKey string) ([]domain.Completion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_key,seq,actor_key,completed_at,completion_count,rework,synced_at
FROM completions WHERE task_key=? ORDER BY completed_at, seq`, taskKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Completion
	for rows.Next() {
		var (
			c                     domain.Completion
			completedAt, syncedAt string
		)
		if err := rows.Scan(&c.TaskKey, &c.Seq, &c.ActorKey, &completedAt, &c.Count, &c.Rework, &syncedAt); err != nil {
			return nil, err
		}
		if c.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		if c.SyncedAt, err = parseTime(syncedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// GetHandleTime reads the authoritative handle time for one task.
func (r Repo) GetHandleTime(ctx context.Context, taskKey string) (domain.HandleTime, error) {
	var (
		h                            domain.HandleTime
		startedAt, endedAt, syncedAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT task_key,actor_key,started_at,ended_at,seconds,minutes,synced_at
FROM handle_times WHERE task_key=?`, taskKey).
		Scan(&h.TaskKey, &h.ActorKey, &startedAt, &endedAt, &h.Seconds, &h.Minutes, &syncedAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	if h.StartedAt, err = parseTime(startedAt); err != nil {
		return h, err
	}
	if h.EndedAt, err = parseTime(endedAt); err != nil {
		return h, err
	}
	if h.SyncedAt, err = parseTime(syncedAt); err != nil {
		return h, err
	}
	return h, nil
}

// GetReviewFact reads one attributed review.
func (r Repo) GetReviewFact(ctx context.Context, reviewKey string) (domain.ReviewFact, error) {
	var (
		f                     domain.ReviewFact
		credited              sql.NullString
		submittedAt, syncedAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT review_key,task_key,reviewer_key,action,submitted_at,credited_key,synced_at
FROM review_facts WHERE review_key=?`, reviewKey).
		Scan(&f.ReviewKey, &f.TaskKey, &f.ReviewerKey, &f.Action, &submittedAt, &credited, &syncedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if credited.Valid {
		f.CreditedKey = &credited.String
	}
	if f.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return f, err
	}
	if f.SyncedAt, err = parseTime(syncedAt); err != nil {
		return f, err
	}
	return f, nil
}
