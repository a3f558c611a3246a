package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"factline/internal/catalog"
)

// ErrBadTemplate marks a template/parameter mismatch. That is a
// configuration fault, not a transient extraction failure, and callers
// treat it differently.
var ErrBadTemplate = errors.New("bad template binding")

// TaskRow is one labeling task with its review aggregates, straight from
// the warehouse.
type TaskRow struct {
	TaskKey            string
	ProjectKey         string
	BatchKey           string
	Title              string
	Brief              string
	RawStatus          string
	AssigneeKey        *string
	CreatedAt          time.Time
	CompletedAt        *time.Time
	ReviewCount        int
	LatestReviewAt     *time.Time
	LatestReviewAction string
}

// TransitionRow is one status-transition event. Seq is the warehouse
// insertion sequence number, the tie-breaker for equal timestamps.
type TransitionRow struct {
	TaskKey    string
	Seq        int64
	FromStatus string
	ToStatus   string
	ActorKey   string
	OccurredAt time.Time
}

type ReviewRow struct {
	ReviewKey   string
	TaskKey     string
	ReviewerKey string
	Action      string
	SubmittedAt time.Time
}

type ContributorRow struct {
	ContributorKey string
	DisplayName    string
	Email          *string
	Role           string
	LeadKey        *string
	JoinedAt       time.Time
	Active         bool
}

type RollupRow struct {
	Day            string
	ContributorKey string
	Completed      int
	Reworked       int
	Reviewed       int
}

// Extractor binds catalog templates to a scope and streams the result
// sets. A malformed row is dropped, logged and counted; the stream keeps
// going. A query or connection error fails the whole extraction, and the
// next cycle restarts it from the beginning.
type Extractor struct {
	Exec    Executor
	Timeout time.Duration
	Log     *log.Logger
}

func (e Extractor) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
	}
}

func (e Extractor) query(ctx context.Context, templateID string, scope catalog.Scope) (Rows, context.CancelFunc, error) {
	tpl, err := catalog.TemplateByID(templateID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadTemplate, err)
	}
	query, args, err := tpl.Bind(scope)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadTemplate, err)
	}
	qctx := ctx
	cancel := context.CancelFunc(func() {})
	if e.Timeout > 0 {
		qctx, cancel = context.WithTimeout(ctx, e.Timeout)
	}
	rows, err := e.Exec.Query(qctx, query, args...)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("query %s: %w", templateID, err)
	}
	return rows, cancel, nil
}

// Tasks extracts the labeling-task rowset. Returns rows, the number of
// malformed rows dropped, and the first fatal error.
func (e Extractor) Tasks(ctx context.Context, scope catalog.Scope) ([]TaskRow, int, error) {
	rows, cancel, err := e.query(ctx, catalog.TemplateTasks, scope)
	if err != nil {
		return nil, 0, err
	}
	defer cancel()
	defer rows.Close()

	var out []TaskRow
	skipped := 0
	for rows.Next() {
		var (
			r                            TaskRow
			brief, assignee, latestAct   sql.NullString
			createdAt, completedAt, lrAt isoTime
		)
		if err := rows.Scan(&r.TaskKey, &r.ProjectKey, &r.BatchKey, &r.Title, &brief, &r.RawStatus,
			&assignee, &createdAt, &completedAt, &r.ReviewCount, &lrAt, &latestAct); err != nil {
			skipped++
			e.logf("tasks: row dropped: %v", err)
			continue
		}
		if !createdAt.valid {
			skipped++
			e.logf("tasks: row %s dropped: missing created_at", r.TaskKey)
			continue
		}
		r.Brief = brief.String
		r.LatestReviewAction = latestAct.String
		if assignee.Valid {
			r.AssigneeKey = &assignee.String
		}
		r.CreatedAt = createdAt.t
		r.CompletedAt = completedAt.ptr()
		r.LatestReviewAt = lrAt.ptr()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, skipped, fmt.Errorf("tasks: %w", err)
	}
	return out, skipped, nil
}

// Transitions extracts the full status-transition history for every task
// in scope, ordered by task, timestamp, sequence.
func (e Extractor) Transitions(ctx context.Context, scope catalog.Scope) ([]TransitionRow, int, error) {
	rows, cancel, err := e.query(ctx, catalog.TemplateTransitions, scope)
	if err != nil {
		return nil, 0, err
	}
	defer cancel()
	defer rows.Close()

	var out []TransitionRow
	skipped := 0
	for rows.Next() {
		var (
			r          TransitionRow
			actor      sql.NullString
			occurredAt isoTime
		)
		if err := rows.Scan(&r.TaskKey, &r.Seq, &r.FromStatus, &r.ToStatus, &actor, &occurredAt); err != nil {
			skipped++
			e.logf("transitions: row dropped: %v", err)
			continue
		}
		if !occurredAt.valid {
			skipped++
			e.logf("transitions: row %s/%d dropped: missing occurred_at", r.TaskKey, r.Seq)
			continue
		}
		r.ActorKey = actor.String
		r.OccurredAt = occurredAt.t
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, skipped, fmt.Errorf("transitions: %w", err)
	}
	return out, skipped, nil
}

func (e Extractor) Reviews(ctx context.Context, scope catalog.Scope) ([]ReviewRow, int, error) {
	rows, cancel, err := e.query(ctx, catalog.TemplateReviews, scope)
	if err != nil {
		return nil, 0, err
	}
	defer cancel()
	defer rows.Close()

	var out []ReviewRow
	skipped := 0
	for rows.Next() {
		var (
			r           ReviewRow
			submittedAt isoTime
		)
		if err := rows.Scan(&r.ReviewKey, &r.TaskKey, &r.ReviewerKey, &r.Action, &submittedAt); err != nil {
			skipped++
			e.logf("reviews: row dropped: %v", err)
			continue
		}
		if !submittedAt.valid {
			skipped++
			e.logf("reviews: row %s dropped: missing submitted_at", r.ReviewKey)
			continue
		}
		r.SubmittedAt = submittedAt.t
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, skipped, fmt.Errorf("reviews: %w", err)
	}
	return out, skipped, nil
}

func (e Extractor) Roster(ctx context.Context, scope catalog.Scope) ([]ContributorRow, int, error) {
	rows, cancel, err := e.query(ctx, catalog.TemplateRoster, scope)
	if err != nil {
		return nil, 0, err
	}
	defer cancel()
	defer rows.Close()

	var out []ContributorRow
	skipped := 0
	for rows.Next() {
		var (
			r           ContributorRow
			email, lead sql.NullString
			joinedAt    isoTime
		)
		if err := rows.Scan(&r.ContributorKey, &r.DisplayName, &email, &r.Role, &lead, &joinedAt, &r.Active); err != nil {
			skipped++
			e.logf("roster: row dropped: %v", err)
			continue
		}
		if !joinedAt.valid {
			skipped++
			e.logf("roster: row %s dropped: missing joined_at", r.ContributorKey)
			continue
		}
		if email.Valid {
			r.Email = &email.String
		}
		if lead.Valid && lead.String != "" {
			r.LeadKey = &lead.String
		}
		r.JoinedAt = joinedAt.t
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, skipped, fmt.Errorf("roster: %w", err)
	}
	return out, skipped, nil
}

func (e Extractor) Activity(ctx context.Context, scope catalog.Scope) ([]RollupRow, int, error) {
	rows, cancel, err := e.query(ctx, catalog.TemplateActivity, scope)
	if err != nil {
		return nil, 0, err
	}
	defer cancel()
	defer rows.Close()

	var out []RollupRow
	skipped := 0
	for rows.Next() {
		var (
			r   RollupRow
			day isoTime
		)
		if err := rows.Scan(&day, &r.ContributorKey, &r.Completed, &r.Reworked, &r.Reviewed); err != nil {
			skipped++
			e.logf("activity: row dropped: %v", err)
			continue
		}
		if !day.valid {
			skipped++
			e.logf("activity: row for %s dropped: missing day", r.ContributorKey)
			continue
		}
		r.Day = day.t.Format("2006-01-02")
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, skipped, fmt.Errorf("activity: %w", err)
	}
	return out, skipped, nil
}

// isoTime scans a warehouse timestamp that may arrive as a native
// time.Time, an RFC 3339 string, or a plain date.
type isoTime struct {
	t     time.Time
	valid bool
}

func (s *isoTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		s.valid = false
		return nil
	case time.Time:
		s.t = x.UTC()
		s.valid = true
		return nil
	case string:
		return s.parse(x)
	case []byte:
		return s.parse(string(x))
	default:
		return fmt.Errorf("cannot scan %T as timestamp", v)
	}
}

func (s *isoTime) parse(v string) error {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			s.t = t.UTC()
			s.valid = true
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", v)
}

func (s isoTime) ptr() *time.Time {
	if !s.valid {
		return nil
	}
	t := s.t
	return &t
}
