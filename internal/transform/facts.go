package transform

import (
	"fmt"
	"time"

	"factline/internal/domain"
	"factline/internal/warehouse"
)

// TaskFacts turns raw task rows into point-in-time facts: derived status
// plus the extracted domain. A row whose status cannot be classified is
// dropped with an error; the caller decides how loudly to fail.
func TaskFacts(rows []warehouse.TaskRow, syncedAt time.Time) ([]domain.TaskFact, []error) {
	var (
		out   []domain.TaskFact
		skips []error
	)
	for _, r := range rows {
		status, err := DeriveStatus(r.RawStatus, r.ReviewCount, r.LatestReviewAt, r.LatestReviewAction, r.CompletedAt)
		if err != nil {
			skips = append(skips, fmt.Errorf("task %s: %w", r.TaskKey, err))
			continue
		}
		out = append(out, domain.TaskFact{
			TaskKey:     r.TaskKey,
			ProjectKey:  r.ProjectKey,
			BatchKey:    r.BatchKey,
			Title:       r.Title,
			Status:      status,
			Domain:      ExtractField(DomainPatterns, r.Brief),
			AssigneeKey: r.AssigneeKey,
			CreatedAt:   r.CreatedAt,
			CompletedAt: r.CompletedAt,
			ReviewCount: r.ReviewCount,
			SyncedAt:    syncedAt,
		})
	}
	return out, skips
}

// AttributeReviews credits each review to the contributor whose completion
// it judged: the latest completion of the same task at or before the
// review's submission, across all actors. A review with no preceding
// completion keeps a nil credited key; it stays a fact but never feeds
// per-contributor aggregates.
func AttributeReviews(reviews []warehouse.ReviewRow, transitions []warehouse.TransitionRow, syncedAt time.Time) ([]domain.ReviewFact, []error) {
	type completion struct {
		at    time.Time
		seq   int64
		actor string
	}
	completionsByTask := map[string][]completion{}
	for _, tr := range sortedTransitions(transitions) {
		if tr.ToStatus != domain.RawCompleted || tr.ActorKey == "" {
			continue
		}
		completionsByTask[tr.TaskKey] = append(completionsByTask[tr.TaskKey], completion{
			at:    tr.OccurredAt,
			seq:   tr.Seq,
			actor: tr.ActorKey,
		})
	}

	out := make([]domain.ReviewFact, 0, len(reviews))
	for _, r := range reviews {
		f := domain.ReviewFact{
			ReviewKey:   r.ReviewKey,
			TaskKey:     r.TaskKey,
			ReviewerKey: r.ReviewerKey,
			Action:      r.Action,
			SubmittedAt: r.SubmittedAt,
			SyncedAt:    syncedAt,
		}
		// completions are in event order; take the last one not after the review
		for _, c := range completionsByTask[r.TaskKey] {
			if c.at.After(r.SubmittedAt) {
				break
			}
			actor := c.actor
			f.CreditedKey = &actor
		}
		out = append(out, f)
	}
	return out, nil
}

// RosterFacts validates roster rows into contributor records. The lead
// reference stays a natural key here; the loader resolves it to a row id
// in its second pass.
func RosterFacts(rows []warehouse.ContributorRow, syncedAt time.Time) ([]domain.Contributor, []error) {
	var (
		out   []domain.Contributor
		skips []error
	)
	for _, r := range rows {
		if r.ContributorKey == "" {
			skips = append(skips, fmt.Errorf("roster row for %q: missing contributor key", r.DisplayName))
			continue
		}
		if r.DisplayName == "" {
			skips = append(skips, fmt.Errorf("roster row %s: missing display name", r.ContributorKey))
			continue
		}
		out = append(out, domain.Contributor{
			ContributorKey: r.ContributorKey,
			DisplayName:    r.DisplayName,
			Email:          r.Email,
			Role:           r.Role,
			LeadKey:        r.LeadKey,
			JoinedAt:       r.JoinedAt,
			Active:         r.Active,
			SyncedAt:       syncedAt,
		})
	}
	return out, skips
}

// RollupFacts validates per-day activity counters.
func RollupFacts(rows []warehouse.RollupRow, syncedAt time.Time) ([]domain.DailyRollup, []error) {
	var (
		out   []domain.DailyRollup
		skips []error
	)
	for _, r := range rows {
		if r.ContributorKey == "" {
			skips = append(skips, fmt.Errorf("rollup for %s: missing contributor key", r.Day))
			continue
		}
		if r.Completed < 0 || r.Reworked < 0 || r.Reviewed < 0 {
			skips = append(skips, fmt.Errorf("rollup %s/%s: negative counter", r.Day, r.ContributorKey))
			continue
		}
		out = append(out, domain.DailyRollup{
			Day:            r.Day,
			ContributorKey: r.ContributorKey,
			Completed:      r.Completed,
			Reworked:       r.Reworked,
			Reviewed:       r.Reviewed,
			SyncedAt:       syncedAt,
		})
	}
	return out, skips
}
