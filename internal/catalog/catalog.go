package catalog

import (
	"fmt"
	"strings"
	"time"
)

// ParamKind identifies one scope parameter consumed by a template. A
// template's Params list gives the placeholder order.
type ParamKind string

const (
	ParamProject  ParamKind = "project"
	ParamExcluded ParamKind = "excluded"
	ParamFrom     ParamKind = "from"
	ParamTo       ParamKind = "to"
	ParamFromDay  ParamKind = "from-day"
	ParamToDay    ParamKind = "to-day"
)

// Scope carries the filter parameters bound into every extraction query.
// There is no implicit global filter state; everything an extraction sees
// is in here.
type Scope struct {
	ProjectKey      string
	ExcludedBatches []string
	From            time.Time
	To              time.Time
}

// Template is one parameterized extraction query. Columns declares the
// output shape in selection order so scan functions can be checked against
// it. The {{excluded}} token in the SQL stands for the batch-exclusion
// predicate and expands at bind time.
type Template struct {
	ID            string
	Columns       []string
	SQL           string
	Params        []ParamKind
	ExcludeColumn string
}

const excludedToken = "{{excluded}}"

// Bind expands a template against a scope, returning executable SQL and
// positional arguments. Any template/parameter mismatch is a configuration
// fault and is reported, never auto-corrected.
func (t Template) Bind(scope Scope) (string, []any, error) {
	query := t.SQL
	var args []any
	for _, p := range t.Params {
		switch p {
		case ParamProject:
			if scope.ProjectKey == "" {
				return "", nil, fmt.Errorf("template %s: project key required", t.ID)
			}
			args = append(args, scope.ProjectKey)
		case ParamExcluded:
			if t.ExcludeColumn == "" {
				return "", nil, fmt.Errorf("template %s: exclusion param without exclude column", t.ID)
			}
			if strings.Count(query, excludedToken) != 1 {
				return "", nil, fmt.Errorf("template %s: expected exactly one %s token", t.ID, excludedToken)
			}
			pred := "1=1"
			if len(scope.ExcludedBatches) > 0 {
				pred = t.ExcludeColumn + " NOT IN (" + placeholders(len(scope.ExcludedBatches)) + ")"
				for _, b := range scope.ExcludedBatches {
					args = append(args, b)
				}
			}
			query = strings.Replace(query, excludedToken, pred, 1)
		case ParamFrom:
			args = append(args, scope.From.UTC().Format(time.RFC3339))
		case ParamTo:
			args = append(args, scope.To.UTC().Format(time.RFC3339))
		case ParamFromDay:
			args = append(args, scope.From.UTC().Format("2006-01-02"))
		case ParamToDay:
			args = append(args, scope.To.UTC().Format("2006-01-02"))
		default:
			return "", nil, fmt.Errorf("template %s: unknown param kind %q", t.ID, p)
		}
	}
	if strings.Contains(query, excludedToken) {
		return "", nil, fmt.Errorf("template %s: %s token but no exclusion param declared", t.ID, excludedToken)
	}
	if got, want := strings.Count(query, "?"), len(args); got != want {
		return "", nil, fmt.Errorf("template %s: %d placeholders for %d arguments", t.ID, got, want)
	}
	return query, args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Template IDs, one per logical warehouse rowset.
const (
	TemplateTasks       = "tasks"
	TemplateTransitions = "transitions"
	TemplateReviews     = "reviews"
	TemplateRoster      = "roster"
	TemplateActivity    = "activity"
)

// Date-range filters apply to the task's creation time, not the event's
// own time: a task in scope always contributes its full event history,
// which the running completion count depends on.
var templates = map[string]Template{
	TemplateTasks: {
		ID: TemplateTasks,
		Columns: []string{
			"task_key", "project_key", "batch_key", "title", "brief", "status",
			"assignee_key", "created_at", "completed_at",
			"review_count", "latest_review_at", "latest_review_action",
		},
		SQL: `SELECT t.task_key, t.project_key, t.batch_key, t.title, t.brief, t.status,
       t.assignee_key, t.created_at, t.completed_at,
       (SELECT COUNT(*) FROM task_reviews r WHERE r.task_key = t.task_key) AS review_count,
       (SELECT MAX(r.submitted_at) FROM task_reviews r WHERE r.task_key = t.task_key) AS latest_review_at,
       (SELECT r.action FROM task_reviews r WHERE r.task_key = t.task_key
        ORDER BY r.submitted_at DESC LIMIT 1) AS latest_review_action
FROM labeling_tasks t
WHERE t.project_key = ? AND {{excluded}} AND t.created_at >= ? AND t.created_at < ?
ORDER BY t.task_key`,
		Params:        []ParamKind{ParamProject, ParamExcluded, ParamFrom, ParamTo},
		ExcludeColumn: "t.batch_key",
	},
	TemplateTransitions: {
		ID:      TemplateTransitions,
		Columns: []string{"task_key", "seq", "from_status", "to_status", "actor_key", "occurred_at"},
		SQL: `SELECT s.task_key, s.seq, s.from_status, s.to_status, s.actor_key, s.occurred_at
FROM task_transitions s
JOIN labeling_tasks t ON t.task_key = s.task_key
WHERE t.project_key = ? AND {{excluded}} AND t.created_at >= ? AND t.created_at < ?
ORDER BY s.task_key, s.occurred_at, s.seq`,
		Params:        []ParamKind{ParamProject, ParamExcluded, ParamFrom, ParamTo},
		ExcludeColumn: "t.batch_key",
	},
	TemplateReviews: {
		ID:      TemplateReviews,
		Columns: []string{"review_key", "task_key", "reviewer_key", "action", "submitted_at"},
		SQL: `SELECT r.review_key, r.task_key, r.reviewer_key, r.action, r.submitted_at
FROM task_reviews r
JOIN labeling_tasks t ON t.task_key = r.task_key
WHERE t.project_key = ? AND {{excluded}} AND t.created_at >= ? AND t.created_at < ?
ORDER BY r.task_key, r.submitted_at`,
		Params:        []ParamKind{ParamProject, ParamExcluded, ParamFrom, ParamTo},
		ExcludeColumn: "t.batch_key",
	},
	TemplateRoster: {
		ID:      TemplateRoster,
		Columns: []string{"contributor_key", "display_name", "email", "role", "lead_key", "joined_at", "active"},
		SQL: `SELECT c.contributor_key, c.display_name, c.email, c.role, c.lead_key, c.joined_at, c.active
FROM contributor_roster c
WHERE c.project_key = ?
ORDER BY c.contributor_key`,
		Params: []ParamKind{ParamProject},
	},
	TemplateActivity: {
		ID:      TemplateActivity,
		Columns: []string{"day", "contributor_key", "completed", "reworked", "reviewed"},
		SQL: `SELECT a.day, a.contributor_key, a.completed, a.reworked, a.reviewed
FROM daily_activity a
WHERE a.project_key = ? AND a.day >= ? AND a.day <= ?
ORDER BY a.day, a.contributor_key`,
		Params: []ParamKind{ParamProject, ParamFromDay, ParamToDay},
	},
}

// TemplateByID looks up a catalog template.
func TemplateByID(id string) (Template, error) {
	t, ok := templates[id]
	if !ok {
		return Template{}, fmt.Errorf("unknown template %s", id)
	}
	return t, nil
}
