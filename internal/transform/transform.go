package transform

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"factline/internal/domain"
)

// ErrUnmappedStatus reports a raw status with no derived mapping. The
// warehouse vocabulary changed underneath us; retrying will not fix it,
// so callers escalate this as a configuration fault.
var ErrUnmappedStatus = errors.New("unmapped raw status")

// DeriveStatus classifies a task from its raw status and review history.
// Total over the known vocabulary: every combination yields exactly one
// label or an explicit error, never a silent default.
func DeriveStatus(raw string, reviewCount int, latestReviewAt *time.Time, latestAction string, completedAt *time.Time) (string, error) {
	switch raw {
	case domain.RawCompleted:
		if reviewCount == 0 {
			return domain.DerivedCompleted, nil
		}
		reviewedAfter := latestReviewAt != nil && completedAt != nil && latestReviewAt.After(*completedAt)
		if reviewedAfter {
			if latestAction == domain.ReviewRework {
				return domain.DerivedRework, nil
			}
			return domain.DerivedReviewed, nil
		}
		if latestAction == domain.ReviewRework {
			return domain.DerivedCompleted, nil
		}
		return domain.DerivedReviewed, nil
	case domain.RawPending:
		return domain.DerivedUnclaimed, nil
	case domain.RawLabeling:
		return domain.DerivedLabeling, nil
	case domain.RawSkipped:
		return domain.DerivedSkipped, nil
	case domain.RawArchived:
		return domain.DerivedArchived, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnmappedStatus, raw)
	}
}

// DomainPatterns extract the task domain from a free-text brief. Order
// matters: the explicit domain marker beats the suggested fallback. The
// value must follow its marker on the same line.
var DomainPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\*\*domain\*\*[ \t]*-[ \t]*(.+)`),
	regexp.MustCompile(`\*\*suggested-domain\*\*[ \t]*-[ \t]*(.+)`),
}

// ExtractField applies ordered patterns to a free-text field and returns
// the first non-empty trimmed capture, or nil when nothing matches.
func ExtractField(patterns []*regexp.Regexp, text string) *string {
	for _, p := range patterns {
		m := p.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		v := strings.TrimSpace(m[1])
		if v == "" {
			continue
		}
		return &v
	}
	return nil
}
