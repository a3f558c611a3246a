package transform

import (
	"fmt"
	"math"
	"sort"
	"time"

	"factline/internal/domain"
	"factline/internal/warehouse"
)

// HandleCeilingSeconds is the longest claim-to-submit span still counted
// as real handle time. Anything above it is an abandoned session that was
// picked up again later.
const HandleCeilingSeconds int64 = 10800

// sortedTransitions returns a copy ordered by task, event time, sequence.
// That ordering is load-bearing: the running completion count and the
// pairing below both scan events in it.
func sortedTransitions(in []warehouse.TransitionRow) []warehouse.TransitionRow {
	out := make([]warehouse.TransitionRow, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskKey != out[j].TaskKey {
			return out[i].TaskKey < out[j].TaskKey
		}
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// CompletionFacts annotates every entered-completed event with the running
// completion count for its task as of that event. The first completion is
// new work, every later one is rework. A malformed event still advances
// the counter so the counts of later events stay correct; it just produces
// no output row.
func CompletionFacts(transitions []warehouse.TransitionRow, syncedAt time.Time) ([]domain.Completion, []error) {
	var (
		out   []domain.Completion
		skips []error
	)
	counts := map[string]int{}
	for _, tr := range sortedTransitions(transitions) {
		if tr.ToStatus != domain.RawCompleted {
			continue
		}
		counts[tr.TaskKey]++
		n := counts[tr.TaskKey]
		if tr.ActorKey == "" {
			skips = append(skips, fmt.Errorf("task %s seq %d: completion without actor", tr.TaskKey, tr.Seq))
			continue
		}
		out = append(out, domain.Completion{
			TaskKey:     tr.TaskKey,
			Seq:         tr.Seq,
			ActorKey:    tr.ActorKey,
			CompletedAt: tr.OccurredAt,
			Count:       n,
			Rework:      n > 1,
			SyncedAt:    syncedAt,
		})
	}
	return out, skips
}

// HandleTimes derives the authoritative handle time per task from its
// transition sequence. For each actor the Nth transition into labeling
// pairs with that actor's Nth labeling-to-completed transition. Non-causal
// pairs and pairs over the ceiling are discarded; among what remains the
// shortest pair wins, since the fastest completing actor is authoritative
// when several touched the same task.
func HandleTimes(transitions []warehouse.TransitionRow, syncedAt time.Time) []domain.HandleTime {
	ordered := sortedTransitions(transitions)

	type pairing struct {
		starts []warehouse.TransitionRow
		ends   []warehouse.TransitionRow
	}
	byTask := map[string]map[string]*pairing{}
	var taskOrder []string
	for _, tr := range ordered {
		if tr.ActorKey == "" {
			continue
		}
		isStart := tr.ToStatus == domain.RawLabeling
		isEnd := tr.FromStatus == domain.RawLabeling && tr.ToStatus == domain.RawCompleted
		if !isStart && !isEnd {
			continue
		}
		actors, ok := byTask[tr.TaskKey]
		if !ok {
			actors = map[string]*pairing{}
			byTask[tr.TaskKey] = actors
			taskOrder = append(taskOrder, tr.TaskKey)
		}
		p, ok := actors[tr.ActorKey]
		if !ok {
			p = &pairing{}
			actors[tr.ActorKey] = p
		}
		if isStart {
			p.starts = append(p.starts, tr)
		} else {
			p.ends = append(p.ends, tr)
		}
	}

	var out []domain.HandleTime
	for _, task := range taskOrder {
		actors := byTask[task]
		keys := make([]string, 0, len(actors))
		for a := range actors {
			keys = append(keys, a)
		}
		sort.Strings(keys)

		var best *domain.HandleTime
		for _, actor := range keys {
			p := actors[actor]
			n := len(p.starts)
			if len(p.ends) < n {
				n = len(p.ends)
			}
			for i := 0; i < n; i++ {
				start, end := p.starts[i], p.ends[i]
				if end.OccurredAt.Before(start.OccurredAt) {
					continue
				}
				sec := int64(end.OccurredAt.Sub(start.OccurredAt) / time.Second)
				if sec > HandleCeilingSeconds {
					continue
				}
				if best != nil && sec >= best.Seconds {
					continue
				}
				best = &domain.HandleTime{
					TaskKey:   task,
					ActorKey:  actor,
					StartedAt: start.OccurredAt,
					EndedAt:   end.OccurredAt,
					Seconds:   sec,
					Minutes:   math.Round(float64(sec)/60*10) / 10,
					SyncedAt:  syncedAt,
				}
			}
		}
		if best != nil {
			out = append(out, *best)
		}
	}
	return out
}
