package catalog

import (
	"fmt"
	"strings"
)

// Dataset names. Each dataset is one sync job and one mart table.
const (
	DatasetContributors = "contributors"
	DatasetTaskFacts    = "task_facts"
	DatasetCompletions  = "completions"
	DatasetHandleTimes  = "handle_times"
	DatasetReviewFacts  = "review_facts"
	DatasetDailyRollups = "daily_rollups"
)

// Write strategies. Two-pass insert is only for the roster, whose
// lead reference may point at a row later in the same extraction.
const (
	StrategyUpsert  = "upsert"
	StrategyTwoPass = "two-pass-insert"
)

// Job is the static definition of one sync dataset: which template feeds
// it, where it lands, and which datasets must land first.
type Job struct {
	Dataset      string
	TemplateID   string
	AuxTemplates []string
	TargetTable  string
	Predecessors []string
	Strategy     string
}

var jobs = []Job{
	{
		Dataset:     DatasetContributors,
		TemplateID:  TemplateRoster,
		TargetTable: "contributors",
		Strategy:    StrategyTwoPass,
	},
	{
		Dataset:      DatasetTaskFacts,
		TemplateID:   TemplateTasks,
		TargetTable:  "task_facts",
		Predecessors: []string{DatasetContributors},
		Strategy:     StrategyUpsert,
	},
	{
		Dataset:      DatasetCompletions,
		TemplateID:   TemplateTransitions,
		TargetTable:  "completions",
		Predecessors: []string{DatasetTaskFacts},
		Strategy:     StrategyUpsert,
	},
	{
		Dataset:      DatasetHandleTimes,
		TemplateID:   TemplateTransitions,
		TargetTable:  "handle_times",
		Predecessors: []string{DatasetTaskFacts},
		Strategy:     StrategyUpsert,
	},
	{
		Dataset:      DatasetReviewFacts,
		TemplateID:   TemplateReviews,
		AuxTemplates: []string{TemplateTransitions},
		TargetTable:  "review_facts",
		Predecessors: []string{DatasetTaskFacts, DatasetContributors},
		Strategy:     StrategyUpsert,
	},
	{
		Dataset:      DatasetDailyRollups,
		TemplateID:   TemplateActivity,
		TargetTable:  "daily_rollups",
		Predecessors: []string{DatasetContributors},
		Strategy:     StrategyUpsert,
	},
}

// Jobs returns all sync jobs in declaration order.
func Jobs() []Job {
	out := make([]Job, len(jobs))
	copy(out, jobs)
	return out
}

// JobByDataset looks up one job definition.
func JobByDataset(dataset string) (Job, error) {
	for _, j := range jobs {
		if j.Dataset == dataset {
			return j, nil
		}
	}
	return Job{}, fmt.Errorf("unknown dataset %s", dataset)
}

// Levels groups jobs into dependency levels: every job in level n has all
// its predecessors in earlier levels, so jobs within one level are
// independent of each other.
func Levels(in []Job) ([][]Job, error) {
	byName := map[string]Job{}
	for _, j := range in {
		byName[j.Dataset] = j
	}
	done := map[string]bool{}
	var levels [][]Job
	remaining := len(in)
	for remaining > 0 {
		var level []Job
		for _, j := range in {
			if done[j.Dataset] {
				continue
			}
			ready := true
			for _, p := range j.Predecessors {
				if _, ok := byName[p]; !ok {
					return nil, fmt.Errorf("dataset %s depends on unknown dataset %s", j.Dataset, p)
				}
				if !done[p] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, j)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("dependency cycle among datasets")
		}
		for _, j := range level {
			done[j.Dataset] = true
		}
		remaining -= len(level)
		levels = append(levels, level)
	}
	return levels, nil
}

// Validate checks catalog integrity: every job references known templates
// and every template's SQL agrees with its declared parameters. Run at
// startup so a broken definition fails loudly instead of mid-cycle.
func Validate() error {
	for _, j := range jobs {
		if _, err := TemplateByID(j.TemplateID); err != nil {
			return fmt.Errorf("dataset %s: %w", j.Dataset, err)
		}
		for _, aux := range j.AuxTemplates {
			if _, err := TemplateByID(aux); err != nil {
				return fmt.Errorf("dataset %s: %w", j.Dataset, err)
			}
		}
		if j.Strategy != StrategyUpsert && j.Strategy != StrategyTwoPass {
			return fmt.Errorf("dataset %s: unknown strategy %s", j.Dataset, j.Strategy)
		}
	}
	if _, err := Levels(jobs); err != nil {
		return err
	}
	for id, t := range templates {
		declared := false
		for _, p := range t.Params {
			if p == ParamExcluded {
				declared = true
			}
		}
		if declared != (strings.Count(t.SQL, excludedToken) == 1) {
			return fmt.Errorf("template %s: exclusion param and %s token disagree", id, excludedToken)
		}
	}
	return nil
}
