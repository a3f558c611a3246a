package catalog_test

import (
	"strings"
	"testing"
	"time"

	"factline/internal/catalog"
	"factline/internal/config"
)

func testScope(excluded ...string) catalog.Scope {
	return catalog.Scope{
		ProjectKey:      "proj-1",
		ExcludedBatches: excluded,
		From:            time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		To:              time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBindExpandsExclusions(t *testing.T) {
	tpl, err := catalog.TemplateByID(catalog.TemplateTasks)
	if err != nil {
		t.Fatal(err)
	}
	query, args, err := tpl.Bind(testScope("batch-draft", "batch-old"))
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !strings.Contains(query, "NOT IN (?,?)") {
		t.Fatalf("expected expanded exclusion predicate, got:\n%s", query)
	}
	if strings.Contains(query, "{{") {
		t.Fatalf("unexpanded token left in query:\n%s", query)
	}
	want := []any{"proj-1", "batch-draft", "batch-old", "2026-05-01T00:00:00Z", "2026-08-01T00:00:00Z"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %v, want %v", i, args[i], want[i])
		}
	}
	if got := strings.Count(query, "?"); got != len(args) {
		t.Fatalf("%d placeholders for %d args", got, len(args))
	}
}

func TestBindEmptyExclusionList(t *testing.T) {
	tpl, err := catalog.TemplateByID(catalog.TemplateTransitions)
	if err != nil {
		t.Fatal(err)
	}
	query, args, err := tpl.Bind(testScope())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !strings.Contains(query, "1=1") {
		t.Fatalf("expected neutral predicate for empty exclusion list:\n%s", query)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %v", args)
	}
}

func TestBindRequiresProject(t *testing.T) {
	tpl, err := catalog.TemplateByID(catalog.TemplateRoster)
	if err != nil {
		t.Fatal(err)
	}
	scope := testScope()
	scope.ProjectKey = ""
	if _, _, err := tpl.Bind(scope); err == nil {
		t.Fatalf("expected error for missing project key")
	}
}

func TestBindDayParams(t *testing.T) {
	tpl, err := catalog.TemplateByID(catalog.TemplateActivity)
	if err != nil {
		t.Fatal(err)
	}
	_, args, err := tpl.Bind(testScope())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if args[1] != "2026-05-01" || args[2] != "2026-08-01" {
		t.Fatalf("expected day-granularity bounds, got %v", args)
	}
}

func TestLevelsRespectPredecessors(t *testing.T) {
	levels, err := catalog.Levels(catalog.Jobs())
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	pos := map[string]int{}
	for i, level := range levels {
		for _, j := range level {
			pos[j.Dataset] = i
		}
	}
	for _, j := range catalog.Jobs() {
		for _, p := range j.Predecessors {
			if pos[p] >= pos[j.Dataset] {
				t.Fatalf("dataset %s scheduled at level %d before predecessor %s at level %d",
					j.Dataset, pos[j.Dataset], p, pos[p])
			}
		}
	}
	if pos[catalog.DatasetContributors] != 0 {
		t.Fatalf("contributors should be level 0, got %d", pos[catalog.DatasetContributors])
	}
}

func TestLevelsDetectCycle(t *testing.T) {
	jobs := []catalog.Job{
		{Dataset: "a", Predecessors: []string{"b"}},
		{Dataset: "b", Predecessors: []string{"a"}},
	}
	if _, err := catalog.Levels(jobs); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestValidate(t *testing.T) {
	if err := catalog.Validate(); err != nil {
		t.Fatalf("catalog invalid: %v", err)
	}
}

func TestDatasetsMatchConfig(t *testing.T) {
	known := map[string]bool{}
	for _, d := range config.KnownDatasets {
		known[d] = true
	}
	for _, j := range catalog.Jobs() {
		if !known[j.Dataset] {
			t.Fatalf("dataset %s missing from config.KnownDatasets", j.Dataset)
		}
	}
	if len(config.KnownDatasets) != len(catalog.Jobs()) {
		t.Fatalf("config lists %d datasets, catalog defines %d", len(config.KnownDatasets), len(catalog.Jobs()))
	}
}
