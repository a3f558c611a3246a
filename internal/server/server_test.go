package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"factline/internal/config"
	"factline/internal/db"
	"factline/internal/domain"
	"factline/internal/engine"
	"factline/internal/migrate"
	"factline/internal/warehouse"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	wh, err := sql.Open("sqlite", filepath.Join(dir, "warehouse.db"))
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	seedWarehouse(t, wh)

	eng := engine.New(conn, warehouse.NewFromDB(wh), config.Default("proj-1"))
	eng.Now = func() time.Time { return testNow }
	eng.Log = log.New(io.Discard, "", 0)
	sched := engine.NewScheduler(eng)

	handler, err := New(Config{Engine: eng, Scheduler: sched, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			wh.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedWarehouse(t *testing.T, wh *sql.DB) {
	t.Helper()
	for _, stmt := range []string{
		`CREATE TABLE labeling_tasks (task_key TEXT, project_key TEXT, batch_key TEXT, title TEXT,
			brief TEXT, status TEXT, assignee_key TEXT, created_at TEXT, completed_at TEXT)`,
		`CREATE TABLE task_transitions (task_key TEXT, seq INTEGER, from_status TEXT, to_status TEXT,
			actor_key TEXT, occurred_at TEXT)`,
		`CREATE TABLE task_reviews (review_key TEXT, task_key TEXT, reviewer_key TEXT, action TEXT, submitted_at TEXT)`,
		`CREATE TABLE contributor_roster (project_key TEXT, contributor_key TEXT, display_name TEXT,
			email TEXT, role TEXT, lead_key TEXT, joined_at TEXT, active INTEGER)`,
		`CREATE TABLE daily_activity (project_key TEXT, day TEXT, contributor_key TEXT,
			completed INTEGER, reworked INTEGER, reviewed INTEGER)`,
		`INSERT INTO contributor_roster VALUES
			('proj-1','ann','Ann','ann@example.com','lead',NULL,'2025-06-01T00:00:00Z',1),
			('proj-1','bob','Bob',NULL,'labeler','ann','2025-07-01T00:00:00Z',1),
			('proj-1','cara','Cara',NULL,'labeler','ann','2025-08-01T00:00:00Z',0)`,
		`INSERT INTO labeling_tasks VALUES
			('t-1','proj-1','batch-1','Label scan 1','','completed',NULL,'2026-02-20T09:00:00Z','2026-02-20T10:25:00Z'),
			('t-2','proj-1','batch-1','Label scan 2','','labeling','bob','2026-02-21T09:00:00Z',NULL)`,
		`INSERT INTO task_transitions VALUES
			('t-1',1,'pending','labeling','ann','2026-02-20T10:00:00Z'),
			('t-1',2,'labeling','completed','ann','2026-02-20T10:25:00Z')`,
		`INSERT INTO task_reviews VALUES
			('r-1','t-1','bob','approve','2026-02-20T11:00:00Z')`,
		`INSERT INTO daily_activity VALUES
			('proj-1','2026-02-20','ann',1,0,0)`,
	} {
		if _, err := wh.Exec(stmt); err != nil {
			t.Fatalf("seed warehouse: %v", err)
		}
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil || body["status"] != "ok" {
		t.Fatalf("health body: %s (%v)", string(data), err)
	}
}

func TestSyncInfoAroundTrigger(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sync-info", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync-info: %d %s", res.StatusCode, string(data))
	}
	var info SyncInfoResponse
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal sync-info: %v", err)
	}
	if info.LastSyncTime != nil || info.SyncIntervalMinutes != 30 || info.SecondsUntilNextSync != 0 {
		t.Fatalf("fresh sync-info: %+v", info)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync", map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trigger: %d %s", res.StatusCode, string(data))
	}
	var cycle SyncCycleResponse
	if err := json.Unmarshal(data, &cycle); err != nil {
		t.Fatalf("unmarshal cycle: %v", err)
	}
	if len(cycle.Runs) != 6 || cycle.Success != 6 {
		t.Fatalf("cycle: %+v", cycle)
	}
	if cycle.Runs[0].Dataset != "contributors" {
		t.Fatalf("first run: %s", cycle.Runs[0].Dataset)
	}
	for _, run := range cycle.Runs {
		if run.SyncType != domain.SyncManual {
			t.Fatalf("dataset %s: sync type %s", run.Dataset, run.SyncType)
		}
		if run.CompletedAt == nil {
			t.Fatalf("dataset %s: run not finalized", run.Dataset)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sync-info", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync-info: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal sync-info: %v", err)
	}
	if info.LastSyncTime == nil || *info.LastSyncTime != "2026-03-01T12:00:00Z" {
		t.Fatalf("last sync time: %v", info.LastSyncTime)
	}
	if info.SecondsUntilNextSync != 30*60 {
		t.Fatalf("countdown: %d", info.SecondsUntilNextSync)
	}
}

func TestTriggerRejectsBadInput(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync", map[string]any{
		"datasets": []string{"bogus"},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown dataset: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "bad_request" {
		t.Fatalf("error envelope: %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync", map[string]any{
		"sync_type": "weekly",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad sync type: %d %s", res.StatusCode, string(data))
	}
}

func TestRunListingAndLookup(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync", map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trigger: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sync-runs", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs: %d %s", res.StatusCode, string(data))
	}
	var runs []SyncRunResponse
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs) != 6 {
		t.Fatalf("expected 6 runs, got %d", len(runs))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sync-runs?dataset=task_facts", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered runs: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Dataset != "task_facts" {
		t.Fatalf("filtered runs: %+v", runs)
	}
	if runs[0].Status != domain.RunSuccess || runs[0].RecordsProcessed != 2 {
		t.Fatalf("task_facts run: %+v", runs[0])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sync-runs/"+runs[0].ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run: %d %s", res.StatusCode, string(data))
	}
	var got SyncRunResponse
	if err := json.Unmarshal(data, &got); err != nil || got.ID != runs[0].ID || got.Dataset != "task_facts" {
		t.Fatalf("get run: %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sync-runs/no-such-run", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "not_found" {
		t.Fatalf("error envelope: %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sync-runs?dataset=bogus", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad dataset filter: %d %s", res.StatusCode, string(data))
	}
}

func TestDatasetCatalog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("datasets: %d %s", res.StatusCode, string(data))
	}
	var items []DatasetResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal datasets: %v", err)
	}
	if len(items) != 6 {
		t.Fatalf("expected 6 datasets, got %d", len(items))
	}
	byName := map[string]DatasetResponse{}
	for _, d := range items {
		byName[d.Dataset] = d
	}
	contrib := byName["contributors"]
	if contrib.Strategy != "two-pass-insert" || len(contrib.Predecessors) != 0 || !contrib.Enabled {
		t.Fatalf("contributors: %+v", contrib)
	}
	if contrib.BatchSize != 500 || contrib.Rows != 0 {
		t.Fatalf("contributors before sync: %+v", contrib)
	}
	reviews := byName["review_facts"]
	if len(reviews.Predecessors) != 2 {
		t.Fatalf("review_facts predecessors: %+v", reviews.Predecessors)
	}

	if res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync", map[string]any{}); res.StatusCode != http.StatusOK {
		t.Fatalf("trigger: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("datasets: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal datasets: %v", err)
	}
	for _, d := range items {
		byName[d.Dataset] = d
	}
	if byName["contributors"].Rows != 3 || byName["task_facts"].Rows != 2 {
		t.Fatalf("row counts after sync: contributors %d, task_facts %d",
			byName["contributors"].Rows, byName["task_facts"].Rows)
	}
}
