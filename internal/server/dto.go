package server

import (
	"time"

	"factline/internal/catalog"
	"factline/internal/config"
	"factline/internal/domain"
	"factline/internal/engine"
)

// Request payloads

type TriggerSyncRequest struct {
	// Datasets to sync; empty syncs everything. A named dataset pulls in
	// its predecessors.
	Datasets []string `json:"datasets,omitempty"`
	SyncType string   `json:"sync_type,omitempty" enum:"manual,initial"`
}

// Response payloads

type SyncInfoResponse struct {
	LastSyncTime         *string `json:"last_sync_time" format:"date-time"`
	SyncIntervalMinutes  int     `json:"sync_interval_minutes"`
	SecondsUntilNextSync int64   `json:"seconds_until_next_sync"`
}

type SyncRunResponse struct {
	ID               string  `json:"id"`
	Dataset          string  `json:"dataset"`
	SyncType         string  `json:"sync_type" enum:"scheduled,manual,initial"`
	Status           string  `json:"status" enum:"running,success,failed,partial,skipped-dependency"`
	StartedAt        string  `json:"started_at" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
	RecordsProcessed int     `json:"records_processed"`
	RecordsSkipped   int     `json:"records_skipped"`
	Error            *string `json:"error,omitempty"`
}

type SyncCycleResponse struct {
	StartedAt string            `json:"started_at" format:"date-time"`
	Success   int               `json:"success"`
	Partial   int               `json:"partial"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Runs      []SyncRunResponse `json:"runs"`
}

// DatasetResponse doubles as the dashboard's status-widget contract: per
// dataset it carries the mart row count alongside the job definition.
type DatasetResponse struct {
	Dataset        string   `json:"dataset"`
	TargetTable    string   `json:"target_table"`
	Predecessors   []string `json:"predecessors"`
	Strategy       string   `json:"strategy" enum:"upsert,two-pass-insert"`
	BatchSize      int      `json:"batch_size"`
	Rows           int      `json:"rows"`
	Enabled        bool     `json:"enabled"`
	DisabledReason *string  `json:"disabled_reason,omitempty"`
}

// Conversion helpers

func syncRunResponse(r domain.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:               r.ID,
		Dataset:          r.Dataset,
		SyncType:         r.SyncType,
		Status:           r.Status,
		StartedAt:        r.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt:      timeString(r.CompletedAt),
		RecordsProcessed: r.Processed,
		RecordsSkipped:   r.Skipped,
		Error:            r.Error,
	}
}

func mapSyncRuns(items []domain.SyncRun) []SyncRunResponse {
	res := make([]SyncRunResponse, 0, len(items))
	for _, r := range items {
		res = append(res, syncRunResponse(r))
	}
	return res
}

func cycleResponse(c engine.CycleResult) SyncCycleResponse {
	success, partial, failed, skipped := c.Counts()
	return SyncCycleResponse{
		StartedAt: c.StartedAt.UTC().Format(time.RFC3339),
		Success:   success,
		Partial:   partial,
		Failed:    failed,
		Skipped:   skipped,
		Runs:      mapSyncRuns(c.Runs),
	}
}

func datasetResponse(j catalog.Job, cfg *config.Config, rows int, disabled map[string]string) DatasetResponse {
	res := DatasetResponse{
		Dataset:      j.Dataset,
		TargetTable:  j.TargetTable,
		Predecessors: nonNilSlice(j.Predecessors),
		Strategy:     j.Strategy,
		Rows:         rows,
		Enabled:      true,
	}
	if cfg != nil {
		res.BatchSize = cfg.BatchSizeFor(j.Dataset)
		res.Enabled = cfg.Enabled(j.Dataset)
	}
	if reason, ok := disabled[j.Dataset]; ok {
		res.Enabled = false
		res.DisabledReason = &reason
	}
	return res
}

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
