package domain

import "time"

// Raw task statuses as they appear in the warehouse event history.
const (
	RawPending   = "pending"
	RawLabeling  = "labeling"
	RawCompleted = "completed"
	RawSkipped   = "skipped"
	RawArchived  = "archived"
)

// Derived statuses stored on task facts. DerivedUnclaimed replaces the raw
// pending state; DerivedReviewed and DerivedRework only exist after review.
const (
	DerivedUnclaimed = "unclaimed"
	DerivedLabeling  = "labeling"
	DerivedCompleted = "completed"
	DerivedReviewed  = "reviewed"
	DerivedRework    = "rework"
	DerivedSkipped   = "skipped"
	DerivedArchived  = "archived"
)

// Review actions recorded by the warehouse.
const (
	ReviewApprove = "approve"
	ReviewRework  = "rework"
)

// TaskFact is the point-in-time state of one labeling task, fully
// overwritten on every sync.
type TaskFact struct {
	TaskKey     string     `json:"task_key"`
	ProjectKey  string     `json:"project_key"`
	BatchKey    string     `json:"batch_key"`
	Title       string     `json:"title"`
	Status      string     `json:"status" enum:"unclaimed,labeling,completed,reviewed,rework,skipped,archived"`
	Domain      *string    `json:"domain,omitempty"`
	AssigneeKey *string    `json:"assignee_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ReviewCount int        `json:"review_count"`
	SyncedAt    time.Time  `json:"synced_at"`
}

// Completion is one entered-completed event annotated with the running
// completion count for its task as of that event. Count 1 is the first
// completion; anything above is rework.
type Completion struct {
	TaskKey     string    `json:"task_key"`
	Seq         int64     `json:"seq"`
	ActorKey    string    `json:"actor_key"`
	CompletedAt time.Time `json:"completed_at"`
	Count       int       `json:"completion_count"`
	Rework      bool      `json:"rework"`
	SyncedAt    time.Time `json:"synced_at"`
}

// HandleTime is the authoritative handle time for one task: the shortest
// valid claim-to-submit pairing across all actors that touched it.
type HandleTime struct {
	TaskKey   string    `json:"task_key"`
	ActorKey  string    `json:"actor_key"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Seconds   int64     `json:"seconds"`
	Minutes   float64   `json:"minutes"`
	SyncedAt  time.Time `json:"synced_at"`
}

// ReviewFact is a review attributed to the contributor whose completion it
// judged. CreditedKey is nil when no completion preceded the review; such
// rows are kept but excluded from per-contributor rollups.
type ReviewFact struct {
	ReviewKey   string    `json:"review_key"`
	TaskKey     string    `json:"task_key"`
	ReviewerKey string    `json:"reviewer_key"`
	Action      string    `json:"action" enum:"approve,rework"`
	SubmittedAt time.Time `json:"submitted_at"`
	CreditedKey *string   `json:"credited_key,omitempty"`
	SyncedAt    time.Time `json:"synced_at"`
}

// Contributor is one roster row. ID is assigned by the mart; LeadKey refers
// to another contributor by natural key and is resolved to LeadID in the
// loader's second pass, so extraction order never matters.
type Contributor struct {
	ID             int64     `json:"id"`
	ContributorKey string    `json:"contributor_key"`
	DisplayName    string    `json:"display_name"`
	Email          *string   `json:"email,omitempty"`
	Role           string    `json:"role"`
	LeadKey        *string   `json:"lead_key,omitempty"`
	LeadID         *int64    `json:"lead_id,omitempty"`
	JoinedAt       time.Time `json:"joined_at"`
	Active         bool      `json:"active"`
	SyncedAt       time.Time `json:"synced_at"`
}

// DailyRollup is one per-day, per-contributor throughput point for the
// dashboard time-series charts.
type DailyRollup struct {
	Day            string    `json:"day" format:"date"`
	ContributorKey string    `json:"contributor_key"`
	Completed      int       `json:"completed"`
	Reworked       int       `json:"reworked"`
	Reviewed       int       `json:"reviewed"`
	SyncedAt       time.Time `json:"synced_at"`
}

// Sync trigger types.
const (
	SyncScheduled = "scheduled"
	SyncManual    = "manual"
	SyncInitial   = "initial"
)

// Sync run statuses. A run is mutated only by its owner and only while
// Status is running; once CompletedAt is set the row is immutable.
const (
	RunRunning    = "running"
	RunSuccess    = "success"
	RunFailed     = "failed"
	RunPartial    = "partial"
	RunSkippedDep = "skipped-dependency"
)

// SyncRun is one execution of the extract-transform-load pipeline for a
// single dataset. One row per dataset per cycle, append-only.
type SyncRun struct {
	ID          string     `json:"id"`
	Dataset     string     `json:"dataset"`
	SyncType    string     `json:"sync_type" enum:"scheduled,manual,initial"`
	Status      string     `json:"status" enum:"running,success,failed,partial,skipped-dependency"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Processed   int        `json:"records_processed"`
	Skipped     int        `json:"records_skipped"`
	Error       *string    `json:"error,omitempty"`
}

// Terminal reports whether the run reached a final status.
func (r SyncRun) Terminal() bool {
	return r.Status != RunRunning
}

// Unblocks reports whether a predecessor run in this state allows its
// dependents to proceed. Partial data is still current data; only a hard
// failure or a skip blocks the downstream datasets.
func (r SyncRun) Unblocks() bool {
	return r.Status == RunSuccess || r.Status == RunPartial
}
