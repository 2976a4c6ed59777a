// Package tracker defines the domain types and collaborator interfaces shared
// by the browser, rank, jobs, worker, and scheduler subsystems.
package tracker

import (
	"errors"
	"time"
)

// ErrNoTarget is returned when a keyword carries no usable target identity.
var ErrNoTarget = errors.New("keyword has no target registration")

// JobType identifies which tracking routine a job runs.
type JobType string

// Supported job types.
const (
	JobTypePlaceRank JobType = "place-rank"
	JobTypeBlogRank  JobType = "blog-rank"
)

// JobTypes lists every tracking job type in the order the scheduler runs them.
func JobTypes() []JobType {
	return []JobType{JobTypePlaceRank, JobTypeBlogRank}
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypePlaceRank || t == JobTypeBlogRank
}

// JobStatus represents the lifecycle state of a tracking job.
type JobStatus string

// Job status values. Transitions only move forward:
// queued -> running -> completed|failed (queued may also fail directly).
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Active reports whether the status still counts against the one-active-job rule.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Progress tracks how far a job has advanced through its keyword list.
type Progress struct {
	Current        int    `json:"current"`
	Total          int    `json:"total"`
	CurrentKeyword string `json:"current_keyword,omitempty"`
}

// JobResults summarizes keyword outcomes once a job finishes.
type JobResults struct {
	SuccessCount int `json:"success_count"`
	FailedCount  int `json:"failed_count"`
}

// JobError records why a job failed.
type JobError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is one tenant's run of one job type.
type Job struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	TenantLabel string      `json:"tenant_label"`
	Type        JobType     `json:"job_type"`
	Status      JobStatus   `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Progress    Progress    `json:"progress"`
	Results     *JobResults `json:"results,omitempty"`
	Error       *JobError   `json:"error,omitempty"`
}

// Clone returns a deep copy so callers never share pointers with the registry.
func (j Job) Clone() Job {
	cp := j
	if j.StartedAt != nil {
		ts := *j.StartedAt
		cp.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		cp.CompletedAt = &ts
	}
	if j.Results != nil {
		res := *j.Results
		cp.Results = &res
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	return cp
}

// TenantRef identifies a tenant with at least one trackable target.
type TenantRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// KeywordTarget is a tracked keyword plus the identity of what we look for.
// Place keywords carry PlaceID/PlaceName, blog keywords carry BlogID/BlogURL.
type KeywordTarget struct {
	KeywordID string `json:"keyword_id"`
	TenantID  string `json:"tenant_id"`
	Keyword   string `json:"keyword"`
	Active    bool   `json:"active"`
	PlaceID   string `json:"place_id,omitempty"`
	PlaceName string `json:"place_name,omitempty"`
	BlogID    string `json:"blog_id,omitempty"`
	BlogURL   string `json:"blog_url,omitempty"`
}

// RankEntry is one listing extracted from a result page.
type RankEntry struct {
	Rank        int    `json:"rank"`
	Name        string `json:"name"`
	ExternalID  string `json:"external_id"`
	IsSponsored bool   `json:"is_sponsored"`
}

// RankingResult is the outcome of one place-rank check.
type RankingResult struct {
	OrganicRank  *int        `json:"organic_rank"`
	AdRank       *int        `json:"ad_rank"`
	Found        bool        `json:"found"`
	TotalScanned int         `json:"total_results_scanned"`
	TopN         []RankEntry `json:"top_n"`
	CheckedAt    time.Time   `json:"timestamp"`
}

// BlogRankingResult is the outcome of one blog-rank check.
type BlogRankingResult struct {
	MainTabExposed bool      `json:"main_tab_exposed"`
	BlogTabRank    *int      `json:"blog_tab_rank"`
	URL            string    `json:"url,omitempty"`
	CheckedAt      time.Time `json:"timestamp"`
}

// LogLevel is the severity of a SystemLog entry.
type LogLevel string

// Supported log levels.
const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogEntry is one append-only SystemLog record.
type LogEntry struct {
	ID        string         `json:"id"`
	Level     LogLevel       `json:"level"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AdsCredential holds one tenant's advertising API credentials.
type AdsCredential struct {
	TenantID   string `json:"tenant_id"`
	CustomerID string `json:"customer_id"`
	APIKey     string `json:"-"`
	SecretKey  string `json:"-"`
}

// IntPtr returns a pointer to v; handy when building optional ranks.
func IntPtr(v int) *int {
	return &v
}

// JobAction tags a job_update event.
type JobAction string

// Job update actions.
const (
	JobAdded    JobAction = "added"
	JobUpdated  JobAction = "updated"
	JobProgress JobAction = "progress"
)

// Log categories used across the service.
const (
	CategoryJobs      = "jobs"
	CategoryScheduler = "scheduler"
	CategoryTracking  = "tracking"
	CategoryAds       = "ads"
	CategoryBrowser   = "browser"
)
