// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source identifies one external job board.
type Source string

// Supported sources.
const (
	SourceWorkTogether Source = "workTogether"
	SourceSaramin      Source = "saramin"
	SourceWork24       Source = "work24"
	SourceJobKorea     Source = "jobkorea"
)

// AllSources lists every source in scheduling order.
func AllSources() []Source {
	return []Source{SourceWorkTogether, SourceSaramin, SourceWork24, SourceJobKorea}
}

// ParseSource resolves a source name case-insensitively.
func ParseSource(name string) (Source, error) {
	trimmed := strings.TrimSpace(name)
	for _, src := range AllSources() {
		if strings.EqualFold(string(src), trimmed) {
			return src, nil
		}
	}
	return "", &ConfigurationError{Reason: fmt.Sprintf("unknown source %q", name)}
}

// String implements fmt.Stringer.
func (s Source) String() string {
	return string(s)
}

// RawItem is one listing row as scraped from a listing page.
type RawItem struct {
	Source      Source            `json:"source"`
	ExternalID  string            `json:"external_id"`
	URL         string            `json:"url"`
	Fields      map[string]string `json:"fields"`
	ListingHTML string            `json:"listing_html,omitempty"`
}

// Field returns a scraped field or the empty string.
func (r RawItem) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// Well-known RawItem field names.
const (
	FieldTitle          = "title"
	FieldCompany        = "company"
	FieldLocation       = "location"
	FieldSalary         = "salary"
	FieldDeadline       = "deadline"
	FieldEmploymentType = "employment_type"
	FieldExperience     = "experience"
	FieldEducation      = "education"
	FieldDescription    = "description"
)

// Location is the structured form of a listing address.
type Location struct {
	Address  string `json:"address,omitempty"`
	City     string `json:"city,omitempty"`
	District string `json:"district,omitempty"`
}

// SalaryRange is expressed in annual currency units. Max is zero when open ended.
type SalaryRange struct {
	Min      int64  `json:"min"`
	Max      int64  `json:"max,omitempty"`
	Currency string `json:"currency"`
}

// NormalizedJob is an adapter's mapping of a RawItem into the job schema.
type NormalizedJob struct {
	Source               Source          `json:"source"`
	ExternalID           string          `json:"external_id"`
	Title                string          `json:"title"`
	Company              string          `json:"company,omitempty"`
	Location             *Location       `json:"location,omitempty"`
	Salary               *SalaryRange    `json:"salary_range,omitempty"`
	EmploymentType       string          `json:"employment_type,omitempty"`
	Description          string          `json:"description,omitempty"`
	IsDisabilityFriendly bool            `json:"is_disability_friendly"`
	CrawledAt            time.Time       `json:"crawled_at"`
	ExpiresAt            *time.Time      `json:"expires_at,omitempty"`
	ExternalURL          string          `json:"external_url"`
	RawData              json.RawMessage `json:"raw_data,omitempty"`
}

// Validate reports the first missing required field.
func (n NormalizedJob) Validate() error {
	switch {
	case n.Source == "":
		return &MalformedItemError{Source: n.Source, ExternalID: n.ExternalID, Field: "source"}
	case strings.TrimSpace(n.ExternalID) == "":
		return &MalformedItemError{Source: n.Source, ExternalID: n.ExternalID, Field: "external_id"}
	case strings.TrimSpace(n.Title) == "":
		return &MalformedItemError{Source: n.Source, ExternalID: n.ExternalID, Field: "title"}
	}
	return nil
}

// Job is a persisted listing keyed by (Source, ExternalID).
type Job struct {
	ID string `json:"id"`
	NormalizedJob
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContactInfo groups optional contact details found on a detail page.
type ContactInfo struct {
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
}

// DetailRecord is the richer record parsed from a listing's detail page.
type DetailRecord struct {
	NormalizedJob
	Requirements        []string    `json:"requirements,omitempty"`
	Benefits            []string    `json:"benefits,omitempty"`
	ApplicationDeadline *time.Time  `json:"application_deadline,omitempty"`
	Contact             ContactInfo `json:"contact_info"`
}

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

// Crawl run states. Transitions are running -> success or running -> failed.
const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// CrawlRun is one logged attempt to crawl one (source, page) pair.
type CrawlRun struct {
	ID          string     `json:"id"`
	Source      Source     `json:"source"`
	Page        int        `json:"page"`
	Status      RunStatus  `json:"status"`
	JobsFound   int        `json:"jobs_found"`
	JobsNew     int        `json:"jobs_new"`
	JobsUpdated int        `json:"jobs_updated"`
	Error       string     `json:"error_message,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns the run duration, or zero while running.
func (r CrawlRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// CrawlRunUpdate carries the terminal state written when a run ends.
type CrawlRunUpdate struct {
	Status      RunStatus
	JobsFound   int
	JobsNew     int
	JobsUpdated int
	Error       string
	CompletedAt time.Time
}

// CrawlRunFilter narrows ListCrawlRuns. Results are ordered newest first.
type CrawlRunFilter struct {
	Source Source
	Status RunStatus
	Since  time.Time
	Limit  int
}

// JobFilter narrows job counts and listings.
type JobFilter struct {
	Source                 Source
	DisabilityFriendlyOnly bool
}

// RetentionRule describes which jobs the retention sweep removes.
type RetentionRule struct {
	// ExpiredBefore removes jobs whose expiry is earlier than this instant.
	ExpiredBefore time.Time
	// StaleBefore removes jobs without expiry crawled earlier than this instant.
	StaleBefore time.Time
}

// UpsertOutcome reports whether an upsert inserted or updated a row.
type UpsertOutcome struct {
	Job      Job
	Inserted bool
}

// CrawlResult is the synchronous result of RunCrawl.
type CrawlResult struct {
	Source      Source `json:"source"`
	Page        int    `json:"page"`
	RunID       string `json:"run_id,omitempty"`
	JobsFound   int    `json:"jobs_found"`
	JobsNew     int    `json:"jobs_new"`
	JobsUpdated int    `json:"jobs_updated"`
	JobsSkipped int    `json:"jobs_skipped"`
	Error       string `json:"error,omitempty"`
}

// Failed reports whether the crawl ended in failure.
func (r CrawlResult) Failed() bool {
	return r.Error != ""
}

// Stats summarizes the job store for operators.
type Stats struct {
	TotalJobs       int            `json:"total_jobs"`
	JobsBySource    map[Source]int `json:"jobs_by_source"`
	RecentCrawlRuns []CrawlRun     `json:"recent_crawl_runs"`
}

// AlertType classifies monitoring alerts.
type AlertType string

// Alert types.
const (
	AlertHighFailureRate     AlertType = "high_failure_rate"
	AlertSlowCrawl           AlertType = "slow_crawl"
	AlertConsecutiveFailures AlertType = "consecutive_failures"
)

// Severity ranks alerts.
type Severity string

// Severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a derived health signal for one source.
type Alert struct {
	Source    Source    `json:"source"`
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is a message handed to a Notifier.
type Notification struct {
	Recipient string
	Subject   string
	BodyHTML  string
}

// CrawlTask is one queued (source, page) crawl.
type CrawlTask struct {
	ID         string    `json:"id"`
	Source     Source    `json:"source"`
	Page       int       `json:"page"`
	Attempt    int       `json:"attempt"`
	Trigger    string    `json:"trigger"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Task triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// PageRequest asks a Session to load one page.
type PageRequest struct {
	URL string
	// WaitSelector is awaited before the document is captured when supported.
	WaitSelector string
	Timeout      time.Duration
}

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	HTML       string
	Duration   time.Duration
}
