// Package model defines shared data structures for the ingestion service.
package model

import "time"

// Field defaults applied when a feed item does not carry the value.
const (
	DefaultCompany  = "Unknown"
	DefaultLocation = "Remote"

	// MaxDescriptionLength bounds stored descriptions, in characters.
	MaxDescriptionLength = 5000
)

// NormalizedJob is a job offer extracted from a feed item.
// GUID, Title and URL are never empty.
type NormalizedJob struct {
	GUID          string    `json:"guid"`
	Title         string    `json:"title"`
	Company       string    `json:"company"`
	Location      string    `json:"location"`
	Description   string    `json:"description"`
	URL           string    `json:"url"`
	PublishedDate time.Time `json:"publishedDate"`
	Source        string    `json:"source"`
}

// QueuedPayload is the unit of work placed on the job queue: a normalised
// offer plus the import log that must be updated when it terminates.
type QueuedPayload struct {
	NormalizedJob
	ImportLogID string `json:"importLogId"`
}

// StoredJob mirrors a row of the jobs table.
type StoredJob struct {
	ID int64 `json:"id"`
	NormalizedJob
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Failure is one entry of an import log's failure list.
type Failure struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason"`
}

// ImportLog is the audit record of one fetch attempt.
// TotalFetched is fixed at creation; the other counters only grow.
type ImportLog struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	TotalFetched  int       `json:"totalFetched"`
	TotalImported int       `json:"totalImported"`
	NewJobs       int       `json:"newJobs"`
	UpdatedJobs   int       `json:"updatedJobs"`
	FailedJobs    int       `json:"failedJobs"`
	Failures      []Failure `json:"failures"`
	DurationMs    int64     `json:"durationMs"`
}

// Processed reports how many payloads of this log reached a terminal outcome.
func (l *ImportLog) Processed() int {
	return l.NewJobs + l.UpdatedJobs + l.FailedJobs
}

// OutcomeKind classifies the result of processing one payload.
type OutcomeKind string

const (
	OutcomeCreated OutcomeKind = "created"
	OutcomeUpdated OutcomeKind = "updated"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome is the typed result of one unit of work.
type Outcome struct {
	Kind   OutcomeKind
	JobID  string
	Reason string
	Err    error
}

// Completed returns a successful outcome.
func Completed(isNew bool) Outcome {
	if isNew {
		return Outcome{Kind: OutcomeCreated}
	}
	return Outcome{Kind: OutcomeUpdated}
}

// Failed returns a failed outcome for jobID caused by err.
func Failed(jobID string, err error) Outcome {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return Outcome{Kind: OutcomeFailed, JobID: jobID, Reason: reason, Err: err}
}

// IsFailure reports whether the outcome is a failure.
func (o Outcome) IsFailure() bool { return o.Kind == OutcomeFailed }
