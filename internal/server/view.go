package server

import (
	"time"

	"docpipeline/pkg/models"
)

// JobView is the JSON form of a job record.
type JobView struct {
	DedupeKey    string     `json:"dedupe_key"`
	SourceID     string     `json:"source_id"`
	JobID        string     `json:"job_id,omitempty"`
	State        string     `json:"state"`
	Reason       string     `json:"reason,omitempty"`
	Attempt      int        `json:"attempt"`
	FetchAttempt int        `json:"fetch_attempt"`
	ResultRef    string     `json:"result_ref,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Version      int64      `json:"version"`
}

// NewJobView converts a record.
func NewJobView(rec *models.JobRecord) JobView {
	return JobView{
		DedupeKey:    rec.DedupeKey,
		SourceID:     rec.SourceID,
		JobID:        rec.JobID,
		State:        rec.State.String(),
		Reason:       rec.Reason,
		Attempt:      rec.Attempt,
		FetchAttempt: rec.FetchAttempt,
		ResultRef:    rec.ResultRef,
		CreatedAt:    rec.CreatedAt,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
		UpdatedAt:    rec.UpdatedAt,
		Version:      rec.Version,
	}
}
