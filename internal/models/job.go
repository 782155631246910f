package models

import (
	"time"
)

// JobType names the kind of outbound operation registered with the admission controller.
type JobType string

const (
	JobListFetch     JobType = "list_fetch"
	JobDownload      JobType = "download"
	JobMetadataProbe JobType = "metadata_probe"
	JobCatalogParse  JobType = "catalog_parse"
)

// JobStatus enumerates admission-controller lifecycle states.
type JobStatus string

const (
	StatusQueued   JobStatus = "queued"
	StatusRunning  JobStatus = "running"
	StatusDone     JobStatus = "done"
	StatusFailed   JobStatus = "failed"
	StatusCanceled JobStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// SlotScope records which capacity pool a running job holds.
type SlotScope string

const (
	ScopeNone         SlotScope = ""
	ScopeCredential   SlotScope = "credential"
	ScopeNoCredential SlotScope = "no_credential"
)

// Job is the serializable projection of an admission-controller entry.
type Job struct {
	ID                 string     `json:"id"`
	Type               JobType    `json:"type"`
	SubscriptionID     *int64     `json:"subscription_id,omitempty"`
	VideoID            string     `json:"video_id,omitempty"`
	RequiresCredential bool       `json:"requires_credential"`
	Status             JobStatus  `json:"status"`
	Priority           int        `json:"priority"`
	AcquiredScope      SlotScope  `json:"acquired_scope,omitempty"`
	DedupKey           string     `json:"dedup_key,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
	WaitCycles         int        `json:"wait_cycles"`
	WaitMS             int64      `json:"wait_ms"`
	LastWaitReason     string     `json:"last_wait_reason,omitempty"`
	RunMS              int64      `json:"run_ms"`
}
