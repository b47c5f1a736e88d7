package protocol

import (
	"encoding/json"
	"time"
)

// SubmitRequest asks the narrator to convert text into one audio artifact.
type SubmitRequest struct {
	JobID string `json:"job_id,omitempty"`
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// SubmitReply answers a submission once the job has been validated. The job
// itself runs in the background.
type SubmitReply struct {
	JobID     string `json:"job_id"`
	Accepted  bool   `json:"accepted"`
	Chunks    int    `json:"chunks,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

type ProgressRequest struct {
	JobID string `json:"job_id"`
}

type ProgressReply struct {
	JobID     string    `json:"job_id"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Percent   int       `json:"percent"`
	State     string    `json:"state,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
}

// JobStatus is published when a job completes or fails.
type JobStatus struct {
	JobID        string    `json:"job_id"`
	State        string    `json:"state"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	Bytes        int64     `json:"bytes,omitempty"`
	Chunks       int       `json:"chunks,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	FailedChunk  *int      `json:"failed_chunk,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type HistoryRequest struct {
	JobID string `json:"job_id"`
	Limit int    `json:"limit,omitempty"`
}

// JobRecord is the audited summary of one job.
type JobRecord struct {
	JobID        string    `json:"job_id"`
	NodeID       string    `json:"node_id,omitempty"`
	Voice        string    `json:"voice,omitempty"`
	Chunks       int       `json:"chunks"`
	State        string    `json:"state"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type HistoryEvent struct {
	Type      string          `json:"type"`
	TraceID   string          `json:"trace_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type HistoryReply struct {
	Job       *JobRecord     `json:"job,omitempty"`
	Events    []HistoryEvent `json:"events,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
}

// NodeListRequest asks a node for its view of the cluster. Capability
// restricts the listing and picks the preferred node for that capability.
type NodeListRequest struct {
	Capability  string `json:"capability,omitempty"`
	HealthyOnly bool   `json:"healthy_only,omitempty"`
}

type NodeSummary struct {
	ID           string    `json:"id"`
	Role         string    `json:"role,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	ActiveJobs   int64     `json:"active_jobs"`
	InFlight     int64     `json:"in_flight"`
	Capacity     int64     `json:"capacity"`
	Healthy      bool      `json:"healthy"`
	LastSeen     time.Time `json:"last_seen"`
}

// NodeListReply carries the known nodes sorted by id. Preferred is the
// healthy node with the most free synthesis slots, empty when none qualifies.
type NodeListReply struct {
	Nodes     []NodeSummary `json:"nodes"`
	Preferred string        `json:"preferred,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
}

// Status states.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Error codes carried in replies and status events.
const (
	CodeEmptyInput      = "empty_input"
	CodeInvalidRequest  = "invalid_request"
	CodeJobActive       = "job_active"
	CodeNotFound        = "not_found"
	CodeSynthesisFailed = "synthesis_failed"
	CodeMergeFailed     = "merge_failed"
	CodeTimeout         = "timeout"
	CodeInternal        = "internal"
)

const (
	SubjectJobSubmit       = "narrator.job.submit"
	SubjectJobProgress     = "narrator.job.progress"
	SubjectJobStatusPrefix = "narrator.job.status"
	SubjectJobHistory      = "narrator.job.history"
	SubjectNodeList        = "narrator.node.list"
	StreamJobStatus        = "NARRATOR_JOB_STATUS"
)

// StatusSubject returns the subject status events for jobID are published on.
func StatusSubject(jobID string) string {
	return SubjectJobStatusPrefix + "." + jobID
}
