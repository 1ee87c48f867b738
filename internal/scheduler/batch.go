package scheduler

import (
	"time"

	"sandbox-governor/internal/artifact"
	"sandbox-governor/internal/storage"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions lists the allowed moves. Terminal states have none.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobStatus is the per-job state inside a batch.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one unit of code execution within a batch.
type Job struct {
	ID              string            `json:"id"`
	Artifact        artifact.Artifact `json:"-"`
	Language        string            `json:"language"`
	CodeHash        string            `json:"code_hash"`
	Status          JobStatus         `json:"status"`
	Error           string            `json:"error,omitempty"`
	ErrorKind       string            `json:"error_kind,omitempty"`
	ExitCode        int               `json:"exit_code"`
	Attempts        int               `json:"attempts"`
	Backend         string            `json:"backend,omitempty"`
	Output          string            `json:"output,omitempty"`
	PeakCPUPercent  float64           `json:"peak_cpu_percent,omitempty"`
	PeakMemoryBytes int64             `json:"peak_memory_bytes,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// Batch is an ordered collection of jobs submitted and tracked together.
// Values handed out by the Scheduler are snapshots.
type Batch struct {
	ID               string        `json:"id"`
	CallerID         string        `json:"caller_id"`
	ScriptID         string        `json:"script_id,omitempty"`
	TrustScore       float64       `json:"trust_score"`
	IPAddress        string        `json:"-"`
	Jobs             []Job         `json:"jobs"`
	Status           Status        `json:"status"`
	DelayBetweenJobs time.Duration `json:"delay_between_jobs"`
	BackendBalancing bool          `json:"backend_balancing"`
	NetworkEnabled   bool          `json:"network_enabled,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	RetryOf          string        `json:"retry_of,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

func (b *Batch) clone() *Batch {
	c := *b
	c.Jobs = append([]Job(nil), b.Jobs...)
	return &c
}

// JobCounts tallies jobs by status.
func (b *Batch) JobCounts() map[JobStatus]int {
	counts := make(map[JobStatus]int, 3)
	for _, j := range b.Jobs {
		counts[j.Status]++
	}
	return counts
}

// BatchStatus is the read-only aggregate returned by GetBatchStatus.
type BatchStatus struct {
	BatchID          string            `json:"batch_id"`
	CallerID         string            `json:"caller_id"`
	Status           Status            `json:"status"`
	TotalJobs        int               `json:"total_jobs"`
	JobStatuses      map[JobStatus]int `json:"job_statuses"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	DelaySeconds     float64           `json:"delay_between_jobs"`
	BackendBalancing bool              `json:"backend_balancing"`
	RetryOf          string            `json:"retry_of,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Jobs             []Job             `json:"jobs"`
}

func (b *Batch) status() *BatchStatus {
	return &BatchStatus{
		BatchID:          b.ID,
		CallerID:         b.CallerID,
		Status:           b.Status,
		TotalJobs:        len(b.Jobs),
		JobStatuses:      b.JobCounts(),
		ErrorMessage:     b.ErrorMessage,
		DelaySeconds:     b.DelayBetweenJobs.Seconds(),
		BackendBalancing: b.BackendBalancing,
		RetryOf:          b.RetryOf,
		CreatedAt:        b.CreatedAt,
		StartedAt:        b.StartedAt,
		CompletedAt:      b.CompletedAt,
		Jobs:             append([]Job(nil), b.Jobs...),
	}
}

func (b *Batch) record() *storage.BatchRecord {
	rec := &storage.BatchRecord{
		ID:               b.ID,
		CallerID:         b.CallerID,
		ScriptID:         b.ScriptID,
		TrustScore:       b.TrustScore,
		Status:           string(b.Status),
		DelaySeconds:     b.DelayBetweenJobs.Seconds(),
		BackendBalancing: b.BackendBalancing,
		ErrorMessage:     b.ErrorMessage,
		RetryOf:          b.RetryOf,
		CreatedAt:        b.CreatedAt,
		StartedAt:        b.StartedAt,
		CompletedAt:      b.CompletedAt,
		Jobs:             make([]storage.JobRecord, len(b.Jobs)),
	}
	for i, j := range b.Jobs {
		rec.Jobs[i] = storage.JobRecord{
			ID:          j.ID,
			Language:    j.Language,
			CodeHash:    j.CodeHash,
			Status:      string(j.Status),
			Error:       j.Error,
			ErrorKind:   j.ErrorKind,
			ExitCode:    j.ExitCode,
			Attempts:    j.Attempts,
			StartedAt:   j.StartedAt,
			CompletedAt: j.CompletedAt,
		}
	}
	return rec
}

// BatchRequest is a batch submission.
type BatchRequest struct {
	CallerID         string
	ScriptID         string
	TrustScore       float64
	IPAddress        string
	Jobs             []artifact.Artifact
	DelayBetweenJobs time.Duration
	BackendBalancing bool
	NetworkEnabled   bool
}
