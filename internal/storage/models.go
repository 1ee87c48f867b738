package storage

import "time"

// BatchRecord is the persisted form of a job batch.
type BatchRecord struct {
	ID               string      `json:"id" db:"id"`
	CallerID         string      `json:"caller_id" db:"caller_id"`
	ScriptID         string      `json:"script_id,omitempty" db:"script_id"`
	TrustScore       float64     `json:"trust_score" db:"trust_score"`
	Status           string      `json:"status" db:"status"` // pending, running, completed, failed, cancelled
	Jobs             []JobRecord `json:"jobs" db:"jobs"`
	DelaySeconds     float64     `json:"delay_seconds" db:"delay_seconds"`
	BackendBalancing bool        `json:"backend_balancing" db:"backend_balancing"`
	ErrorMessage     string      `json:"error_message,omitempty" db:"error_message"`
	RetryOf          string      `json:"retry_of,omitempty" db:"retry_of"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// JobRecord is stored inline with its batch.
type JobRecord struct {
	ID          string     `json:"id"`
	Language    string     `json:"language"`
	CodeHash    string     `json:"code_hash"`
	Status      string     `json:"status"` // pending, completed, failed
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	ExitCode    int        `json:"exit_code"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SampleRecord is one resource sample. Byte fields are deltas against the
// previous sample of the same job.
type SampleRecord struct {
	JobID           string    `json:"job_id" db:"job_id"`
	Timestamp       time.Time `json:"timestamp" db:"ts"`
	CPUPercent      float64   `json:"cpu_percent" db:"cpu_percent"`
	MemoryPercent   float64   `json:"memory_percent" db:"memory_percent"`
	MemoryUsedBytes int64     `json:"memory_used_bytes" db:"memory_used_bytes"`
	IOReadBytes     int64     `json:"io_read_bytes" db:"io_read_bytes"`
	IOWriteBytes    int64     `json:"io_write_bytes" db:"io_write_bytes"`
	NetSentBytes    int64     `json:"net_sent_bytes" db:"net_sent_bytes"`
	NetRecvBytes    int64     `json:"net_recv_bytes" db:"net_recv_bytes"`
}

// EventRecord stores a threshold-crossing event.
type EventRecord struct {
	ID        string             `json:"id" db:"id"`
	JobID     string             `json:"job_id" db:"job_id"`
	Type      string             `json:"type" db:"type"`
	Timestamp time.Time          `json:"timestamp" db:"ts"`
	Details   map[string]float64 `json:"details" db:"details"`
	Sample    SampleRecord       `json:"sample" db:"sample"`
}

// ExecutionRecord is the audit entry written once per executed job.
type ExecutionRecord struct {
	ID              string    `json:"id" db:"id"`
	CallerID        string    `json:"caller_id" db:"caller_id"`
	JobID           string    `json:"job_id" db:"job_id"`
	BatchID         string    `json:"batch_id,omitempty" db:"batch_id"`
	CodeHash        string    `json:"code_hash" db:"code_hash"`
	Backend         string    `json:"backend" db:"backend"`
	Tier            string    `json:"tier" db:"tier"`
	Status          string    `json:"status" db:"status"` // completed, failed
	ErrorKind       string    `json:"error_kind,omitempty" db:"error_kind"`
	ExitCode        int       `json:"exit_code" db:"exit_code"`
	DurationMS      int64     `json:"duration_ms" db:"duration_ms"`
	PeakCPUPercent  float64   `json:"peak_cpu_percent" db:"peak_cpu_percent"`
	PeakMemoryBytes int64     `json:"peak_memory_bytes" db:"peak_memory_bytes"`
	Events          int       `json:"events" db:"events"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// SignatureMismatchRecord audits an artifact whose signature did not verify.
type SignatureMismatchRecord struct {
	ID        string    `json:"id" db:"id"`
	CallerID  string    `json:"caller_id" db:"caller_id"`
	IPAddress string    `json:"ip_address" db:"ip_address"`
	CodeHash  string    `json:"code_hash" db:"code_hash"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CooldownRecord audits a caller entering cooldown.
type CooldownRecord struct {
	ID             string    `json:"id" db:"id"`
	CallerID       string    `json:"caller_id" db:"caller_id"`
	Reason         string    `json:"reason" db:"reason"`
	FailedAttempts int       `json:"failed_attempts" db:"failed_attempts"`
	Until          time.Time `json:"until" db:"until"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	CallerID string
	BatchID  string
	Status   string
	Since    *time.Time
	Limit    int
	Offset   int
}
