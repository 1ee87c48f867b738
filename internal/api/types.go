package api

import (
	"time"

	"sandbox-governor/internal/artifact"
	"sandbox-governor/internal/scheduler"
)

// SubmitBatchRequest is the body of POST /batches.
type SubmitBatchRequest struct {
	CallerID         string     `json:"caller_id,omitempty"` // X-Caller-ID takes precedence
	ScriptID         string     `json:"script_id,omitempty"`
	TrustScore       float64    `json:"trust_score"`
	Jobs             []JobInput `json:"jobs"`
	DelayBetweenJobs Duration   `json:"delay_between_jobs,omitempty"`
	BackendBalancing bool       `json:"backend_balancing,omitempty"`
	NetworkEnabled   bool       `json:"network_enabled,omitempty"`
}

// JobInput is one code artifact of a submission.
type JobInput struct {
	Language  string `json:"language"`
	Code      string `json:"code"`
	Signature string `json:"signature,omitempty"`
}

func (r *SubmitBatchRequest) toBatchRequest(callerID, ip string) scheduler.BatchRequest {
	req := scheduler.BatchRequest{
		CallerID:         callerID,
		ScriptID:         r.ScriptID,
		TrustScore:       r.TrustScore,
		IPAddress:        ip,
		DelayBetweenJobs: r.DelayBetweenJobs.Duration,
		BackendBalancing: r.BackendBalancing,
		NetworkEnabled:   r.NetworkEnabled,
		Jobs:             make([]artifact.Artifact, len(r.Jobs)),
	}
	for i, j := range r.Jobs {
		req.Jobs[i] = artifact.Artifact{Language: j.Language, Code: j.Code, Signature: j.Signature}
	}
	return req
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
// Bare numbers are read as seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	} else if secs, err := time.ParseDuration(s + "s"); err == nil {
		d.Duration = secs
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error      string  `json:"error"`
	Code       string  `json:"code"`
	RequestID  string  `json:"request_id"`
	RetryAfter float64 `json:"retry_after_seconds,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status        string         `json:"status"`
	Backends      map[string]int `json:"backends"` // Active environments per driver
	Database      bool           `json:"database"`
	ActiveBatches int            `json:"active_batches"`
	Leaks         int            `json:"leaked_environments"`
	Uptime        string         `json:"uptime"`
}
