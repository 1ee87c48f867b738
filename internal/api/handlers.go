package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/quota"
	"sandbox-governor/internal/scheduler"
	"sandbox-governor/internal/storage"
)

const callerHeader = "X-Caller-ID"

type Handlers struct {
	scheduler *scheduler.Scheduler
	policy    *quota.Policy
	monitor   *monitor.Monitor
	db        *storage.DB
	interval  time.Duration // Event stream polling interval
}

func NewHandlers(sched *scheduler.Scheduler, policy *quota.Policy, mon *monitor.Monitor, db *storage.DB, interval time.Duration) *Handlers {
	if interval <= 0 {
		interval = time.Second
	}
	return &Handlers{
		scheduler: sched,
		policy:    policy,
		monitor:   mon,
		db:        db,
		interval:  interval,
	}
}

func (h *Handlers) HandleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeServiceError(w, err, r)
			return
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	callerID := r.Header.Get(callerHeader)
	if callerID == "" {
		callerID = req.CallerID
	}
	if callerID == "" {
		writeError(w, "caller id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	batch, err := h.scheduler.CreateBatch(r.Context(), req.toBatchRequest(callerID, clientIP(r)))
	if err != nil {
		writeServiceError(w, err, r)
		return
	}

	w.Header().Set("Location", "/batches/"+batch.ID)
	writeJSON(w, http.StatusAccepted, batch)
}

func (h *Handlers) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	callerID := r.URL.Query().Get("caller_id")
	if callerID == "" {
		callerID = r.Header.Get(callerHeader)
	}

	if r.URL.Query().Get("source") == "history" {
		if h.db == nil {
			writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
			return
		}
		recs, err := h.db.ListBatches(r.Context(), callerID, queryLimit(r, 100))
		if err != nil {
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("listing batch history failed")
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}

	batches := h.scheduler.ListBatches(callerID)
	if batches == nil {
		batches = []*scheduler.BatchStatus{}
	}
	writeJSON(w, http.StatusOK, batches)
}

func (h *Handlers) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if st, ok := h.scheduler.GetBatchStatus(id); ok {
		writeJSON(w, http.StatusOK, st)
		return
	}

	// Evicted batches and those from earlier runs only exist in the database.
	if h.db != nil {
		rec, err := h.db.GetBatch(r.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, rec)
			return
		case !errors.Is(err, storage.ErrNotFound):
			log.Error().Err(err).Str("batch_id", id).Msg("loading batch failed")
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
	}
	writeError(w, "batch not found", "NOT_FOUND", http.StatusNotFound, r)
}

func (h *Handlers) HandleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, ok := h.scheduler.GetBatchStatus(id); !ok {
		writeError(w, "batch not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if !h.scheduler.CancelBatch(id) {
		writeError(w, "batch already finished", "CONFLICT", http.StatusConflict, r)
		return
	}

	st, _ := h.scheduler.GetBatchStatus(id)
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) HandleRetryBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.scheduler.RetryBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err, r)
		return
	}
	w.Header().Set("Location", "/batches/"+batch.ID)
	writeJSON(w, http.StatusAccepted, batch)
}

func (h *Handlers) HandleJobMetrics(w http.ResponseWriter, r *http.Request) {
	m, ok := h.monitor.GetJobMetrics(r.PathValue("id"))
	if !ok {
		writeError(w, "no metrics for job", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleJobEvents streams a job's samples and threshold events as they are
// recorded, ending with a done event once monitoring stops.
func (h *Handlers) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, ok := h.monitor.GetJobMetrics(id)
	if !ok {
		writeError(w, "no metrics for job", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	stream := newEventStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var sentSamples, sentEvents int
	for {
		for i := sentSamples; i < len(m.CPU.History); i++ {
			if stream.send("sample", samplePoint(m, i)) != nil {
				return
			}
		}
		sentSamples = len(m.CPU.History)
		for _, e := range m.Events[min(sentEvents, len(m.Events)):] {
			if stream.send("event", e) != nil {
				return
			}
		}
		sentEvents = len(m.Events)

		if !m.Active {
			_ = stream.send("done", map[string]any{"job_id": id, "samples": m.Samples, "events": len(m.Events)})
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		next, ok := h.monitor.GetJobMetrics(id)
		if !ok {
			_ = stream.raw("error", "job metrics expired")
			return
		}
		m = next
	}
}

func samplePoint(m *monitor.JobMetrics, i int) map[string]any {
	point := map[string]any{
		"index":          i,
		"cpu_percent":    m.CPU.History[i],
		"memory_percent": m.Memory.History[i],
	}
	if i < len(m.IO.History) {
		point["timestamp"] = m.IO.History[i].Timestamp
		point["io_read_bytes"] = m.IO.History[i].Read
		point["io_write_bytes"] = m.IO.History[i].Write
	}
	if i < len(m.Network.History) {
		point["net_sent_bytes"] = m.Network.History[i].Sent
		point["net_recv_bytes"] = m.Network.History[i].Recv
	}
	return point
}

func (h *Handlers) HandleCallerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.policy.Stats(r.Context(), r.PathValue("id")))
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		CallerID: q.Get("caller_id"),
		BatchID:  q.Get("batch_id"),
		Status:   q.Get("status"),
		Limit:    queryLimit(r, 100),
	}

	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("listing executions failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

// writeServiceError maps scheduler and policy errors onto HTTP responses.
func writeServiceError(w http.ResponseWriter, err error, r *http.Request) {
	var cooldown *quota.CooldownError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &cooldown):
		secs := math.Ceil(cooldown.Remaining.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(int(secs)))
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:      err.Error(),
			Code:       "IN_COOLDOWN",
			RequestID:  RequestIDFromContext(r.Context()),
			RetryAfter: secs,
		})
	case errors.Is(err, quota.ErrQuotaExceeded):
		writeError(w, err.Error(), "QUOTA_EXCEEDED", http.StatusTooManyRequests, r)
	case errors.Is(err, scheduler.ErrInvalidBatch):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case errors.As(err, &maxBytes):
		writeError(w, "request body too large", "INVALID_REQUEST", http.StatusRequestEntityTooLarge, r)
	case errors.Is(err, scheduler.ErrBatchNotFound):
		writeError(w, "batch not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, scheduler.ErrNotRetryable):
		writeError(w, err.Error(), "CONFLICT", http.StatusConflict, r)
	case errors.Is(err, scheduler.ErrShuttingDown):
		writeError(w, err.Error(), "UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
