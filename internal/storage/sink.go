package storage

import (
	"context"
	"sync"
)

// Sink receives every durable record the engine produces. Implementations
// must not block the caller and must not report failures back to it.
type Sink interface {
	SaveBatch(rec *BatchRecord)
	SaveSamples(jobID string, samples []SampleRecord)
	SaveEvent(rec *EventRecord)
	LogExecution(rec *ExecutionRecord)
	LogSignatureMismatch(rec *SignatureMismatchRecord)
	LogCooldown(rec *CooldownRecord)
}

// Store is the synchronous persistence backend behind a Writer.
type Store interface {
	UpsertBatch(ctx context.Context, rec *BatchRecord) error
	InsertSamples(ctx context.Context, jobID string, samples []SampleRecord) error
	InsertEvent(ctx context.Context, rec *EventRecord) error
	InsertExecution(ctx context.Context, rec *ExecutionRecord) error
	InsertSignatureMismatch(ctx context.Context, rec *SignatureMismatchRecord) error
	InsertCooldown(ctx context.Context, rec *CooldownRecord) error
}

// Discard drops everything. Used when no database is configured.
var Discard Sink = discard{}

type discard struct{}

func (discard) SaveBatch(*BatchRecord) {}
func (discard) SaveSamples(string, []SampleRecord) {}
func (discard) SaveEvent(*EventRecord) {}
func (discard) LogExecution(*ExecutionRecord) {}
func (discard) LogSignatureMismatch(*SignatureMismatchRecord) {}
func (discard) LogCooldown(*CooldownRecord) {}

// MemorySink keeps records in memory. Intended for tests and local runs.
type MemorySink struct {
	mu         sync.Mutex
	batches    map[string][]BatchRecord
	samples    map[string][]SampleRecord
	events     []EventRecord
	executions []ExecutionRecord
	mismatches []SignatureMismatchRecord
	cooldowns  []CooldownRecord
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		batches: make(map[string][]BatchRecord),
		samples: make(map[string][]SampleRecord),
	}
}

func (m *MemorySink) SaveBatch(rec *BatchRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Jobs = append([]JobRecord(nil), rec.Jobs...)
	m.batches[rec.ID] = append(m.batches[rec.ID], cp)
}

func (m *MemorySink) SaveSamples(jobID string, samples []SampleRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[jobID] = append(m.samples[jobID], samples...)
}

func (m *MemorySink) SaveEvent(rec *EventRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *rec)
}

func (m *MemorySink) LogExecution(rec *ExecutionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, *rec)
}

func (m *MemorySink) LogSignatureMismatch(rec *SignatureMismatchRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mismatches = append(m.mismatches, *rec)
}

func (m *MemorySink) LogCooldown(rec *CooldownRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns = append(m.cooldowns, *rec)
}

// BatchHistory returns every saved version of a batch, oldest first.
func (m *MemorySink) BatchHistory(id string) []BatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BatchRecord(nil), m.batches[id]...)
}

func (m *MemorySink) Samples(jobID string) []SampleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SampleRecord(nil), m.samples[jobID]...)
}

func (m *MemorySink) Events() []EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventRecord(nil), m.events...)
}

func (m *MemorySink) Executions() []ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutionRecord(nil), m.executions...)
}

func (m *MemorySink) SignatureMismatches() []SignatureMismatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SignatureMismatchRecord(nil), m.mismatches...)
}

func (m *MemorySink) Cooldowns() []CooldownRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CooldownRecord(nil), m.cooldowns...)
}
