package apperror

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultHistorySize is the number of records kept by a Recorder.
const DefaultHistorySize = 10

// Record is one entry of the diagnostic error history.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"error_kind"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// Stats summarizes what a Recorder has seen.
type Stats struct {
	Total  int          `json:"total_errors"`
	ByKind map[Kind]int `json:"error_counts"`
	Recent []Record     `json:"recent_errors"`
}

// Recorder keeps a fixed-size ring of recent errors and per-kind counts.
// It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	ring   []Record
	next   int
	full   bool
	counts map[Kind]int
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder returns a Recorder holding up to size records.
func NewRecorder(size int, logger *slog.Logger) *Recorder {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		ring:   make([]Record, size),
		counts: make(map[Kind]int),
		logger: logger,
		now:    time.Now,
	}
}

// Record classifies err, stores it and returns the classified error.
func (r *Recorder) Record(err error, context map[string]any) *Error {
	ae := Classify(err)
	if ae == nil {
		return nil
	}

	rec := Record{
		Timestamp: r.now(),
		Kind:      ae.Kind,
		Severity:  ae.Severity,
		Message:   ae.Message,
		Context:   context,
	}

	r.mu.Lock()
	r.ring[r.next] = rec
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	r.counts[ae.Kind]++
	r.mu.Unlock()

	attrs := []any{"error_kind", ae.Kind, "severity", ae.Severity, "error", ae.Message}
	for k, v := range context {
		attrs = append(attrs, k, v)
	}
	switch ae.Severity {
	case SeverityCritical, SeverityHigh:
		r.logger.Error("Recorded error", attrs...)
	case SeverityMedium:
		r.logger.Warn("Recorded error", attrs...)
	default:
		r.logger.Info("Recorded error", attrs...)
	}

	return ae
}

// Recent returns stored records, oldest first.
func (r *Recorder) Recent() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentLocked()
}

func (r *Recorder) recentLocked() []Record {
	if !r.full {
		out := make([]Record, r.next)
		copy(out, r.ring[:r.next])
		return out
	}
	out := make([]Record, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	out = append(out, r.ring[:r.next]...)
	return out
}

// Stats returns counts by kind and the recent history.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	byKind := make(map[Kind]int, len(r.counts))
	total := 0
	for k, n := range r.counts {
		byKind[k] = n
		total += n
	}
	return Stats{Total: total, ByKind: byKind, Recent: r.recentLocked()}
}

// Clear drops all history and counts.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring = make([]Record, len(r.ring))
	r.next = 0
	r.full = false
	r.counts = make(map[Kind]int)
}
