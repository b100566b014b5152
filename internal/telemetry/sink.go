package telemetry

import (
	"encoding/json"
	"io"

	"github.com/Latias94/codex-helper/internal/logx"
	"github.com/Latias94/codex-helper/internal/model"
)

// sinkQueueSize bounds the channel feeding the single writer goroutine per
// sink, per §5's "bounded channel, one writer goroutine" requirement. A
// full queue drops the record rather than blocking the request path.
const sinkQueueSize = 4096

// Sink serializes model.FinishedRequest records to an append-only JSONL
// destination from a single background goroutine, so concurrent requests
// never interleave partial JSON lines. Uses encoding/json directly (see
// DESIGN.md: no structured-logging library in the pack adds anything a
// single json.Marshal-per-line doesn't already give us).
type Sink struct {
	records chan model.FinishedRequest
	done    chan struct{}
	logger  logx.Logger
}

// NewSink starts the writer goroutine writing newline-delimited JSON to w.
// Closing via Close waits for the queue to drain (best-effort).
func NewSink(w io.Writer, logger logx.Logger) *Sink {
	if logger == nil {
		logger = logx.NoOpLogger{}
	}
	s := &Sink{
		records: make(chan model.FinishedRequest, sinkQueueSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go s.run(w)
	return s
}

func (s *Sink) run(w io.Writer) {
	defer close(s.done)
	enc := json.NewEncoder(w)
	for rec := range s.records {
		if err := enc.Encode(rec); err != nil {
			s.logger.Error("telemetry sink: encode finished request", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Emit enqueues rec for writing. Non-blocking: if the queue is full the
// record is dropped and a warning is logged, rather than stalling the
// request path that's finishing up.
func (s *Sink) Emit(rec model.FinishedRequest) {
	select {
	case s.records <- rec:
	default:
		s.logger.Warn("telemetry sink: queue full, dropping finished request record", map[string]interface{}{
			"config_name": rec.ConfigName,
		})
	}
}

// Close stops accepting new records and waits for the queue to drain.
func (s *Sink) Close() {
	close(s.records)
	<-s.done
}

// RetryTraceSink is the equivalent append-only JSONL sink for
// model.RetryTraceRecord, kept separate from Sink so the two logs can be
// routed to different files/rotation policies per §4.7.
type RetryTraceSink struct {
	records chan model.RetryTraceRecord
	done    chan struct{}
	logger  logx.Logger
}

// NewRetryTraceSink starts the writer goroutine for retry-trace records.
func NewRetryTraceSink(w io.Writer, logger logx.Logger) *RetryTraceSink {
	if logger == nil {
		logger = logx.NoOpLogger{}
	}
	s := &RetryTraceSink{
		records: make(chan model.RetryTraceRecord, sinkQueueSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go s.run(w)
	return s
}

func (s *RetryTraceSink) run(w io.Writer) {
	defer close(s.done)
	enc := json.NewEncoder(w)
	for rec := range s.records {
		if err := enc.Encode(rec); err != nil {
			s.logger.Error("telemetry sink: encode retry trace", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Emit enqueues rec; drops it and logs a warning if the queue is full.
func (s *RetryTraceSink) Emit(rec model.RetryTraceRecord) {
	select {
	case s.records <- rec:
	default:
		s.logger.Warn("telemetry sink: retry trace queue full, dropping record", map[string]interface{}{
			"config_name": rec.ConfigName,
		})
	}
}

// Close stops accepting new records and waits for the queue to drain.
func (s *RetryTraceSink) Close() {
	close(s.records)
	<-s.done
}
