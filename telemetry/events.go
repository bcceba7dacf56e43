package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Event names emitted by the engine.
const (
	EventInstanceCreated  = "instance.created"
	EventSubStepComplete  = "substep.complete"
	EventRetryScheduled   = "retry.scheduled"
	EventRollbackStarted  = "rollback.started"
	EventInstanceComplete = "instance.complete"
)

// Event is one entry in an instance's audit trail.
type Event struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	TaskName   string         `json:"task_name,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	StepNum    *int           `json:"step_num,omitempty"`
	SubStep    string         `json:"substep,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Exporter ships audit events somewhere durable.
type Exporter interface {
	// Emit records an event. Timestamp is filled in when zero.
	Emit(ev Event)
	// Flush sends any buffered events.
	Flush() error
	// Close flushes and releases the exporter.
	Close() error
}

// NewExporter creates an exporter by protocol: "http" posts batches to
// endpoint, "file" appends JSON lines to the file at endpoint, "noop" or
// "" discards.
func NewExporter(protocol, endpoint string) (Exporter, error) {
	switch protocol {
	case "http":
		return NewHTTPExporter(endpoint), nil
	case "file":
		return NewFileExporter(endpoint)
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown event protocol: %s", protocol)
	}
}

func stamp(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}

// --- HTTP Exporter ---

const (
	httpBatchSize     = 100
	httpMaxBuffered   = 10 * httpBatchSize
	httpFlushInterval = 5 * time.Second
)

// HTTPExporter buffers events and posts them as a JSON array from a
// background goroutine. Emit never waits on the network. When the
// endpoint is down the buffer holds at most maxBuffered events and the
// oldest are dropped first.
type HTTPExporter struct {
	endpoint    string
	client      *resty.Client
	maxBuffered int
	interval    time.Duration

	mu      sync.Mutex
	buffer  []Event
	dropped int
	retryAt time.Time

	sendMu sync.Mutex
	kick   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewHTTPExporter creates a new HTTP exporter.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	return newHTTPExporter(endpoint, httpFlushInterval, httpMaxBuffered)
}

func newHTTPExporter(endpoint string, interval time.Duration, maxBuffered int) *HTTPExporter {
	e := &HTTPExporter{
		endpoint: endpoint,
		client: resty.New().
			SetTimeout(10*time.Second).
			SetHeader("Content-Type", "application/json"),
		maxBuffered: maxBuffered,
		interval:    interval,
		buffer:      make([]Event, 0, httpBatchSize),
		kick:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *HTTPExporter) Emit(ev Event) {
	stamp(&ev)
	e.mu.Lock()
	e.buffer = append(e.buffer, ev)
	e.trim()
	full := len(e.buffer) >= httpBatchSize
	e.mu.Unlock()

	if full {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

// trim drops the oldest events beyond maxBuffered. Callers hold mu.
func (e *HTTPExporter) trim() {
	if over := len(e.buffer) - e.maxBuffered; over > 0 {
		e.dropped += over
		e.buffer = append(e.buffer[:0], e.buffer[over:]...)
	}
}

func (e *HTTPExporter) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
		case <-e.kick:
			e.mu.Lock()
			wait := time.Now().Before(e.retryAt)
			e.mu.Unlock()
			if wait {
				continue
			}
		}
		e.Flush()
	}
}

// Flush posts the buffered events. On failure they go back to the front
// of the buffer and the background loop waits one interval before trying
// again.
func (e *HTTPExporter) Flush() error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	batch := e.buffer
	e.buffer = make([]Event, 0, httpBatchSize)
	e.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := e.post(batch)
	if err != nil {
		e.mu.Lock()
		e.buffer = append(batch, e.buffer...)
		e.trim()
		e.retryAt = time.Now().Add(e.interval)
		e.mu.Unlock()
	}
	return err
}

func (e *HTTPExporter) post(batch []Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(batch).
		Post(e.endpoint)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("event endpoint returned %d", resp.StatusCode())
	}
	return nil
}

// Close stops the background loop and makes a last attempt to send what
// is buffered. Events still undelivered are counted in the error.
func (e *HTTPExporter) Close() error {
	e.once.Do(func() { close(e.quit) })
	<-e.done
	err := e.Flush()

	e.mu.Lock()
	dropped := e.dropped
	e.mu.Unlock()
	if err == nil && dropped > 0 {
		err = fmt.Errorf("%d events dropped while the endpoint was unavailable", dropped)
	}
	return err
}

// pending returns how many events are buffered and how many were dropped.
func (e *HTTPExporter) pending() (buffered, dropped int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer), e.dropped
}

// --- File Exporter ---

// FileExporter appends events to a file, one JSON object per line.
type FileExporter struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileExporter opens path for appending.
func NewFileExporter(path string) (*FileExporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	return &FileExporter{file: file}, nil
}

func (e *FileExporter) Emit(ev Event) {
	stamp(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.file.Write(append(data, '\n'))
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	e.Flush()
	return e.file.Close()
}

// --- Noop Exporter ---

// NoopExporter discards all events.
type NoopExporter struct{}

// NewNoopExporter creates a new noop exporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) Emit(ev Event) {}
func (e *NoopExporter) Flush() error  { return nil }
func (e *NoopExporter) Close() error  { return nil }

// --- Recorder ---

// Recorder keeps events in memory. Tests use it to assert on the audit trail.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(ev Event) {
	stamp(&ev)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Flush() error { return nil }
func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.Name
	}
	return names
}
