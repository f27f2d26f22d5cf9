package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Event is the S3-format notification record published to every sink.
type Event struct {
	Records []EventRecord `json:"Records"`
}

type EventRecord struct {
	EventVersion string `json:"eventVersion"`
	EventSource  string `json:"eventSource"`
	EventTime    string `json:"eventTime"`
	EventName    string `json:"eventName"`
	S3           Detail `json:"s3"`
}

type Detail struct {
	Bucket BucketRef `json:"bucket"`
	Object ObjectRef `json:"object"`
}

type BucketRef struct {
	Name string `json:"name"`
}

type ObjectRef struct {
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	ETag      string `json:"eTag,omitempty"`
	VersionID string `json:"versionId,omitempty"`
}

// Sink delivers serialized events to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Rule scopes a sink to matching events. Empty Events means every event;
// Prefix and Suffix filter on the object key.
type Rule struct {
	Events []string `yaml:"events"`
	Prefix string   `yaml:"prefix"`
	Suffix string   `yaml:"suffix"`
}

func (r Rule) matches(event, key string) bool {
	if r.Prefix != "" && !strings.HasPrefix(key, r.Prefix) {
		return false
	}
	if r.Suffix != "" && !strings.HasSuffix(key, r.Suffix) {
		return false
	}
	if len(r.Events) == 0 {
		return true
	}
	for _, p := range r.Events {
		if p == event || p == "*" || p == "s3:*" {
			return true
		}
		if strings.HasSuffix(p, ":*") && strings.HasPrefix(event, p[:len(p)-1]) {
			return true
		}
	}
	return false
}

type target struct {
	sink Sink
	rule Rule
}

type job struct {
	sink    Sink
	payload []byte
	retries int
}

// Dispatcher fans lifecycle events out to the configured sinks from a
// bounded worker pool. Delivery is at-most-once: a full queue drops the
// event with a warning rather than stalling the write path.
type Dispatcher struct {
	logger     *slog.Logger
	jobs       chan job
	wg         sync.WaitGroup
	maxRetries int
	backoff    []time.Duration

	mu      sync.Mutex
	closed  bool
	targets []target
}

func NewDispatcher(workers, queueSize, maxRetries int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	d := &Dispatcher{
		logger:     logger,
		jobs:       make(chan job, queueSize),
		maxRetries: maxRetries,
		backoff:    []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// AddSink registers a sink scoped by rule.
func (d *Dispatcher) AddSink(s Sink, rule Rule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target{sink: s, rule: rule})
	d.logger.Info("notification sink registered", "sink", s.Name())
}

// Dispatch enqueues an event for every sink whose rule matches. It never
// blocks the caller.
func (d *Dispatcher) Dispatch(event, bucket, key, versionID string, size int64, etag string) {
	d.mu.Lock()
	targets := make([]target, len(d.targets))
	copy(targets, d.targets)
	d.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(Event{
		Records: []EventRecord{{
			EventVersion: "2.1",
			EventSource:  "objectio",
			EventTime:    time.Now().UTC().Format(time.RFC3339),
			EventName:    event,
			S3: Detail{
				Bucket: BucketRef{Name: bucket},
				Object: ObjectRef{
					Key:       key,
					Size:      size,
					ETag:      etag,
					VersionID: versionID,
				},
			},
		}},
	})
	if err != nil {
		d.logger.Error("marshal notification event", "error", err)
		return
	}

	for _, t := range targets {
		if !t.rule.matches(event, key) {
			continue
		}
		if !d.enqueue(job{sink: t.sink, payload: payload}) {
			d.logger.Warn("notification event dropped",
				"sink", t.sink.Name(), "event", event, "bucket", bucket, "key", key)
		}
	}
}

// enqueue hands a job to the worker pool without blocking. It reports
// false when the queue is full or the dispatcher has been closed; the
// send happens under mu so it can never race the channel close.
func (d *Dispatcher) enqueue(j job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- j:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := j.sink.Publish(ctx, j.payload)
	cancel()
	if err == nil {
		return
	}

	if j.retries+1 >= d.maxRetries {
		d.logger.Error("notification delivery failed",
			"sink", j.sink.Name(), "retries", j.retries+1, "error", err)
		return
	}

	idx := j.retries
	if idx >= len(d.backoff) {
		idx = len(d.backoff) - 1
	}
	time.Sleep(d.backoff[idx])

	j.retries++
	if !d.enqueue(j) {
		d.logger.Warn("notification retry dropped", "sink", j.sink.Name())
	}
}

// Close drains the queue, stops the workers, and closes every sink.
// Dispatch calls arriving during or after Close drop their events.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.jobs)
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.targets {
		if err := t.sink.Close(); err != nil {
			d.logger.Warn("close notification sink", "sink", t.sink.Name(), "error", err)
		}
	}
}

// Webhook posts events to an HTTP endpoint.
type Webhook struct {
	endpoint string
	client   *http.Client
}

func NewWebhook(endpoint string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Name() string {
	return "webhook"
}

func (w *Webhook) Publish(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func (w *Webhook) Close() error {
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "webhook returned status " + http.StatusText(e.code)
}
