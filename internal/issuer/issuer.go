// ============================================================================
// HTTP Recovery Issuer
// ============================================================================
//
// Package: internal/issuer
// File: issuer.go
// Purpose: Sends recovery requests to the odds feed REST API.
//
// Endpoints (POST, empty body, header x-access-token):
//   full:  {base}/v1/{api_path}/recovery/initiate_request?request_id=N&node_id=M
//   after: {base}/v1/{api_path}/recovery/initiate_request?after=MS&request_id=N&node_id=M
//   event: {base}/v1/{api_path}/odds/events/{event}/initiate_request?request_id=N&node_id=M
//
// Request flow:
//   1. Allocate the next request id from a monotonic counter
//   2. Queue the HTTP call on the worker pool (never blocks the caller)
//   3. Return the id; the matching snapshot_complete carries it back
//
//   The HTTP call waits on a rate.Limiter before sending. Failures are
//   logged, counted and reported to the OnRequestFailed callbacks, never
//   retried here: the recovery state machine re-issues on the next alive.
//
// ============================================================================

package issuer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/worker"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"golang.org/x/time/rate"
)

var log = slog.Default()

var (
	// ErrNotStarted is returned when a request is issued before Start.
	ErrNotStarted = errors.New("issuer not started")
	// ErrQueueFull is returned when the request queue cannot take more work.
	ErrQueueFull = errors.New("recovery request queue is full")
	// ErrUnexpectedStatus wraps a non-2xx response.
	ErrUnexpectedStatus = errors.New("unexpected response status")
	// ErrEmptyEventID is returned for an event recovery without event id.
	ErrEmptyEventID = errors.New("event id is empty")
)

// Request kinds, also used as metric labels.
const (
	KindFull  = "full"
	KindAfter = "after_timestamp"
	KindEvent = "event"
)

const accessTokenHeader = "x-access-token"

// Recorder receives the outcome of every sent request.
type Recorder interface {
	RecordRecoveryRequest(kind string, err error)
	SetPendingRequests(n int)
}

// Config configures the HTTP issuer.
type Config struct {
	BaseURL          string        `yaml:"base_url"`
	AccessToken      string        `yaml:"access_token"`
	NodeID           int           `yaml:"node_id"`
	Timeout          time.Duration `yaml:"timeout"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	Burst            int           `yaml:"burst"`
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	InitialRequestID int64         `yaml:"initial_request_id"`
}

// DefaultConfig returns the settings used when a field is left empty.
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		RatePerSecond: 2,
		Burst:         4,
		Workers:       2,
		QueueSize:     64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Option customises an Issuer.
type Option func(*Issuer)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(i *Issuer) { i.client = client }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(i *Issuer) { i.recorder = r }
}

// Issuer implements recovery.RequestIssuer and recovery.EventRecoveryIssuer
// over HTTP.
type Issuer struct {
	config   Config
	client   *http.Client
	limiter  *rate.Limiter
	pool     *worker.Pool
	recorder Recorder
	nextID   atomic.Int64

	mu       sync.Mutex
	started  bool
	drained  chan struct{}
	onFailed []func(types.ProducerID, types.RequestID, error)
}

// New creates an Issuer. Call Start before issuing requests.
func New(config Config, opts ...Option) (*Issuer, error) {
	config = config.withDefaults()
	if config.BaseURL == "" {
		return nil, errors.New("issuer: base url is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("issuer: invalid base url: %w", err)
	}

	i := &Issuer{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		pool:    worker.NewPool(config.QueueSize),
		drained: make(chan struct{}),
	}
	i.nextID.Store(config.InitialRequestID)
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Start launches the worker pool and the result drain loop.
func (i *Issuer) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.pool.Start(i.config.Workers); err != nil {
		return err
	}
	i.started = true
	go i.drainResults()
	return nil
}

// Stop waits for queued requests to finish.
func (i *Issuer) Stop() {
	i.mu.Lock()
	started := i.started
	i.started = false
	i.mu.Unlock()

	if !started {
		return
	}
	i.pool.Stop()
	<-i.drained
}

// drainResults keeps the result channel empty and logs failures.
func (i *Issuer) drainResults() {
	defer close(i.drained)
	for {
		result, err := i.pool.ReceiveResult()
		if err != nil {
			return
		}
		if !result.Success {
			log.Warn("Recovery request failed",
				"task", result.TaskID,
				"duration", result.Duration,
				"error", result.Error)
		}
	}
}

// OnRequestFailed registers a callback for requests that were queued but
// could not be delivered. It runs on a worker goroutine, never inside the
// Request* call that returned the id.
func (i *Issuer) OnRequestFailed(fn func(producerID types.ProducerID, requestID types.RequestID, err error)) {
	i.mu.Lock()
	i.onFailed = append(i.onFailed, fn)
	i.mu.Unlock()
}

func (i *Issuer) reportFailure(producerID types.ProducerID, requestID types.RequestID, err error) {
	i.mu.Lock()
	handlers := i.onFailed
	i.mu.Unlock()

	for _, fn := range handlers {
		fn(producerID, requestID, err)
	}
}

// NextRequestID allocates a request id.
func (i *Issuer) NextRequestID() types.RequestID {
	return types.RequestID(i.nextID.Add(1))
}

// RequestFullRecovery queues a full recovery for the producer.
func (i *Issuer) RequestFullRecovery(ctx context.Context, p *producer.Producer) (types.RequestID, error) {
	id := i.NextRequestID()
	endpoint := i.recoveryURL(p, id, time.Time{})
	return id, i.enqueue(ctx, KindFull, p, id, endpoint)
}

// RequestRecoveryAfterTimestamp queues a recovery of everything after the
// given instant.
func (i *Issuer) RequestRecoveryAfterTimestamp(ctx context.Context, p *producer.Producer, after time.Time) (types.RequestID, error) {
	id := i.NextRequestID()
	endpoint := i.recoveryURL(p, id, after)
	return id, i.enqueue(ctx, KindAfter, p, id, endpoint)
}

// RequestEventRecovery queues a recovery of one sport event.
func (i *Issuer) RequestEventRecovery(ctx context.Context, p *producer.Producer, eventID string) (types.RequestID, error) {
	if strings.TrimSpace(eventID) == "" {
		return 0, ErrEmptyEventID
	}
	id := i.NextRequestID()
	endpoint := i.eventURL(p, eventID, id)
	return id, i.enqueue(ctx, KindEvent, p, id, endpoint)
}

// enqueue hands the HTTP call to the pool. The returned error only reports
// whether the call was queued.
func (i *Issuer) enqueue(ctx context.Context, kind string, p *producer.Producer, id types.RequestID, endpoint string) error {
	i.mu.Lock()
	started := i.started
	i.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	task := worker.Task{
		ID: fmt.Sprintf("%s-%d-%d", kind, p.ID(), id),
		Run: func(taskCtx context.Context) error {
			err := i.send(mergeCancel(taskCtx, ctx), endpoint)
			if i.recorder != nil {
				i.recorder.RecordRecoveryRequest(kind, err)
				i.recorder.SetPendingRequests(i.pool.Pending())
			}
			switch {
			case err == nil:
				log.Debug("Recovery request accepted",
					"producer", p.ID(),
					"kind", kind,
					"request_id", id)
			case ctx.Err() != nil:
				// owner is shutting down; nothing left to re-issue
			default:
				i.reportFailure(p.ID(), id, err)
			}
			return err
		},
		Timeout: i.config.Timeout,
	}

	if err := i.pool.TrySubmit(task); err != nil {
		if errors.Is(err, worker.ErrPoolFull) {
			return ErrQueueFull
		}
		return fmt.Errorf("queue recovery request: %w", err)
	}
	if i.recorder != nil {
		i.recorder.SetPendingRequests(i.pool.Pending())
	}
	return nil
}

// send performs one rate-limited POST.
func (i *Issuer) send(ctx context.Context, endpoint string) error {
	if err := i.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if i.config.AccessToken != "" {
		req.Header.Set(accessTokenHeader, i.config.AccessToken)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", redact(endpoint), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

func (i *Issuer) query(id types.RequestID) url.Values {
	q := url.Values{}
	q.Set("request_id", strconv.FormatInt(int64(id), 10))
	if i.config.NodeID != 0 {
		q.Set("node_id", strconv.Itoa(i.config.NodeID))
	}
	return q
}

func (i *Issuer) recoveryURL(p *producer.Producer, id types.RequestID, after time.Time) string {
	q := i.query(id)
	if !after.IsZero() {
		q.Set("after", strconv.FormatInt(after.UnixMilli(), 10))
	}
	return fmt.Sprintf("%s/v1/%s/recovery/initiate_request?%s",
		strings.TrimRight(i.config.BaseURL, "/"), p.APIPath(), q.Encode())
}

func (i *Issuer) eventURL(p *producer.Producer, eventID string, id types.RequestID) string {
	return fmt.Sprintf("%s/v1/%s/odds/events/%s/initiate_request?%s",
		strings.TrimRight(i.config.BaseURL, "/"), p.APIPath(), url.PathEscape(eventID), i.query(id).Encode())
}

// redact drops the query string from URLs placed in errors.
func redact(endpoint string) string {
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		return endpoint[:idx]
	}
	return endpoint
}

// mergeCancel returns taskCtx, additionally cancelled when parent is done.
func mergeCancel(taskCtx, parent context.Context) context.Context {
	if parent == nil || parent.Done() == nil {
		return taskCtx
	}
	ctx, cancel := context.WithCancel(taskCtx)
	stop := context.AfterFunc(parent, cancel)
	context.AfterFunc(ctx, func() { stop() })
	return ctx
}
