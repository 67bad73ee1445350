package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	cfg "github.com/evilmartians/clinicsync/config"
	"github.com/evilmartians/clinicsync/internal/apiclient"
	"github.com/evilmartians/clinicsync/internal/journal"
)

// Client is the subset of apiclient.Client the queue calls through.
type Client interface {
	Get(ctx context.Context, path string, opts *apiclient.Options) (*apiclient.Response, error)
	Post(ctx context.Context, path string, body any, opts *apiclient.Options) (*apiclient.Response, error)
	Put(ctx context.Context, path string, body any, opts *apiclient.Options) (*apiclient.Response, error)
	Patch(ctx context.Context, path string, body any, opts *apiclient.Options) (*apiclient.Response, error)
	Delete(ctx context.Context, path string, opts *apiclient.Options) (*apiclient.Response, error)
}

// Journal receives one entry per replay attempt.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// SyncResult sums up one sync pass.
type SyncResult struct {
	Replayed int `json:"replayed"`
	Requeued int `json:"requeued"`
	Dropped  int `json:"dropped"`
	Cleared  int `json:"cleared"`
}

// Queue executes API calls right away while online and keeps them in memory
// while offline, replaying them in FIFO order when connectivity comes back.
type Queue struct {
	client      Client
	journal     Journal
	limiter     ratelimit.Limiter
	maxAttempts int

	// mu guards everything below; it is never held across a network call
	mu      sync.Mutex
	pending []*QueuedRequest
	online  bool
	// bumped by ClearPending so running passes drop what they still hold
	generation uint64

	// Sync passes never overlap
	passMu sync.Mutex

	// Track background passes for the graceful shutdown
	passes     sync.WaitGroup
	passCtx    context.Context
	stopPasses context.CancelFunc
}

type Option func(*Queue)

func WithJournal(j Journal) Option {
	return func(q *Queue) { q.journal = j }
}

func WithLimiter(l ratelimit.Limiter) Option {
	return func(q *Queue) { q.limiter = l }
}

// WithOnline sets the initial connectivity state, online by default.
func WithOnline(online bool) Option {
	return func(q *Queue) { q.online = online }
}

func New(client Client, config *cfg.Config, opts ...Option) *Queue {
	log.WithFields(log.Fields{
		"replay_per_second": config.Sync.ReplayPerSecond,
		"max_attempts":      config.Sync.MaxAttempts,
	}).Info("Initializing offline queue")

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		client:      client,
		maxAttempts: config.Sync.MaxAttempts,
		online:      true,
		passCtx:     ctx,
		stopPasses:  cancel,
	}

	if config.Sync.ReplayPerSecond > 0 {
		q.limiter = ratelimit.New(config.Sync.ReplayPerSecond)
	} else {
		q.limiter = ratelimit.NewUnlimited()
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// QueueRequest performs the call while online. When offline, or when the
// call gets no response at all, the call is queued and a *QueuedError is
// returned. Errors with a response are returned as they are and never queued.
func (q *Queue) QueueRequest(ctx context.Context, method Method, path string, body any, opts *apiclient.Options) (*apiclient.Response, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, method)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidRequest)
	}

	if !q.Online() {
		return nil, q.enqueue(newQueuedRequest(method, path, body, opts, 0), reasonOffline, nil)
	}

	res, err := q.dispatch(ctx, method, path, body, opts)
	if err == nil {
		return res, nil
	}

	if apiclient.IsConnectivity(err) {
		return nil, q.enqueue(newQueuedRequest(method, path, body, opts, 1), reasonConnectivity, err)
	}

	return nil, err
}

func (q *Queue) enqueue(r *QueuedRequest, reason string, cause error) error {
	q.mu.Lock()
	q.pending = append(q.pending, r)
	pending := len(q.pending)
	q.mu.Unlock()

	queuedCounter.WithLabelValues(reason).Inc()

	entry := log.WithFields(log.Fields{
		"id":      r.ID,
		"request": r.String(),
		"reason":  reason,
		"pending": pending,
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Info("queued for later")

	return &QueuedError{Request: *r, Pending: pending, Cause: cause}
}

func (q *Queue) dispatch(ctx context.Context, method Method, path string, body any, opts *apiclient.Options) (*apiclient.Response, error) {
	switch method {
	case MethodGet:
		return q.client.Get(ctx, path, opts)
	case MethodPost:
		return q.client.Post(ctx, path, body, opts)
	case MethodPut:
		return q.client.Put(ctx, path, body, opts)
	case MethodPatch:
		return q.client.Patch(ctx, path, body, opts)
	case MethodDelete:
		return q.client.Delete(ctx, path, opts)
	}

	return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, method)
}

// SetOnline receives connectivity changes. Going online with calls pending
// starts a sync pass in the background.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	wasOnline := q.online
	q.online = online
	pending := len(q.pending)
	q.mu.Unlock()

	if wasOnline == online {
		return
	}

	log.WithFields(log.Fields{
		"online":  online,
		"pending": pending,
	}).Info("connectivity changed")

	if online && pending > 0 {
		q.startSync()
	}
}

func (q *Queue) startSync() {
	q.passes.Add(1)
	go func() {
		defer q.passes.Done()
		q.Sync(q.passCtx)
	}()
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.online
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Pending returns a copy of the queued calls in replay order.
func (q *Queue) Pending() []QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	res := make([]QueuedRequest, 0, len(q.pending))
	for _, r := range q.pending {
		res = append(res, *r)
	}

	return res
}

// ClearPending drops every queued call, including the ones a running sync
// pass has not replayed yet. Returns the number of calls dropped from the queue.
func (q *Queue) ClearPending() int {
	q.mu.Lock()
	cleared := len(q.pending)
	q.pending = nil
	q.generation++
	q.mu.Unlock()

	log.WithField("cleared", cleared).Warn("pending requests cleared")

	return cleared
}

// Sync replays a snapshot of the queue once, in order. Calls that fail for
// any reason go back to the tail of the live queue. Calls queued while the
// pass runs wait for the next pass.
func (q *Queue) Sync(ctx context.Context) SyncResult {
	q.passMu.Lock()
	defer q.passMu.Unlock()

	var res SyncResult

	q.mu.Lock()
	snapshot := q.pending
	q.pending = nil
	generation := q.generation
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return res
	}

	start := time.Now()
	log.WithField("requests", len(snapshot)).Info("sync pass started")

	for i, r := range snapshot {
		if q.clearedSince(generation) {
			res.Cleared += len(snapshot) - i
			break
		}

		if ctx.Err() != nil {
			// Not attempted, so the attempt counters stay as they are
			if !q.requeue(generation, snapshot[i:]...) {
				res.Cleared += len(snapshot) - i
			} else {
				res.Requeued += len(snapshot) - i
			}
			break
		}

		_ = q.limiter.Take() // limit replay load

		q.replay(ctx, generation, r, &res)
	}

	syncPassDuration.Observe(time.Since(start).Seconds())

	log.WithFields(log.Fields{
		"replayed": res.Replayed,
		"requeued": res.Requeued,
		"dropped":  res.Dropped,
		"cleared":  res.Cleared,
		"pending":  q.PendingCount(),
	}).Info("sync pass finished")

	return res
}

func (q *Queue) replay(ctx context.Context, generation uint64, r *QueuedRequest, res *SyncResult) {
	_, err := q.dispatch(ctx, r.Method, r.Path, r.Body, r.Options)
	if err != nil && ctx.Err() != nil {
		// Interrupted by the pass context, not an attempt
		if !q.requeue(generation, r) {
			res.Cleared++
			return
		}

		res.Requeued++
		q.record(ctx, r, journal.OutcomeRequeued, err)
		return
	}

	r.Attempt++

	if err == nil {
		res.Replayed++
		q.record(ctx, r, journal.OutcomeReplayed, nil)
		return
	}

	fields := log.Fields{
		"id":       r.ID,
		"request":  r.String(),
		"attempts": r.Attempt,
	}

	if q.maxAttempts > 0 && r.Attempt >= q.maxAttempts {
		log.WithFields(fields).WithError(err).Warn("max attempts exceeded, dropping request")
		res.Dropped++
		q.record(ctx, r, journal.OutcomeDropped, err)
		return
	}

	if !q.requeue(generation, r) {
		res.Cleared++
		return
	}

	log.WithFields(fields).WithError(err).Warn("replay failed, requeued")
	res.Requeued++
	q.record(ctx, r, journal.OutcomeRequeued, err)
}

// requeue appends to the live tail unless the queue was cleared after the
// pass took its snapshot.
func (q *Queue) requeue(generation uint64, rs ...*QueuedRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.generation != generation {
		return false
	}

	q.pending = append(q.pending, rs...)

	return true
}

func (q *Queue) clearedSince(generation uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.generation != generation
}

func (q *Queue) record(ctx context.Context, r *QueuedRequest, outcome journal.Outcome, cause error) {
	replayedCounter.WithLabelValues(string(outcome)).Inc()

	if q.journal == nil {
		return
	}

	e := journal.Entry{
		RequestID: r.ID,
		Method:    string(r.Method),
		Path:      r.Path,
		Attempt:   r.Attempt,
		Outcome:   outcome,
		At:        time.Now(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}

	if err := q.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		log.WithError(err).Warn("journal error")
	}
}

// Shutdown waits for background sync passes. When ctx expires first the
// passes are cancelled; whatever they did not replay stays queued.
func (q *Queue) Shutdown(ctx context.Context) error {
	log.Info("Stopping offline queue...")

	passesFinished := make(chan struct{})
	go func() {
		q.passes.Wait()
		close(passesFinished)
	}()

	select {
	case <-ctx.Done():
		q.stopPasses()
		return ctx.Err()
	case <-passesFinished:
		q.stopPasses()
		return nil
	}
}
