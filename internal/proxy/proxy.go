package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/evilmartians/clinicsync/config"
	"github.com/evilmartians/clinicsync/internal/apiclient"
	"github.com/evilmartians/clinicsync/internal/journal"
	"github.com/evilmartians/clinicsync/internal/offline"
)

const (
	statusPath  = "/_sync/status"
	flushPath   = "/_sync/flush"
	pendingPath = "/_sync/pending"
	journalPath = "/_sync/journal"

	defaultJournalLimit = 50
)

// Headers that belong to the hop between the app and this proxy. The
// Authorization header is replaced by the API client's own token.
var skipHeaders = map[string]struct{}{
	"Accept-Encoding":     {},
	"Authorization":       {},
	"Connection":          {},
	"Content-Length":      {},
	"Host":                {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// End-to-end response headers passed back to the app
var upstreamHeaders = []string{
	"Cache-Control",
	"Content-Disposition",
	"Content-Encoding",
	"Content-Type",
	"Etag",
	"Last-Modified",
	"Location",
	"Retry-After",
}

// JournalReader is the read side of the replay journal.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	Total() uint64
}

// Proxy is the local endpoint the app sends its API calls to. Calls go
// through the offline queue, so the app gets either the API answer or a
// "queued for later" reply.
type Proxy struct {
	queue   *offline.Queue
	journal JournalReader

	// Track handlers for the graceful shutdown
	asyncRoutines sync.WaitGroup

	// Inbound limit, the app should not flood the queue
	rateLimiter *rate.Limiter

	// Status replied when a call was queued
	queuedStatus int
}

type queuedReply struct {
	Queued  bool   `json:"queued"`
	ID      string `json:"id"`
	Pending int    `json:"pending"`
}

type statusReply struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
}

type clearedReply struct {
	Cleared int `json:"cleared"`
}

type journalReply struct {
	Total   uint64          `json:"total"`
	Entries []journal.Entry `json:"entries"`
}

type errorReply struct {
	Error string `json:"error"`
}

type Option func(*Proxy)

// WithJournal serves the replay journal on /_sync/journal.
func WithJournal(j JournalReader) Option {
	return func(p *Proxy) { p.journal = j }
}

func NewProxy(cfg *config.Config, queue *offline.Queue, opts ...Option) *Proxy {
	log.WithFields(log.Fields{
		"queued_status":       cfg.Server.QueuedStatus,
		"requests_per_second": cfg.Server.RequestsPerSecond,
	}).Info("Initializing proxy")

	limit := rate.Inf
	if cfg.Server.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.Server.RequestsPerSecond)
	}

	queuedStatus := cfg.Server.QueuedStatus
	if queuedStatus == 0 {
		queuedStatus = http.StatusAccepted
	}

	p := &Proxy{
		queue:        queue,
		rateLimiter:  rate.NewLimiter(limit, max(cfg.Server.RequestsPerSecond, 1)),
		queuedStatus: queuedStatus,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Stop waits for running handlers to finish
func (p *Proxy) Stop(ctx context.Context) error {
	log.Info("Stopping proxying...")

	routinesFinished := make(chan struct{})
	go func() {
		p.asyncRoutines.Wait()
		close(routinesFinished)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-routinesFinished:
		return nil
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.asyncRoutines.Add(1)
	defer p.asyncRoutines.Done()

	log.WithFields(log.Fields{
		"method": r.Method,
		"uri":    r.RequestURI,
		"ip":     r.RemoteAddr,
	}).Info("received")

	switch r.URL.Path {
	case statusPath:
		p.handleStatus(w, r)
		return
	case flushPath:
		p.handleFlush(w, r)
		return
	case pendingPath:
		p.handleClear(w, r)
		return
	case journalPath:
		p.handleJournal(w, r)
		return
	}

	if !p.rateLimiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorReply{"too many requests"})
		return
	}

	p.HandleRequest(w, r)
}

// HandleRequest converts the incoming request into a queue call and
// writes back whatever came out of it.
func (p *Proxy) HandleRequest(w http.ResponseWriter, r *http.Request) {
	method, err := offline.ParseMethod(r.Method)
	if err != nil {
		writeJSON(w, http.StatusMethodNotAllowed, errorReply{err.Error()})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply{err.Error()})
		return
	}

	var payload any
	if len(body) > 0 {
		payload = body
	}

	opts := &apiclient.Options{
		Header: forwardedHeader(r.Header),
		Query:  r.URL.Query(),
	}

	res, err := p.queue.QueueRequest(r.Context(), method, r.URL.EscapedPath(), payload, opts)
	if err != nil {
		p.writeError(w, err)
		return
	}

	writeUpstream(w, res.StatusCode, res.Header, res.Body)
}

func (p *Proxy) writeError(w http.ResponseWriter, err error) {
	var (
		queuedErr *offline.QueuedError
		statusErr *apiclient.StatusError
	)

	switch {
	case errors.As(err, &queuedErr):
		writeJSON(w, p.queuedStatus, queuedReply{
			Queued:  true,
			ID:      queuedErr.Request.ID,
			Pending: queuedErr.Pending,
		})
	case errors.As(err, &statusErr):
		writeUpstream(w, statusErr.StatusCode, statusErr.Header, statusErr.Body)
	case errors.Is(err, offline.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorReply{err.Error()})
	default:
		log.WithError(err).Warn("proxying error")
		writeJSON(w, http.StatusBadGateway, errorReply{err.Error()})
	}
}

func (p *Proxy) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, statusReply{
		Online:  p.queue.Online(),
		Pending: p.queue.PendingCount(),
	})
}

func (p *Proxy) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Every replay would fail and count as an attempt
	if !p.queue.Online() {
		writeJSON(w, http.StatusConflict, errorReply{"offline"})
		return
	}

	writeJSON(w, http.StatusOK, p.queue.Sync(r.Context()))
}

func (p *Proxy) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, clearedReply{Cleared: p.queue.ClearPending()})
}

func (p *Proxy) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if p.journal == nil {
		writeJSON(w, http.StatusNotFound, errorReply{"journal disabled"})
		return
	}

	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorReply{"invalid limit"})
			return
		}
		limit = n
	}

	entries, err := p.journal.Recent(r.Context(), limit)
	if err != nil {
		log.WithError(err).Warn("reading journal")
		writeJSON(w, http.StatusInternalServerError, errorReply{err.Error()})
		return
	}

	if entries == nil {
		entries = []journal.Entry{}
	}

	writeJSON(w, http.StatusOK, journalReply{
		Total:   p.journal.Total(),
		Entries: entries,
	})
}

func forwardedHeader(h http.Header) http.Header {
	res := make(http.Header, len(h))
	for k, vs := range h {
		if _, skip := skipHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		res[k] = append([]string(nil), vs...)
	}

	return res
}

func writeUpstream(w http.ResponseWriter, status int, header http.Header, body []byte) {
	for _, k := range upstreamHeaders {
		if vs := header.Values(k); len(vs) > 0 {
			w.Header()[k] = append([]string(nil), vs...)
		}
	}

	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.WithError(err).Debug("writing response")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("writing response")
	}
}
