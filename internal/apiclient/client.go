package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	cfg "github.com/evilmartians/clinicsync/config"
)

var (
	// Metrics for calls to the clinic API
	apiResponseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_response_time_seconds",
		Help:    "Clinic API response time.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "status"})
)

// TokenFunc returns the bearer token for the next call. An empty token
// means no Authorization header.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken always returns the same token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// Response is a 2xx answer of the API with the body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Client performs the calls to the clinic API.
// It controls the number of parallel requests made
type Client struct {
	client *http.Client
	token  TokenFunc
	base   *url.URL

	openRequests sync.WaitGroup
}

// NewClient builds a client from the api section of the config.
func NewClient(config *cfg.Config) (*Client, error) {
	baseURL, err := url.Parse(config.API.BaseURL)
	if err != nil {
		return nil, err
	}

	if config.API.NumClients < 1 {
		return nil, errors.New("number of clients must be >= 1")
	}

	log.WithFields(log.Fields{
		"base_url":        baseURL.String(),
		"max_open_fd":     config.API.NumClients,
		"request_timeout": config.API.RequestTimeout,
	}).Info("Initializing api client")

	transport := http.DefaultTransport.(*http.Transport).Clone()

	// Limit open file descriptors
	transport.MaxConnsPerHost = config.API.NumClients
	transport.MaxIdleConnsPerHost = config.API.NumClients

	return New(
		baseURL,
		&http.Client{Timeout: config.API.RequestTimeout, Transport: transport},
		StaticToken(config.API.Token),
	), nil
}

// New wires a client from its parts. A nil token func disables the header.
func New(base *url.URL, httpClient *http.Client, token TokenFunc) *Client {
	if token == nil {
		token = StaticToken("")
	}

	return &Client{
		client: httpClient,
		token:  token,
		base:   base,
	}
}

// BaseURL returns a copy of the base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Shutdown gracefully waits for running requests to finish
// or returns an error if context was cancelled.
func (c *Client) Shutdown(ctx context.Context) error {
	allRequestsClosed := make(chan struct{})
	go func() {
		c.openRequests.Wait()
		close(allRequestsClosed)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-allRequestsClosed:
		return nil
	}
}

func (c *Client) Get(ctx context.Context, path string, opts *Options) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Options: opts})
}

func (c *Client) Post(ctx context.Context, path string, body any, opts *Options) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body, Options: opts})
}

func (c *Client) Put(ctx context.Context, path string, body any, opts *Options) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, Path: path, Body: body, Options: opts})
}

func (c *Client) Patch(ctx context.Context, path string, body any, opts *Options) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPatch, Path: path, Body: body, Options: opts})
}

func (c *Client) Delete(ctx context.Context, path string, opts *Options) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path, Options: opts})
}

// Do sends the Request. Non-2xx answers come back as *StatusError, calls
// that got no answer at all as *TransportError.
func (c *Client) Do(ctx context.Context, r *Request) (*Response, error) {
	c.openRequests.Add(1)
	defer c.openRequests.Done()

	httpReq, err := r.ToHTTPRequest(ctx, c.base)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	return c.do(ctx, r, httpReq)
}

// Performs the HTTP request.
func (c *Client) do(ctx context.Context, r *Request, httpReq *http.Request) (*Response, error) {
	reqURL := httpReq.URL.String()
	log.WithFields(log.Fields{
		"method": httpReq.Method,
		"url":    reqURL,
	}).Debug("calling api...")

	start := time.Now()

	resp, err := c.client.Do(httpReq)
	if err != nil {
		trackResponse(start, httpReq.Method, "none")

		// Cancelled by the caller, not a connectivity problem.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &TransportError{Method: r.Method, Path: r.Path, Err: err}
	}
	defer resp.Body.Close()

	trackResponse(start, httpReq.Method, strconv.Itoa(resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response of %s: %w", r, err)
	}

	log.WithFields(log.Fields{
		"method": httpReq.Method,
		"url":    reqURL,
		"status": resp.StatusCode,
	}).Debug("...done")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     r.Method,
			Path:       r.Path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header,
			Body:       body,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func trackResponse(start time.Time, method, status string) {
	apiResponseDuration.
		WithLabelValues(method, status).
		Observe(time.Since(start).Seconds())
}
