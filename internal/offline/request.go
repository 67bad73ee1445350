package offline

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evilmartians/clinicsync/internal/apiclient"
)

// Method is one of the verbs the API client exposes.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPost   Method = http.MethodPost
	MethodPut    Method = http.MethodPut
	MethodPatch  Method = http.MethodPatch
	MethodDelete Method = http.MethodDelete
)

// ParseMethod accepts the verb case-insensitively.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(s))
	if !m.Valid() {
		return "", fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, s)
	}

	return m, nil
}

func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}

	return false
}

// QueuedRequest is one deferred API call. Body and Options are forwarded to
// the client untouched.
type QueuedRequest struct {
	ID         string
	Method     Method
	Path       string
	Body       any
	Options    *apiclient.Options
	EnqueuedAt time.Time

	// Attempts made so far: 0 when queued while offline.
	Attempt int
}

func newQueuedRequest(method Method, path string, body any, opts *apiclient.Options, attempt int) *QueuedRequest {
	return &QueuedRequest{
		ID:         uuid.NewString(),
		Method:     method,
		Path:       path,
		Body:       body,
		Options:    opts.Clone(),
		EnqueuedAt: time.Now(),
		Attempt:    attempt,
	}
}

func (r *QueuedRequest) String() string {
	return fmt.Sprintf("%s %s", r.Method, r.Path)
}
