package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Options carries the per-call configuration. The queue never looks into it.
type Options struct {
	Header http.Header
	Query  url.Values
}

// Clone returns a deep copy so a queued call is not affected by the caller
// reusing its options.
func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}

	res := &Options{Header: o.Header.Clone()}
	if o.Query != nil {
		res.Query = make(url.Values, len(o.Query))
		for k, v := range o.Query {
			res.Query[k] = append([]string(nil), v...)
		}
	}

	return res
}

// Request is everything needed to perform one API call against the base URL.
type Request struct {
	Method  string
	Path    string
	Body    any
	Options *Options
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s", r.Method, r.Path)
}

// URL resolves the request path against the base URL. The path is appended to
// the base path, so "/movimientos" on "https://host/api" gives "https://host/api/movimientos".
func (r *Request) URL(base *url.URL) (*url.URL, error) {
	ref, err := url.Parse(r.Path)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return nil, fmt.Errorf("path must be relative to the base url: %s", r.Path)
	}

	res := *base
	res.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	res.RawPath = ""

	query := ref.Query()
	if r.Options != nil {
		for k, vs := range r.Options.Query {
			for _, v := range vs {
				query.Add(k, v)
			}
		}
	}
	res.RawQuery = query.Encode()

	return &res, nil
}

func (r *Request) ToHTTPRequest(ctx context.Context, base *url.URL) (*http.Request, error) {
	reqURL, err := r.URL(base)
	if err != nil {
		return nil, err
	}

	body, isJSON, err := encodeBody(r.Body)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, r.Method, reqURL.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	if r.Options != nil && r.Options.Header != nil {
		httpReq.Header = r.Options.Header.Clone()
	}
	if isJSON && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	return httpReq, nil
}

// Raw bytes are sent as they are, everything else goes out as JSON.
func encodeBody(body any) ([]byte, bool, error) {
	switch b := body.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return b, false, nil
	case json.RawMessage:
		return b, true, nil
	}

	res, err := json.Marshal(body)
	if err != nil {
		return nil, false, fmt.Errorf("encoding body: %w", err)
	}

	return res, true, nil
}
