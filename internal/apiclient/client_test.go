package apiclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/evilmartians/clinicsync/config"
)

type MockedRoundTripper struct {
	f func(r *http.Request) (*http.Response, error)
}

func (m MockedRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	return m.f(r)
}

func reply(status int, body string) (*http.Response, error) {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func newTestClient(t *testing.T, token string, f func(r *http.Request) (*http.Response, error)) *Client {
	t.Helper()

	base, err := url.Parse("https://api.clinic.test/v1")
	require.NoError(t, err)

	return New(base, &http.Client{Transport: MockedRoundTripper{f}}, StaticToken(token))
}

func TestNewClient(t *testing.T) {
	var config cfg.Config
	config.API.BaseURL = "https://api.clinic.test"
	config.API.NumClients = 2

	_, err := NewClient(&config)
	require.NoError(t, err)

	config.API.NumClients = 0
	_, err = NewClient(&config)
	require.Error(t, err, "must fail if numClients < 1")
}

func TestPost(t *testing.T) {
	var (
		checkMethod string
		checkURL    string
		checkAuth   string
		checkType   string
		checkBody   string
	)

	client := newTestClient(t, "secret", func(r *http.Request) (*http.Response, error) {
		checkMethod = r.Method
		checkURL = r.URL.String()
		checkAuth = r.Header.Get("Authorization")
		checkType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		checkBody = string(body)

		return reply(http.StatusCreated, `{"id":7}`)
	})

	res, err := client.Post(context.Background(), "/movimientos", map[string]any{
		"monto": 100,
		"tipo":  "ingreso",
	}, &Options{Query: url.Values{"fecha": {"2024-01-02"}}})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, checkMethod)
	assert.Equal(t, "https://api.clinic.test/v1/movimientos?fecha=2024-01-02", checkURL)
	assert.Equal(t, "Bearer secret", checkAuth)
	assert.Equal(t, "application/json", checkType)
	assert.JSONEq(t, `{"monto":100,"tipo":"ingreso"}`, checkBody)

	assert.Equal(t, http.StatusCreated, res.StatusCode)

	var created struct {
		ID int `json:"id"`
	}
	require.NoError(t, res.Decode(&created))
	assert.Equal(t, 7, created.ID)
}

func TestRawBodyAndHeaders(t *testing.T) {
	var checkReq *http.Request
	var checkBody []byte

	client := newTestClient(t, "", func(r *http.Request) (*http.Response, error) {
		checkReq = r
		checkBody, _ = io.ReadAll(r.Body)
		return reply(http.StatusOK, `{}`)
	})

	_, err := client.Put(context.Background(), "pacientes/3", []byte("raw"), &Options{
		Header: http.Header{"X-Device": {"tablet-1"}, "Content-Type": {"text/plain"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/pacientes/3", checkReq.URL.Path)
	assert.Equal(t, "raw", string(checkBody))
	assert.Equal(t, "tablet-1", checkReq.Header.Get("X-Device"))
	assert.Equal(t, "text/plain", checkReq.Header.Get("Content-Type"))
	assert.Empty(t, checkReq.Header.Get("Authorization"), "no token, no header")
}

func TestStringBodyIsJSON(t *testing.T) {
	var checkReq *http.Request
	var checkBody []byte

	client := newTestClient(t, "", func(r *http.Request) (*http.Response, error) {
		checkReq = r
		checkBody, _ = io.ReadAll(r.Body)
		return reply(http.StatusOK, `{}`)
	})

	_, err := client.Post(context.Background(), "/notas", "control anual", nil)
	require.NoError(t, err)

	assert.Equal(t, `"control anual"`, string(checkBody))
	assert.Equal(t, "application/json", checkReq.Header.Get("Content-Type"))
}

func TestStatusError(t *testing.T) {
	client := newTestClient(t, "", func(r *http.Request) (*http.Response, error) {
		return reply(http.StatusNotFound, `{"error":"not found"}`)
	})

	_, err := client.Get(context.Background(), "/citas/404", nil)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.JSONEq(t, `{"error":"not found"}`, string(statusErr.Body))

	assert.True(t, IsStatus(err))
	assert.False(t, IsConnectivity(err))
}

func TestTransportError(t *testing.T) {
	dialErr := errors.New("dial tcp: connection refused")

	client := newTestClient(t, "", func(r *http.Request) (*http.Response, error) {
		return nil, dialErr
	})

	_, err := client.Delete(context.Background(), "/citas/1", nil)
	require.Error(t, err)

	assert.True(t, IsConnectivity(err))
	assert.False(t, IsStatus(err))
	assert.ErrorIs(t, err, dialErr)
}

func TestCancelledIsNotConnectivity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	client := newTestClient(t, "", func(r *http.Request) (*http.Response, error) {
		cancel()
		return nil, context.Canceled
	})

	_, err := client.Patch(ctx, "/citas/1", map[string]string{"estado": "cancelada"}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsConnectivity(err))
}

func TestAbsolutePathRejected(t *testing.T) {
	client := newTestClient(t, "", func(r *http.Request) (*http.Response, error) {
		t.Fatal("must not send")
		return nil, nil
	})

	_, err := client.Get(context.Background(), "https://elsewhere.test/x", nil)
	require.Error(t, err)
	assert.False(t, IsConnectivity(err))
}

func TestTokenError(t *testing.T) {
	base, _ := url.Parse("https://api.clinic.test")
	client := New(base, http.DefaultClient, func(context.Context) (string, error) {
		return "", errors.New("locked")
	})

	_, err := client.Get(context.Background(), "/pacientes", nil)
	require.Error(t, err)
	assert.False(t, IsConnectivity(err))
}

func TestOptionsClone(t *testing.T) {
	opts := &Options{
		Header: http.Header{"X-A": {"1"}},
		Query:  url.Values{"q": {"a"}},
	}

	clone := opts.Clone()
	opts.Header.Set("X-A", "2")
	opts.Query.Set("q", "b")

	assert.Equal(t, "1", clone.Header.Get("X-A"))
	assert.Equal(t, "a", clone.Query.Get("q"))

	var nilOpts *Options
	assert.Nil(t, nilOpts.Clone())
}

func TestShutdown(t *testing.T) {
	client := newTestClient(t, "", func(r *http.Request) (*http.Response, error) {
		return reply(http.StatusOK, ``)
	})

	require.NoError(t, client.Shutdown(context.Background()))
}
