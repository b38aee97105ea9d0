package partner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/septivank/energy-metering-gateway/internal/metrics"
	"github.com/septivank/energy-metering-gateway/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestClient(baseURL string, auth TokenSource) *Client {
	policy := retry.New(3, time.Millisecond, time.Millisecond, nil)
	policy.Jitter = 0
	policy.Sleep = noSleep
	return New(Options{
		Name:       "test",
		BaseURL:    baseURL + "/",
		Auth:       auth,
		AuthScheme: "Bearer",
		Timeout:    time.Second,
		Retry:      policy,
		Metrics:    metrics.New(),
	})
}

func TestGetJSON_SendsAuthAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/series", r.URL.Path)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "2024-01-01", r.URL.Query().Get("start"))
		w.Write([]byte(`{"value":"42"}`))
	}))
	defer srv.Close()

	var out struct {
		Value string `json:"value"`
	}
	err := newTestClient(srv.URL, StaticToken("abc")).GetJSON(context.Background(), "series", "/series", url.Values{"start": {"2024-01-01"}}, &out)

	require.NoError(t, err)
	assert.Equal(t, "42", out.Value)
}

func TestDo_RetriesTransientStatuses(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	body, err := newTestClient(srv.URL, nil).Do(context.Background(), Request{Operation: "x", Path: "/x"})

	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDo_ClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status int
		check  func(t *testing.T, err error)
		calls  int32
	}{
		{status: http.StatusNotFound, calls: 1, check: func(t *testing.T, err error) {
			assert.ErrorIs(t, err, apperr.ErrNotFoundAsEmpty)
		}},
		{status: http.StatusForbidden, calls: 1, check: func(t *testing.T, err error) {
			var upstream *apperr.UpstreamError
			require.ErrorAs(t, err, &upstream)
			assert.Equal(t, http.StatusForbidden, upstream.StatusCode)
			assert.Equal(t, "denied", upstream.Body)
		}},
		{status: http.StatusServiceUnavailable, calls: 3, check: func(t *testing.T, err error) {
			var transient *apperr.TransientFetchError
			require.ErrorAs(t, err, &transient)
			assert.Equal(t, http.StatusServiceUnavailable, transient.StatusCode)
		}},
	}

	for _, tc := range cases {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(tc.status)
			w.Write([]byte("denied"))
		}))

		_, err := newTestClient(srv.URL, nil).Do(context.Background(), Request{Operation: "x", Path: "/x"})
		tc.check(t, err)
		assert.Equal(t, tc.calls, atomic.LoadInt32(&calls), tc.status)
		srv.Close()
	}
}

func TestSend_PostsFormAndJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/form":
			assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		case "/json":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, nil)
	resp, err := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/form", Form: url.Values{"grant_type": {"client_credentials"}}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/json", Body: map[string]string{"a": "b"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

type failingToken struct{}

func (failingToken) Token(ctx context.Context) (string, error) {
	return "", errors.New("no credential")
}

func TestSend_TokenFailureStopsRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, failingToken{}).Do(context.Background(), Request{Operation: "x", Path: "/x"})

	assert.EqualError(t, err, "no credential")
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestSend_CancelledContextIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(srv.URL, nil).Send(ctx, Request{Operation: "x", Path: "/x"})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, apperr.IsRetryable(err))
}
