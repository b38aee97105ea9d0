package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatus(t *testing.T) {
	assert.ErrorIs(t, FromStatus(http.StatusNotFound, "/x", nil), ErrNotFoundAsEmpty)

	for _, code := range []int{408, 429, 500, 502, 503, 504, 599} {
		err := FromStatus(code, "/x", []byte("boom"))
		var transient *TransientFetchError
		if assert.ErrorAs(t, err, &transient, "status %d", code) {
			assert.Equal(t, code, transient.StatusCode)
		}
		assert.True(t, IsRetryable(err))
	}

	for _, code := range []int{400, 401, 403, 422} {
		err := FromStatus(code, "/x", []byte(`{"error":"bad"}`))
		var upstream *UpstreamError
		if assert.ErrorAs(t, err, &upstream, "status %d", code) {
			assert.Equal(t, `{"error":"bad"}`, upstream.Body)
		}
		assert.False(t, IsRetryable(err))
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(ErrNotFoundAsEmpty))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", &TransientFetchError{Endpoint: "/x", Err: errors.New("reset")})))
	assert.False(t, IsRetryable(&TransientFetchError{Endpoint: "/x", Err: context.Canceled}))
	assert.False(t, IsRetryable(&CredentialError{Err: &TransientFetchError{StatusCode: 502, Endpoint: "/oauth2/v3/token", Err: errors.New("bad gateway")}}))
	assert.False(t, IsRetryable(fmt.Errorf("send: %w", &CredentialError{Err: errors.New("no token")})))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", &ValidationError{Field: "prm", Message: "required"}, http.StatusBadRequest},
		{"creation with status", &CreationError{Operation: "order", StatusCode: 422, Body: "bad consent"}, 422},
		{"creation without status", &CreationError{Operation: "order", Err: errors.New("dial")}, http.StatusInternalServerError},
		{"upstream", &UpstreamError{StatusCode: 403, Endpoint: "/x"}, http.StatusForbidden},
		{"transient exhausted", &TransientFetchError{StatusCode: 503, Endpoint: "/x", Err: errors.New("down")}, http.StatusServiceUnavailable},
		{"network", &TransientFetchError{Endpoint: "/x", Err: errors.New("reset")}, http.StatusInternalServerError},
		{"timeout", &TimeoutError{Operation: "order", Attempts: 60}, http.StatusGatewayTimeout},
		{"credential wraps upstream", &CredentialError{Err: &UpstreamError{StatusCode: 401}}, http.StatusUnauthorized},
		{"request failed", &RequestFailedError{RequestID: "r1", Type: "load_curve"}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestDetails(t *testing.T) {
	assert.Equal(t, "bad consent", Details(fmt.Errorf("ctx: %w", &CreationError{Operation: "order", StatusCode: 400, Body: "bad consent"})))
	assert.Equal(t, "", Details(errors.New("boom")))
}

func TestErrorMessages(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	err := &UpstreamError{StatusCode: 400, Endpoint: "/x", Body: string(long)}
	assert.Contains(t, err.Error(), "(truncated)")

	v := &ValidationError{Field: "startDate", Value: "2024-13-01", Message: "invalid date"}
	assert.Equal(t, "validation error for startDate (value: 2024-13-01): invalid date", v.Error())

	p := &PersistenceError{Table: "daily_consumption", Rows: 3, Err: errors.New("duplicate")}
	assert.Equal(t, "failed to upsert 3 rows into daily_consumption: duplicate", p.Error())
}
