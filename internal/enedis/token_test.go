package enedis

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/metrics"
	"github.com/septivank/energy-metering-gateway/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var tokenNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type tokenFixture struct {
	supplier *TokenSupplier
	store    *storetest.Store
	sleeper  *recordingSleeper
	calls    *int32
}

func newTokenFixture(t *testing.T, failures int32) *tokenFixture {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/oauth2/v3/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		assert.Equal(t, "client-secret", r.PostForm.Get("client_secret"))
		if n <= failures {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"access_token":"token-%d","token_type":"Bearer","expires_in":12600}`, n)
	}))
	t.Cleanup(srv.Close)

	store := storetest.New()
	sleeper := &recordingSleeper{}
	supplier, err := NewTokenSupplier(testConfig(srv.URL), store, srv.Client(), sleeper.Sleep, metrics.New(), zap.NewNop(),
		WithClock(storetest.FixedClock(tokenNow)))
	require.NoError(t, err)

	return &tokenFixture{supplier: supplier, store: store, sleeper: sleeper, calls: &calls}
}

func TestToken_RetriesThenRotates(t *testing.T) {
	f := newTokenFixture(t, 2)
	f.store.SeedCredential(db.Credential{
		ID: uuid.New(), Token: "old", TokenType: "Bearer",
		IssuedAt: tokenNow.Add(-4 * time.Hour), ExpiresAt: tokenNow.Add(-time.Hour), Active: true,
	})

	token, err := f.supplier.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "token-3", token)
	assert.Len(t, f.sleeper.delays, 2)
	assert.Equal(t, 1, f.store.ActiveCount())

	active, err := f.store.ActiveCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-3", active.Token)
	assert.Equal(t, tokenNow.Add(12600*time.Second), active.ExpiresAt)
}

func TestToken_ReusesCachedCredential(t *testing.T) {
	f := newTokenFixture(t, 0)

	first, err := f.supplier.Token(context.Background())
	require.NoError(t, err)
	second, err := f.supplier.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(f.calls))
}

func TestToken_RefreshesInsideBuffer(t *testing.T) {
	f := newTokenFixture(t, 0)
	f.store.SeedCredential(db.Credential{
		ID: uuid.New(), Token: "stale", TokenType: "Bearer",
		IssuedAt: tokenNow.Add(-time.Hour), ExpiresAt: tokenNow.Add(30 * time.Second), Active: true,
	})

	token, err := f.supplier.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.Equal(t, 1, f.store.ActiveCount())
}

func TestToken_ExchangeExhaustedIsCredentialError(t *testing.T) {
	f := newTokenFixture(t, 10)

	_, err := f.supplier.Token(context.Background())

	var credErr *apperr.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, int32(3), atomic.LoadInt32(f.calls))
	assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))
}

func TestToken_StoreFailuresDoNotFailTheCall(t *testing.T) {
	f := newTokenFixture(t, 0)
	f.store.FailReads = fmt.Errorf("connection refused")
	f.store.FailCredentialWrites = fmt.Errorf("connection refused")

	token, err := f.supplier.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
}

func TestRefresh_ForcesExchange(t *testing.T) {
	f := newTokenFixture(t, 0)

	_, err := f.supplier.Token(context.Background())
	require.NoError(t, err)
	cred, err := f.supplier.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "token-2", cred.Token)
	assert.Equal(t, 1, f.store.ActiveCount())
	assert.Len(t, f.store.Credentials(), 2)
}

func TestPruneKeepsHistoryBounded(t *testing.T) {
	f := newTokenFixture(t, 0)
	for i := 0; i < 15; i++ {
		f.store.SeedCredential(db.Credential{
			ID: uuid.New(), Token: fmt.Sprintf("old-%d", i), TokenType: "Bearer",
			IssuedAt: tokenNow.Add(-time.Duration(i+1) * time.Hour), ExpiresAt: tokenNow.Add(-time.Duration(i) * time.Hour),
		})
	}

	_, err := f.supplier.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.store.Credentials(), 10)
	assert.Equal(t, 1, f.store.ActiveCount())
}

func TestNewTokenSupplier_InvalidURL(t *testing.T) {
	cfg := testConfig("")
	cfg.TokenURL = "not a url"
	_, err := NewTokenSupplier(cfg, storetest.New(), nil, nil, nil, zap.NewNop())
	assert.Error(t, err)
}
