package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/abkawan/atomic-ledger/internal/cache"
	"github.com/abkawan/atomic-ledger/internal/db"
	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/abkawan/atomic-ledger/internal/service"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*cache.Entry
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]*cache.Entry{}}
}

func (c *memoryCache) Lookup(ctx context.Context, key string) (*cache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key], nil
}

func (c *memoryCache) Reserve(ctx context.Context, key, fingerprint string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return false, nil
	}
	c.entries[key] = &cache.Entry{Pending: true, Fingerprint: fingerprint}
	return true, nil
}

func (c *memoryCache) Store(ctx context.Context, key, fingerprint string, status int, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cache.Entry{Fingerprint: fingerprint, Status: status, Body: append([]byte(nil), body...)}
	return nil
}

func (c *memoryCache) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

type testServer struct {
	t      *testing.T
	store  *db.Memory
	cache  *memoryCache
	auth   *Authenticator
	router *mux.Router
}

func newTestServer(t *testing.T) *testServer {
	store := db.NewMemory()
	log := zap.NewNop()
	ledger := service.NewLedger(store, log, nil, time.Second)
	auth := NewAuthenticator(testSecret)
	responses := newMemoryCache()

	router := mux.NewRouter()
	SetupRoutes(router, Routes{
		Accounts:     service.NewAccountService(store, log, service.DefaultStartingBalance, 0),
		Transactions: service.NewTransactionService(ledger, store, nil, log),
		Auth:         auth,
		Cache:        responses,
		Log:          log,
	})
	return &testServer{t: t, store: store, cache: responses, auth: auth, router: router}
}

func (s *testServer) token(user uuid.UUID) string {
	tok, err := s.auth.Sign(user, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path string, user uuid.UUID, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+s.token(user))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) open(user uuid.UUID) models.AccountSummary {
	rec := s.do(http.MethodPost, "/accounts", user, nil)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var acc models.AccountSummary
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &acc))
	return acc
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/health", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/accounts", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/accounts", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other := NewAuthenticator("another-secret")
	tok, err := other.Sign(uuid.New(), time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExpiredTokenRejected(t *testing.T) {
	auth := NewAuthenticator(testSecret)
	tok, err := auth.Sign(uuid.New(), -time.Minute)
	require.NoError(t, err)

	_, err = auth.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestOpenAndGetAccount(t *testing.T) {
	s := newTestServer(t)
	user := uuid.New()
	acc := s.open(user)

	assert.Len(t, acc.Number, models.AccountNumberLength)
	assert.True(t, acc.Balance.Equal(decimal.RequireFromString("300")))

	rec := s.do(http.MethodGet, "/accounts/"+acc.ID.String(), user, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/accounts/"+acc.ID.String(), uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/accounts/"+uuid.NewString(), user, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/accounts/nope", user, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferEndpoint(t *testing.T) {
	s := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()
	from := s.open(alice)
	to := s.open(bob)

	rec := s.do(http.MethodPost, "/transfers", alice, map[string]string{
		"from_account": from.Number,
		"to_account":   to.Number,
		"amount":       "100.00",
	}, "User-Agent", "ledger-test", LocationHeader, "Lagos")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result models.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, models.Completed, result.Status)
	require.NotNil(t, result.Balances.Source)
	assert.True(t, result.Balances.Source.Equal(decimal.RequireFromString("200")))
	assert.True(t, result.Balances.Destination.Equal(decimal.RequireFromString("400")))

	rec = s.do(http.MethodGet, "/transactions/"+result.TransactionRef, bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tx models.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	assert.Equal(t, "ledger-test", tx.Metadata.Device)
	assert.Equal(t, "Lagos", tx.Metadata.Location)

	rec = s.do(http.MethodGet, "/transactions/"+result.TransactionRef, uuid.New(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransferErrors(t *testing.T) {
	s := newTestServer(t)
	alice, bob := uuid.New(), uuid.New()
	from := s.open(alice)
	to := s.open(bob)

	rec := s.do(http.MethodPost, "/transfers", alice, map[string]string{
		"from_account": from.Number, "to_account": to.Number, "amount": "1000",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "fail", resp.Status)
	assert.False(t, resp.Retryable)
	require.NotNil(t, resp.AvailableBalance)
	assert.True(t, resp.AvailableBalance.Equal(decimal.RequireFromString("300")))

	rec = s.do(http.MethodPost, "/transfers", alice, map[string]string{
		"from_account": from.Number, "to_account": from.Number, "amount": "10",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/transfers", bob, map[string]string{
		"from_account": from.Number, "to_account": to.Number, "amount": "10",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/transfers", alice, map[string]string{
		"from_account": from.Number, "to_account": "1999999999", "amount": "10",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/transfers", alice, map[string]interface{}{
		"from_account": from.Number, "amount": "10", "bogus": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDepositAndWithdrawalEndpoints(t *testing.T) {
	s := newTestServer(t)
	alice := uuid.New()
	acc := s.open(alice)

	rec := s.do(http.MethodPost, "/deposits", uuid.New(), map[string]string{
		"to_account": acc.Number, "amount": "25.50",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/withdrawals", alice, map[string]string{
		"from_account": acc.ID.String(), "amount": "5.50",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got, err := s.store.FindByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("320")))

	rec = s.do(http.MethodGet, "/accounts/"+acc.ID.String()+"/transactions?page=1&limit=1", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page models.TransactionPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(2), page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, models.Withdrawal, page.Items[0].Type)
	assert.Equal(t, "debit", page.Items[0].Direction)

	rec = s.do(http.MethodGet, "/accounts/"+acc.ID.String()+"/transactions", uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUnassignedAccountResponse(t *testing.T) {
	s := newTestServer(t)
	orphan := &models.Account{ID: uuid.New(), Number: "1000000009", Type: models.Checking, Balance: decimal.NewFromInt(10)}
	require.NoError(t, s.store.CreateAccount(context.Background(), orphan))
	to := s.open(uuid.New())

	rec := s.do(http.MethodPost, "/transfers", uuid.New(), map[string]string{
		"from_account": orphan.Number, "to_account": to.Number, "amount": "1",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error, "contact support")
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	s := newTestServer(t)
	alice := uuid.New()
	from := s.open(alice)
	to := s.open(uuid.New())

	body := map[string]string{"from_account": from.Number, "to_account": to.Number, "amount": "10"}
	first := s.do(http.MethodPost, "/transfers", alice, body, IdempotencyHeader, "abc")
	require.Equal(t, http.StatusCreated, first.Code)

	second := s.do(http.MethodPost, "/transfers", alice, body, IdempotencyHeader, "abc")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	got, err := s.store.FindByID(context.Background(), from.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("290")))

	// same key from another user is a different request
	bob := uuid.New()
	bobAcc := s.open(bob)
	rec := s.do(http.MethodPost, "/transfers", bob, map[string]string{
		"from_account": bobAcc.Number, "to_account": to.Number, "amount": "10",
	}, IdempotencyHeader, "abc")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get(ReplayedHeader))
}

func TestIdempotencyKeyBoundToRequest(t *testing.T) {
	s := newTestServer(t)
	alice := uuid.New()
	from := s.open(alice)
	to := s.open(uuid.New())

	first := s.do(http.MethodPost, "/transfers", alice, map[string]string{
		"from_account": from.Number, "to_account": to.Number, "amount": "10",
	}, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusCreated, first.Code)

	rec := s.do(http.MethodPost, "/transfers", alice, map[string]string{
		"from_account": from.Number, "to_account": to.Number, "amount": "50",
	}, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, rec.Header().Get(ReplayedHeader))

	// same body on another route is another request too
	rec = s.do(http.MethodPost, "/deposits", alice, map[string]string{
		"from_account": from.Number, "to_account": to.Number, "amount": "10",
	}, IdempotencyHeader, "k1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	got, err := s.store.FindByID(context.Background(), from.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("290")))
}

func TestIdempotencyKeyInProgress(t *testing.T) {
	s := newTestServer(t)
	alice := uuid.New()
	from := s.open(alice)
	to := s.open(uuid.New())
	body := map[string]string{"from_account": from.Number, "to_account": to.Number, "amount": "10"}

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/transfers", nil)
	key := cache.Key(alice.String(), "busy")
	_, err := s.cache.Reserve(context.Background(), key, fingerprint(req, buf.Bytes()))
	require.NoError(t, err)

	rec := s.do(http.MethodPost, "/transfers", alice, body, IdempotencyHeader, "busy")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, decodeError(t, rec).Retryable)

	rec = s.do(http.MethodPost, "/transfers", alice, map[string]string{
		"from_account": from.Number, "to_account": to.Number, "amount": "11",
	}, IdempotencyHeader, "busy")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDashboardEndpoint(t *testing.T) {
	s := newTestServer(t)
	alice := uuid.New()
	first := s.open(alice)
	second := s.open(alice)

	rec := s.do(http.MethodPost, "/transfers", alice, map[string]string{
		"from_account": first.Number, "to_account": second.Number, "amount": "25",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/dashboard", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dash models.Dashboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dash))
	assert.Equal(t, 2, dash.Stats.AccountsCount)
	assert.True(t, dash.Stats.TotalBalance.Equal(decimal.RequireFromString("600")))
	require.Len(t, dash.RecentTransactions, 1)
	assert.Equal(t, models.Transfer, dash.RecentTransactions[0].Type)

	rec = s.do(http.MethodGet, "/dashboard", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserHistoryEndpoint(t *testing.T) {
	s := newTestServer(t)
	alice := uuid.New()
	acc := s.open(alice)
	other := s.open(uuid.New())

	rec := s.do(http.MethodPost, "/deposits", alice, map[string]string{"to_account": acc.Number, "amount": "5"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(http.MethodPost, "/transfers", alice, map[string]string{
		"from_account": acc.Number, "to_account": other.Number, "amount": "7",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodGet, "/transactions?type=transfer", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page models.TransactionPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "debit", page.Items[0].Direction)
	assert.Equal(t, models.LastDigits(other.Number), page.Items[0].Counterparty)

	rec = s.do(http.MethodGet, "/transactions?account_id="+acc.ID.String()+"&page=9223372036854775807", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = models.TransactionPage{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(2), page.Total)
	assert.Empty(t, page.Items)

	rec = s.do(http.MethodGet, "/transactions?type=refund", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodGet, "/transactions?account_id=nope", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// nothing initiated by bob
	rec = s.do(http.MethodGet, "/transactions", uuid.New(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = models.TransactionPage{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Zero(t, page.Total)
}

func TestRequestMetadata(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/transfers", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("User-Agent", "curl")
	assert.Equal(t, models.Metadata{IPAddress: "192.0.2.1", Device: "curl"}, requestMetadata(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", requestMetadata(req).IPAddress)
}
