package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/farm-engine/internal/engine"
	"github.com/atmx/farm-engine/internal/farm"
	"github.com/atmx/farm-engine/internal/ledger"
	"github.com/atmx/farm-engine/internal/staking"
	"github.com/atmx/farm-engine/internal/store"
)

const adminToken = "s3cret"

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.now, 0)
}

func (c *fakeClock) set(t int64) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type testServer struct {
	t      *testing.T
	clock  *fakeClock
	eng    *engine.Engine
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	book := ledger.NewBook()
	require.NoError(t, book.Register(ledger.TokenSpec{Symbol: "JOE", Transferable: true}))
	require.NoError(t, book.Register(ledger.TokenSpec{Symbol: "VEJOE", Transferable: false}))
	require.NoError(t, book.Register(ledger.TokenSpec{Symbol: "JOE-AVAX", Transferable: true}))

	f, err := farm.New(farm.Config{
		Owner:          "owner",
		RewardToken:    "JOE",
		EscrowToken:    "VEJOE",
		Custody:        "farm",
		RewardReserve:  "farm:rewards",
		BoostFactorBps: decimal.NewFromInt(farm.DefaultBoostFactorBps),
	}, zerolog.Nop())
	require.NoError(t, err)
	s, err := staking.New(staking.Config{
		Owner:                   "owner",
		StakeToken:              "JOE",
		EscrowToken:             "VEJOE",
		Custody:                 "staking",
		ForfeitEscrowOnWithdraw: true,
	}, engine.BoostListener(f), zerolog.Nop())
	require.NoError(t, err)

	clock := &fakeClock{}
	eng := engine.New(store.NewMemoryStore(), book, f, s, zerolog.Nop(), engine.WithClock(clock.Now))
	h := NewHandler(eng, nil, adminToken, zerolog.Nop())
	return &testServer{t: t, clock: clock, eng: eng, router: NewRouter(h, nil)}
}

func (s *testServer) do(method, path, user string, admin bool, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) admin(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	w := s.do(method, path, "", true, body)
	require.Less(s.t, w.Code, 300, "%s %s: %s", method, path, w.Body.String())
	return w
}

// seed initialises staking, funds the reserve and adds one unboosted pool.
func (s *testServer) seed() string {
	s.t.Helper()
	_, err := s.eng.InitStaking(context.Background(), staking.DefaultParams())
	require.NoError(s.t, err)
	s.admin("POST", "/api/v1/admin/ledger/fund", map[string]string{"amount": "1000000"})
	s.admin("PUT", "/api/v1/admin/reward-rate", map[string]string{"rate": "100"})
	w := s.admin("POST", "/api/v1/admin/pools", map[string]any{"token": "JOE-AVAX", "alloc_point": "100", "boosted": false})
	assert.Equal(s.t, http.StatusCreated, w.Code)

	var pool struct {
		ID string `json:"id"`
	}
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &pool))
	require.NotEmpty(s.t, pool.ID)
	return pool.ID
}

func (s *testServer) fundUser(user, token, spender string, amount string) {
	s.t.Helper()
	s.admin("POST", "/api/v1/admin/ledger/mint", map[string]string{"token": token, "to": user, "amount": amount})
	w := s.do("POST", "/api/v1/ledger/approve", user, false, map[string]string{"token": token, "spender": spender, "amount": amount})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do("GET", "/health", "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestAdminRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	body := map[string]string{"rate": "5"}

	w := s.do("PUT", "/api/v1/admin/reward-rate", "", false, body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("PUT", "/api/v1/admin/reward-rate", bytes.NewReader([]byte(`{"rate":"5"}`)))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	w = s.do("PUT", "/api/v1/admin/reward-rate", "", true, body)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestUserRoutesRequireCaller(t *testing.T) {
	s := newTestServer(t)
	pool := s.seed()
	w := s.do("POST", "/api/v1/pools/"+pool+"/deposit", "", false, map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDepositAccruesAndHarvests(t *testing.T) {
	s := newTestServer(t)
	pool := s.seed()
	s.fundUser("alice", "JOE-AVAX", "farm", "1000")

	w := s.do("POST", "/api/v1/pools/"+pool+"/deposit", "alice", false, map[string]string{"amount": "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	s.clock.set(10)
	w = s.do("GET", "/api/v1/pools/"+pool+"/positions/alice", "", false, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view engine.PositionView
	decodeBody(t, w, &view)
	assert.True(t, decimal.NewFromInt(1000).Equal(view.PendingReward), "pending %s", view.PendingReward)
	assert.True(t, decimal.NewFromInt(1000).Equal(view.Position.Principal))

	w = s.do("POST", "/api/v1/pools/"+pool+"/harvest", "alice", false, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rc farm.Receipt
	decodeBody(t, w, &rc)
	assert.True(t, decimal.NewFromInt(1000).Equal(rc.Reward), "reward %s", rc.Reward)

	w = s.do("GET", "/api/v1/ledger/balances/alice", "", false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal map[string]decimal.Decimal
	decodeBody(t, w, &bal)
	assert.True(t, decimal.NewFromInt(1000).Equal(bal["JOE"]))
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	pool := s.seed()
	s.fundUser("alice", "JOE-AVAX", "farm", "100")
	w := s.do("POST", "/api/v1/pools/"+pool+"/deposit", "alice", false, map[string]string{"amount": "100"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"overdraw", "POST", "/api/v1/pools/" + pool + "/withdraw", map[string]string{"amount": "500"}, http.StatusConflict},
		{"negative amount", "POST", "/api/v1/pools/" + pool + "/deposit", map[string]string{"amount": "-5"}, http.StatusBadRequest},
		{"unknown pool", "POST", "/api/v1/pools/nope/deposit", map[string]string{"amount": "1"}, http.StatusNotFound},
		{"over allowance", "POST", "/api/v1/pools/" + pool + "/deposit", map[string]string{"amount": "1"}, http.StatusUnprocessableEntity},
		{"unstake nothing", "POST", "/api/v1/staking/withdraw", map[string]string{"amount": "1"}, http.StatusConflict},
		{"bad body", "POST", "/api/v1/staking/deposit", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, "alice", false, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestLedgerMintRejectsEscrowToken(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	w := s.do("POST", "/api/v1/admin/ledger/mint", "", true, map[string]string{"token": "VEJOE", "to": "alice", "amount": "500"})
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.True(t, s.eng.Balances(context.Background(), "alice")["VEJOE"].IsZero())
}

func TestStakingFlow(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	s.fundUser("bob", "JOE", "staking", "100")

	w := s.do("POST", "/api/v1/staking/deposit", "bob", false, map[string]string{"amount": "100"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	s.clock.set(10)
	w = s.do("GET", "/api/v1/staking/accounts/bob", "", false, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var acct engine.AccountView
	decodeBody(t, w, &acct)
	// 10s of base rate plus 10s of speed-up on 100 staked units.
	assert.True(t, decimal.NewFromInt(2000).Equal(acct.PendingEscrow), "pending %s", acct.PendingEscrow)

	w = s.do("POST", "/api/v1/staking/claim", "bob", false, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var claimed map[string]decimal.Decimal
	decodeBody(t, w, &claimed)
	assert.True(t, decimal.NewFromInt(2000).Equal(claimed["minted"]))

	w = s.admin("PUT", "/api/v1/admin/staking/cap", map[string]int64{"pct": 30_000})
	var st struct {
		MaxCapPct int64 `json:"max_cap_pct"`
	}
	decodeBody(t, w, &st)
	assert.Equal(t, int64(30_000), st.MaxCapPct)

	w = s.do("PUT", "/api/v1/admin/staking/cap", "", true, map[string]int64{"pct": 100})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = s.admin("POST", "/api/v1/admin/escrow/burn", map[string]string{"user": "bob", "amount": "500"})
	var burned map[string]decimal.Decimal
	decodeBody(t, w, &burned)
	assert.True(t, decimal.NewFromInt(1500).Equal(burned["escrow_balance"]))
}

func TestStakingNotInitialised(t *testing.T) {
	s := newTestServer(t)
	w := s.do("GET", "/api/v1/staking", "", false, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
}

func TestActivityListing(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	w := s.do("GET", "/api/v1/activity?limit=5", "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = s.do("GET", "/api/v1/activity?limit=x", "", false, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", farm.ErrInvalidAmount), http.StatusBadRequest},
		{staking.ErrInvalidConfiguration, http.StatusBadRequest},
		{engine.ErrUnauthorized, http.StatusForbidden},
		{farm.ErrPoolNotFound, http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{staking.ErrInsufficientStake, http.StatusConflict},
		{fmt.Errorf("deposit: %w", ledger.ErrInsufficientAllowance), http.StatusUnprocessableEntity},
		{staking.ErrNotInitialized, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
