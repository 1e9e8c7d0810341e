package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"OptionLedger/internal/control"
	"OptionLedger/internal/core"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/marketdata"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/persistence"
	"OptionLedger/internal/server"
	"OptionLedger/internal/settle"
	"OptionLedger/internal/workflow"

	"github.com/google/uuid"
)

const testSecret = "test-secret"

type apiFixture struct {
	srv    *server.Server
	ledger *ledger.Ledger
	store  *persistence.MemoryStore
	feed   *marketdata.Feed
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()

	store := persistence.NewMemoryStore()
	l := ledger.New(store, nil)
	registry := control.NewRegistry(store)
	feed := marketdata.NewFeed(0, nil)
	processor := settle.NewProcessor(store, registry, feed, nil, nil)
	scheduler := settle.NewScheduler(store, processor, time.Minute, nil)
	t.Cleanup(scheduler.Stop)

	transfers := workflow.NewTransfers(store, l, nil)
	redemptions := workflow.NewRedemptions(store, nil)
	engine := core.NewEngine(l, store, registry, transfers, redemptions, scheduler, feed, nil)

	health := observability.NewHealthChecker()
	health.SetReady(true)

	return &apiFixture{
		srv:    server.New(engine, health, testSecret, nil),
		ledger: l,
		store:  store,
		feed:   feed,
	}
}

func (f *apiFixture) token(t *testing.T, userID uuid.UUID, admin bool) string {
	t.Helper()
	token, err := server.GenerateToken(userID, admin, testSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) fundUser(t *testing.T, amount int64) uuid.UUID {
	t.Helper()
	user := uuid.New()
	if _, err := f.ledger.Credit(context.Background(), user, amount, "fund:"+user.String(), "test"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	return user
}

func TestAuthRequired(t *testing.T) {
	f := newAPI(t)

	if w := f.do(t, http.MethodGet, "/api/v1/balance", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/balance", nil)
	req.Header.Set("Authorization", "Token abc")
	w := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad scheme: status = %d, want 401", w.Code)
	}

	if w := f.do(t, http.MethodGet, "/api/v1/balance", "not-a-jwt", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", w.Code)
	}
}

func TestAdminRouteRejectsUserToken(t *testing.T) {
	f := newAPI(t)
	user := uuid.New()

	w := f.do(t, http.MethodPut, "/api/v1/admin/users/"+user.String()+"/control",
		f.token(t, user, false), map[string]string{"mode": "force_win"})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestCreateTradeEndpoint(t *testing.T) {
	f := newAPI(t)
	f.feed.Record(marketdata.Tick{Symbol: "BTCUSD", Price: 50_000_00, Timestamp: time.Now().UTC()})
	user := f.fundUser(t, 10_000)
	token := f.token(t, user, false)

	w := f.do(t, http.MethodPost, "/api/v1/trades", token, map[string]any{
		"symbol":           "BTCUSD",
		"direction":        "up",
		"amount":           5000,
		"duration_seconds": 60,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body: %s)", w.Code, w.Body)
	}

	var resp struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		EntryPrice int64  `json:"entry_price"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "pending" || resp.EntryPrice != 50_000_00 {
		t.Errorf("resp = %+v, want pending at snapshot price", resp)
	}

	// The trade shows up in history and by id.
	if w := f.do(t, http.MethodGet, "/api/v1/trades/"+resp.ID, token, nil); w.Code != http.StatusOK {
		t.Errorf("get trade: status = %d, want 200", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/v1/trades", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list trades: status = %d, want 200", w.Code)
	}
	var list struct {
		Trades []json.RawMessage `json:"trades"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Trades) != 1 {
		t.Errorf("len(trades) = %d, want 1", len(list.Trades))
	}

	// Another user cannot read it.
	other := f.token(t, uuid.New(), false)
	if w := f.do(t, http.MethodGet, "/api/v1/trades/"+resp.ID, other, nil); w.Code != http.StatusNotFound {
		t.Errorf("cross-user get: status = %d, want 404", w.Code)
	}
}

func TestCreateTradeErrorMapping(t *testing.T) {
	f := newAPI(t)
	f.feed.Record(marketdata.Tick{Symbol: "BTCUSD", Price: 50_000_00, Timestamp: time.Now().UTC()})
	user := f.fundUser(t, 100)
	token := f.token(t, user, false)

	// Stake over balance.
	w := f.do(t, http.MethodPost, "/api/v1/trades", token, map[string]any{
		"symbol": "BTCUSD", "direction": "up", "amount": 500, "duration_seconds": 60,
	})
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("over-stake: status = %d, want 402", w.Code)
	}

	// Invalid duration.
	w = f.do(t, http.MethodPost, "/api/v1/trades", token, map[string]any{
		"symbol": "BTCUSD", "direction": "up", "amount": 50, "duration_seconds": 45,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad duration: status = %d, want 400", w.Code)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	f := newAPI(t)
	user := f.fundUser(t, 1234)

	w := f.do(t, http.MethodGet, "/api/v1/balance", f.token(t, user, false), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != 1234 {
		t.Errorf("balance = %d, want 1234", resp.Balance)
	}
}

func TestTransferWorkflowEndpoints(t *testing.T) {
	f := newAPI(t)
	user := f.fundUser(t, 1000)
	token := f.token(t, user, false)
	admin := f.token(t, uuid.New(), true)

	w := f.do(t, http.MethodPost, "/api/v1/transfers", token, map[string]any{
		"kind": "withdrawal", "amount": 400,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("request: status = %d, want 201 (body: %s)", w.Code, w.Body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = f.do(t, http.MethodPost, "/api/v1/admin/transfers/"+created.ID+"/decision", admin,
		map[string]string{"decision": "approve"})
	if w.Code != http.StatusOK {
		t.Fatalf("approve: status = %d, want 200 (body: %s)", w.Code, w.Body)
	}
	var decided struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &decided); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decided.Status != "approved" {
		t.Errorf("status = %q, want approved", decided.Status)
	}

	// Approving again conflicts as a validation failure.
	w = f.do(t, http.MethodPost, "/api/v1/admin/transfers/"+created.ID+"/decision", admin,
		map[string]string{"decision": "approve"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("re-approve: status = %d, want 400", w.Code)
	}
}

func TestRedemptionEndpoints(t *testing.T) {
	f := newAPI(t)
	user := uuid.New()
	token := f.token(t, user, false)
	admin := f.token(t, uuid.New(), true)

	w := f.do(t, http.MethodPost, "/api/v1/admin/codes", admin, map[string]any{
		"code": "WELCOME", "amount": 500, "usage_cap": 0,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create code: status = %d, want 201 (body: %s)", w.Code, w.Body)
	}

	w = f.do(t, http.MethodPost, "/api/v1/redemptions", token, map[string]string{"code": "WELCOME"})
	if w.Code != http.StatusOK {
		t.Fatalf("redeem: status = %d, want 200 (body: %s)", w.Code, w.Body)
	}
	var resp struct {
		BonusAmount int64 `json:"bonus_amount"`
		Balance     int64 `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.BonusAmount != 500 || resp.Balance != 500 {
		t.Errorf("resp = %+v, want 500/500", resp)
	}

	if w := f.do(t, http.MethodPost, "/api/v1/redemptions", token, map[string]string{"code": "WELCOME"}); w.Code != http.StatusConflict {
		t.Errorf("duplicate redeem: status = %d, want 409", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/v1/redemptions", token, map[string]string{"code": "NOPE"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown code: status = %d, want 404", w.Code)
	}
}

func TestControlModeEndpoints(t *testing.T) {
	f := newAPI(t)
	user := uuid.New()
	admin := f.token(t, uuid.New(), true)
	base := fmt.Sprintf("/api/v1/admin/users/%s/control", user)

	w := f.do(t, http.MethodPut, base, admin, map[string]string{"mode": "force_lose"})
	if w.Code != http.StatusOK {
		t.Fatalf("set mode: status = %d, want 200 (body: %s)", w.Code, w.Body)
	}

	w = f.do(t, http.MethodGet, base, admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get mode: status = %d, want 200", w.Code)
	}
	var resp struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Mode != "force_lose" {
		t.Errorf("mode = %q, want force_lose", resp.Mode)
	}

	if w := f.do(t, http.MethodPut, base, admin, map[string]string{"mode": "rigged"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad mode: status = %d, want 400", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPI(t)

	if w := f.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/readyz", "", nil); w.Code != http.StatusOK {
		t.Errorf("readyz: status = %d, want 200", w.Code)
	}
}
