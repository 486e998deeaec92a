package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"teleglas-pro/internal/database"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeStore implements Storage for handler tests without a database.
type fakeStore struct {
	recent       []database.SignalRecord
	bySymbol     []database.SignalRecord
	stats        database.SignalStats
	typeStats    []database.TypeStats
	signalsCSV   string
	baselinesCSV string
	err          error

	lastLimit  int
	lastSymbol string
}

func (f *fakeStore) RecentSignals(ctx context.Context, limit int) ([]database.SignalRecord, error) {
	f.lastLimit = limit
	return f.recent, f.err
}

func (f *fakeStore) SignalsBySymbol(ctx context.Context, symbol string, limit int) ([]database.SignalRecord, error) {
	f.lastSymbol = symbol
	f.lastLimit = limit
	return f.bySymbol, f.err
}

func (f *fakeStore) SignalStats(ctx context.Context) (database.SignalStats, error) {
	return f.stats, f.err
}

func (f *fakeStore) SignalStatsByType(ctx context.Context) ([]database.TypeStats, error) {
	return f.typeStats, f.err
}

func (f *fakeStore) ExportSignalsCSV(ctx context.Context, limit int) (string, error) {
	f.lastLimit = limit
	return f.signalsCSV, f.err
}

func (f *fakeStore) ExportBaselinesCSV(ctx context.Context, symbol string) (string, error) {
	f.lastSymbol = symbol
	return f.baselinesCSV, f.err
}

type serverFixture struct {
	server *Server
	bridge *Bridge
}

func newTestServer(token string, store Storage) *serverFixture {
	bridge := NewBridge(zerolog.Nop())
	config := ServerConfig{Host: "127.0.0.1", Port: 8080, APIToken: token}
	return &serverFixture{
		server: NewServer(config, bridge, store, zerolog.Nop()),
		bridge: bridge,
	}
}

func (f *serverFixture) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	return body
}

// TestDashboardHealth tests the unauthenticated health endpoint.
func TestDashboardHealth(t *testing.T) {
	f := newTestServer("", nil)
	f.bridge.InitializeCoins([]string{"BTCUSDT", "ETHUSDT"})

	w := f.do(http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", body["status"])
	}
	if body["coins_tracked"] != float64(2) {
		t.Errorf("Expected 2 tracked coins, got %v", body["coins_tracked"])
	}
}

// TestDashboardAuth tests the bearer-token gate on mutating endpoints.
func TestDashboardAuth(t *testing.T) {
	f := newTestServer("secret-token", nil)

	w := f.do(http.MethodPost, "/api/coins/add", "", map[string]string{"symbol": "BTC"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without a token, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "Missing token" {
		t.Errorf("Expected 'Missing token', got '%v'", body["error"])
	}

	w = f.do(http.MethodPost, "/api/coins/add", "wrong-token", map[string]string{"symbol": "BTC"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 with a bad token, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "Invalid token" {
		t.Errorf("Expected 'Invalid token', got '%v'", body["error"])
	}

	w = f.do(http.MethodPost, "/api/coins/add", "secret-token", map[string]string{"symbol": "BTC"})
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 with the right token, got %d", w.Code)
	}
}

// TestDashboardAuthDisabled tests that an empty token disables the
// gate.
func TestDashboardAuthDisabled(t *testing.T) {
	f := newTestServer("", nil)

	w := f.do(http.MethodPost, "/api/coins/add", "", map[string]string{"symbol": "BTC"})
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 without auth configured, got %d", w.Code)
	}
}

// TestAddCoinNormalization tests quote-suffix stripping and base
// validation.
func TestAddCoinNormalization(t *testing.T) {
	f := newTestServer("", nil)

	cases := []struct {
		input string
		want  string
	}{
		{"btc", "BTCUSDT"},
		{"ETHUSDT", "ETHUSDT"},
		{"solusd", "SOLUSDT"},
		{"dogebusd", "DOGEUSDT"},
	}
	for _, tc := range cases {
		w := f.do(http.MethodPost, "/api/coins/add", "", map[string]string{"symbol": tc.input})
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200 for %q, got %d: %s", tc.input, w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		coin, _ := body["coin"].(map[string]interface{})
		if coin["symbol"] != tc.want {
			t.Errorf("Expected %q to normalize to %s, got %v", tc.input, tc.want, coin["symbol"])
		}
	}

	for _, bad := range []string{"", "b!c", "waytoolongbasesymbol"} {
		w := f.do(http.MethodPost, "/api/coins/add", "", map[string]string{"symbol": bad})
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400 for %q, got %d", bad, w.Code)
		}
	}
}

// TestAddCoinDuplicate tests the already-monitored rejection.
func TestAddCoinDuplicate(t *testing.T) {
	f := newTestServer("", nil)

	if w := f.do(http.MethodPost, "/api/coins/add", "", map[string]string{"symbol": "BTC"}); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on first add, got %d", w.Code)
	}
	w := f.do(http.MethodPost, "/api/coins/add", "", map[string]string{"symbol": "BTCUSDT"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400 on duplicate, got %d", w.Code)
	}
	if body := decodeBody(t, w); !strings.Contains(body["error"].(string), "already monitored") {
		t.Errorf("Expected duplicate error, got '%v'", body["error"])
	}
}

// TestToggleAndRemoveCoin tests the remaining coin mutations.
func TestToggleAndRemoveCoin(t *testing.T) {
	f := newTestServer("", nil)
	f.bridge.InitializeCoins([]string{"BTCUSDT"})

	w := f.do(http.MethodPatch, "/api/coins/BTCUSDT/toggle", "", map[string]bool{"active": false})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if f.bridge.IsActive("BTCUSDT") {
		t.Error("Expected the coin to be paused")
	}

	w = f.do(http.MethodPatch, "/api/coins/XRPUSDT/toggle", "", map[string]bool{"active": true})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for an unknown coin, got %d", w.Code)
	}

	w = f.do(http.MethodDelete, "/api/coins/remove/BTCUSDT", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if f.bridge.CoinCount() != 0 {
		t.Errorf("Expected 0 coins after removal, got %d", f.bridge.CoinCount())
	}
}

// TestSignalsEndpoint tests the in-memory signal feed with a limit.
func TestSignalsEndpoint(t *testing.T) {
	f := newTestServer("", nil)
	for i := 0; i < 3; i++ {
		f.bridge.AddSignal(testTradingSignal(fmt.Sprintf("SYM%d", i)))
	}

	w := f.do(http.MethodGet, "/api/signals?limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	list, _ := body["signals"].([]interface{})
	if len(list) != 2 {
		t.Fatalf("Expected 2 signals, got %d", len(list))
	}
	first, _ := list[0].(map[string]interface{})
	if first["id"] != float64(3) {
		t.Errorf("Expected newest signal first, got id %v", first["id"])
	}
}

// TestOrderFlowEndpoint tests the placeholder for unknown symbols and
// symbol validation.
func TestOrderFlowEndpoint(t *testing.T) {
	f := newTestServer("", nil)

	w := f.do(http.MethodGet, "/api/orderflow/BTCUSDT", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["symbol"] != "BTCUSDT" || body["last_update"] != "N/A" {
		t.Errorf("Expected an N/A placeholder, got %v", body)
	}

	w = f.do(http.MethodGet, "/api/orderflow/b!c", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for an invalid symbol, got %d", w.Code)
	}
}

// TestStoreEndpointsWithoutDatabase tests the 503 guard when no store
// is wired.
func TestStoreEndpointsWithoutDatabase(t *testing.T) {
	f := newTestServer("", nil)

	for _, path := range []string{
		"/api/export/signals.csv",
		"/api/export/baselines.csv",
		"/api/stats/signals",
		"/api/signals/history",
	} {
		w := f.do(http.MethodGet, path, "", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503 for %s, got %d", path, w.Code)
		}
	}
}

// TestExportSignalsEndpoint tests the CSV download headers and the
// empty case.
func TestExportSignalsEndpoint(t *testing.T) {
	store := &fakeStore{signalsCSV: "id,symbol\nsig-1,BTCUSDT\n"}
	f := newTestServer("", store)

	w := f.do(http.MethodGet, "/api/export/signals.csv", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Expected text/csv, got %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "teleglas_signals.csv") {
		t.Errorf("Expected attachment filename, got %q", cd)
	}
	if store.lastLimit != 5000 {
		t.Errorf("Expected the export cap, got limit %d", store.lastLimit)
	}

	empty := newTestServer("", &fakeStore{})
	w = empty.do(http.MethodGet, "/api/export/signals.csv", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 with nothing to export, got %d", w.Code)
	}
}

// TestExportBaselinesEndpoint tests the symbol filter and filename.
func TestExportBaselinesEndpoint(t *testing.T) {
	store := &fakeStore{baselinesCSV: "symbol,liq_volume\nBTCUSDT,1\n"}
	f := newTestServer("", store)

	w := f.do(http.MethodGet, "/api/export/baselines.csv?symbol=btcusdt", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if store.lastSymbol != "BTCUSDT" {
		t.Errorf("Expected the symbol filter uppercased, got %q", store.lastSymbol)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "teleglas_baselines_BTCUSDT.csv") {
		t.Errorf("Expected symbol in filename, got %q", cd)
	}

	w = f.do(http.MethodGet, "/api/export/baselines.csv?symbol=b!c", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for an invalid symbol, got %d", w.Code)
	}
}

// TestSignalHistoryEndpoint tests limit clamping and symbol routing.
func TestSignalHistoryEndpoint(t *testing.T) {
	outcome := "WIN"
	store := &fakeStore{
		recent:   []database.SignalRecord{{ID: "sig-1", Symbol: "BTCUSDT", Outcome: &outcome}},
		bySymbol: []database.SignalRecord{{ID: "sig-2", Symbol: "ETHUSDT"}},
	}
	f := newTestServer("", store)

	w := f.do(http.MethodGet, "/api/signals/history?limit=99999", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if store.lastLimit != 5000 {
		t.Errorf("Expected limit clamped to 5000, got %d", store.lastLimit)
	}
	body := decodeBody(t, w)
	list, _ := body["signals"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("Expected 1 signal, got %d", len(list))
	}

	w = f.do(http.MethodGet, "/api/signals/history?symbol=ethusdt", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if store.lastSymbol != "ETHUSDT" {
		t.Errorf("Expected symbol routing, got %q", store.lastSymbol)
	}

	nilStore := &fakeStore{}
	f = newTestServer("", nilStore)
	w = f.do(http.MethodGet, "/api/signals/history", "", nil)
	if !strings.Contains(w.Body.String(), `"signals":[]`) {
		t.Errorf("Expected an empty array, got %s", w.Body.String())
	}
}

// TestSignalStatsEndpoint tests the combined overall/by-type payload.
func TestSignalStatsEndpoint(t *testing.T) {
	store := &fakeStore{
		stats:     database.SignalStats{Total: 10, Wins: 6, Losses: 3, Pending: 1},
		typeStats: []database.TypeStats{{SignalType: "stop_hunt", Total: 7, Wins: 5}},
	}
	f := newTestServer("", store)

	w := f.do(http.MethodGet, "/api/stats/signals", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	overall, _ := body["overall"].(map[string]interface{})
	if overall["total"] != float64(10) || overall["wins"] != float64(6) {
		t.Errorf("Expected overall stats, got %v", overall)
	}
	byType, _ := body["by_type"].([]interface{})
	if len(byType) != 1 {
		t.Errorf("Expected 1 type row, got %v", byType)
	}
}

// TestRateLimitExceeded tests the per-IP request budget.
func TestRateLimitExceeded(t *testing.T) {
	f := newTestServer("", nil)

	for i := 0; i < 30; i++ {
		if w := f.do(http.MethodGet, "/api/stats", "", nil); w.Code != http.StatusOK {
			t.Fatalf("Expected status 200 on request %d, got %d", i+1, w.Code)
		}
	}
	w := f.do(http.MethodGet, "/api/stats", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429 over the budget, got %d", w.Code)
	}
}

// TestIndexTokenInjection tests the meta tag the dashboard JS reads.
func TestIndexTokenInjection(t *testing.T) {
	f := newTestServer("secret-token", nil)

	w := f.do(http.MethodGet, "/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `<meta name="api-token" content="secret-token">`) {
		t.Error("Expected the token meta tag in the page")
	}

	open := newTestServer("", nil)
	w = open.do(http.MethodGet, "/", "", nil)
	if strings.Contains(w.Body.String(), "api-token") {
		t.Error("Expected no token meta tag without auth")
	}
}
