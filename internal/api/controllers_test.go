package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/positions"
	"execution-core/pkg/db"
)

const testSecret = "test-secret"

type testEnv struct {
	ts      *httptest.Server
	db      *db.Database
	tracker *positions.Tracker
	bus     *events.Bus
	alerts  *monitor.Recent
	metrics *monitor.Metrics
	token   string
}

func newTestAPIServer(t *testing.T, secret string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	tracker, err := positions.New(filepath.Join(t.TempDir(), "open_positions.json"), positions.DefaultLevels(), zerolog.Nop())
	require.NoError(t, err)

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	alerts := monitor.NewRecent(10)

	server := NewServer(Deps{
		Bus:        bus,
		Positions:  tracker,
		Ledger:     database.ChildOrders(),
		Executions: database.Executions(),
		Runs:       database.Audit(),
		Metrics:    metrics,
		Alerts:     alerts,
	}, SystemMeta{Mode: "paper", ExecutionMode: "paper", Venue: "paper", Version: "test"}, secret, zerolog.Nop())

	ts := httptest.NewServer(server.Router)
	t.Cleanup(ts.Close)

	env := &testEnv{ts: ts, db: database, tracker: tracker, bus: bus, alerts: alerts, metrics: metrics}
	if secret != "" {
		env.token, _, err = GenerateToken("operator", secret, time.Hour)
		require.NoError(t, err)
	}
	return env
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+path, nil)
	require.NoError(t, err)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	env := newTestAPIServer(t, testSecret)

	cases := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "MISSING_TOKEN"},
		{"wrong scheme", "Basic abc", "INVALID_AUTH_HEADER"},
		{"bad token", "Bearer not-a-jwt", "INVALID_TOKEN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/status", nil)
			require.NoError(t, err)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := env.ts.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, tc.code, body.Code)
		})
	}

	t.Run("foreign secret", func(t *testing.T) {
		other, _, err := GenerateToken("operator", "other-secret", time.Hour)
		require.NoError(t, err)
		resp, err := env.ts.Client().Get(env.ts.URL + "/api/status?token=" + other)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	var status map[string]any
	assert.Equal(t, http.StatusOK, env.get(t, "/api/status", &status))
	assert.Contains(t, status, "meta")
	assert.EqualValues(t, 0, status["open_positions"])
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	client := env.ts.Client()

	resp, err := client.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	env.metrics.ObserveEvent(events.Message{
		Event:   events.EventNakedPosition,
		Time:    time.Now(),
		Payload: events.NakedPosition{EntryID: "E1", Symbol: "BTC/USD"},
	})
	resp, err = client.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "execution_naked_position_alerts_total 1")
}

func TestPositionsEndpoints(t *testing.T) {
	env := newTestAPIServer(t, "")

	var missing errorBody
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/positions/BTC-USD", &missing))
	assert.Equal(t, "POSITION_NOT_FOUND", missing.Code)

	_, err := env.tracker.AddPosition(positions.NewPosition{Symbol: "ETH/USD", EntryPrice: 3000, Quantity: 1})
	require.NoError(t, err)
	_, err = env.tracker.AddPosition(positions.NewPosition{Symbol: "BTC/USD", EntryPrice: 50000, Quantity: 0.01, Volatility: 500})
	require.NoError(t, err)

	var list struct {
		Positions []positions.Position `json:"positions"`
		Count     int                  `json:"count"`
	}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/positions", &list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "BTC/USD", list.Positions[0].Symbol)
	assert.Equal(t, "ETH/USD", list.Positions[1].Symbol)

	for _, path := range []string{"/api/positions/BTC-USD", "/api/positions/btcusd"} {
		var p positions.Position
		assert.Equal(t, http.StatusOK, env.get(t, path, &p), path)
		assert.Equal(t, 49000.0, p.StopPrice, path)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC-USD": "BTC/USD",
		"btcusd":  "BTC/USD",
		"ethusdt": "ETH/USDT",
		"SOL/EUR": "SOL/EUR",
		"xbt":     "XBT",
		"adaeur":  "ADA/EUR",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeSymbol(in), in)
	}
}

func TestPendingOrdersFilter(t *testing.T) {
	env := newTestAPIServer(t, "")
	ctx := context.Background()
	ledger := env.db.ChildOrders()

	require.NoError(t, ledger.Upsert(ctx, db.ChildOrder{
		OrderID: "E1", OrderType: db.OrderTypeEntry, Symbol: "BTC/USD", Side: "buy",
		Quantity: 0.01, Price: 50000, Mode: "paper", Status: db.StatusPending,
	}))
	require.NoError(t, ledger.Upsert(ctx, db.ChildOrder{
		OrderID: "S1", OrderType: db.OrderTypeStop, ParentOrderID: "E1", Symbol: "BTC/USD", Side: "sell",
		Quantity: 0.01, StopPrice: 49000, Mode: "paper", Status: db.StatusPending,
	}))

	var all struct {
		Orders []db.ChildOrder `json:"orders"`
		Count  int             `json:"count"`
	}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/orders/pending", &all))
	assert.Equal(t, 2, all.Count)

	var stops struct {
		Orders []db.ChildOrder `json:"orders"`
		Count  int             `json:"count"`
	}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/orders/pending?type=stop", &stops))
	require.Equal(t, 1, stops.Count)
	assert.Equal(t, "S1", stops.Orders[0].OrderID)
}

func TestExecutionsLimitValidation(t *testing.T) {
	env := newTestAPIServer(t, "")
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		_, err := env.db.Executions().Insert(ctx, db.ExecutedOrder{
			OrderID: id, Kind: db.KindEntry, Symbol: "BTC/USD", Side: "buy",
			Quantity: 0.01, Price: 50000, Mode: "paper", Source: "test", ExecutedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	for _, bad := range []string{"0", "-1", "1001", "abc"} {
		var body errorBody
		assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/executions?limit="+bad, &body), bad)
		assert.Equal(t, "INVALID_LIMIT", body.Code, bad)
	}

	var out struct {
		Executions []db.ExecutedOrder `json:"executions"`
		Count      int                `json:"count"`
	}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/executions?limit=2", &out))
	assert.Equal(t, 2, out.Count)
}

func TestLastReconciliationFallsBackToAudit(t *testing.T) {
	env := newTestAPIServer(t, "")

	var none errorBody
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/reconciliation/last", &none))
	assert.Equal(t, "NO_RUNS", none.Code)

	require.NoError(t, env.db.Audit().InsertRun(context.Background(), db.ReconciliationRun{
		ID: "run-1", Cycle: 4, StartedAt: time.Now(), DurationMs: 12, ErrorCount: 1,
		Summary: `{"cycle":4,"errors":["venue down"]}`,
	}))

	var body struct {
		Source  string               `json:"source"`
		Run     db.ReconciliationRun `json:"run"`
		Summary struct {
			Cycle  int64    `json:"cycle"`
			Errors []string `json:"errors"`
		} `json:"summary"`
	}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/reconciliation/last", &body))
	assert.Equal(t, "audit", body.Source)
	assert.Equal(t, "run-1", body.Run.ID)
	assert.EqualValues(t, 4, body.Summary.Cycle)
	assert.Equal(t, []string{"venue down"}, body.Summary.Errors)
}

func TestStatusIncludesAlerts(t *testing.T) {
	env := newTestAPIServer(t, "")
	require.NoError(t, env.alerts.Send(monitor.Alert{
		Time: time.Now(), Severity: monitor.SeverityCritical, Kind: "NAKED_POSITION", Symbol: "BTC/USD",
	}))

	var status struct {
		Alerts []monitor.Alert `json:"alerts"`
	}
	assert.Equal(t, http.StatusOK, env.get(t, "/api/status", &status))
	require.Len(t, status.Alerts, 1)
	assert.Equal(t, "NAKED_POSITION", status.Alerts[0].Kind)
}

func TestWebsocketStreamsBusEvents(t *testing.T) {
	env := newTestAPIServer(t, testSecret)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?token=" + env.token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// The server subscribes after the upgrade; publish until the stream sees it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				env.bus.Publish(events.EventOCOCancelled, events.OCOCancelled{EntryID: "E1", CancelledID: "S1", Symbol: "BTC/USD"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.EventOCOCancelled), msg.Event)
	assert.Equal(t, "BTC/USD", msg.Payload["symbol"])
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	env := newTestAPIServer(t, testSecret)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
