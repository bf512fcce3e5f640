package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/api"
	"github.com/atlas-desktop/trading-backend/internal/breaker"
	"github.com/atlas-desktop/trading-backend/internal/correlation"
	"github.com/atlas-desktop/trading-backend/internal/persistence"
	"github.com/atlas-desktop/trading-backend/internal/position"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func buildTestServer(t *testing.T) *api.Server {
	t.Helper()
	logger := zap.NewNop()

	cfg := &types.ServerConfig{
		Host: "127.0.0.1", Port: 0, WebSocketPath: "/ws",
		EnableMetrics: true, MetricsPath: "/metrics",
	}

	return api.NewServer(logger, cfg, api.Deps{
		Store:       persistence.NewMemoryStore(),
		Book:        position.NewBook(),
		Registry:    strategy.NewRegistry(logger),
		Breaker:     breaker.NewManager(logger),
		Risk:        risk.NewManager(types.DefaultRiskLimitsConfig(), logger),
		Correlation: correlation.NewManager(types.DefaultCorrelationConfig(), logger),
		Gatherer:    prometheus.NewRegistry(),
	})
}

func TestHealthReturnsHealthyStatus(t *testing.T) {
	server := buildTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusReportsTradingAllowedAndLimits(t *testing.T) {
	server := buildTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["trading_allowed"])
	assert.Equal(t, false, body["emergency_stop"])
}

func TestKillSwitchTripsAndClearsEmergencyStop(t *testing.T) {
	server := buildTestServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/kill", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	statusRec := httptest.NewRecorder()
	server.Handler().ServeHTTP(statusRec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	var afterKill map[string]interface{}
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &afterKill))
	assert.Equal(t, true, afterKill["emergency_stop"])

	clearRec := httptest.NewRecorder()
	server.Handler().ServeHTTP(clearRec, httptest.NewRequest(http.MethodPost, "/api/v1/kill/clear", nil))
	require.Equal(t, http.StatusOK, clearRec.Code)

	statusRec2 := httptest.NewRecorder()
	server.Handler().ServeHTTP(statusRec2, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	var afterClear map[string]interface{}
	require.NoError(t, json.Unmarshal(statusRec2.Body.Bytes(), &afterClear))
	assert.Equal(t, false, afterClear["emergency_stop"])
}

func TestTradesEndpointReturnsPersistedTrades(t *testing.T) {
	store := persistence.NewMemoryStore()
	logger := zap.NewNop()
	cfg := &types.ServerConfig{Host: "127.0.0.1", Port: 0, WebSocketPath: "/ws"}
	server := api.NewServer(logger, cfg, api.Deps{
		Store:       store,
		Book:        position.NewBook(),
		Registry:    strategy.NewRegistry(logger),
		Breaker:     breaker.NewManager(logger),
		Risk:        risk.NewManager(types.DefaultRiskLimitsConfig(), logger),
		Correlation: correlation.NewManager(types.DefaultCorrelationConfig(), logger),
		Gatherer:    prometheus.NewRegistry(),
	})

	require.NoError(t, store.SaveTrade(context.Background(), types.Trade{
		ID: "t1", StrategyID: "momentum_5m", TokenAddress: "TOKEN1",
		Symbol: "TOKEN1", Side: types.SideLong, Quantity: decimal.NewFromInt(1),
		Price: decimal.NewFromInt(2), Timestamp: time.Now(),
	}))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/trades/momentum_5m", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Trades []types.Trade `json:"trades"`
		Count  int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "t1", body.Trades[0].ID)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	server := buildTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
