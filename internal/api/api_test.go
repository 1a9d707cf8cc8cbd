package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantback/internal/backtest"
	"quantback/internal/config"
	"quantback/internal/market"
)

type stubHistory struct {
	bars map[string][]market.Data
}

func (h *stubHistory) GetDailyBars(_ context.Context, symbol, _, _ string) ([]market.Data, error) {
	if bars, ok := h.bars[symbol]; ok {
		return bars, nil
	}
	return nil, market.ErrDataUnavailable(symbol, "not in fixture")
}

func testBars(symbol string, n int) []market.Data {
	bars := make([]market.Data, 0, n)
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	price := 10.0
	for len(bars) < n {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			bars = append(bars, market.Data{
				Symbol: symbol,
				Date:   day.Format(market.DateLayout),
				Open:   price, High: price * 1.01, Low: price * 0.99, Close: price,
				Volume: 1_000_000,
			})
			price *= 1.001
		}
		day = day.AddDate(0, 0, 1)
	}
	return bars
}

func testService() *backtest.Service {
	history := &stubHistory{bars: map[string][]market.Data{
		"600000": testBars("600000", 80),
	}}
	return backtest.NewService(config.Default().Backtest, history, nil, nil, nil, nil)
}

func testRouter(svc *backtest.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	bt := NewBacktestHandler(svc)
	fh := NewFactorHandler(nil)
	ws := NewWebSocketHandler(websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}, svc, nil, nil)

	api := router.Group("/api")
	api.POST("/backtest/run", bt.Run)
	api.POST("/backtest/batch", bt.RunBatch)
	api.GET("/backtest/results", bt.ListResults)
	api.GET("/backtest/results/:id", bt.GetResult)
	api.DELETE("/backtest/results/:id", bt.DeleteResult)
	api.GET("/backtest/compare", bt.Compare)
	api.GET("/backtest/templates", bt.Templates)
	api.GET("/factors", fh.List)
	api.POST("/factors/calculate", fh.Calculate)
	router.GET("/ws/backtest/:id", ws.BacktestProgress)
	return router
}

func runRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func validRunBody() map[string]interface{} {
	return map[string]interface{}{
		"strategy_type":   "timing",
		"symbols":         []string{"600000"},
		"start_date":      "2024-01-01",
		"end_date":        "2024-12-31",
		"initial_capital": 100000,
	}
}

func TestRunBacktestEndpoint(t *testing.T) {
	svc := testService()
	router := testRouter(svc)

	w := runRequest(router, http.MethodPost, "/api/backtest/run", validRunBody())
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool             `json:"success"`
		Data    *backtest.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Data)
	assert.NotEmpty(t, resp.Data.ID)
	assert.Equal(t, "local", resp.Data.Executor)

	// The run is retrievable and deletable through the API.
	w = runRequest(router, http.MethodGet, "/api/backtest/results/"+resp.Data.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = runRequest(router, http.MethodDelete, "/api/backtest/results/"+resp.Data.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = runRequest(router, http.MethodGet, "/api/backtest/results/"+resp.Data.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunBacktestValidation(t *testing.T) {
	router := testRouter(testService())

	body := validRunBody()
	body["symbols"] = []string{}
	w := runRequest(router, http.MethodPost, "/api/backtest/run", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Message)
}

func TestRunBacktestMalformedBody(t *testing.T) {
	router := testRouter(testService())
	req := httptest.NewRequest(http.MethodPost, "/api/backtest/run", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchEndpoint(t *testing.T) {
	router := testRouter(testService())

	w := runRequest(router, http.MethodPost, "/api/backtest/batch", map[string]interface{}{
		"base": validRunBody(),
		"parameter_grid": map[string][]interface{}{
			"signal_threshold": {0.2, 0.4},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []*backtest.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
}

func TestCompareEndpoint(t *testing.T) {
	svc := testService()
	router := testRouter(svc)

	w := runRequest(router, http.MethodGet, "/api/backtest/compare", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	run := runRequest(router, http.MethodPost, "/api/backtest/run", validRunBody())
	require.Equal(t, http.StatusOK, run.Code)
	var resp struct {
		Data *backtest.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(run.Body.Bytes(), &resp))

	w = runRequest(router, http.MethodGet, "/api/backtest/compare?ids="+resp.Data.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTemplatesEndpoint(t *testing.T) {
	router := testRouter(testService())
	w := runRequest(router, http.MethodGet, "/api/backtest/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []backtest.Template `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 3)
}

func TestFactorEndpointsDegradeWithoutManager(t *testing.T) {
	router := testRouter(testService())

	w := runRequest(router, http.MethodGet, "/api/factors", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = runRequest(router, http.MethodPost, "/api/factors/calculate", map[string]interface{}{
		"symbol":     "600000",
		"start_date": "2024-01-01",
		"end_date":   "2024-06-30",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestWebsocketReplaysFinishedRun(t *testing.T) {
	svc := testService()
	router := testRouter(svc)

	result, err := svc.RunBacktest(context.Background(), &backtest.Request{
		StrategyType:   "timing",
		Symbols:        []string{"600000"},
		StartDate:      "2024-01-01",
		EndDate:        "2024-12-31",
		InitialCapital: 100000,
	})
	require.NoError(t, err)

	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/backtest/" + result.ID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frame backtest.Progress
	require.NoError(t, conn.ReadJSON(&frame))
	assert.True(t, frame.Done)
	assert.InDelta(t, result.FinalValue, frame.Equity, 1e-6)
}
