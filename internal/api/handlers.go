package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"quantback/internal/backtest"
	apperrors "quantback/internal/errors"
	"quantback/internal/factor"
)

// respond writes the success envelope shared with the remote executor
// contract.
func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// respondError maps an error to its HTTP status and writes the failure
// envelope.
func respondError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.NewAppError(apperrors.ErrCodeInternal, err.Error(), err)
	}
	c.JSON(appErr.HTTPStatus(), gin.H{
		"success": false,
		"message": appErr.Message,
		"error":   appErr,
	})
}

// BacktestHandler serves the backtest endpoints.
type BacktestHandler struct {
	service *backtest.Service
}

func NewBacktestHandler(service *backtest.Service) *BacktestHandler {
	return &BacktestHandler{service: service}
}

// Run executes a backtest. With ?async=true the run ID is returned
// immediately and progress streams over the websocket endpoint.
func (h *BacktestHandler) Run(c *gin.Context) {
	var req backtest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid backtest request"))
		return
	}

	if c.Query("async") == "true" {
		id, err := h.service.StartBacktest(&req)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusAccepted, gin.H{"id": id})
		return
	}

	result, err := h.service.RunBacktest(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

// RunBatch sweeps a parameter grid.
func (h *BacktestHandler) RunBatch(c *gin.Context) {
	var req backtest.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid batch request"))
		return
	}

	results, err := h.service.RunBatchBacktest(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, results)
}

type scheduleRequest struct {
	Cron  string                `json:"cron" binding:"required"`
	Batch backtest.BatchRequest `json:"batch"`
}

// Schedule registers a recurring batch run.
func (h *BacktestHandler) Schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid schedule request"))
		return
	}

	entryID, err := h.service.ScheduleBatch(req.Cron, &req.Batch)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"entry_id": entryID})
}

// ListResults returns all completed runs, newest first.
func (h *BacktestHandler) ListResults(c *gin.Context) {
	respond(c, http.StatusOK, h.service.ListResults())
}

// GetResult returns one run by ID.
func (h *BacktestHandler) GetResult(c *gin.Context) {
	result, ok := h.service.GetResult(c.Param("id"))
	if !ok {
		respondError(c, apperrors.NewAppError(apperrors.ErrCodeNotFound, "backtest result not found", nil))
		return
	}
	respond(c, http.StatusOK, result)
}

// DeleteResult removes a run from history.
func (h *BacktestHandler) DeleteResult(c *gin.Context) {
	if !h.service.DeleteResult(c.Param("id")) {
		respondError(c, apperrors.NewAppError(apperrors.ErrCodeNotFound, "backtest result not found", nil))
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

// Compare ranks runs given as ?ids=a,b,c.
func (h *BacktestHandler) Compare(c *gin.Context) {
	raw := c.Query("ids")
	if raw == "" {
		respondError(c, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "ids query parameter is required", nil))
		return
	}

	cmp, err := h.service.CompareResults(strings.Split(raw, ","))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, cmp)
}

// Templates lists the predefined strategy templates.
func (h *BacktestHandler) Templates(c *gin.Context) {
	respond(c, http.StatusOK, h.service.Templates())
}

// FactorHandler serves the factor endpoints.
type FactorHandler struct {
	manager *factor.Manager
}

func NewFactorHandler(manager *factor.Manager) *FactorHandler {
	return &FactorHandler{manager: manager}
}

func (h *FactorHandler) unavailable(c *gin.Context) bool {
	if h.manager == nil {
		respondError(c, apperrors.NewAppError(apperrors.ErrCodeDataUnavailable,
			"factor engine unavailable without a market data source", nil))
		return true
	}
	return false
}

// List returns available factor names grouped by type.
func (h *FactorHandler) List(c *gin.Context) {
	if h.unavailable(c) {
		return
	}
	respond(c, http.StatusOK, gin.H{
		"factors":  h.manager.AvailableFactors(),
		"defaults": factor.DefaultConfigs(),
	})
}

type calculateRequest struct {
	Symbol    string          `json:"symbol"`
	Symbols   []string        `json:"symbols"`
	StartDate string          `json:"start_date" binding:"required"`
	EndDate   string          `json:"end_date" binding:"required"`
	Configs   []factor.Config `json:"configs"`
}

// Calculate computes factor matrices for one or more symbols.
func (h *FactorHandler) Calculate(c *gin.Context) {
	if h.unavailable(c) {
		return
	}

	var req calculateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid factor request"))
		return
	}

	if req.Symbol != "" {
		matrix, err := h.manager.ComputeMatrix(c.Request.Context(), req.Symbol, req.StartDate, req.EndDate, req.Configs)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, matrix)
		return
	}

	if len(req.Symbols) == 0 {
		respondError(c, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "symbol or symbols is required", nil))
		return
	}

	matrices, err := h.manager.ComputeBatch(c.Request.Context(), req.Symbols, req.StartDate, req.EndDate, req.Configs)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, matrices)
}

// ClearCache drops cached factor values for a symbol.
func (h *FactorHandler) ClearCache(c *gin.Context) {
	if h.unavailable(c) {
		return
	}
	if err := h.manager.ClearCache(c.Request.Context(), c.Param("symbol")); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"cleared": true})
}
