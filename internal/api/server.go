// Package api exposes the backtest and factor services over HTTP and
// websocket in the shape the frontend client expects.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"quantback/internal/backtest"
	"quantback/internal/cache"
	"quantback/internal/config"
	"quantback/internal/database"
	"quantback/internal/factor"
	"quantback/internal/logger"
	"quantback/internal/market"
	"quantback/internal/monitoring"
)

// Server is the HTTP API server.
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	log        logger.Logger

	db      *database.DB
	cacher  cache.Cacher
	metrics *monitoring.Metrics

	backtests *backtest.Service
	factors   *factor.Manager

	handlers *Handlers
}

// Handlers groups the route handlers.
type Handlers struct {
	Backtest  *BacktestHandler
	Factor    *FactorHandler
	WebSocket *WebSocketHandler
}

// NewServer wires the full service stack. Database and Redis are
// optional: when either is unreachable the server starts degraded and
// the affected endpoints report data unavailability.
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	log := logger.GetGlobalLogger()
	router := gin.New()

	db, err := database.NewConnection(&database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxOpen:  cfg.Database.MaxOpen,
		MaxIdle:  cfg.Database.MaxIdle,
		Timeout:  cfg.Database.Timeout,
	})
	if err != nil {
		log.Warn("database unavailable, starting without market data", "error", err)
		db = nil
	}

	cacher, err := cache.NewCacher(&cache.Config{
		Enabled:  cfg.Redis.Enabled,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		log.Warn("cache unavailable, continuing without one", "error", err)
		cacher = nil
	}

	metrics := monitoring.NewMetrics()

	var (
		history      market.HistoryProvider
		fundamentals market.FundamentalProvider
		sentiment    market.SentimentProvider
		moneyFlow    market.MoneyFlowProvider
	)
	if db != nil {
		history = market.NewPostgresHistory(db)
		fundamentals = market.NewPostgresFundamentals(db)
		sentiment = market.NewPostgresSentiment(db)
		moneyFlow = market.NewPostgresMoneyFlow(db)
	}

	var factors *factor.Manager
	if history != nil {
		factors = factor.NewManager(
			history,
			market.NewPreprocessor(market.DefaultPreprocessConfig()),
			factor.NewTechnicalEngine(),
			factor.NewFundamentalEngine(fundamentals),
			factor.NewAlternativeEngine(sentiment, moneyFlow, history, cfg.Backtest.Benchmark),
			cacher,
			metrics,
			log,
		)
	}

	remote := backtest.NewRemoteExecutor(cfg.Remote, log)
	backtests := backtest.NewService(cfg.Backtest, history, factors, remote, metrics, log)

	server := &Server{
		config: cfg,
		router: router,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		db:        db,
		cacher:    cacher,
		metrics:   metrics,
		backtests: backtests,
		factors:   factors,
	}

	server.handlers = &Handlers{
		Backtest:  NewBacktestHandler(backtests),
		Factor:    NewFactorHandler(factors),
		WebSocket: NewWebSocketHandler(server.upgrader, backtests, metrics, log),
	}

	server.setupRoutes()
	return server, nil
}

// Service returns the backtest service, mainly for scheduling setup.
func (s *Server) Service() *backtest.Service { return s.backtests }

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogMiddleware(s.log))
	s.router.Use(corsMiddleware())
	s.router.Use(s.metrics.MetricsMiddleware())

	if s.config.Monitoring.PrometheusEnabled {
		s.router.GET(s.config.Monitoring.PrometheusPath, gin.WrapH(monitoring.PrometheusHandler()))
	}

	api := s.router.Group("/api")
	{
		bt := api.Group("/backtest")
		{
			bt.POST("/run", s.handlers.Backtest.Run)
			bt.POST("/batch", s.handlers.Backtest.RunBatch)
			bt.POST("/schedule", s.handlers.Backtest.Schedule)
			bt.GET("/results", s.handlers.Backtest.ListResults)
			bt.GET("/results/:id", s.handlers.Backtest.GetResult)
			bt.DELETE("/results/:id", s.handlers.Backtest.DeleteResult)
			bt.GET("/compare", s.handlers.Backtest.Compare)
			bt.GET("/templates", s.handlers.Backtest.Templates)
		}

		factors := api.Group("/factors")
		{
			factors.GET("", s.handlers.Factor.List)
			factors.POST("/calculate", s.handlers.Factor.Calculate)
			factors.DELETE("/cache/:symbol", s.handlers.Factor.ClearCache)
		}
	}

	s.router.GET("/ws/backtest/:id", s.handlers.WebSocket.BacktestProgress)

	s.router.GET("/health", s.health)
}

func (s *Server) health(c *gin.Context) {
	dbHealth := "unavailable"
	if s.db != nil {
		dbHealth = "ok"
		if err := s.db.HealthCheck(c.Request.Context()); err != nil {
			dbHealth = "error"
		}
	}

	cacheHealth := "unavailable"
	if s.cacher != nil {
		cacheHealth = "ok"
		if rc, ok := s.cacher.(*cache.RedisCache); ok {
			if err := rc.HealthCheck(c.Request.Context()); err != nil {
				cacheHealth = "error"
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.config.App.Version,
		"time":    time.Now().UTC(),
		"services": gin.H{
			"database": dbHealth,
			"cache":    cacheHealth,
		},
	})
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:        s.router,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	s.log.Info("starting API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down, closing infrastructure
// connections.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down API server")

	s.backtests.StopScheduler()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Error("failed to close database", "error", err)
		}
	}
	if s.cacher != nil {
		if err := s.cacher.Close(); err != nil {
			s.log.Error("failed to close cache", "error", err)
		}
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
	}
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogMiddleware(log logger.Logger) gin.HandlerFunc {
	reqLog := logger.NewRequestLogger(log)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		reqLog.LogRequest(c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), map[string]interface{}{
			"client_ip": c.ClientIP(),
		})
	}
}
