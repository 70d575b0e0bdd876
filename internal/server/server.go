// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tradewell/escrowd/internal/bindings"
	"github.com/tradewell/escrowd/internal/chains"
	"github.com/tradewell/escrowd/internal/config"
	"github.com/tradewell/escrowd/internal/executor"
	"github.com/tradewell/escrowd/internal/health"
	"github.com/tradewell/escrowd/internal/logging"
	"github.com/tradewell/escrowd/internal/metrics"
	"github.com/tradewell/escrowd/internal/orchestrator"
	"github.com/tradewell/escrowd/internal/payments"
	"github.com/tradewell/escrowd/internal/ratelimit"
	"github.com/tradewell/escrowd/internal/realtime"
	"github.com/tradewell/escrowd/internal/reputation"
	"github.com/tradewell/escrowd/internal/roles"
	"github.com/tradewell/escrowd/internal/security"
	"github.com/tradewell/escrowd/internal/sidefx"
	"github.com/tradewell/escrowd/internal/tokenconfig"
	"github.com/tradewell/escrowd/internal/trade"
	"github.com/tradewell/escrowd/internal/validation"
	"github.com/tradewell/escrowd/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	conn       *wallet.Conn
	network    chains.Network
	contract   *bindings.Contract
	configs    *tokenconfig.Resolver
	store      trade.Store
	orch       *orchestrator.Orchestrator
	reconciler *orchestrator.Reconciler
	reputation *reputation.Service
	rolesAdmin *roles.Admin
	hub        *realtime.Hub
	effectsQ   *sidefx.Queue
	health     *health.Registry
	rateLimit  *ratelimit.Limiter
	db         *sql.DB // nil if using in-memory
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithConn injects a pre-built chain connection (for testing)
func WithConn(conn *wallet.Conn) Option {
	return func(s *Server) {
		s.conn = conn
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set conn/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Resolve the chain deployment
	network, err := chains.Get(cfg.ChainID)
	if err != nil {
		return nil, err
	}
	if cfg.RPCURL != "" {
		network = chains.WithRPCOverride(network, cfg.RPCURL)
	}
	if cfg.EscrowContract != "" {
		network.EscrowAddr = common.HexToAddress(cfg.EscrowContract)
	}
	s.network = network

	// Connect the signing wallet if not injected
	if s.conn == nil {
		conn, err := wallet.Connect(network, cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to connect wallet: %w", err)
		}
		s.conn = conn
	}

	// Typed handle on the escrow contract
	contract, err := bindings.New(network.EscrowAddr, s.conn.Client())
	if err != nil {
		return nil, fmt.Errorf("failed to bind escrow contract: %w", err)
	}
	s.contract = contract

	// Token config cache backed by the contract
	s.configs = tokenconfig.New(network.ChainID, contract)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = trade.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = trade.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Pre-flight executor for balance/allowance checks and approvals
	preflight, err := executor.New(s.conn.Client(), s.conn, s.logger,
		executor.WithConfirmTimeout(cfg.ConfirmationTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	// Role resolution (arbiter lookups hit the contract, cached)
	caps := roles.NewResolver(contract)
	s.rolesAdmin = roles.NewAdmin(contract, s.conn, caps, cfg.ConfirmationTimeout)

	// Realtime hub and the side-effect queue feeding it
	s.hub = realtime.NewHub(s.logger)
	s.effectsQ = sidefx.NewQueue(s.logger)
	s.reputation = reputation.NewService(s.store, s.logger)

	// Lifecycle orchestrator
	s.orch = orchestrator.New(
		s.store,
		contract,
		s.configs,
		preflight,
		s.conn,
		network,
		caps,
		s.logger,
		orchestrator.WithConfirmTimeout(cfg.ConfirmationTimeout),
		orchestrator.WithEffects(&queuedEffects{
			queue:      s.effectsQ,
			hub:        s.hub,
			reputation: s.reputation,
		}),
	)

	// Background reconciliation against chain state
	s.reconciler = orchestrator.NewReconciler(s.orch, s.store, cfg.ReconcileInterval, s.logger)

	// Health checkers
	s.health.Register("rpc", 5*time.Second, func(ctx context.Context) error {
		_, err := s.conn.NativeBalance(ctx)
		return err
	})
	if s.db != nil {
		s.health.Register("database", 3*time.Second, func(ctx context.Context) error {
			return s.db.PingContext(ctx)
		})
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for testnet - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimit = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimit.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time trade events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info endpoints
	s.router.GET("/api", s.infoHandler)
	s.router.GET("/wallet", s.walletInfoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	// Trade records
	tradeHandler := trade.NewHandler(s.store)
	if s.cfg.StripeAPIKey != "" {
		tradeHandler = tradeHandler.WithEvidenceVerifier(
			payments.NewStripeVerifier(s.cfg.StripeAPIKey, s.logger))
		s.logger.Info("payment evidence verification enabled")
	}
	tradeHandler.RegisterRoutes(v1)

	// Escrow lifecycle operations
	orchestrator.NewHandler(s.orch).RegisterRoutes(v1)

	// Party trade-history stats
	reputation.NewHandler(s.reputation).RegisterRoutes(v1)

	// Token config inspection
	v1.GET("/tokens/:symbol/config", s.tokenConfigHandler)

	// Arbiter role administration. Guarded by a shared secret so the
	// platform operator can manage arbiters without a full auth layer.
	if s.cfg.AdminSecret != "" {
		admin := v1.Group("/admin")
		admin.Use(s.requireAdmin())
		admin.POST("/arbiters", s.grantArbiterHandler)
		admin.DELETE("/arbiters/:address", s.revokeArbiterHandler)
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Escrow lifecycle orchestration for P2P trades",
		"version":     "0.1.0",
		"chain":       s.network.Name,
		"chainId":     s.network.ChainID,
		"contract":    s.network.EscrowAddr.Hex(),
	})
}

func (s *Server) walletInfoHandler(c *gin.Context) {
	ctx := c.Request.Context()

	balance, err := s.conn.NativeBalance(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to get balance", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve wallet balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":    s.conn.Address().Hex(),
		"balanceWei": balance.String(),
		"chain":      s.network.Name,
		"chainId":    s.network.ChainID,
	})
}

// tokenConfigHandler returns the current listing parameters for a token
func (s *Server) tokenConfigHandler(c *gin.Context) {
	symbol := c.Param("symbol")
	cfg := s.configs.Get(c.Request.Context(), s.network.ChainID, symbol)
	if cfg.ConfigUnavailable {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "config_unavailable",
			"message": "Token configuration could not be read from chain",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "config": cfg})
}

type arbiterRequest struct {
	Address string `json:"address" binding:"required"`
}

func (s *Server) grantArbiterHandler(c *gin.Context) {
	var req arbiterRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	txHash, err := s.rolesAdmin.GrantArbiter(c.Request.Context(), common.HexToAddress(req.Address))
	if err != nil {
		logging.L(c.Request.Context()).Error("grant arbiter failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"address": req.Address, "txHash": txHash})
}

func (s *Server) revokeArbiterHandler(c *gin.Context) {
	addr := c.Param("address")
	if !validation.IsValidEthAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	txHash, err := s.rolesAdmin.RevokeArbiter(c.Request.Context(), common.HexToAddress(addr))
	if err != nil {
		logging.L(c.Request.Context()).Error("revoke arbiter failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"address": addr, "txHash": txHash})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"wallet", s.conn.Address().Hex(),
			"chain", s.network.Name,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start side-effect worker
	go s.effectsQ.Start(runCtx)

	// Start chain reconciliation sweep
	go s.reconciler.Start(runCtx)

	// Periodic DB pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, queue, reconciler)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop reconciler
	if s.reconciler != nil {
		s.reconciler.Stop()
		s.logger.Info("reconciler stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimit != nil {
		s.rateLimit.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close wallet connection
	if err := s.conn.Close(); err != nil {
		s.logger.Error("wallet close error", "error", err)
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Side-effect adapter
// -----------------------------------------------------------------------------

// queuedEffects delivers orchestrator side effects through the worker queue:
// trade broadcasts to WebSocket clients and reputation recomputes.
type queuedEffects struct {
	queue      *sidefx.Queue
	hub        *realtime.Hub
	reputation *reputation.Service
}

func (e *queuedEffects) TradeUpdated(t *trade.Trade) {
	snapshot := *t
	e.queue.Enqueue("broadcast_trade", func(ctx context.Context) error {
		e.hub.BroadcastTrade(&snapshot)
		return nil
	})
}

func (e *queuedEffects) RecomputeReputation(addr string) {
	e.queue.Enqueue("recompute_reputation", func(ctx context.Context) error {
		_, err := e.reputation.Recompute(ctx, addr)
		return err
	})
}
