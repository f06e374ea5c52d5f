// Package server wires the escrow service behind the HTTP API.
package server

import (
	"context"
	"database/sql"
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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tokenbay/nftescrow/internal/assets"
	"github.com/tokenbay/nftescrow/internal/config"
	"github.com/tokenbay/nftescrow/internal/escrow"
	"github.com/tokenbay/nftescrow/internal/fees"
	"github.com/tokenbay/nftescrow/internal/health"
	"github.com/tokenbay/nftescrow/internal/idgen"
	"github.com/tokenbay/nftescrow/internal/logging"
	"github.com/tokenbay/nftescrow/internal/metrics"
	"github.com/tokenbay/nftescrow/internal/payment"
	"github.com/tokenbay/nftescrow/internal/ratelimit"
	"github.com/tokenbay/nftescrow/internal/realtime"
	"github.com/tokenbay/nftescrow/internal/security"
	"github.com/tokenbay/nftescrow/internal/token"
	"github.com/tokenbay/nftescrow/internal/validation"
	"github.com/tokenbay/nftescrow/internal/vrf"
	"github.com/tokenbay/nftescrow/internal/webhooks"
)

// demoCustodyAddress is the custody principal used by the in-process rail
// when no chain signer is configured.
const demoCustodyAddress = "0x000000000000000000000000000000000e5c2027"

// closer is anything holding an external connection the server must release
// on shutdown.
type closer interface {
	Close() error
}

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg           *config.Config
	custodian     assets.Custodian
	rail          payment.Rail
	vault         *payment.VaultRail // nil in chain mode
	tokens        token.Registry
	escrowService *escrow.Service
	feeService    *fees.Service
	realtimeHub   *realtime.Hub
	webhookStore  webhooks.Store
	dispatcher    *webhooks.Dispatcher
	vrfManager    *vrf.Manager // nil unless chain mode with a manager contract
	healthReg     *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	closers       []closer
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCustodian sets a custom asset custodian (for testing).
func WithCustodian(c assets.Custodian) Option {
	return func(s *Server) {
		s.custodian = c
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var escrowStore escrow.Store
	var feeStore fees.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		feeStore = fees.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		escrowStore = escrow.NewMemoryStore()
		feeStore = fees.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Custody, tokens, and the payment rail. Chain mode signs real
	// transactions; otherwise everything settles against in-process books.
	custodyAddr := demoCustodyAddress
	if cfg.ChainEnabled() {
		chainTokens, err := token.NewChainRegistry(token.ChainConfig{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain token registry: %w", err)
		}
		s.tokens = chainTokens
		s.closers = append(s.closers, chainTokens)
		custodyAddr = chainTokens.Address()

		if s.custodian == nil {
			chainCustodian, err := assets.NewChainCustodian(assets.ChainConfig{
				RPCURL:     cfg.RPCURL,
				PrivateKey: cfg.PrivateKey,
				ChainID:    cfg.ChainID,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create chain custodian: %w", err)
			}
			s.custodian = chainCustodian
			s.closers = append(s.closers, chainCustodian)
		}
		s.logger.Info("chain mode enabled", "chainId", cfg.ChainID, "custody", custodyAddr)
	} else {
		memTokens := token.NewMemoryRegistry()
		s.tokens = memTokens
		if s.custodian == nil {
			s.custodian = assets.NewMemoryRegistry(custodyAddr)
		}
		s.logger.Info("in-process custody enabled", "custody", custodyAddr)
	}

	s.vault = payment.NewVaultRail(custodyAddr, s.tokens)
	s.rail = s.vault

	// Fee ledger
	s.feeService = fees.NewService(feeStore, s.rail, cfg.OwnerAddress)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Webhook delivery to registered party endpoints
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore)
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)

	// Escrow engine
	s.escrowService = escrow.NewService(escrowStore, s.custodian, s.rail, s.feeService, cfg.FeeBps).
		WithNotifier(escrow.Notifiers{s.realtimeHub, emitter})
	s.logger.Info("escrow engine enabled", "feeBps", cfg.FeeBps, "owner", cfg.OwnerAddress)

	// Randomness subscription (chain mode only, best-effort)
	if cfg.ChainEnabled() && cfg.VRFManager != "" {
		manager, err := vrf.New(vrf.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
			Manager:    cfg.VRFManager,
		})
		if err != nil {
			s.logger.Warn("failed to create randomness manager, requests disabled", "error", err)
		} else {
			s.vrfManager = manager
			s.escrowService.WithRandomness(manager)
			s.closers = append(s.closers, manager)
			s.logger.Info("randomness requests enabled", "manager", cfg.VRFManager)
		}
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

// maskDSN hides password in connection string for logging.
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         2 * s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Caller identity
	s.router.Use(s.identityMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// identityMiddleware resolves the caller address from the X-Caller-Address
// header. In deployments behind a gateway the header carries an identity the
// gateway has already verified (e.g. by signature); this service only
// normalizes it.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.GetHeader("X-Caller-Address")
		if addr == "" {
			c.Next()
			return
		}
		if !validation.IsValidAddress(addr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_caller",
				"message": "X-Caller-Address must be a valid address (0x + 40 hex chars)",
			})
			c.Abort()
			return
		}
		c.Set("callerAddr", validation.SanitizeAddress(addr))
		c.Next()
	}
}

// requireCaller rejects requests without a resolved caller identity.
func requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("callerAddr") == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_caller",
				"message": "X-Caller-Address header is required",
			})
			c.Abort()
			return
		}
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

	// WebSocket for real-time escrow events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	escrowHandler := escrow.NewHandler(s.escrowService)
	if s.cfg.NFTContract != "" {
		escrowHandler = escrowHandler.WithDefaultAssetContract(s.cfg.NFTContract)
	}
	feesHandler := fees.NewHandler(s.feeService)

	// PUBLIC ROUTES (read-only)
	escrowHandler.RegisterRoutes(v1)
	feesHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require caller identity)
	protected := v1.Group("")
	protected.Use(requireCaller())
	escrowHandler.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.webhookStore, s.dispatcher).RegisterRoutes(protected)

	// ADMIN ROUTES (owner check happens in the fee service)
	admin := v1.Group("/admin")
	admin.Use(requireCaller())
	feesHandler.RegisterAdminRoutes(admin)
	if s.vrfManager != nil {
		vrf.NewHandler(s.vrfManager, s.cfg.OwnerAddress).RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

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
	custody := demoCustodyAddress
	if s.vault != nil {
		custody = s.vault.CustodyAddress()
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "nftescrow",
		"description": "Escrowed NFT sales with native and token payments",
		"version":     "0.1.0",
		"feeBps":      s.cfg.FeeBps,
		"custody":     custody,
		"chainMode":   s.cfg.ChainEnabled(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Sample DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Release chain connections
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Error("close error", "error", err)
		}
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
