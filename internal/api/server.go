// Package api serves the operator dashboard: REST endpoints over the
// bridge state, CSV exports from storage and a push socket for live
// updates.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"teleglas-pro/internal/database"
)

// Symbol validation: uppercase alphanumeric, 3-20 chars (BTCUSDT,
// 1000PEPEUSDT). New-coin input is validated on the base before USDT is
// reattached.
var (
	symbolRe     = regexp.MustCompile(`^[A-Z0-9]{3,20}$`)
	baseSymbolRe = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)
)

// Storage is the slice of the persistence layer the dashboard reads.
type Storage interface {
	RecentSignals(ctx context.Context, limit int) ([]database.SignalRecord, error)
	SignalsBySymbol(ctx context.Context, symbol string, limit int) ([]database.SignalRecord, error)
	SignalStats(ctx context.Context) (database.SignalStats, error)
	SignalStatsByType(ctx context.Context) ([]database.TypeStats, error)
	ExportSignalsCSV(ctx context.Context, limit int) (string, error)
	ExportBaselinesCSV(ctx context.Context, symbol string) (string, error)
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string
	Port           int
	APIToken       string // empty disables auth
	CORSOrigins    []string
	ProductionMode bool
}

// Server is the dashboard HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	bridge     *Bridge
	store      Storage
	hub        *Hub
	limiter    *RateLimiter
	config     ServerConfig
	token      string
	startTime  time.Time
	stopHub    chan struct{}
	log        zerolog.Logger
}

// NewServer creates the dashboard server and wires the push socket to
// the bridge. A nil store disables the persistence-backed endpoints.
func NewServer(config ServerConfig, bridge *Bridge, store Storage, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.CORSOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	log := logger.With().Str("component", "dashboard_api").Logger()

	server := &Server{
		router:    router,
		bridge:    bridge,
		store:     store,
		hub:       NewHub(logger),
		limiter:   NewRateLimiter(30, 60*time.Second, 10000),
		config:    config,
		token:     config.APIToken,
		startTime: time.Now(),
		stopHub:   make(chan struct{}),
		log:       log,
	}

	if server.token == "" {
		log.Warn().Msg("No API token configured, dashboard auth is DISABLED")
	}

	bridge.SetBroadcastFunc(server.hub.Broadcast)
	server.setupRoutes()

	return server
}

// setupRoutes configures all dashboard routes.
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleIndex)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	rateLimited := s.rateLimitMiddleware()
	authRequired := s.authMiddleware()

	api := s.router.Group("/api")
	{
		api.GET("/stats", rateLimited, s.handleStats)
		api.GET("/coins", rateLimited, s.handleCoins)
		api.GET("/signals", rateLimited, s.handleSignals)
		api.GET("/orderflow/:symbol", rateLimited, s.handleOrderFlow)

		api.POST("/coins/add", authRequired, rateLimited, s.handleAddCoin)
		api.DELETE("/coins/remove/:symbol", authRequired, rateLimited, s.handleRemoveCoin)
		api.PATCH("/coins/:symbol/toggle", authRequired, rateLimited, s.handleToggleCoin)

		api.GET("/export/signals.csv", authRequired, s.handleExportSignalsCSV)
		api.GET("/export/baselines.csv", authRequired, s.handleExportBaselinesCSV)
		api.GET("/stats/signals", authRequired, s.handleSignalStats)
		api.GET("/signals/history", authRequired, s.handleSignalHistory)
	}
}

// rateLimitMiddleware limits each client IP to 30 requests per minute.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// authMiddleware enforces the bearer token with a constant-time compare.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing token"})
			c.Abort()
			return
		}
		provided := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	page := indexHTML
	if s.token != "" {
		meta := fmt.Sprintf(`<meta name="api-token" content="%s">`, html.EscapeString(s.token))
		page = strings.Replace(page, "</head>", "    "+meta+"\n</head>", 1)
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, page)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"coins_tracked":  s.bridge.CoinCount(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.bridge.Stats())
}

func (s *Server) handleCoins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"coins": s.bridge.Coins()})
}

func (s *Server) handleSignals(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		limit = 50
	}
	c.JSON(http.StatusOK, gin.H{"signals": s.bridge.Signals(limit)})
}

func (s *Server) handleOrderFlow(c *gin.Context) {
	symbol, ok := validSymbol(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid symbol format"})
		return
	}
	view, found := s.bridge.OrderFlow(symbol)
	if !found {
		view = FlowView{Symbol: symbol, LastUpdate: "N/A"}
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleAddCoin(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	symbol, err := normalizeNewCoin(req.Symbol)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	coin, err := s.bridge.AddCoin(symbol)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s is already monitored", symbol)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "coin": coin})
}

func (s *Server) handleRemoveCoin(c *gin.Context) {
	symbol, ok := validSymbol(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid symbol format"})
		return
	}
	s.bridge.RemoveCoin(symbol)
	c.JSON(http.StatusOK, gin.H{"success": true, "symbol": symbol})
}

func (s *Server) handleToggleCoin(c *gin.Context) {
	symbol, ok := validSymbol(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid symbol format"})
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	coin, err := s.bridge.ToggleCoin(symbol, req.Active)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Coin not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "coin": coin})
}

func (s *Server) handleExportSignalsCSV(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not initialized"})
		return
	}
	data, err := s.store.ExportSignalsCSV(c.Request.Context(), 5000)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Export failed"})
		return
	}
	if data == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "No signals to export"})
		return
	}
	c.Header("Content-Disposition", "attachment; filename=teleglas_signals.csv")
	c.Data(http.StatusOK, "text/csv", []byte(data))
}

func (s *Server) handleExportBaselinesCSV(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not initialized"})
		return
	}

	symbol := ""
	if raw := c.Query("symbol"); raw != "" {
		valid, ok := validSymbol(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid symbol format"})
			return
		}
		symbol = valid
	}

	data, err := s.store.ExportBaselinesCSV(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Export failed"})
		return
	}
	if data == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "No baselines to export"})
		return
	}

	filename := "teleglas_baselines.csv"
	if symbol != "" {
		filename = fmt.Sprintf("teleglas_baselines_%s.csv", symbol)
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, "text/csv", []byte(data))
}

func (s *Server) handleSignalStats(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not initialized"})
		return
	}
	overall, err := s.store.SignalStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Stats query failed"})
		return
	}
	byType, err := s.store.SignalStatsByType(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Stats query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"overall": overall, "by_type": byType})
}

func (s *Server) handleSignalHistory(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not initialized"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		limit = 100
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 5000 {
		limit = 5000
	}

	var rows []database.SignalRecord
	if raw := c.Query("symbol"); raw != "" {
		symbol, ok := validSymbol(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid symbol format"})
			return
		}
		rows, err = s.store.SignalsBySymbol(c.Request.Context(), symbol, limit)
	} else {
		rows, err = s.store.RecentSignals(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "History query failed"})
		return
	}
	if rows == nil {
		rows = []database.SignalRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"signals": rows})
}

// Start runs the server until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run(s.stopHub)
	s.log.Info().Str("addr", addr).Msg("Dashboard server starting")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server and disconnects all sockets.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Dashboard server shutting down")
	close(s.stopHub)
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Hub exposes the push-socket hub for stats reporting.
func (s *Server) Hub() *Hub {
	return s.hub
}

func validSymbol(raw string) (string, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRe.MatchString(symbol) {
		return "", false
	}
	return symbol, true
}

// normalizeNewCoin strips a known quote suffix and reattaches USDT, so
// "btc", "BTCUSDT" and "BTCUSD" all land on BTCUSDT.
func normalizeNewCoin(raw string) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	for _, suffix := range []string{"USDT", "BUSD", "USD"} {
		if strings.HasSuffix(symbol, suffix) {
			symbol = strings.TrimSuffix(symbol, suffix)
			break
		}
	}
	if !baseSymbolRe.MatchString(symbol) {
		return "", fmt.Errorf("invalid symbol format, use letters and numbers (1-10 characters)")
	}
	return symbol + "USDT", nil
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>TELEGLAS Pro Dashboard</title>
<style>
  body { font-family: -apple-system, "Segoe UI", sans-serif; background: #0d1117; color: #e6edf3; margin: 0; padding: 2rem; }
  h1 { font-size: 1.4rem; }
  .muted { color: #8b949e; }
  table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
  th, td { text-align: left; padding: 0.4rem 0.8rem; border-bottom: 1px solid #30363d; }
  #status { padding: 0.2rem 0.6rem; border-radius: 4px; background: #30363d; }
  #status.live { background: #1f6f43; }
</style>
</head>
<body>
<h1>TELEGLAS Pro <span id="status">connecting</span></h1>
<p class="muted">Liquidation and order-flow intelligence. Live state streams over /ws.</p>
<div id="stats"></div>
<table>
  <thead><tr><th>Time</th><th>Symbol</th><th>Type</th><th>Direction</th><th>Confidence</th></tr></thead>
  <tbody id="signals"></tbody>
</table>
<script>
(function () {
  var meta = document.querySelector('meta[name="api-token"]');
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/ws");
  ws.onopen = function () {
    if (meta) ws.send(JSON.stringify({type: "auth", token: meta.content}));
    document.getElementById("status").textContent = "live";
    document.getElementById("status").className = "live";
  };
  ws.onclose = function () {
    document.getElementById("status").textContent = "disconnected";
    document.getElementById("status").className = "";
  };
  ws.onmessage = function (evt) {
    var msg = JSON.parse(evt.data);
    if (msg.type === "initial_state") {
      (msg.data.signals || []).slice().reverse().forEach(addSignal);
      renderStats(msg.data.stats || {});
    } else if (msg.type === "new_signal") {
      addSignal(msg.data);
    } else if (msg.type === "stats_update") {
      renderStats(msg.data);
    }
  };
  function renderStats(stats) {
    document.getElementById("stats").textContent =
      "signals: " + (stats.signals_generated || 0) +
      " | liquidations: " + (stats.liquidations_processed || 0) +
      " | trades: " + (stats.trades_processed || 0);
  }
  function addSignal(sig) {
    var row = document.createElement("tr");
    [sig.time, sig.symbol, sig.type, sig.direction, Math.round(sig.confidence) + "%"].forEach(function (cell) {
      var td = document.createElement("td");
      td.textContent = cell;
      row.appendChild(td);
    });
    var tbody = document.getElementById("signals");
    tbody.insertBefore(row, tbody.firstChild);
    while (tbody.children.length > 50) tbody.removeChild(tbody.lastChild);
  }
})();
</script>
</body>
</html>
`
