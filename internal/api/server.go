// Package api provides the operator-facing HTTP and WebSocket surface:
// status, strategy/position/breaker inspection, manual controls
// (breaker reset, kill switch), Prometheus scraping, and a push feed of
// fills and risk events for a dashboard. It is not part of the market
// data ingestion path.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/breaker"
	"github.com/atlas-desktop/trading-backend/internal/correlation"
	"github.com/atlas-desktop/trading-backend/internal/persistence"
	"github.com/atlas-desktop/trading-backend/internal/position"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Deps bundles the read-only views of C2-C9 the API exposes to an
// operator, plus the Prometheus gatherer for /metrics.
type Deps struct {
	Store       persistence.Store
	Book        *position.Book
	Registry    *strategy.Registry
	Breaker     *breaker.Manager
	Risk        *risk.Manager
	Correlation *correlation.Manager
	Gatherer    prometheus.Gatherer
}

// Server is the operator HTTP/WebSocket server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client

	deps Deps
}

// Client represents a connected WebSocket dashboard.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Subs map[string]bool
}

// Message is the envelope for every WebSocket request, response, and
// pushed event.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // request, response, event
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer creates the operator API server.
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	server := &Server{
		logger:  logger,
		config:  config,
		router:  mux.NewRouter(),
		clients: make(map[string]*Client),
		deps:    deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures the operator HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies", s.handleStrategies).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/trades/{strategyId}", s.handleTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/breakers", s.handleBreakers).Methods("GET")
	s.router.HandleFunc("/api/v1/breakers/{name}/disable", s.handleDisableBreaker).Methods("POST")
	s.router.HandleFunc("/api/v1/breakers/{name}/enable", s.handleEnableBreaker).Methods("POST")
	s.router.HandleFunc("/api/v1/breakers/reset", s.handleResetBreakers).Methods("POST")
	s.router.HandleFunc("/api/v1/kill", s.handleKillSwitch).Methods("POST")
	s.router.HandleFunc("/api/v1/kill/clear", s.handleClearKillSwitch).Methods("POST")

	if s.config.EnableMetrics {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Handler returns the fully wrapped (CORS + routing) HTTP handler, split
// out from Start so tests can drive it with httptest without binding a
// real listener.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting operator API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server, closing every WebSocket connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// handleStatus returns a composite snapshot of risk, breaker, and
// correlation state, mirroring the operator status endpoint spec.md's
// ambient stack calls for.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	limits := s.deps.Risk.Limits()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"trading_allowed":   s.deps.Breaker.IsTradingAllowed(),
		"emergency_stop":    s.deps.Breaker.EmergencyStop(),
		"daily_pnl_usd":     s.deps.Risk.DailyPnL(),
		"limits":            limits,
		"exposure_by_symbol": s.deps.Risk.PositionSnapshot(),
		"exposure_by_strategy": s.deps.Risk.StrategyExposureSnapshot(),
		"rejections":        s.deps.Risk.RejectionSnapshot(),
		"clusters":          s.deps.Correlation.Clusters(),
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"strategies": s.deps.Registry.Status(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"net_by_symbol": s.deps.Book.Snapshot(),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	strategyID := mux.Vars(r)["strategyId"]
	limit := 50
	trades, err := s.deps.Store.GetRecentTrades(r.Context(), strategyID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"strategy_id": strategyID,
		"trades":      trades,
		"count":       len(trades),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"breakers": s.deps.Breaker.Status(),
	})
}

func (s *Server) handleDisableBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.deps.Breaker.Disable(name)
	s.logger.Warn("operator disabled breaker", zap.String("name", name))
	json.NewEncoder(w).Encode(map[string]string{"name": name, "state": "disabled"})
}

func (s *Server) handleEnableBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.deps.Breaker.Enable(name)
	s.logger.Info("operator re-armed breaker", zap.String("name", name))
	json.NewEncoder(w).Encode(map[string]string{"name": name, "state": "armed"})
}

// handleResetBreakers re-arms every disabled breaker and clears the
// global emergency stop, for the CLI's "reset-breakers" subcommand.
func (s *Server) handleResetBreakers(w http.ResponseWriter, r *http.Request) {
	for _, entry := range s.deps.Breaker.Status() {
		s.deps.Breaker.Enable(entry.Name)
	}
	s.deps.Breaker.ClearEmergencyStop()
	s.logger.Warn("operator reset all breakers")
	json.NewEncoder(w).Encode(map[string]string{"status": "breakers_reset"})
}

// handleKillSwitch trips the global emergency stop, halting all
// submission regardless of individual breaker state.
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.deps.Breaker.TriggerEmergencyStop()
	s.logger.Warn("operator triggered manual kill switch")
	s.broadcast(&Message{
		ID: uuid.New().String(), Type: "event", Method: "emergency_stop",
		Payload: map[string]bool{"active": true}, Timestamp: time.Now().UnixMilli(),
	})
	json.NewEncoder(w).Encode(map[string]string{"status": "emergency_stop_triggered"})
}

func (s *Server) handleClearKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.deps.Breaker.ClearEmergencyStop()
	s.logger.Info("operator cleared manual kill switch")
	s.broadcast(&Message{
		ID: uuid.New().String(), Type: "event", Method: "emergency_stop",
		Payload: map[string]bool{"active": false}, Timestamp: time.Now().UnixMilli(),
	})
	json.NewEncoder(w).Encode(map[string]string{"status": "emergency_stop_cleared"})
}

// handleWebSocket upgrades a connection into a dashboard push client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Subs: make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("dashboard client connected", zap.String("id", client.ID))

	go s.readPump(client)
	go s.writePump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
		s.logger.Info("dashboard client disconnected", zap.String("id", client.ID))
	}()

	client.Conn.SetReadLimit(512 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			s.logger.Warn("invalid websocket message", zap.Error(err))
			continue
		}
		s.handleMessage(client, &msg)
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(client *Client, msg *Message) {
	response := &Message{ID: msg.ID, Type: "response", Method: msg.Method, Timestamp: time.Now().UnixMilli()}

	switch msg.Method {
	case "ping":
		response.Payload = map[string]string{"pong": "ok"}
	case "subscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		channel, _ := payload["channel"].(string)
		client.Subs[channel] = true
		response.Payload = map[string]string{"subscribed": channel}
	case "unsubscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		channel, _ := payload["channel"].(string)
		delete(client.Subs, channel)
		response.Payload = map[string]string{"unsubscribed": channel}
	default:
		response.Error = "unknown method"
	}

	responseBytes, _ := json.Marshal(response)
	client.Send <- responseBytes
}

// BroadcastTrade pushes a completed trade to every dashboard client
// subscribed to the "trades" channel.
func (s *Server) BroadcastTrade(trade types.Trade) {
	s.broadcastToSubscribers("trades", &Message{
		ID: uuid.New().String(), Type: "event", Method: "trade:filled",
		Payload: trade, Timestamp: time.Now().UnixMilli(),
	})
}

// BroadcastRiskEvent pushes a risk event to every dashboard client
// subscribed to the "risk_events" channel.
func (s *Server) BroadcastRiskEvent(event types.RiskEvent) {
	s.broadcastToSubscribers("risk_events", &Message{
		ID: uuid.New().String(), Type: "event", Method: "risk:event",
		Payload: event, Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) broadcast(msg *Message) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		select {
		case client.Send <- msgBytes:
		default:
		}
	}
}

func (s *Server) broadcastToSubscribers(channel string, msg *Message) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		if client.Subs[channel] {
			select {
			case client.Send <- msgBytes:
			default:
			}
		}
	}
}
