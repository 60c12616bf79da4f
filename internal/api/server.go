// Package api exposes the engine's operating state over HTTP and pushes
// entry/position/risk transitions to connected WebSocket clients. Adapted
// from the teacher's internal/api/server.go (mux router, cors wrapping,
// upgrader + per-client send channel) with the backtest-control surface
// replaced by live-engine status and control endpoints.
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
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/solstice-trading/scalper-engine/internal/brain"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/risk"
)

// Client is a connected WebSocket subscriber.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

// Event is pushed to every connected client as it happens.
type Event struct {
	Type      string      `json:"type"` // "entry", "position", "risk"
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// Server is the HTTP/WebSocket status and control surface for the engine.
// It never drives trading decisions itself; it only reads from the Brain
// Actor and Risk Governor and, for control endpoints, calls into the
// Governor's kill switch.
type Server struct {
	mu     sync.RWMutex
	logger *zap.Logger
	cfg    *config.Config
	router *mux.Router
	http   *http.Server

	actor    *brain.Actor
	governor *risk.Governor

	upgrader websocket.Upgrader
	clients  map[string]*Client
}

// NewServer constructs a Server bound to the live Brain Actor and Risk
// Governor. The listen address is given later, to Start.
func NewServer(logger *zap.Logger, cfg *config.Config, actor *brain.Actor, governor *risk.Governor) *Server {
	s := &Server{
		logger:   logger.Named("api"),
		cfg:      cfg,
		router:   mux.NewRouter(),
		actor:    actor,
		governor: governor,
		clients:  make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/risk/trips", s.handleTripHistory).Methods("GET")
	s.router.HandleFunc("/api/v1/control/kill", s.handleTripKillSwitch).Methods("POST")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start binds and serves; it blocks until Stop is called or ListenAndServe
// itself fails.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.logger.Info("api server listening", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Stop closes every WebSocket client and gracefully shuts down the HTTP
// listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
	s.mu.Unlock()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var snap statusSnapshot
	_ = s.actor.Do(r.Context(), func(st *brain.State) {
		snap.Equity, _ = st.CurrentEquity.Float64()
		snap.DailyPnL, _ = st.DailyPnL.Float64()
		snap.OpenPositions = len(st.Positions)
		snap.WinRate = st.WinRate
		snap.CurrentDrawdownPct = st.CurrentDrawdownPct
		snap.TotalTrades = st.TotalTrades
	})
	snap.KillSwitchTripped = s.governor.IsTripped()
	writeJSON(w, snap)
}

type statusSnapshot struct {
	Equity             float64 `json:"equity"`
	DailyPnL           float64 `json:"daily_pnl"`
	OpenPositions      int     `json:"open_positions"`
	WinRate            float64 `json:"win_rate"`
	CurrentDrawdownPct float64 `json:"current_drawdown_pct"`
	TotalTrades        int64   `json:"total_trades"`
	KillSwitchTripped  bool    `json:"kill_switch_tripped"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	type position struct {
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		Size       string  `json:"size"`
		EntryPrice string  `json:"entry_price"`
		RR         float64 `json:"rr"`
	}
	var out []position
	_ = s.actor.Do(r.Context(), func(st *brain.State) {
		for k, p := range st.Positions {
			out = append(out, position{Symbol: k, Side: p.Side, Size: p.Size.String(), EntryPrice: p.EntryPrice.String()})
		}
	})
	writeJSON(w, map[string]interface{}{"positions": out})
}

func (s *Server) handleTripHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"trips": s.governor.History()})
}

func (s *Server) handleTripKillSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual trip via api"
	}
	s.governor.Trip(risk.TripManual, body.Reason)
	writeJSON(w, map[string]interface{}{"tripped": true})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{ID: uuid.New().String(), Conn: conn, Send: make(chan []byte, 256)}
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
	}()
	client.Conn.SetReadLimit(64 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			break
		}
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
		case msg, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// Broadcast pushes ev to every connected client, dropping it for any client
// whose send buffer is full rather than blocking the caller.
func (s *Server) Broadcast(ev Event) {
	ev.Timestamp = time.Now().Unix()
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.Send <- payload:
		default:
		}
	}
}
