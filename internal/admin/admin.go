// Package admin provides an authenticated HTTP surface for the
// Rendezvous Server: health, Prometheus metrics, a JSON snapshot of
// active registrations, and a live websocket event stream.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/punchd/punchd/internal/metrics"
	"github.com/punchd/punchd/internal/rendezvous"
)

// ErrorResponse is the JSON body written by jsonError.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SnapshotSource is the subset of rendezvous.Server the admin API reads
// from; declared locally so it can be faked in tests.
type SnapshotSource interface {
	Snapshot() rendezvous.ServerSnapshot
}

// Config configures the admin server's auth. Exactly one of Token or
// JWTSecret should be set; JWTSecret takes precedence when both are.
type Config struct {
	Token     string
	JWTSecret string
}

// Server is the admin HTTP surface, separate from the UDP protocol
// port.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	server *http.Server
	source SnapshotSource

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]chan []byte
}

// New builds an admin Server backed by source.
func New(cfg Config, source SnapshotSource) *Server {
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		source: source,
		subs:   make(map[*websocket.Conn]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/api/v1/sessions", s.withAuth(s.handleSessions))
	s.mux.HandleFunc("/api/v1/ws", s.withAuth(s.handleWebsocket))

	return s
}

// Publish fans an event out to every connected websocket client. It is
// itself a rendezvous.Observer method set via Broadcaster.
func (s *Server) Publish(event any) {
	body, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Msg("admin: failed to marshal event")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- body:
		default:
			// Slow subscriber: drop rather than block matchmaking.
		}
	}
}

// Broadcaster adapts Server.Publish into a rendezvous.Observer.
type Broadcaster struct{ *Server }

func (b Broadcaster) OnRegistration(r rendezvous.Registration) {
	b.Publish(map[string]any{"type": "registration", "data": r})
}

func (b Broadcaster) OnOutcome(o rendezvous.Outcome) {
	b.Publish(map[string]any{"type": "outcome", "data": o})
}

func (b Broadcaster) OnExpire(r rendezvous.Registration) {
	b.Publish(map[string]any{"type": "expire", "data": r})
}

// Start begins serving on addr in the background.
func (s *Server) Start(addr string) {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server exited")
		}
	}()
}

// Stop gracefully stops the admin server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.source.Snapshot())
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("admin: websocket upgrade failed")
		return
	}

	ch := make(chan []byte, 32)
	s.mu.Lock()
	s.subs[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for body := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return
		}
	}
}

// withAuth requires a valid bearer token. When cfg.JWTSecret is set,
// the bearer value must be a valid HS256 JWT signed with it; otherwise
// it must equal cfg.Token exactly.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		token := parts[1]

		if s.cfg.JWTSecret != "" {
			if !s.validJWT(token) {
				s.jsonError(w, "invalid token", http.StatusUnauthorized)
				return
			}
		} else if token != s.cfg.Token {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func (s *Server) validJWT(raw string) bool {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("admin: jwt validation failed")
		return false
	}
	return parsed.Valid
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
