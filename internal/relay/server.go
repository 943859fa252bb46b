package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pushrelay/pushrelay/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Relay clients are apps, not browsers; origin checks buy nothing.
		return true
	},
}

// Server serves the relay operations over HTTP POST and WebSocket.
type Server struct {
	cfg    *Config
	log    zerolog.Logger
	app    *App
	router *chi.Mux
}

// NewServer creates the HTTP server around an App.
func NewServer(cfg *Config, log zerolog.Logger, app *App) *Server {
	s := &Server{
		cfg: cfg,
		log: log.With().Str("component", "server").Logger(),
		app: app,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.handleRoot)
	r.Get("/version", s.handleVersion)
	r.Get("/compatible", s.handleCompatible)
	r.Post("/compatible", s.handleCompatible)
	r.Post("/subscribe", s.handleSubscription(s.app.SubscribeHTTP))
	r.Post("/unsubscribe", s.handleSubscription(s.app.UnsubscribeHTTP))
	r.Post("/reset", s.handleSubscription(s.app.ResetHTTP))
	r.Post("/send", s.handleSend)
	r.Get("/ws", s.handleWebSocket)

	s.router = r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
		next.ServeHTTP(w, r)
	})
}

// Run starts the server.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Str("version", Version).Msg("starting relay server")
	return http.ListenAndServe(s.cfg.ListenAddr, s.router)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code, message := wireError(err)
	if status >= 500 {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]any{
		"error": protocol.ResponseError{Message: message, Code: code},
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, protocol.ServerInfo{
		Server:  s.cfg.ServerName,
		Version: Version,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Version)
}

func (s *Server) handleCompatible(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Compatible(r.Context(), r.FormValue("version")))
}

// subscriptionQuery reads the shared query shape from the query string or the
// form body, whichever the client used.
func subscriptionQuery(r *http.Request) protocol.SubscriptionQuery {
	return protocol.SubscriptionQuery{
		PushToken:        r.FormValue("pushToken"),
		IDsBase64:        r.FormValue("idsBase64"),
		SignaturesBase64: r.FormValue("signaturesBase64"),
	}
}

func (s *Server) handleSubscription(op func(r *http.Request) ([]bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := op(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, results)
	}
}

// SubscribeHTTP adapts Subscribe to an HTTP request. HTTP callers never hold a
// socket, so no registration happens.
func (a *App) SubscribeHTTP(r *http.Request) ([]bool, error) {
	return a.Subscribe(r.Context(), subscriptionQuery(r), "", nil)
}

// UnsubscribeHTTP adapts Unsubscribe to an HTTP request.
func (a *App) UnsubscribeHTTP(r *http.Request) ([]bool, error) {
	return a.Unsubscribe(r.Context(), subscriptionQuery(r))
}

// ResetHTTP adapts Reset to an HTTP request.
func (a *App) ResetHTTP(r *http.Request) ([]bool, error) {
	return a.Reset(r.Context(), subscriptionQuery(r), "", nil)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	message := protocol.EncryptedMessage{
		IDBase64:        r.FormValue("idBase64"),
		BodyBase64:      r.FormValue("bodyBase64"),
		SignatureBase64: r.FormValue("signatureBase64"),
	}
	results, err := s.app.Send(r.Context(), message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.serveSocket(r.Context(), conn)
}
