package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lcrespo/backwatch/internal/config"
	"github.com/lcrespo/backwatch/internal/logging"
	"github.com/lcrespo/backwatch/internal/notify"
	"github.com/lcrespo/backwatch/internal/observability"
)

type Server struct {
	cfg         config.Config
	log         *logging.Logger
	metrics     *observability.Metrics
	hub         *notify.Hub
	features    map[string]*Feature
	persistMode string
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, log *logging.Logger, metrics *observability.Metrics, hub *notify.Hub, features map[string]*Feature, persistMode string) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	return &Server{
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		hub:         hub,
		features:    features,
		persistMode: persistMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other sites cannot read the notification
				// stream if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/perf/polling", s.handlePerfPolling)
	r.Get("/v1/notifications/ws", s.handleNotificationsWS)

	for segment, f := range s.features {
		r.Route("/v1/"+segment, func(r chi.Router) {
			r.Post("/", s.handleSubmit(f))
			r.Get("/", s.handleList(f))
			r.Post("/clear-finished", s.handleClearFinished(f))
			r.Get("/{id}", s.handleGetTask(f))
			r.Post("/{id}/select", s.handleSelectTask(f))
			r.Delete("/{id}", s.handleRemoveTask(f))
		})
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"snapshot_backend": s.persistMode,
	})
}

// handleNotificationsWS upgrades the connection and hands it to the hub,
// which owns it until the peer drops.
func (s *Server) handleNotificationsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Serve(conn)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
