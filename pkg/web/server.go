package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/curious-containers/cc-server/pkg/auth"
	"github.com/curious-containers/cc-server/pkg/bus"
	"github.com/curious-containers/cc-server/pkg/callback"
	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/state"
	"github.com/curious-containers/cc-server/pkg/storage"
)

// Version is reported by the root endpoint.
const Version = "1.0"

// Server is the web process HTTP layer.
type Server struct {
	store      storage.Store
	auth       *auth.Authorizer
	handler    *state.Handler
	dispatcher *callback.Dispatcher
	cfg        *config.Config
	master     *bus.Client
	tee        log.Tee
}

// busEvents forwards callback follow-ups to the master inbox.
type busEvents struct {
	master *bus.Client
	tee    log.Tee
}

func (e *busEvents) ContainerCallback() {
	if err := e.master.Push(bus.Message{Action: bus.ActionContainerCallback}); err != nil {
		e.tee("Master push failed: " + err.Error())
	}
}

func (e *busEvents) DataContainerCallback() {
	if err := e.master.Push(bus.Message{Action: bus.ActionDataContainerCallback}); err != nil {
		e.tee("Master push failed: " + err.Error())
	}
}

// NewServer wires the web process: request handling, callback dispatch and
// the push connection into the master inbox.
func NewServer(store storage.Store, authorizer *auth.Authorizer, handler *state.Handler,
	cfg *config.Config, master *bus.Client, tee log.Tee) *Server {
	s := &Server{
		store:   store,
		auth:    authorizer,
		handler: handler,
		cfg:     cfg,
		master:  master,
		tee:     tee,
	}
	s.dispatcher = callback.NewDispatcher(store, handler, cfg, &busEvents{master: master, tee: tee}, tee)
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	// Callback endpoints authorize by callback key, not user credentials.
	r.Post("/application-containers/callback", s.postApplicationContainerCallback)
	r.Post("/data-containers/callback", s.postDataContainerCallback)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/", s.getRoot)
		r.Get("/token", s.getToken)
		r.Post("/tasks", s.postTasks)
		r.Post("/tasks/cancel", s.postTasksCancel)
		r.Post("/tasks/query", s.queryHandler("tasks"))
		r.Post("/task-groups/query", s.queryHandler("task_groups"))
		r.Post("/application-containers/query", s.queryHandler("application_containers"))
		r.Post("/data-containers/query", s.queryHandler("data_containers"))
		r.Get("/nodes", s.getNodes)
		r.Post("/nodes", s.postNodes)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	logger := log.WithComponent("web")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r)
	})
}

type ctxKey int

const userKey ctxKey = 0

// authenticate checks HTTP basic credentials: the password field carries
// either the password or a previously issued token bound to the client
// address.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, credential, ok := r.BasicAuth()
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		user, ok := s.auth.Verify(username, credential, clientIP(r))
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func requestUser(r *http.Request) *auth.User {
	user, _ := r.Context().Value(userKey).(*auth.User)
	return user
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) pushSchedule() {
	if err := s.master.Push(bus.Message{Action: bus.ActionSchedule}); err != nil {
		s.tee("Master push failed: " + err.Error())
	}
}
