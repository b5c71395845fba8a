package network

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
)

// Server is the node's HTTP endpoint. /replicate and /health are served by
// the transport; the operator routes delegate to handlers set before Serve.
type Server struct {
	nodeName string
	router   *mux.Router
	server   *http.Server
	listener net.Listener
	mutex    sync.Mutex

	ReplicateHandler http.HandlerFunc
	PlotHandler      http.HandlerFunc
	StateHandler     http.HandlerFunc
	StatsHandler     http.HandlerFunc
	MembersHandler   http.HandlerFunc
	JoinHandler      http.HandlerFunc
	MetricsHandler   http.HandlerFunc
}

// NewServer creates a server with its routes registered
func NewServer(nodeName string) *Server {
	router := mux.NewRouter()
	s := &Server{
		nodeName: nodeName,
		router:   router,
		server:   &http.Server{Handler: router},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/replicate", s.wrap("REPLICATE", func() http.HandlerFunc { return s.ReplicateHandler })).Methods(http.MethodPost)
	s.router.HandleFunc("/plot", s.wrap("PLOT", func() http.HandlerFunc { return s.PlotHandler })).Methods(http.MethodPost)
	s.router.HandleFunc("/state", s.wrap("STATE", func() http.HandlerFunc { return s.StateHandler })).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.wrap("STATS", func() http.HandlerFunc { return s.StatsHandler })).Methods(http.MethodGet)
	s.router.HandleFunc("/members", s.wrap("MEMBERS", func() http.HandlerFunc { return s.MembersHandler })).Methods(http.MethodGet)
	s.router.HandleFunc("/join", s.wrap("JOIN", func() http.HandlerFunc { return s.JoinHandler })).Methods(http.MethodPost)
	s.router.HandleFunc("/metrics", s.wrap("METRICS", func() http.HandlerFunc { return s.MetricsHandler })).Methods(http.MethodGet)
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on l until Close. It returns nil after Close.
func (s *Server) Serve(l net.Listener) error {
	s.mutex.Lock()
	s.listener = l
	s.mutex.Unlock()

	err := s.server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listening address, or nil before Serve
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the server, waiting for in-flight requests until ctx ends
func (s *Server) Close(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"node":   s.nodeName,
		"status": "healthy",
	}
	if addr := s.Addr(); addr != nil {
		response["addr"] = addr.String()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) wrap(msgType string, handler func() http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Message-Type", msgType)
		w.Header().Set(headerDroneID, s.nodeName)
		if h := handler(); h != nil {
			h(w, r)
			return
		}
		writeJSON(w, http.StatusNotImplemented, map[string]interface{}{
			"error":   "not implemented",
			"feature": msgType,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
