package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"tilescan/internal/storage"
	"tilescan/internal/watch"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server exposes the held index over HTTP and pushes rebuilds to websocket clients.
type Server struct {
	addr   string
	holder *Holder
	store  *storage.Store
	hub    *hub
	log    *slog.Logger
	server *http.Server

	hubOnce sync.Once
}

// NewServer creates a server for holder. store may be nil, in which case scan history
// routes report 503.
func NewServer(addr string, holder *Holder, store *storage.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:   addr,
		holder: holder,
		store:  store,
		hub:    newHub(log),
		log:    log,
	}
}

// Handler returns the route table. The websocket hub runs until ctx ends.
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.hubOnce.Do(func() { go s.hub.run(ctx) })
	r := mux.NewRouter()
	s.setupRoutes(ctx, r)
	return r
}

// Start begins the server and blocks until ctx ends or listening fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Follow applies watcher events until the channel closes: successful rebuilds replace
// the held index and are recorded as scans, and every event is pushed to websocket
// clients.
func (s *Server) Follow(ctx context.Context, events <-chan watch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.apply(ev)
		}
	}
}

func (s *Server) apply(ev watch.Event) {
	if ev.Index != nil {
		s.holder.Swap(ev.Index)
		if s.store != nil {
			rec, tiles := storage.ScanFromSummary(*ev.Summary)
			if _, err := s.store.RecordScan(rec, tiles); err != nil {
				s.log.Warn("failed to record scan", "error", err)
			}
		}
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to encode event", "error", err)
		return
	}
	s.hub.publish(payload)
}

func (s *Server) setupRoutes(ctx context.Context, r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/index", s.handleIndex).Methods("GET")
	r.HandleFunc("/api/tiles", s.handleTiles).Methods("GET")
	r.HandleFunc("/api/tiles/{series:[0-9]+}/{channel:[0-9]+}", s.handleTile).Methods("GET")
	r.HandleFunc("/api/tiles/{series:[0-9]+}/{channel:[0-9]+}/png", s.handleTilePNG).Methods("GET")
	r.HandleFunc("/api/tiles/{series:[0-9]+}/{channel:[0-9]+}/raw", s.handleTileRaw).Methods("GET")
	r.HandleFunc("/api/scans", s.handleScans).Methods("GET")
	r.HandleFunc("/api/scans/{id:[0-9]+}/tiles", s.handleScanTiles).Methods("GET")
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.hub.serveWS(ctx, w, r)
	}).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
