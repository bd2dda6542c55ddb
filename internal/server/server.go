// Package server exposes the node's HTTP and WebSocket surface: the
// client database API under /v2, the replication and audit transport,
// and the liveness and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sqlit/sqlit/internal/node"
	"github.com/sqlit/sqlit/internal/telemetry"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 60 * time.Second
	idleTimeout  = 120 * time.Second

	// maxBodyBytes bounds request bodies. Snapshot import is exempt.
	maxBodyBytes = 8 << 20
	// maxSnapshotBytes bounds snapshot uploads.
	maxSnapshotBytes = 1 << 30
)

// Server is the HTTP front end for one node runtime.
type Server struct {
	rt      *node.Runtime
	metrics *telemetry.Metrics
	reqs    *RequestMetrics

	httpServer *http.Server
	listener   net.Listener
	addr       string
	mu         sync.RWMutex
}

// New wires a server to a runtime. Telemetry may be nil.
func New(rt *node.Runtime, metrics *telemetry.Metrics, addr string) *Server {
	return &Server{
		rt:      rt,
		metrics: metrics,
		reqs:    NewRequestMetrics(),
		addr:    addr,
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	log.WithFields(log.Fields{"addr": listener.Addr().String()}).Info("server: listening")
	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound address once listening.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Handler returns the route table without binding a listener (tests).
func (s *Server) Handler() http.Handler { return s.routes() }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Liveness and introspection.
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /v2/node", s.handleNodeInfo)
	mux.HandleFunc("POST /v2/db", s.instrument("db.create", s.handleCreateDatabase))
	mux.HandleFunc("GET /v2/db/{id}", s.instrument("db.get", s.handleGetDatabase))
	mux.HandleFunc("DELETE /v2/db/{id}", s.instrument("db.delete", s.handleDeleteDatabase))
	mux.HandleFunc("POST /v2/db/{id}/execute", s.instrument("db.execute", s.handleExecute))
	mux.HandleFunc("POST /v2/db/{id}/batch", s.instrument("db.batch", s.handleBatchExecute))
	mux.HandleFunc("POST /v2/db/{id}/grant", s.instrument("acl.grant", s.handleGrant))
	mux.HandleFunc("POST /v2/db/{id}/revoke", s.instrument("acl.revoke", s.handleRevoke))
	mux.HandleFunc("GET /v2/db/{id}/acl", s.instrument("acl.list", s.handleListACL))
	mux.HandleFunc("POST /v2/db/{id}/vector/index", s.instrument("vector.index", s.handleVectorIndex))
	mux.HandleFunc("POST /v2/db/{id}/vector/insert", s.instrument("vector.insert", s.handleVectorInsert))
	mux.HandleFunc("POST /v2/db/{id}/vector/search", s.instrument("vector.search", s.handleVectorSearch))
	mux.HandleFunc("GET /v2/db/{id}/snapshot", s.instrument("snapshot.export", s.handleExportSnapshot))
	mux.HandleFunc("PUT /v2/db/{id}/snapshot", s.instrument("snapshot.import", s.handleImportSnapshot))
	mux.HandleFunc("POST /v2/wal/sync", s.instrument("wal.sync", s.handleWALSync))
	mux.HandleFunc("POST /v2/audit", s.instrument("audit.respond", s.handleAudit))
	mux.HandleFunc("GET /v2/db/{id}/ws", s.handleWebSocket)
	return mux
}

// instrument records per-operation counts and latency.
func (s *Server) instrument(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.reqs.Record(op, time.Since(start), rec.status >= 400)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// decode reads a JSON body into v with a size cap.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFields(log.Fields{"err": err}).Debug("server: writing response")
	}
}
