// Package apiServer exposes the repository engine over HTTP: the XRPC
// record and sync endpoints plus the streamed firehose. It is a thin
// translation layer; all repository semantics live in pkg/repo.
package apiServer

import (
	"log/slog"
	"net/http"

	"github.com/stormlightlabs/pds/pkg/blob"
	"github.com/stormlightlabs/pds/pkg/firehose"
	"github.com/stormlightlabs/pds/pkg/repo"
)

// AuthFunc gates every request. A nil error admits the request.
type AuthFunc func(r *http.Request) error

// Option customizes a Server.
type Option func(*Server)

type Server struct {
	mux    *http.ServeMux
	engine *repo.Engine
	hub    *firehose.Hub
	blobs  *blob.Store
	log    *slog.Logger
	auth   AuthFunc
}

// New creates a server over engine and hub. A nil hub disables
// subscribeRepos.
func New(engine *repo.Engine, hub *firehose.Hub, opts ...Option) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		engine: engine,
		hub:    hub,
		log:    slog.Default(),
		auth:   defaultAuth,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /xrpc/com.atproto.repo.createRecord", s.handleCreateRecord)
	s.mux.HandleFunc("POST /xrpc/com.atproto.repo.putRecord", s.handlePutRecord)
	s.mux.HandleFunc("POST /xrpc/com.atproto.repo.deleteRecord", s.handleDeleteRecord)
	s.mux.HandleFunc("GET /xrpc/com.atproto.repo.getRecord", s.handleGetRecord)
	s.mux.HandleFunc("GET /xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)
	s.mux.HandleFunc("GET /xrpc/com.atproto.sync.getRepo", s.handleGetRepo)
	s.mux.HandleFunc("GET /xrpc/com.atproto.sync.getBlocks", s.handleGetBlocks)
	s.mux.HandleFunc("GET /xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)

	if s.blobs != nil {
		s.mux.HandleFunc("POST /xrpc/com.atproto.repo.uploadBlob", s.handleUploadBlob)
		s.mux.HandleFunc("GET /xrpc/com.atproto.sync.getBlob", s.handleGetBlob)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.auth(r); err != nil {
		s.log.Warn("authentication failed", "path", r.URL.Path, "error", err)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	s.mux.ServeHTTP(w, r)
}
