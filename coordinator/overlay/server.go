package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "overlay")

// PeerProvider exposes the directory entries the server publishes on
// /api/peers.
type PeerProvider interface {
	ActivePeers() []*types.Peer
}

// MetricsProvider exposes the local health sample served on /health/metrics.
type MetricsProvider interface {
	NodeMetrics() *NodeMetrics
}

// ShardHashProvider resolves the hash of a locally held shard replica for
// /storage/verify requests.
type ShardHashProvider interface {
	LocalShardHash(ctx context.Context, shardID string) (string, error)
}

// BlobProvider reads back blobs stored during registration storage
// challenges for /storage/retrieve requests.
type BlobProvider interface {
	StoredBlob(ctx context.Context, key string) ([]byte, error)
}

// Config options for the overlay server.
type Config struct {
	ListenAddr string
	Peers      PeerProvider
	Metrics    MetricsProvider
	ShardHash  ShardHashProvider
	Blobs      BlobProvider
}

// Server answers the peer contract of the overlay on the daemon's listen
// address. The operator REST surface is a separate concern and not served
// here.
type Server struct {
	cfg         *Config
	ctx         context.Context
	cancel      context.CancelFunc
	server      *http.Server
	startFailed error
}

// NewServer builds the overlay server and its route table.
func NewServer(ctx context.Context, cfg *Config) *Server {
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	router := mux.NewRouter()
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/health/metrics", s.metricsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/peers", s.peersHandler).Methods(http.MethodGet)
	router.HandleFunc("/registration/ping", s.registrationPingHandler).Methods(http.MethodPost)
	router.HandleFunc("/storage/verify/{shardID}", s.verifyShardHandler).Methods(http.MethodGet)
	router.HandleFunc("/storage/retrieve", s.retrieveHandler).Methods(http.MethodGet)
	s.server = &http.Server{Addr: cfg.ListenAddr, Handler: router}
	return s
}

// Start the overlay listener.
func (s *Server) Start() {
	go func() {
		log.WithField("address", s.cfg.ListenAddr).Info("Starting overlay server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Could not serve overlay endpoints")
			s.startFailed = err
		}
	}()
}

// Stop the overlay listener, allowing in-flight requests a short grace
// period to finish.
func (s *Server) Stop() error {
	defer s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Status returns the listener failure, if any.
func (s *Server) Status() error {
	return s.startFailed
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, "ok"); err != nil {
		log.WithError(err).Debug("Could not write health response")
	}
}

func (s *Server) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	metrics := &NodeMetrics{}
	if s.cfg.Metrics != nil {
		metrics = s.cfg.Metrics.NodeMetrics()
	}
	writeJSON(w, metrics)
}

func (s *Server) peersHandler(w http.ResponseWriter, _ *http.Request) {
	resp := &PeerListResponse{Peers: []*types.Peer{}}
	if s.cfg.Peers != nil {
		resp.Peers = s.cfg.Peers.ActivePeers()
	}
	writeJSON(w, resp)
}

func (s *Server) registrationPingHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	if _, err := fmt.Fprintf(w, "pong_%s", token); err != nil {
		log.WithError(err).Debug("Could not write registration pong")
	}
}

func (s *Server) verifyShardHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ShardHash == nil {
		http.Error(w, "shard verification not served by this node", http.StatusNotFound)
		return
	}
	shardID := mux.Vars(r)["shardID"]
	hash, err := s.cfg.ShardHash.LocalShardHash(r.Context(), shardID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, &ShardHashResponse{Hash: hash})
}

func (s *Server) retrieveHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Blobs == nil {
		http.Error(w, "storage retrieval not served by this node", http.StatusNotFound)
		return
	}
	blob, err := s.cfg.Blobs.StoredBlob(r.Context(), r.URL.Query().Get("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(blob); err != nil {
		log.WithError(err).Debug("Could not write stored blob")
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not encode overlay response")
	}
}
