// Package httpapi is the public HTTP surface of the host relay.
package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/confidential_sequencer/internal/logging"
	"github.com/R3E-Network/confidential_sequencer/internal/metrics"
	"github.com/R3E-Network/confidential_sequencer/internal/middleware"
	"github.com/R3E-Network/confidential_sequencer/services/relay/journal"
	"github.com/R3E-Network/confidential_sequencer/tee/envelope"
)

// maxBodySize matches the enclave's message limit.
const maxBodySize = 1 << 20

// Enclave is the transient request surface of enclaveclient.Client.
type Enclave interface {
	PublicKey(ctx context.Context) (string, error)
	Heartbeat(ctx context.Context) error
	Attest(ctx context.Context, nonceHex string) ([]byte, error)
	SubmitSwap(ctx context.Context, rawEnvelope []byte) error
}

type Config struct {
	Enclave Enclave
	// PublicKeyHex is the enclave key fetched at startup.
	PublicKeyHex string
	Journal      journal.Store
	// Feed enables GET /batches/stream when set.
	Feed           *journal.Feed
	EnableTestSwap bool
	RateLimiter    *middleware.RateLimiter
	Logger         *logging.Logger
}

// Server routes host requests to the enclave.
type Server struct {
	enclave        Enclave
	publicKeyHex   string
	address        string
	journal        journal.Store
	feed           *journal.Feed
	enableTestSwap bool
	router         *mux.Router
	log            *logging.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Enclave == nil {
		return nil, fmt.Errorf("enclave client is required")
	}
	address, err := envelope.PubKeyHexToAddress(cfg.PublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("enclave public key: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	s := &Server{
		enclave:        cfg.Enclave,
		publicKeyHex:   cfg.PublicKeyHex,
		address:        address,
		journal:        cfg.Journal,
		feed:           cfg.Feed,
		enableTestSwap: cfg.EnableTestSwap,
		router:         mux.NewRouter(),
		log:            log.Component("httpapi"),
	}

	s.router.Use(middleware.LoggingMiddleware(s.log))
	s.router.Use(middleware.MetricsMiddleware())
	if cfg.RateLimiter != nil {
		s.router.Use(cfg.RateLimiter.Handler)
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes registers all HTTP routes for the relay.
func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
	s.router.HandleFunc("/publickey", s.handlePublicKey).Methods("GET")
	s.router.HandleFunc("/attest", s.handleAttest).Methods("GET")
	s.router.HandleFunc("/swap", s.handleSwap).Methods("POST")
	if s.feed != nil {
		s.router.HandleFunc("/batches/stream", s.handleBatchStream).Methods("GET")
	}
	s.router.HandleFunc("/batches/{hash}", s.handleGetBatch).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	if s.enableTestSwap {
		s.router.HandleFunc("/test-swap", s.handleTestSwap).Methods("GET")
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}
