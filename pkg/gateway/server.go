// Package gateway implements the HTTP front of the access layer: a
// JSON-RPC 2.0 relay on POST /, an operational health report on
// GET /health, and a transaction confirmation API on POST /api/confirm.
//
// The relay itself holds no method handlers. Requests for the cached
// blockhash method are answered from the response cache; everything else
// goes through the client pool, which serves natively bound methods over
// persistent handles and hands the rest to the retrying dispatcher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/buyve/rpcgate/pkg/blockhash"
	"github.com/buyve/rpcgate/pkg/confirm"
	"github.com/buyve/rpcgate/pkg/dispatch"
	"github.com/buyve/rpcgate/pkg/endpoints"
	"github.com/buyve/rpcgate/pkg/journal"
)

// JSON-RPC error codes used by the relay itself.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeExhausted      = -32000
	codeUpstream       = -32002
)

// Config holds gateway server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of
	// the response. It must cover the confirmation budget.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string
}

// DefaultConfig returns a default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8899",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   90 * time.Second,
		MaxRequestSize: 50 * 1024, // 50KB
		EnableCORS:     true,
	}
}

// Backend answers JSON-RPC requests.
type Backend interface {
	Serve(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

// Confirmer resolves transaction signatures to terminal statuses.
type Confirmer interface {
	Confirm(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (*confirm.Result, error)
	Metrics() *confirm.Ring
}

// Server is the gateway HTTP server.
type Server struct {
	config Config

	cache     *blockhash.Cache
	backend   Backend
	registry  *endpoints.Registry
	selector  *endpoints.Selector
	counters  func() dispatch.CounterSnapshot
	confirmer Confirmer
	journal   *journal.Journal
	logger    *zap.Logger

	server  *http.Server
	mu      sync.Mutex
	running bool
}

// New creates a gateway server. journal may be nil when event persistence
// is disabled.
func New(config Config, cache *blockhash.Cache, backend Backend, registry *endpoints.Registry,
	selector *endpoints.Selector, counters func() dispatch.CounterSnapshot,
	confirmer Confirmer, jnl *journal.Journal, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:    config,
		cache:     cache,
		backend:   backend,
		registry:  registry,
		selector:  selector,
		counters:  counters,
		confirmer: confirmer,
		journal:   jnl,
		logger:    logger,
	}
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/confirm", s.handleConfirm)
	return s.corsMiddleware(mux)
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("gateway listening", zap.String("addr", s.config.Addr))

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers if enabled.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, allowedOrigin := range s.config.AllowedOrigins {
				if allowedOrigin == origin || allowedOrigin == "*" {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, solana-client")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleRPC relays incoming JSON-RPC requests to the endpoint fleet.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, nil, &dispatch.RPCError{Code: codeParseError, Message: "Parse error"})
		return
	}

	if len(body) > 0 && body[0] == '[' {
		s.handleBatch(r.Context(), w, body)
		return
	}

	var req dispatch.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, nil, &dispatch.RPCError{Code: codeParseError, Message: "Parse error"})
		return
	}
	if req.JSONRPC != dispatch.JSONRPCVersion || req.Method == "" {
		s.writeError(w, http.StatusBadRequest, req.ID, &dispatch.RPCError{Code: codeInvalidRequest, Message: "Invalid request"})
		return
	}

	resp, err := s.route(r.Context(), req)
	if err != nil {
		status, rpcErr := s.relayError(req, err)
		s.writeError(w, status, req.ID, rpcErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleBatch relays a JSON-RPC batch, preserving request order. Relay
// failures become per-entry error envelopes; the batch itself always
// returns 200.
func (s *Server) handleBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var requests []dispatch.Request
	if err := json.Unmarshal(body, &requests); err != nil {
		s.writeError(w, http.StatusBadRequest, nil, &dispatch.RPCError{Code: codeParseError, Message: "Parse error"})
		return
	}
	if len(requests) == 0 {
		s.writeError(w, http.StatusBadRequest, nil, &dispatch.RPCError{Code: codeInvalidRequest, Message: "Invalid request"})
		return
	}

	responses := make([]dispatch.Response, len(requests))
	for i, req := range requests {
		if req.JSONRPC != dispatch.JSONRPCVersion || req.Method == "" {
			responses[i] = dispatch.Response{
				JSONRPC: dispatch.JSONRPCVersion,
				ID:      req.ID,
				Error:   &dispatch.RPCError{Code: codeInvalidRequest, Message: "Invalid request"},
			}
			continue
		}
		resp, err := s.route(ctx, req)
		if err != nil {
			_, rpcErr := s.relayError(req, err)
			responses[i] = dispatch.Response{
				JSONRPC: dispatch.JSONRPCVersion,
				ID:      req.ID,
				Error:   rpcErr,
			}
			continue
		}
		responses[i] = *resp
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(responses)
}

// route sends req down the path appropriate for its method.
func (s *Server) route(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	if req.Method == blockhash.Method {
		return s.cache.Serve(ctx, req)
	}
	return s.backend.Serve(ctx, req)
}

// relayError converts a relay failure into an HTTP status plus JSON-RPC
// error envelope. Full endpoint exhaustion includes the blacklist
// snapshot so callers can see when capacity returns.
func (s *Server) relayError(req dispatch.Request, err error) (int, *dispatch.RPCError) {
	var exhausted *dispatch.ExhaustionError
	if errors.As(err, &exhausted) {
		data, _ := json.Marshal(exhausted.Snapshot)
		return http.StatusInternalServerError, &dispatch.RPCError{
			Code:    codeExhausted,
			Message: "all endpoints exhausted",
			Data:    data,
		}
	}

	s.logger.Warn("relay failed",
		zap.String("method", req.Method),
		zap.Error(err))
	return http.StatusInternalServerError, &dispatch.RPCError{
		Code:    codeUpstream,
		Message: err.Error(),
	}
}

// writeError writes a JSON-RPC error envelope with the given HTTP status.
func (s *Server) writeError(w http.ResponseWriter, status int, id interface{}, rpcErr *dispatch.RPCError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dispatch.Response{
		JSONRPC: dispatch.JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	})
}

// HealthReport is the GET /health payload.
type HealthReport struct {
	Status            string                   `json:"status"`
	PreferredEndpoint string                   `json:"preferredEndpoint,omitempty"`
	LastSuccessful    *LastSuccess             `json:"lastSuccessful,omitempty"`
	Endpoints         []string                 `json:"endpoints"`
	Blacklist         []endpoints.Status       `json:"blacklist"`
	Counters          dispatch.CounterSnapshot `json:"counters"`
	Cache             CacheStats               `json:"cache"`
	Confirmations     []confirm.Aggregate      `json:"confirmations"`
	RecentEvents      []journal.Event          `json:"recentEvents,omitempty"`
}

// LastSuccess identifies the sticky endpoint and when it last served.
type LastSuccess struct {
	Endpoint string    `json:"endpoint"`
	At       time.Time `json:"at"`
}

// CacheStats reports response cache effectiveness.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// handleHealth reports gateway and fleet health. The report is degraded
// when some endpoints are benched and unhealthy when all of them are.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := HealthReport{
		Endpoints:     s.registry.URLs(),
		Blacklist:     s.selector.Blacklist().Snapshot(),
		Counters:      s.counters(),
		Confirmations: s.confirmer.Metrics().Aggregates(),
	}
	report.Cache.Hits, report.Cache.Misses = s.cache.Stats()

	if url, ok := s.selector.Peek(); ok {
		report.PreferredEndpoint = url
		if len(report.Blacklist) == 0 {
			report.Status = "healthy"
		} else {
			report.Status = "degraded"
		}
	} else {
		report.Status = "unhealthy"
	}

	if url, at, ok := s.selector.LastSuccessful(); ok {
		report.LastSuccessful = &LastSuccess{Endpoint: url, At: at}
	}

	if s.journal != nil {
		events, err := s.journal.Recent(20)
		if err == nil {
			report.RecentEvents = events
		}
	}

	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(report)
}

// ConfirmRequest is the POST /api/confirm payload.
type ConfirmRequest struct {
	Signature  string `json:"signature"`
	Commitment string `json:"commitment,omitempty"`
}

// handleConfirm resolves a transaction signature to a terminal status.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read request"})
		return
	}

	var req ConfirmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	sig, err := parseSignature(req.Signature)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	commitment, err := parseCommitment(req.Commitment)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := s.confirmer.Confirm(r.Context(), sig, commitment)
	if err != nil && result == nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if result.Status == confirm.StatusTimeout {
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// parseSignature decodes and validates a base58 transaction signature.
func parseSignature(raw string) (solana.Signature, error) {
	if raw == "" {
		return solana.Signature{}, fmt.Errorf("missing signature")
	}
	decoded, err := base58.Decode(raw)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("invalid base58 signature: %w", err)
	}
	if len(decoded) != 64 {
		return solana.Signature{}, fmt.Errorf("signature must decode to 64 bytes, got %d", len(decoded))
	}
	return solana.SignatureFromBytes(decoded), nil
}

// parseCommitment maps the request commitment to a client commitment
// level, defaulting to confirmed.
func parseCommitment(raw string) (rpc.CommitmentType, error) {
	switch raw {
	case "":
		return rpc.CommitmentConfirmed, nil
	case "processed":
		return rpc.CommitmentProcessed, nil
	case "confirmed":
		return rpc.CommitmentConfirmed, nil
	case "finalized":
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("unknown commitment %q", raw)
	}
}
