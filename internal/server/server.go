package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// healthServices are the named services tracked by the gRPC health server.
// Readiness reports the first one that is not SERVING.
var healthServices = []string{
	"envoy.service.auth.v3.Authorization",
	"crossfed.v1.TokenExchange",
}

// Server manages the gRPC and HTTP listeners. The gRPC side carries the
// Envoy ext_authz enforcement service; the HTTP side carries the token
// exchange endpoint, the JWKS document, OIDC discovery, and health checks.
type Server struct {
	grpcServer   *grpc.Server
	httpServer   *http.Server
	healthServer *health.Server
	logger       *slog.Logger

	grpcPort  int
	httpPort  int
	issuerURL string

	authzServer    *AuthzServer
	exchangeServer *ExchangeServer
	jwksServer     *JWKSServer
}

// Config contains server configuration
type Config struct {
	GRPCPort int
	HTTPPort int

	// IssuerURL is the externally visible base URL, used in the OIDC
	// discovery document.
	IssuerURL string

	AuthzServer    *AuthzServer
	ExchangeServer *ExchangeServer
	JWKSServer     *JWKSServer

	// Logger is the structured logger to use. If nil, uses slog.Default()
	Logger *slog.Logger
}

// New creates a new server with the given configuration
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		grpcPort:       cfg.GRPCPort,
		httpPort:       cfg.HTTPPort,
		issuerURL:      cfg.IssuerURL,
		authzServer:    cfg.AuthzServer,
		exchangeServer: cfg.ExchangeServer,
		jwksServer:     cfg.JWKSServer,
		logger:         logger,
	}
}

// Start starts both the gRPC and HTTP servers
func (s *Server) Start(ctx context.Context) error {
	// Create gRPC server
	s.grpcServer = grpc.NewServer()

	// Register services
	authv3.RegisterAuthorizationServer(s.grpcServer, s.authzServer)

	// Health starts NOT_SERVING until SetReady is called after all
	// components have initialized
	s.healthServer = health.NewServer()
	for _, svc := range healthServices {
		s.healthServer.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)

	// Register reflection service for grpcurl and other tools
	reflection.Register(s.grpcServer)

	// Start gRPC server
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.grpcPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", s.grpcPort, err)
	}

	go func() {
		s.logger.Info("gRPC server listening", "port", s.grpcPort)
		if err := s.grpcServer.Serve(grpcListener); err != nil {
			s.logger.Error("gRPC server error", "error", err)
		}
	}()

	// HTTP endpoints
	mux := http.NewServeMux()
	mux.Handle("/v1/token", s.exchangeServer)
	mux.Handle("/.well-known/jwks.json", s.jwksServer)
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/healthz/live", s.handleLiveness)
	mux.HandleFunc("/healthz/ready", s.handleReadiness)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.httpPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("HTTP server listening", "port", s.httpPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// SetReady marks all services as SERVING. Called once configuration has
// loaded and the JWKS caches are primed.
func (s *Server) SetReady() {
	for _, svc := range healthServices {
		s.healthServer.SetServingStatus(svc, healthpb.HealthCheckResponse_SERVING)
	}
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// SetNotReady marks the named services NOT_SERVING, degrading readiness while
// the process keeps running. The overall server status stays SERVING so gRPC
// liveness checks still pass; use Stop to take everything down.
func (s *Server) SetNotReady() {
	for _, svc := range healthServices {
		s.healthServer.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Stop gracefully stops both servers
func (s *Server) Stop(ctx context.Context) error {
	if s.healthServer != nil {
		s.healthServer.Shutdown()
	}

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleDiscovery serves a minimal OIDC discovery document so relying
// parties can locate the JWKS and token endpoint.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"issuer":                                s.issuerURL,
		"jwks_uri":                              s.issuerURL + "/.well-known/jwks.json",
		"token_endpoint":                        s.issuerURL + "/v1/token",
		"grant_types_supported":                 []string{GrantTypeTokenExchange},
		"token_endpoint_auth_methods_supported": []string{"none", "tls_client_auth"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// handleLiveness reports process liveness. Always OK while the process can
// serve HTTP at all.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeHealthResponse(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleReadiness reports readiness from the gRPC health server, naming the
// first service that is not SERVING.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	for _, svc := range healthServices {
		resp, err := s.healthServer.Check(r.Context(), &healthpb.HealthCheckRequest{Service: svc})
		if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			writeHealthResponse(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "NOT_SERVING",
				"service": svc,
			})
			return
		}
	}
	writeHealthResponse(w, http.StatusOK, map[string]string{"status": "SERVING"})
}

func writeHealthResponse(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
