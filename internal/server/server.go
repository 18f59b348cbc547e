package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"DarkLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/structpb"
)

const maxCommandBytes = 1 << 20

// Server wraps the gRPC server and the HTTP gateway mux.
type Server struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	gateway       *runtime.ServeMux
	handler       http.Handler
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// Deps holds what the RPC surface needs.
type Deps struct {
	Submitter       Submitter
	Queries         Queries
	CollateralAsset string
	HealthChecker   *observability.HealthChecker
}

// New registers the ledger service, gRPC health and reflection, and
// builds the HTTP gateway. Nothing listens until ServeGRPC/ServeHTTP.
func New(grpcAddr, httpAddr string, deps Deps, logger zerolog.Logger) *Server {
	svc := NewLedgerService(deps.Submitter, deps.Queries, deps.CollateralAsset)

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&LedgerServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	s := &Server{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		logger:        logger,
	}
	s.gateway = newGateway(svc)
	s.handler = s.buildHandler()
	return s
}

// SetServing flips both the gRPC health status and HTTP readiness.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
	if s.healthChecker != nil {
		s.healthChecker.SetReady(serving)
	}
}

// Handler is the full HTTP surface: gateway routes plus health.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"status":"alive"}`)
		})
	}
	mux.Handle("/", s.gateway)
	return mux
}

// ServeGRPC blocks until ctx is cancelled, then stops gracefully.
func (s *Server) ServeGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.ServeListener(lis)
}

// ServeListener serves gRPC on an existing listener until Stop.
func (s *Server) ServeListener(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop stops the gRPC server immediately.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}

// ServeHTTP blocks until ctx is cancelled.
func (s *Server) ServeHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- HTTP gateway ---

// callFunc serves one HTTP route and returns the response message.
type callFunc func(r *http.Request, params map[string]string) (*structpb.Struct, error)

// newGateway serves the ledger service as HTTP/JSON in process. Errors go
// through runtime.HTTPError so gRPC codes map to HTTP statuses the same
// way a proxied gateway would.
func newGateway(svc *LedgerService) *runtime.ServeMux {
	mux := runtime.NewServeMux()

	handle := func(method, pattern string, call callFunc) {
		err := mux.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			_, outbound := runtime.MarshalerForRequest(mux, r)
			resp, err := call(r, params)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, outbound, w, r, toStatus(err))
				return
			}
			buf, err := outbound.Marshal(resp)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, outbound, w, r, toStatus(err))
				return
			}
			w.Header().Set("Content-Type", outbound.ContentType(resp))
			_, _ = w.Write(buf)
		})
		if err != nil {
			// patterns are constants; a bad one is a programming error
			panic(fmt.Sprintf("register %s %s: %v", method, pattern, err))
		}
	}

	handle(http.MethodPost, "/v1/commands/{type}", func(r *http.Request, params map[string]string) (*structpb.Struct, error) {
		// the body goes to the parser untouched so large integers keep
		// their precision
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", errInvalidRequest, err)
		}
		return svc.submitCommand(r.Context(), params["type"], body)
	})
	handle(http.MethodGet, "/v1/accounts/{owner}", fromParams(svc.GetMarginAccount))
	handle(http.MethodGet, "/v1/balances/{holder}", fromParams(svc.GetBalance))
	handle(http.MethodGet, "/v1/computations/{id}", fromParams(svc.GetComputation))
	handle(http.MethodGet, "/v1/deposits/{txid}", fromParams(svc.GetProcessedDeposit))
	handle(http.MethodGet, "/v1/trades", fromParams(svc.ListTrades))
	handle(http.MethodGet, "/v1/journals/{holder}", fromParams(svc.ListJournals))
	handle(http.MethodGet, "/v1/admin/integrity", fromParams(svc.VerifyIntegrity))

	return mux
}

// fromParams builds the request Struct from query parameters and path
// parameters, path winning, and calls rpc with it.
func fromParams(rpc func(context.Context, *structpb.Struct) (*structpb.Struct, error)) callFunc {
	return func(r *http.Request, params map[string]string) (*structpb.Struct, error) {
		fields := make(map[string]interface{})
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				fields[k] = v[0]
			}
		}
		for k, v := range params {
			fields[k] = v
		}
		req, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
		}
		return rpc(r.Context(), req)
	}
}
