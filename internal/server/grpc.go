package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const (
	QueryServiceName  = "lendledger.v1.Query"
	IngestServiceName = "lendledger.v1.Ingest"
	AdminServiceName  = "lendledger.v1.Admin"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	gateway       *runtime.ServeMux
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	Live          query.LiveReader
	// TakeSnapshot persists a snapshot now and returns its sequence.
	TakeSnapshot  func(ctx context.Context) (int64, error)
	AdminToken    string
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	h := &handlers{
		qs:         deps.QueryService,
		ingest:     deps.IngestService,
		db:         deps.DB,
		snapMgr:    deps.SnapshotMgr,
		snapshot:   deps.TakeSnapshot,
		live:       deps.Live,
		adminToken: deps.AdminToken,
		logger:     deps.Logger,
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(deps.Logger)))
	grpcServer.RegisterService(&queryServiceDesc, h)
	grpcServer.RegisterService(&ingestServiceDesc, h)
	grpcServer.RegisterService(&adminServiceDesc, h)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	gateway, err := newGateway(h)
	if err != nil {
		return nil, err
	}

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		gateway:       gateway,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}, nil
}

// SetServing flips the gRPC health status of every service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	for _, name := range []string{"", QueryServiceName, IngestServiceName, AdminServiceName} {
		s.healthServer.SetServingStatus(name, st)
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves gRPC on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Handler returns the HTTP handler serving the gateway and health probes.
func (s *GRPCServer) Handler() http.Handler {
	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", s.gateway)
	return httpMux
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Service descriptors
// ============================================================================

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary(QueryServiceName, "GetReserve", (*handlers).GetReserve),
		unary(QueryServiceName, "ListReserves", (*handlers).ListReserves),
		unary(QueryServiceName, "GetUserPositions", (*handlers).GetUserPositions),
		unary(QueryServiceName, "GetUserAccountData", (*handlers).GetUserAccountData),
		unary(QueryServiceName, "GetLiquidationHistory", (*handlers).GetLiquidationHistory),
		unary(QueryServiceName, "GetSystemStatus", (*handlers).GetSystemStatus),
	},
	Metadata: "lendledger/v1/query",
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: IngestServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary(IngestServiceName, "SubmitAction", (*handlers).SubmitAction),
	},
	Metadata: "lendledger/v1/ingest",
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "VerifyIntegrity", (*handlers).VerifyIntegrity),
		unary(AdminServiceName, "RebuildProjections", (*handlers).RebuildProjections),
		unary(AdminServiceName, "GetEventLogInfo", (*handlers).GetEventLogInfo),
		unary(AdminServiceName, "TakeSnapshot", (*handlers).TakeSnapshot),
	},
	Metadata: "lendledger/v1/admin",
}

// unary adapts a handler method to a gRPC method descriptor.
func unary[Req, Resp any](service, method string, call func(*handlers, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", method, err)
			}
			h := srv.(*handlers)
			if interceptor == nil {
				return call(h, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, r interface{}) (interface{}, error) {
				return call(h, ctx, r.(*Req))
			})
		},
	}
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug().
				Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Dur("duration", time.Since(start)).
				Err(err).
				Msg("rpc failed")
		}
		return resp, err
	}
}

// ============================================================================
// HTTP/JSON gateway
// ============================================================================

var gatewayMarshaler runtime.Marshaler = &runtime.JSONBuiltin{}

func newGateway(h *handlers) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, gatewayMarshaler),
	)

	routes := []struct {
		method, path string
		handle       func(r *http.Request, params map[string]string) (interface{}, error)
	}{
		{"GET", "/v1/reserves", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return h.ListReserves(r.Context(), &ListReservesRequest{})
		}},
		{"GET", "/v1/reserves/{asset}", func(r *http.Request, p map[string]string) (interface{}, error) {
			return h.GetReserve(r.Context(), &GetReserveRequest{Asset: p["asset"]})
		}},
		{"GET", "/v1/users/{user}/positions", func(r *http.Request, p map[string]string) (interface{}, error) {
			return h.GetUserPositions(r.Context(), &UserRequest{User: p["user"]})
		}},
		{"GET", "/v1/users/{user}/account", func(r *http.Request, p map[string]string) (interface{}, error) {
			return h.GetUserAccountData(r.Context(), &UserRequest{User: p["user"]})
		}},
		{"GET", "/v1/liquidations", func(r *http.Request, _ map[string]string) (interface{}, error) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			return h.GetLiquidationHistory(r.Context(), &LiquidationHistoryRequest{User: r.URL.Query().Get("user"), Limit: limit})
		}},
		{"GET", "/v1/status", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return h.GetSystemStatus(r.Context(), &SystemStatusRequest{})
		}},
		{"POST", "/v1/actions/{event_type}", func(r *http.Request, p map[string]string) (interface{}, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			return h.SubmitAction(r.Context(), &SubmitActionRequest{EventType: p["event_type"], Payload: body})
		}},
		{"POST", "/v1/admin/verify", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return h.VerifyIntegrity(r.Context(), adminRequest(r))
		}},
		{"POST", "/v1/admin/rebuild", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return h.RebuildProjections(r.Context(), adminRequest(r))
		}},
		{"POST", "/v1/admin/snapshot", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return h.TakeSnapshot(r.Context(), adminRequest(r))
		}},
		{"GET", "/v1/admin/eventlog", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return h.GetEventLogInfo(r.Context(), adminRequest(r))
		}},
	}

	for _, route := range routes {
		handle := route.handle
		err := mux.HandlePath(route.method, route.path, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			resp, err := handle(r, params)
			writeJSON(w, resp, err)
		})
		if err != nil {
			return nil, fmt.Errorf("register %s %s: %w", route.method, route.path, err)
		}
	}
	return mux, nil
}

func adminRequest(r *http.Request) *AdminRequest {
	return &AdminRequest{AdminToken: r.Header.Get("X-Admin-Token")}
}

func writeJSON(w http.ResponseWriter, resp interface{}, err error) {
	w.Header().Set("Content-Type", gatewayMarshaler.ContentType(resp))
	if err != nil {
		st := status.Convert(err)
		w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
		gatewayMarshaler.NewEncoder(w).Encode(map[string]interface{}{
			"code":    st.Code().String(),
			"message": st.Message(),
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	gatewayMarshaler.NewEncoder(w).Encode(resp)
}
