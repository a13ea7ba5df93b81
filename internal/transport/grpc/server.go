package grpc

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/ccos-lite/internal/endpoint"
	"github.com/example/ccos-lite/internal/service"
)

var errPanic = errors.New("handler panicked")

// Server is the gRPC server for the HostBoundary service.
type Server struct {
	endpoints   endpoint.Endpoints
	chain       *service.CausalChain
	broadcaster *EventBroadcaster
	health      *health.Server
	grpcServer  *grpc.Server
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithWatch enables the WatchPlan stream over the given chain.
func WithWatch(chain *service.CausalChain) ServerOption {
	return func(s *Server) {
		s.chain = chain
		s.broadcaster = NewEventBroadcaster()
		chain.AddObserver(s.broadcaster)
	}
}

// NewServer creates a new gRPC server.
func NewServer(endpoints endpoint.Endpoints, opts ...ServerOption) *Server {
	s := &Server{
		endpoints: endpoints,
		health:    health.NewServer(),
	}

	// Apply options
	for _, opt := range opts {
		opt(s)
	}

	// Create gRPC server with interceptors
	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(),
			RecoveryInterceptor(),
		),
	)

	// Register the service
	s.grpcServer.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for grpcurl and other tools
	reflection.Register(s.grpcServer)

	return s
}

// Endpoints returns the endpoints the server dispatches to.
func (s *Server) Endpoints() endpoint.Endpoints {
	return s.endpoints
}

// Broadcaster returns the plan event broadcaster, or nil when watching is
// not enabled.
func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Serve starts the gRPC server on the given address.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	log.Printf("gRPC server listening on %s", addr)
	return s.ServeListener(lis)
}

// ServeListener serves on an existing listener.
func (s *Server) ServeListener(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop gracefully stops the server.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// LoggingInterceptor returns a gRPC interceptor that logs requests and their duration.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		// Attempt to extract the plan ID for better logging
		planID := extractPlanID(req)

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		if planID != "" {
			log.Printf("gRPC call: %s [plan:%s] duration=%v", info.FullMethod, planID, duration)
		} else {
			log.Printf("gRPC call: %s duration=%v", info.FullMethod, duration)
		}

		if err != nil {
			log.Printf("gRPC error: %s: %v", info.FullMethod, err)
		}
		return resp, err
	}
}

func extractPlanID(req interface{}) string {
	msg, ok := req.(*structpb.Struct)
	if !ok {
		return ""
	}
	if id := stringField(msg, "plan_id"); id != "" {
		return id
	}
	return stringField(msg, "plan", "id")
}

// RecoveryInterceptor returns a gRPC interceptor that recovers from panics.
func RecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("gRPC panic recovered: %s: %v", info.FullMethod, r)
				err = endpoint.MapErrorToStatus(errPanic)
			}
		}()
		return handler(ctx, req)
	}
}
