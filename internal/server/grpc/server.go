// Package grpc runs the operations endpoint of pkgkeeper: gRPC health
// checking for load balancers and orchestrators, plus server reflection for
// operators holding a bearer token.
package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/dmitrijs2005/pkgkeeper/internal/logging"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/auth"
)

// TokenVerifier checks bearer tokens. *auth.TokenIssuer satisfies it.
type TokenVerifier interface {
	Parse(token string) (*auth.Claims, error)
}

type Server struct {
	address string
	logger  logging.Logger
	tokens  TokenVerifier
	health  *health.Server
}

// NewServer builds the ops server. A nil verifier leaves every method open.
func NewServer(address string, l logging.Logger, tokens TokenVerifier) *Server {
	return &Server{
		address: address,
		logger:  l.With("module", "grpc_server"),
		tokens:  tokens,
		health:  health.NewServer(),
	}
}

// SetServing flips the health status of service; "" is the whole server.
func (s *Server) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, st)
}

func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.recoveryInterceptor, s.loggingInterceptor, s.errorInterceptor, s.accessTokenInterceptor),
		grpc.ChainStreamInterceptor(s.streamRecoveryInterceptor, s.streamAccessTokenInterceptor),
	)

	healthpb.RegisterHealthServer(srv, s.health)
	reflection.Register(srv)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}
	return nil
}
