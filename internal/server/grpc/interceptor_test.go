package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/logging"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/auth"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/users"
	"golang.org/x/crypto/bcrypt"
)

const reflectionMethod = "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo"

func newVerifier(t *testing.T) *auth.TokenIssuer {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	a := auth.NewAuthenticator(users.NewMemoryRepository(map[string]string{"alice": string(hash)}))
	return auth.NewTokenIssuer([]byte("secret"), "pkgkeeper", "pkgkeeper-ops", time.Hour, a)
}

func newTestServer(t *testing.T) (*Server, *auth.TokenIssuer) {
	v := newVerifier(t)
	return NewServer("", logging.Nop{}, v), v
}

func okHandler(ctx context.Context, req any) (any, error) { return "ok", nil }

func TestInterceptor_HealthAllowedWithoutToken(t *testing.T) {
	s, _ := newTestServer(t)

	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	resp, err := s.accessTokenInterceptor(context.Background(), nil, info, okHandler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "ok" {
		t.Fatalf("unexpected handler resp: %v", resp)
	}
}

func TestInterceptor_MissingToken(t *testing.T) {
	s, _ := newTestServer(t)

	info := &grpc.UnaryServerInfo{FullMethod: reflectionMethod}
	h := func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler should not be called when token missing")
		return nil, nil
	}

	_, err := s.accessTokenInterceptor(context.Background(), nil, info, h)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", status.Code(err))
	}
	if status.Convert(err).Message() != "missing token" {
		t.Fatalf("expected 'missing token', got %q", status.Convert(err).Message())
	}
}

func TestInterceptor_InvalidToken(t *testing.T) {
	s, _ := newTestServer(t)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer not-a-jwt"))
	info := &grpc.UnaryServerInfo{FullMethod: reflectionMethod}

	_, err := s.accessTokenInterceptor(ctx, nil, info, okHandler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", status.Code(err))
	}
}

func TestInterceptor_ValidToken_SetsClaims(t *testing.T) {
	s, issuer := newTestServer(t)

	tok, err := issuer.Issue(context.Background(), auth.TokenRequest{Username: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+tok.Token))
	info := &grpc.UnaryServerInfo{FullMethod: reflectionMethod}

	var subject string
	h := func(ctx context.Context, req any) (any, error) {
		c, ok := ClaimsFromContext(ctx)
		if !ok {
			t.Fatal("claims missing from context")
		}
		subject = c.Subject
		return "ok", nil
	}

	if _, err := s.accessTokenInterceptor(ctx, nil, info, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "alice" {
		t.Fatalf("subject not propagated: got %q", subject)
	}
}

func TestInterceptor_NoVerifierLeavesMethodsOpen(t *testing.T) {
	s := NewServer("", logging.Nop{}, nil)

	info := &grpc.UnaryServerInfo{FullMethod: reflectionMethod}
	if _, err := s.accessTokenInterceptor(context.Background(), nil, info, okHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecoveryInterceptor(t *testing.T) {
	s, _ := newTestServer(t)

	info := &grpc.UnaryServerInfo{FullMethod: "/x/Panics"}
	h := func(ctx context.Context, req any) (any, error) { panic("boom") }

	_, err := s.recoveryInterceptor(context.Background(), nil, info, h)
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", status.Code(err))
	}
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{common.NotFound("missing"), codes.NotFound},
		{common.PolicyViolation("Group is read-only"), codes.FailedPrecondition},
		{common.Redeploy("Redeployment of a@1 is not allowed"), codes.FailedPrecondition},
		{common.Upstream("down", nil), codes.Unavailable},
		{common.DigestMismatch("mismatch"), codes.InvalidArgument},
		{common.ErrLockContention, codes.Aborted},
		{common.Unauthorized("nope"), codes.Unauthenticated},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.Canceled, "gone"), codes.Canceled},
	}

	for _, tt := range tests {
		if got := status.Code(StatusFromError(tt.err)); got != tt.code {
			t.Errorf("%v: expected %v, got %v", tt.err, tt.code, got)
		}
	}

	if StatusFromError(nil) != nil {
		t.Fatal("nil error should stay nil")
	}
	if msg := status.Convert(StatusFromError(common.PolicyViolation("Group is read-only"))).Message(); msg != "Group is read-only" {
		t.Fatalf("unexpected message %q", msg)
	}
}
