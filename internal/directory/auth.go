package directory

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/identity"
)

const (
	authorizationHeader  = "authorization"
	transactionRefHeader = "x-transaction-ref"
)

// TokenSource supplies bearer tokens for outgoing calls.
type TokenSource interface {
	Token() (string, error)
}

// invalidator is implemented by token sources that cache tokens.
type invalidator interface {
	Invalidate()
}

// TokenValidator verifies bearer tokens on the server side.
type TokenValidator interface {
	ValidateToken(token string) (*identity.Claims, error)
}

type claimsKey struct{}

// ClaimsFromContext returns the validated token claims of the current call.
func ClaimsFromContext(ctx context.Context) (*identity.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*identity.Claims)
	return claims, ok
}

func authenticate(ctx context.Context, validator TokenValidator) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(authorizationHeader)
	if len(values) == 0 || !strings.HasPrefix(values[0], "Bearer ") {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	claims, err := validator.ValidateToken(values[0])
	if err != nil {
		if errors.Is(err, identity.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, "token expired")
		}
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return context.WithValue(ctx, claimsKey{}, claims), nil
}

// UnaryAuthInterceptor rejects unary calls without a valid bearer token.
func UnaryAuthInterceptor(validator TokenValidator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticate(ctx, validator)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor rejects streams without a valid bearer token.
func StreamAuthInterceptor(validator TokenValidator) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), validator)
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
	}
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

// ServerOptions returns the interceptors authenticating every call with validator.
func ServerOptions(validator TokenValidator) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(UnaryAuthInterceptor(validator)),
		grpc.StreamInterceptor(StreamAuthInterceptor(validator)),
	}
}
