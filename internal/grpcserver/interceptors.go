package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/storycredits/internal/servicetoken"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const metadataAuthorization = "authorization"

type callerKey struct{}

// Caller returns the service subject authenticated for ctx.
func Caller(ctx context.Context) string {
	subject, _ := ctx.Value(callerKey{}).(string)
	return subject
}

// ServiceTokenInterceptor requires an "authorization: Bearer <token>"
// metadata entry verified by verifier.
func ServiceTokenInterceptor(verifier *servicetoken.Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		header := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get(metadataAuthorization); len(values) > 0 {
				header = values[0]
			}
		}
		subject, err := verifier.VerifyHeader(header)
		if errors.Is(err, servicetoken.ErrMissingToken) {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid bearer token")
		}
		return handler(context.WithValue(ctx, callerKey{}, subject), request)
	}
}

// RequestTimeout bounds every call that arrives without a tighter deadline.
func RequestTimeout(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= timeout {
			return handler(ctx, request)
		}
		boundedCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(boundedCtx, request)
	}
}

// BearerCredentials attaches a service token to every outgoing call.
type BearerCredentials struct {
	Token string
	// AllowInsecure permits sending the token without transport security.
	AllowInsecure bool
}

func (credentials BearerCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{metadataAuthorization: "Bearer " + credentials.Token}, nil
}

func (credentials BearerCredentials) RequireTransportSecurity() bool {
	return !credentials.AllowInsecure
}
