// Package grpcmw provides gRPC server interceptors that resolve the caller's
// authorization context and enforce route requirements.
//
// Use it for services built directly on google.golang.org/grpc. Kratos
// services should use kratosmw, which covers both of its transports.
//
// Full method names are paths ("/pkg.Service/Method"), so an authz.RouteTable
// can declare a requirement for a whole service or a single method.
package grpcmw

import (
	"context"
	"errors"
	"strings"

	authctx "github.com/chimerakang/authctx-go"
	"github.com/chimerakang/authctx-go/authz"
	"github.com/chimerakang/authctx-go/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// MetadataTenantID selects the active tenant of a call.
const MetadataTenantID = "x-tenant-id"

const transportGRPC = "grpc"

// AuthOption configures UnaryAuth and StreamAuth.
type AuthOption func(*authenticator)

// WithMetrics records authentication outcomes.
func WithMetrics(m *metrics.Metrics) AuthOption {
	return func(a *authenticator) { a.metrics = m }
}

// WithExcludedMethods skips resolution for the given full method names.
// Handlers behind them see no authorization context.
func WithExcludedMethods(methods ...string) AuthOption {
	return func(a *authenticator) {
		for _, m := range methods {
			a.excluded[m] = struct{}{}
		}
	}
}

type authenticator struct {
	client   *authctx.Client
	metrics  *metrics.Metrics
	excluded map[string]struct{}
}

func newAuthenticator(client *authctx.Client, opts []AuthOption) *authenticator {
	a := &authenticator{client: client, excluded: map[string]struct{}{}}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *authenticator) skip(method string) bool {
	_, ok := a.excluded[method]
	return ok
}

// UnaryAuth resolves the bearer token and x-tenant-id metadata into an
// authorization context stored with authctx.WithAuthorization.
func UnaryAuth(client *authctx.Client, opts ...AuthOption) grpc.UnaryServerInterceptor {
	a := newAuthenticator(client, opts)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if a.skip(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := authenticate(ctx, a.client, a.metrics)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuth is UnaryAuth for streaming calls.
func StreamAuth(client *authctx.Client, opts ...AuthOption) grpc.StreamServerInterceptor {
	a := newAuthenticator(client, opts)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if a.skip(info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), a.client, a.metrics)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

// UnaryRequire rejects calls whose context does not satisfy p. Run it after UnaryAuth.
func UnaryRequire(p authz.Policy) grpc.UnaryServerInterceptor {
	return unaryCheck(func(string) authz.Policy { return p })
}

// StreamRequire is UnaryRequire for streaming calls.
func StreamRequire(p authz.Policy) grpc.StreamServerInterceptor {
	return streamCheck(func(string) authz.Policy { return p })
}

// UnaryRequireRoutes enforces the policy rt declares for each full method name.
func UnaryRequireRoutes(rt *authz.RouteTable) grpc.UnaryServerInterceptor {
	return unaryCheck(rt.Lookup)
}

// StreamRequireRoutes is UnaryRequireRoutes for streaming calls.
func StreamRequireRoutes(rt *authz.RouteTable) grpc.StreamServerInterceptor {
	return streamCheck(rt.Lookup)
}

func unaryCheck(policy func(method string) authz.Policy) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := check(ctx, policy(info.FullMethod), info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func streamCheck(policy func(method string) authz.Policy) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := check(ss.Context(), policy(info.FullMethod), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// Code maps a decision to a gRPC status code.
func Code(d authz.Decision) codes.Code {
	switch d.Outcome {
	case authz.Allowed:
		return codes.OK
	case authz.RedirectToLogin:
		return codes.Unauthenticated
	case authz.RedirectForbidden:
		return codes.PermissionDenied
	default:
		return codes.Unavailable
	}
}

// check evaluates p; a call that skipped authentication counts as signed out.
func check(ctx context.Context, p authz.Policy, method string) error {
	ac, ok := authctx.FromContext(ctx)
	if !ok {
		ac = authctx.SignedOut()
	}
	d := authz.Evaluate(p, ac, method)
	if d.Outcome == authz.Allowed {
		return nil
	}
	return status.Errorf(Code(d), "%s (%s)", d.Outcome, d.Reason)
}

func authenticate(ctx context.Context, client *authctx.Client, m *metrics.Metrics) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		m.RecordAuthFailure(transportGRPC, "missing_metadata")
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}
	token := extractBearerFromMD(md)
	if token == "" {
		m.RecordAuthFailure(transportGRPC, "missing_token")
		return ctx, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	var tenantID string
	if v := md.Get(MetadataTenantID); len(v) > 0 {
		tenantID = v[0]
	}

	ac, err := client.ResolveToken(ctx, token, tenantID)
	if err != nil {
		code, reason := failure(err)
		m.RecordAuthFailure(transportGRPC, reason)
		if code == codes.Unavailable {
			client.Logger().Warn("authorization context unavailable", "transport", transportGRPC, "error", err)
		}
		return ctx, status.Error(code, strings.ReplaceAll(reason, "_", " "))
	}
	m.RecordAuthSuccess(transportGRPC)
	return authctx.WithAuthorization(ctx, ac), nil
}

// failure classifies a resolution error. Anything that is not a verdict on the
// caller is Unavailable, so clients retry instead of treating it as a denial.
func failure(err error) (codes.Code, string) {
	switch {
	case errors.Is(err, authctx.ErrUnauthenticated):
		return codes.Unauthenticated, "invalid_token"
	case errors.Is(err, authctx.ErrNotAMember):
		return codes.PermissionDenied, "not_a_member"
	default:
		return codes.Unavailable, "unavailable"
	}
}

func extractBearerFromMD(md metadata.MD) string {
	v := md.Get("authorization")
	if len(v) == 0 {
		return ""
	}
	scheme, token, ok := strings.Cut(v[0], " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// wrappedStream overrides Context so handlers see the resolved authorization.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
