package shared

import "context"

type (
	sessionKey  struct{}
	clientIPKey struct{}
)

// ContextWithSession attaches the browser session loaded by the session middleware.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext returns the attached session or nil.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}

// PrincipalFromContext returns the signed-in user and provider session of
// the request's browser session.
func PrincipalFromContext(ctx context.Context) (userID int64, providerSession string, ok bool) {
	return SessionFromContext(ctx).Principal()
}

// ContextWithClientIP records the client address used for rate limiting and audit rows.
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFromContext returns the recorded client address or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
