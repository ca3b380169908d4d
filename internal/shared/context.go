package shared

import (
	"context"
	"strconv"
)

type sessionContextKey struct{}

type actorContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// ContextWithActor pins the effective acting user for the request. Set by
// the authentication middleware after resolving impersonation; handlers and
// services read it back through ActorID and never consult ambient session
// state themselves.
func ContextWithActor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, userID)
}

// ActorID returns the effective acting user for the request. Falls back to
// the session's effective identity when no actor was pinned explicitly.
func ActorID(ctx context.Context) (int64, bool) {
	if id, ok := ctx.Value(actorContextKey{}).(int64); ok && id > 0 {
		return id, true
	}
	sess := SessionFromContext(ctx)
	if sess == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(sess.EffectiveUser(), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
