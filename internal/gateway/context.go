package gateway

import (
	"context"

	"keyfront/internal/session"
)

type ctxKey int

const (
	ctxTraceID ctxKey = iota
	ctxSession
)

func withTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxTraceID, traceID)
}

func traceIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxTraceID).(string)
	return v
}

func withSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, ctxSession, sess)
}

func sessionFrom(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(ctxSession).(*session.Session)
	return sess
}
