package gwproxy

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type sessionContextKey struct{}

// bindSession stashes the downstream ServerSession on ctx so a forwarded
// elicitation request (originating from the upstream, routed back through
// Gateway) can find its way back to the right client connection. Adapted
// from the teacher's bindSession/sessionFromContext pair.
func bindSession(ctx context.Context, session *mcp.ServerSession) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, session)
}

func sessionFromContext(ctx context.Context) *mcp.ServerSession {
	session, _ := ctx.Value(sessionContextKey{}).(*mcp.ServerSession)
	return session
}
