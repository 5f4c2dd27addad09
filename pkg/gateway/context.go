package gateway

import "context"

type clientIDKey struct{}

// withClientID tags a request context with the websocket client serving it.
func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// clientIDFromContext returns "" for requests that did not arrive over a
// websocket, such as HTTP RPC calls.
func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	clientID, _ := ctx.Value(clientIDKey{}).(string)
	return clientID
}
