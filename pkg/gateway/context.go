package gateway

import "context"

type clientKey struct{}

// withClientID tags ctx with the websocket client that sent the request
func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientID)
}

// clientIDFromContext is empty for plain HTTP requests
func clientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientKey{}).(string)
	return id
}
