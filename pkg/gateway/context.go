package gateway

import "context"

type ctxKey string

const clientKey ctxKey = "client"

// withClient marks ctx as serving a request from a WebSocket client.
func withClient(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

// clientFromContext returns nil for requests that came in over /rpc.
func clientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	if client, ok := ctx.Value(clientKey).(*Client); ok {
		return client
	}
	return nil
}
