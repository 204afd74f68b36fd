package evm

import "context"

// StreamClient defines the live log subscription interface of a chain node.
type StreamClient interface {
	// SubscribeLogs subscribes to logs matching the filter. The returned
	// channel is closed when the underlying connection is lost or the client
	// is closed; that closure is the connection-closed notification callers
	// react to.
	SubscribeLogs(ctx context.Context, filter LogFilter) (<-chan Log, error)

	// Close closes the connection and all subscription channels.
	Close() error
}
