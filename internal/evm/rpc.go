package evm

import "context"

// RPCClient defines the JSON-RPC methods the feed needs from a chain node.
type RPCClient interface {
	// BlockNumber returns the most recent block height.
	BlockNumber(ctx context.Context) (int64, error)

	// GetLogs returns historical logs matching the filter.
	GetLogs(ctx context.Context, filter LogFilter) ([]Log, error)
}

// LogFilter selects logs by contract address, topic signature and block range.
// FromBlock/ToBlock are ignored by live subscriptions.
type LogFilter struct {
	FromBlock int64
	ToBlock   int64
	Address   string
	Topics    []string
}

// Log is one raw contract log record as delivered by the node.
type Log struct {
	Address     string
	Topics      []string
	Data        string // 0x-prefixed hex, 32-byte words
	TxHash      string
	BlockNumber int64
	LogIndex    int64
	Removed     bool
}
