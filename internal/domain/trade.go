package domain

import "github.com/shopspring/decimal"

// UnknownHash is the sentinel used when an upstream does not supply a
// transaction identifier.
const UnknownHash = "unknown"

// Action represents the direction of a trade.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// String returns the string representation of Action.
func (a Action) String() string {
	return string(a)
}

// IsValid checks if the action is a valid value.
func (a Action) IsValid() bool {
	return a == ActionBuy || a == ActionSell
}

// Source identifies which upstream produced a trade. Each chain pair feed and
// the external transaction stream carry a distinct tag so records merged into
// one history stay attributable.
type Source string

const (
	SourceExternal Source = "external"
)

// String returns the string representation of Source.
func (s Source) String() string {
	return string(s)
}

// Trade is the canonical normalized record of one buy/sell event.
// Immutable once constructed.
type Trade struct {
	Hash        string          `json:"hash"`                  // tx identifier, UnknownHash when absent
	Timestamp   int64           `json:"timestamp"`             // local observation time, Unix ms
	Buyer       string          `json:"buyer,omitempty"`       // origin address, empty when unknown
	Seller      string          `json:"seller,omitempty"`      // counterparty address, empty when unknown
	TokenAmount decimal.Decimal `json:"tokenAmount"`           // traded asset quantity, > 0
	BaseAmount  decimal.Decimal `json:"baseAmount"`            // settlement asset quantity, > 0
	Action      Action          `json:"action"`                // buy | sell
	Source      Source          `json:"source"`                // upstream tag
	AssetTicker string          `json:"assetTicker,omitempty"` // display metadata, constant per source
	AssetImage  string          `json:"assetImage,omitempty"`  // display metadata, constant per source

	// Chain placement, zero for external-stream trades. Used to order
	// backfilled trades; not part of the subscriber wire format.
	BlockNumber int64 `json:"-"`
	LogIndex    int64 `json:"-"`
}
