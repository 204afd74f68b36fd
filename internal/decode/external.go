package decode

import (
	"time"

	"github.com/shopspring/decimal"

	"dex-trade-feed/internal/domain"
)

// ExternalMessage is the push payload of the external transaction stream.
type ExternalMessage struct {
	Hash                  string          `json:"hash"`
	Wallet                string          `json:"wallet"`
	AmountInToken         decimal.Decimal `json:"amountInToken"`
	AmountInChainCurrency decimal.Decimal `json:"amountInChainCurrency"`
	Type                  string          `json:"type"`
	TokenDetails          struct {
		Ticker string `json:"ticker"`
		Image  string `json:"image"`
	} `json:"tokenDetails"`
}

// ExternalDecoder maps external stream messages into trades.
type ExternalDecoder struct {
	fallbackTicker string
	fallbackImage  string
	now            func() time.Time
}

// NewExternalDecoder creates a decoder with the given display fallbacks.
func NewExternalDecoder(fallbackTicker, fallbackImage string) *ExternalDecoder {
	return &ExternalDecoder{
		fallbackTicker: fallbackTicker,
		fallbackImage:  fallbackImage,
		now:            time.Now,
	}
}

// Decode converts one external message into a Trade, defaulting missing
// fields per the stream contract: wallet→"unknown", type→buy, ticker/image
// to the configured fallbacks. Amounts default to zero, which the zero
// guard then rejects, so a degenerate push never reaches history.
func (d *ExternalDecoder) Decode(msg ExternalMessage) (*domain.Trade, error) {
	if msg.AmountInToken.IsZero() || msg.AmountInChainCurrency.IsZero() {
		return nil, ErrZeroAmount
	}

	hash := msg.Hash
	if hash == "" {
		hash = domain.UnknownHash
	}
	wallet := msg.Wallet
	if wallet == "" {
		wallet = domain.UnknownHash
	}

	action := domain.ActionBuy
	if msg.Type == string(domain.ActionSell) {
		action = domain.ActionSell
	}

	ticker := msg.TokenDetails.Ticker
	if ticker == "" {
		ticker = d.fallbackTicker
	}
	image := msg.TokenDetails.Image
	if image == "" {
		image = d.fallbackImage
	}

	trade := &domain.Trade{
		Hash:        hash,
		Timestamp:   d.now().UnixMilli(),
		TokenAmount: msg.AmountInToken,
		BaseAmount:  msg.AmountInChainCurrency,
		Action:      action,
		Source:      domain.SourceExternal,
		AssetTicker: ticker,
		AssetImage:  image,
	}

	if action == domain.ActionBuy {
		trade.Buyer = wallet
	} else {
		trade.Seller = wallet
	}

	return trade, nil
}
