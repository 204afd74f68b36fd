// Package decode turns raw upstream event records into canonical trades.
// Decoders are pure transforms: they return errors for malformed or
// irrelevant records and never panic past this boundary.
package decode

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/evm"
)

// SwapEventSig is topic0 of a V2 pair Swap event:
// Swap(address,uint256,uint256,uint256,uint256,address).
const SwapEventSig = "0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822"

// Rejection reasons. Callers log and skip; none of these tear anything down.
var (
	ErrMalformedData   = errors.New("malformed swap event data")
	ErrNoAssetMovement = errors.New("no tracked-asset movement in swap")
	ErrZeroAmount      = errors.New("zero amount after scaling")
)

const wordHexLen = 64 // one 32-byte ABI word

// PairConfig describes one tracked pair feed.
type PairConfig struct {
	// Source tags every trade decoded for this pair.
	Source domain.Source
	// TokenDecimals is the tracked asset's decimal exponent.
	TokenDecimals int32
	// BaseDecimals is the settlement asset's decimal exponent.
	BaseDecimals int32
	// AssetTicker and AssetImage are display metadata attached as constants,
	// never decoded from the event.
	AssetTicker string
	AssetImage  string
}

// SwapDecoder decodes raw V2 swap logs for one pair into trades.
type SwapDecoder struct {
	cfg PairConfig
	now func() time.Time
}

// NewSwapDecoder creates a decoder for the given pair.
func NewSwapDecoder(cfg PairConfig) *SwapDecoder {
	return &SwapDecoder{cfg: cfg, now: time.Now}
}

// Decode converts one raw swap log into a Trade.
//
// Data layout is four 32-byte words: baseIn, tokenIn, baseOut, tokenOut.
// Direction: tokenOut > 0 means buy (token leaves the pool), else tokenIn > 0
// means sell, else the swap moved only unrelated assets and is rejected.
func (d *SwapDecoder) Decode(l evm.Log) (*domain.Trade, error) {
	baseIn, tokenIn, baseOut, tokenOut, err := parseSwapAmounts(l.Data)
	if err != nil {
		return nil, err
	}

	var action domain.Action
	var rawToken, rawBase *big.Int
	switch {
	case tokenOut.Sign() > 0:
		action = domain.ActionBuy
		rawToken = tokenOut
		rawBase = baseIn
	case tokenIn.Sign() > 0:
		action = domain.ActionSell
		rawToken = tokenIn
		rawBase = baseOut
	default:
		return nil, ErrNoAssetMovement
	}

	// Exact integer-to-decimal scaling, no binary floating point: chain
	// amounts routinely exceed the 53-bit float-safe range.
	tokenAmount := decimal.NewFromBigInt(rawToken, -d.cfg.TokenDecimals)
	baseAmount := decimal.NewFromBigInt(rawBase, -d.cfg.BaseDecimals)

	if tokenAmount.IsZero() || baseAmount.IsZero() {
		return nil, ErrZeroAmount
	}

	hash := l.TxHash
	if hash == "" {
		hash = domain.UnknownHash
	}

	trade := &domain.Trade{
		Hash:        hash,
		Timestamp:   d.now().UnixMilli(),
		TokenAmount: tokenAmount,
		BaseAmount:  baseAmount,
		Action:      action,
		Source:      d.cfg.Source,
		AssetTicker: d.cfg.AssetTicker,
		AssetImage:  d.cfg.AssetImage,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.LogIndex,
	}

	sender := topicAddress(l.Topics, 1)
	recipient := topicAddress(l.Topics, 2)
	if action == domain.ActionBuy {
		trade.Buyer = recipient
	} else {
		trade.Seller = sender
	}

	return trade, nil
}

// parseSwapAmounts splits the hex data field into its four amount words.
func parseSwapAmounts(data string) (baseIn, tokenIn, baseOut, tokenOut *big.Int, err error) {
	hexData := strings.TrimPrefix(data, "0x")
	if len(hexData) < 4*wordHexLen {
		return nil, nil, nil, nil, fmt.Errorf("%w: %d hex chars, want %d", ErrMalformedData, len(hexData), 4*wordHexLen)
	}

	words := make([]*big.Int, 4)
	for i := range words {
		word := hexData[i*wordHexLen : (i+1)*wordHexLen]
		v, ok := new(big.Int).SetString(word, 16)
		if !ok {
			return nil, nil, nil, nil, fmt.Errorf("%w: word %d not hex", ErrMalformedData, i)
		}
		words[i] = v
	}

	return words[0], words[1], words[2], words[3], nil
}

// topicAddress extracts the address packed into an indexed topic, or ""
// when the topic is absent.
func topicAddress(topics []string, i int) string {
	if i >= len(topics) {
		return ""
	}
	t := strings.TrimPrefix(topics[i], "0x")
	if len(t) < 40 {
		return ""
	}
	return "0x" + t[len(t)-40:]
}
