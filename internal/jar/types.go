package jar

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// UnknownSymbol marks a token whose symbol() could not be read.
	UnknownSymbol = "???"
	// DefaultDecimals is used when decimals() could not be read.
	DefaultDecimals uint8 = 18
	// DefaultLPSymbol is the symbol of Uniswap V2 LP shares.
	DefaultLPSymbol = "UNI-V2"
)

// TrackedAddress is the jar contract whose holdings are valued.
type TrackedAddress = common.Address

// Balance is one token held by the jar, in base units.
type Balance struct {
	Token string   // lowercase 0x address
	Raw   *big.Int // never negative
}

// MetadataSource tells where a Metadata value came from.
type MetadataSource string

const (
	SourceLive    MetadataSource = "live"
	SourceStatic  MetadataSource = "static"
	SourceDefault MetadataSource = "default"
)

type Metadata struct {
	Token    string
	Symbol   string
	Decimals uint8
	Source   MetadataSource
}

// DefaultMetadata is the placeholder used when nothing is known about a token.
func DefaultMetadata(token string) Metadata {
	return Metadata{Token: NormalizeAddress(token), Symbol: UnknownSymbol, Decimals: DefaultDecimals, Source: SourceDefault}
}

// Token is a balance joined with its metadata and price.
type Token struct {
	Address    string  `json:"address"`
	Symbol     string  `json:"symbol"`
	Decimals   uint8   `json:"decimals"`
	Raw        string  `json:"raw"`
	Human      float64 `json:"balance"`
	Price      float64 `json:"price"`
	PriceKnown bool    `json:"priceKnown"`
	Value      float64 `json:"value"`
}

// Snapshot is the valuation of the jar at one point in time.
type Snapshot struct {
	Tokens       []Token `json:"tokens"`
	TotalValue   float64 `json:"totalValue"`
	BurnPrice    float64 `json:"burnPrice"`
	BurnQuantity float64 `json:"burnQuantity"`
	BurnCost     float64 `json:"burnCost"`
	NetProfit    float64 `json:"netProfit"`
}

// Profitable reports whether burning now yields a strictly positive profit.
func (s Snapshot) Profitable() bool { return s.NetProfit > 0 }

// Addresses returns the token addresses in snapshot order, as release() expects them.
func (s Snapshot) Addresses() []common.Address {
	out := make([]common.Address, 0, len(s.Tokens))
	for _, t := range s.Tokens {
		out = append(out, common.HexToAddress(t.Address))
	}
	return out
}

// NormalizeAddress trims and lowercases an address or price identifier.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsLPShare reports whether symbol equals the LP-share marker, ignoring case.
func IsLPShare(symbol, marker string) bool {
	if marker == "" {
		marker = DefaultLPSymbol
	}
	return strings.EqualFold(strings.TrimSpace(symbol), marker)
}
