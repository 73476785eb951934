// Package valuation turns balances, metadata and prices into a jar snapshot.
package valuation

import (
	"math"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ligun0805/jar-burn/internal/jar"
)

// Input is everything one valuation pass reads. Nothing in it is mutated.
type Input struct {
	Balances []jar.Balance
	Metadata map[string]jar.Metadata
	Prices   map[string]float64

	// PriceIDs maps a token address to its price-service identifier.
	// Tokens without an entry are priced by address.
	PriceIDs map[string]string

	BurnToken    string
	BurnQuantity float64
	LPSymbol     string
}

// Valuate builds the snapshot. Same input, same output.
func Valuate(in Input) jar.Snapshot {
	order := make([]string, 0, len(in.Balances))
	latest := make(map[string]*big.Int, len(in.Balances))
	for _, b := range in.Balances {
		a := jar.NormalizeAddress(b.Token)
		if a == "" {
			continue
		}
		if _, seen := latest[a]; !seen {
			order = append(order, a)
		}
		latest[a] = b.Raw
	}

	tokens := make([]jar.Token, 0, len(order))
	for _, a := range order {
		md, ok := in.Metadata[a]
		if !ok {
			md = jar.DefaultMetadata(a)
		}
		if jar.IsLPShare(md.Symbol, in.LPSymbol) {
			continue
		}
		raw := latest[a]
		if raw == nil || raw.Sign() < 0 {
			raw = new(big.Int)
		}
		human := HumanBalance(raw, md.Decimals)
		price, known := in.Prices[PriceID(in.PriceIDs, a)]
		price = finite(price)
		known = known && price > 0
		tokens = append(tokens, jar.Token{
			Address:    a,
			Symbol:     md.Symbol,
			Decimals:   md.Decimals,
			Raw:        raw.String(),
			Human:      human,
			Price:      price,
			PriceKnown: known,
			Value:      finite(human * price),
		})
	}

	sort.SliceStable(tokens, func(i, j int) bool { return tokens[i].Value > tokens[j].Value })

	var total float64
	for _, t := range tokens {
		total += t.Value
	}
	burnPrice := finite(in.Prices[PriceID(in.PriceIDs, in.BurnToken)])
	qty := finite(in.BurnQuantity)
	cost := finite(qty * burnPrice)

	return jar.Snapshot{
		Tokens:       tokens,
		TotalValue:   finite(total),
		BurnPrice:    burnPrice,
		BurnQuantity: qty,
		BurnCost:     cost,
		NetProfit:    finite(total - cost),
	}
}

// HumanBalance shifts raw by decimals exactly before converting to float64.
func HumanBalance(raw *big.Int, decimals uint8) float64 {
	if raw == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(raw, -int32(decimals)).Float64()
	return finite(f)
}

// PriceID returns the identifier a token is priced under.
func PriceID(ids map[string]string, token string) string {
	a := jar.NormalizeAddress(token)
	if id, ok := ids[a]; ok && id != "" {
		return jar.NormalizeAddress(id)
	}
	return a
}

// PriceIDs lists the identifiers needed to value balances plus the burn token.
func PriceIDs(ids map[string]string, balances []jar.Balance, burnToken string) []string {
	out := make([]string, 0, len(balances)+1)
	seen := make(map[string]struct{}, len(balances)+1)
	add := func(tok string) {
		if jar.NormalizeAddress(tok) == "" {
			return
		}
		id := PriceID(ids, tok)
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, b := range balances {
		add(b.Token)
	}
	add(burnToken)
	return out
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
