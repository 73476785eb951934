package main

import (
	"fmt"
	"io"
	"math/big"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/ligun0805/jar-burn/internal/config"
	"github.com/ligun0805/jar-burn/internal/jar"
)

func formatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).StringFixed(4)
}

func formatUSD(v float64) string {
	return "$" + decimal.NewFromFloat(v).StringFixed(2)
}

func printConfig(w io.Writer, st config.Settings, from string) {
	fmt.Fprintln(w, "=== CONFIG (.env) ===")
	fmt.Fprintln(w, "RPC_URL           :", st.RPCURL)
	fmt.Fprintln(w, "INDEXER           :", maskURL(st.IndexerEndpoint()))
	fmt.Fprintln(w, "PRICE_API_URL     :", st.PriceAPIURL)
	fmt.Fprintln(w, "JAR_ADDRESS       :", st.JarAddress)
	fmt.Fprintln(w, "FIREPIT_ADDRESS   :", st.FirepitAddress)
	fmt.Fprintln(w, "BURN_TOKEN        :", st.BurnTokenAddress)
	fmt.Fprintln(w, "BURN_QUANTITY     :", st.BurnQuantity)
	fmt.Fprintln(w, "PRIVATE_KEY       :", maskHex(st.PrivateKeyHex))
	if from != "" {
		fmt.Fprintln(w, "  -> address      :", from)
	}
	fmt.Fprintln(w, "Tip (gwei)        :", st.TipGwei)
	fmt.Fprintln(w, "BaseFeeMul        :", st.BasefeeMul)
	fmt.Fprintln(w, "BufferPct         :", st.BufferPct)
	fmt.Fprintln(w, "=====================")
}

// maskURL hides the trailing API key segment of provider URLs.
func maskURL(u string) string {
	for i := len(u) - 1; i >= 0; i-- {
		if u[i] == '/' {
			if len(u)-i-1 > 20 {
				return u[:i+1] + maskHex(u[i+1:])
			}
			break
		}
	}
	return u
}

func printSnapshot(w io.Writer, s jar.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "TOKEN\tBALANCE\tPRICE\tVALUE\tADDRESS\t")
	for _, t := range s.Tokens {
		price := formatUSD(t.Price)
		if !t.PriceKnown {
			price = "n/a"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", t.Symbol, fmt.Sprintf("%.6g", t.Human), price, formatUSD(t.Value), t.Address)
	}
	_ = tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Jar value         :", formatUSD(s.TotalValue))
	fmt.Fprintf(w, "Burn cost         : %s (%v x %s)\n", formatUSD(s.BurnCost), s.BurnQuantity, formatUSD(s.BurnPrice))
	fmt.Fprintln(w, "Net profit        :", formatUSD(s.NetProfit))
	if s.Profitable() {
		fmt.Fprintln(w, "Status            : PROFITABLE")
	} else {
		fmt.Fprintln(w, "Status            : not profitable")
	}
}
