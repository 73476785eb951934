package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ligun0805/jar-burn/internal/indexer"
	"github.com/ligun0805/jar-burn/internal/jar"
)

const (
	DefaultJar       = "0xf38521f130fccf29db1961597bc5d2b60f995f85"
	DefaultFirepit   = "0x0D5Cd355e2aBEB8fb1552F56c965B867346d6721"
	DefaultBurnToken = "0x1f9840a85d5aF5bf1D1762F925BDADdC4201F984"

	// address:SYMBOL:decimals, comma separated
	defaultKnownTokens = "0x1f9840a85d5aF5bf1D1762F925BDADdC4201F984:UNI:18," +
		"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2:WETH:18," +
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48:USDC:6," +
		"0xdAC17F958D2ee523a2206206994597C13D831ec7:USDT:6," +
		"0x6B175474E89094C44Da98b954EedeAC495271d0F:DAI:18"
)

// Settings keeps all configuration options.
type Settings struct {
	RPCURL  string
	ChainID string // empty: ask the node

	AlchemyAPIKey   string
	IndexerURL      string
	IndexerMaxPages int

	PriceAPIURL      string
	PriceChainID     string
	PriceChunkSize   int
	PriceConcurrency int

	JarAddress       string
	FirepitAddress   string
	BurnTokenAddress string
	BurnQuantity     float64
	BurnDecimals     int
	LPSymbol         string

	KnownTokens        map[string]jar.Metadata
	PriceIDs           map[string]string
	MetadataBatchSize  int
	MetadataTTL        time.Duration
	MetadataStaticOnly bool

	Refresh     time.Duration
	HTTPTimeout time.Duration
	HTTPRetries int
	HTTPAddr    string

	LogLevel string
	LogFile  string

	PrivateKeyHex string
	TipGwei       int64
	BasefeeMul    int64
	BufferPct     int64
}

// Load reads settings from environment supporting both UPPER_CASE and lower_case keys.
func Load() Settings {
	get := func(keys []string, def string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				return v
			}
		}
		return def
	}
	getInt := func(keys []string, def int) int {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		return def
	}
	getInt64 := func(keys []string, def int64) int64 {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		return def
	}
	getFloat := func(keys []string, def float64) float64 {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
		return def
	}
	getBool := func(keys []string, def bool) bool {
		s := strings.ToLower(get(keys, ""))
		if s == "" {
			return def
		}
		return s == "1" || s == "true" || s == "yes" || s == "on"
	}
	getSecs := func(keys []string, def time.Duration) time.Duration {
		n := getInt(keys, -1)
		if n <= 0 {
			return def
		}
		return time.Duration(n) * time.Second
	}

	st := Settings{}
	st.RPCURL = get([]string{"rpc_url", "RPC_URL"}, "https://eth.llamarpc.com")
	st.ChainID = get([]string{"chain_id", "CHAIN_ID"}, "")

	st.AlchemyAPIKey = get([]string{"alchemy_api_key", "ALCHEMY_API_KEY"}, "")
	st.IndexerURL = get([]string{"indexer_url", "INDEXER_URL"}, "")
	st.IndexerMaxPages = getInt([]string{"indexer_max_pages", "INDEXER_MAX_PAGES"}, 100)

	st.PriceAPIURL = get([]string{"price_api_url", "PRICE_API_URL"}, "https://api.dexscreener.com/latest/dex/tokens")
	st.PriceChainID = get([]string{"price_chain_id", "PRICE_CHAIN_ID"}, "ethereum")
	if strings.EqualFold(st.PriceChainID, "any") {
		st.PriceChainID = ""
	}
	st.PriceChunkSize = getInt([]string{"price_chunk_size", "PRICE_CHUNK_SIZE"}, 30)
	st.PriceConcurrency = getInt([]string{"price_concurrency", "PRICE_CONCURRENCY"}, 4)

	st.JarAddress = get([]string{"jar_address", "JAR_ADDRESS"}, DefaultJar)
	st.FirepitAddress = get([]string{"firepit_address", "FIREPIT_ADDRESS"}, DefaultFirepit)
	st.BurnTokenAddress = get([]string{"burn_token_address", "BURN_TOKEN_ADDRESS"}, DefaultBurnToken)
	st.BurnQuantity = getFloat([]string{"burn_quantity", "BURN_QUANTITY"}, 4000)
	st.BurnDecimals = getInt([]string{"burn_decimals", "BURN_DECIMALS"}, int(jar.DefaultDecimals))
	st.LPSymbol = get([]string{"lp_symbol", "LP_SYMBOL"}, jar.DefaultLPSymbol)

	st.KnownTokens = ParseKnownTokens(get([]string{"known_tokens", "KNOWN_TOKENS"}, defaultKnownTokens))
	st.PriceIDs = ParsePriceIDs(get([]string{"price_ids", "PRICE_IDS"}, ""))
	st.MetadataBatchSize = getInt([]string{"metadata_batch_size", "METADATA_BATCH_SIZE"}, 100)
	st.MetadataTTL = getSecs([]string{"metadata_ttl_secs", "METADATA_TTL_SECS"}, 24*time.Hour)
	st.MetadataStaticOnly = getBool([]string{"metadata_static_only", "METADATA_STATIC_ONLY"}, false)

	st.Refresh = getSecs([]string{"refresh_secs", "REFRESH_SECS"}, 60*time.Second)
	st.HTTPTimeout = getSecs([]string{"http_timeout_secs", "HTTP_TIMEOUT_SECS"}, 12*time.Second)
	st.HTTPRetries = getInt([]string{"http_retries", "HTTP_RETRIES"}, 2)
	st.HTTPAddr = get([]string{"http_addr", "HTTP_ADDR"}, ":8080")

	st.LogLevel = get([]string{"log_level", "LOG_LEVEL"}, "info")
	st.LogFile = get([]string{"log_file", "LOG_FILE"}, "")

	st.PrivateKeyHex = get([]string{"private_key", "PRIVATE_KEY"}, "")
	st.TipGwei = getInt64([]string{"tip_gwei", "TIP_GWEI"}, 2)
	st.BasefeeMul = getInt64([]string{"basefee_mul", "BASEFEE_MUL"}, 2)
	st.BufferPct = getInt64([]string{"buffer_pct", "BUFFER_PCT"}, 20)

	return st
}

// IndexerEndpoint is INDEXER_URL, or the Alchemy mainnet URL for ALCHEMY_API_KEY.
func (s Settings) IndexerEndpoint() string {
	if s.IndexerURL != "" {
		return s.IndexerURL
	}
	if s.AlchemyAPIKey != "" {
		return indexer.AlchemyURL(s.AlchemyAPIKey)
	}
	return ""
}

// Validate reports every malformed or missing value at once.
func (s Settings) Validate() error {
	var errs []error
	for _, a := range []struct{ name, v string }{
		{"JAR_ADDRESS", s.JarAddress},
		{"FIREPIT_ADDRESS", s.FirepitAddress},
		{"BURN_TOKEN_ADDRESS", s.BurnTokenAddress},
	} {
		if !common.IsHexAddress(a.v) {
			errs = append(errs, fmt.Errorf("%s: not an address: %q", a.name, a.v))
		}
	}
	if s.IndexerEndpoint() == "" {
		errs = append(errs, errors.New("INDEXER_URL or ALCHEMY_API_KEY is required"))
	}
	if s.RPCURL == "" {
		errs = append(errs, errors.New("RPC_URL is required"))
	}
	if s.BurnQuantity < 0 {
		errs = append(errs, fmt.Errorf("BURN_QUANTITY must not be negative: %v", s.BurnQuantity))
	}
	if s.BurnDecimals < 0 || s.BurnDecimals > 255 {
		errs = append(errs, fmt.Errorf("BURN_DECIMALS out of range: %d", s.BurnDecimals))
	}
	if s.ChainID != "" {
		if _, err := strconv.ParseUint(s.ChainID, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("CHAIN_ID: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ParseKnownTokens parses "addr:SYMBOL:decimals,..." entries. Malformed entries are skipped.
func ParseKnownTokens(s string) map[string]jar.Metadata {
	out := make(map[string]jar.Metadata)
	for _, item := range splitCSV(s) {
		parts := strings.Split(item, ":")
		if len(parts) != 3 || !common.IsHexAddress(strings.TrimSpace(parts[0])) {
			continue
		}
		dec, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 8)
		if err != nil {
			continue
		}
		addr := jar.NormalizeAddress(parts[0])
		out[addr] = jar.Metadata{Token: addr, Symbol: strings.TrimSpace(parts[1]), Decimals: uint8(dec), Source: jar.SourceStatic}
	}
	return out
}

// ParsePriceIDs parses "addr=id,..." entries into a normalised address to id map.
func ParsePriceIDs(s string) map[string]string {
	out := make(map[string]string)
	for _, item := range splitCSV(s) {
		k, v, ok := strings.Cut(item, "=")
		k, v = jar.NormalizeAddress(k), jar.NormalizeAddress(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
