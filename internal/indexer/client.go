// Package indexer discovers every ERC-20 balance held by an address through
// the Alchemy token API (alchemy_getTokenBalances).
package indexer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/ligun0805/jar-burn/internal/jar"
	"github.com/ligun0805/jar-burn/internal/retry"
)

const (
	methodTokenBalances = "alchemy_getTokenBalances"
	requestID           = 42
	DefaultMaxPages     = 100
)

// Client talks to an Alchemy-compatible JSON-RPC endpoint.
type Client struct {
	url      string
	httpc    *http.Client
	retries  int
	maxPages int
	log      *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpc = h } }

// WithRetries sets how many extra attempts a failing page request gets within one discovery.
func WithRetries(n int) Option { return func(c *Client) { c.retries = n } }

func WithMaxPages(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:      strings.TrimSpace(url),
		httpc:    &http.Client{Timeout: 12 * time.Second},
		retries:  2,
		maxPages: DefaultMaxPages,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AlchemyURL builds the mainnet endpoint for an API key.
func AlchemyURL(apiKey string) string {
	return "https://eth-mainnet.g.alchemy.com/v2/" + strings.TrimSpace(apiKey)
}

// Discover returns every non-zero ERC-20 balance held by owner, following
// pageKey continuation until the indexer stops returning one. Any failed
// page fails the whole discovery with jar.ErrNetwork.
func (c *Client) Discover(ctx context.Context, owner jar.TrackedAddress) ([]jar.Balance, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: indexer url is empty", jar.ErrNetwork)
	}
	target := strings.ToLower(owner.Hex())
	out := make([]jar.Balance, 0)
	seen := make(map[string]struct{})
	cursor := ""
	for page := 0; ; page++ {
		if page >= c.maxPages {
			return nil, fmt.Errorf("%w: indexer returned more than %d pages", jar.ErrNetwork, c.maxPages)
		}
		res, err := c.fetchPage(ctx, target, cursor)
		if err != nil {
			return nil, err
		}
		for _, tb := range res.TokenBalances {
			b, ok := c.decode(tb)
			if !ok {
				continue
			}
			out = append(out, b)
		}
		if res.PageKey == "" {
			break
		}
		if _, dup := seen[res.PageKey]; dup {
			return nil, fmt.Errorf("%w: indexer repeated page key %q", jar.ErrNetwork, res.PageKey)
		}
		seen[res.PageKey] = struct{}{}
		cursor = res.PageKey
	}
	c.log.Debug("balances discovered", zap.String("owner", target), zap.Int("tokens", len(out)))
	return out, nil
}

func (c *Client) decode(tb tokenBalance) (jar.Balance, bool) {
	addr := jar.NormalizeAddress(tb.ContractAddress)
	if addr == "" {
		return jar.Balance{}, false
	}
	if tb.Error != nil || tb.TokenBalance == nil {
		c.log.Debug("skip balance entry", zap.String("token", addr), zap.Any("error", tb.Error))
		return jar.Balance{}, false
	}
	v, err := ParseRaw(*tb.TokenBalance)
	if err != nil {
		c.log.Debug("skip balance entry", zap.String("token", addr), zap.Error(err))
		return jar.Balance{}, false
	}
	if v.IsZero() {
		return jar.Balance{}, false
	}
	return jar.Balance{Token: addr, Raw: v.ToBig()}, true
}

func (c *Client) fetchPage(ctx context.Context, owner, cursor string) (*tokenBalancesResult, error) {
	opts := map[string]any{}
	if cursor != "" {
		opts["pageKey"] = cursor
	}
	body, err := json.Marshal(rpcReq{
		Jsonrpc: "2.0",
		Method:  methodTokenBalances,
		Params:  []any{owner, "erc20", opts},
		ID:      requestID,
	})
	if err != nil {
		return nil, err
	}

	var res tokenBalancesResult
	err = retry.Do(ctx, c.retries, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		}
		var out rpcResp
		if err := json.Unmarshal(raw, &out); err != nil {
			return retry.Permanent(fmt.Errorf("decode rpc json: %w", err))
		}
		if out.Error != nil {
			e := fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message)
			if out.Error.Code == -32005 || out.Error.Code == 429 {
				return e
			}
			return retry.Permanent(e)
		}
		if len(out.Result) == 0 || string(out.Result) == "null" {
			return retry.Permanent(errors.New("empty result"))
		}
		if err := json.Unmarshal(out.Result, &res); err != nil {
			return retry.Permanent(fmt.Errorf("decode result: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", jar.ErrNetwork, methodTokenBalances, err)
	}
	return &res, nil
}

// ParseRaw parses an indexer balance. It accepts 0x-prefixed hex up to 32
// bytes wide (with or without leading zeros) and plain decimal integers, so
// every encoding of zero compares equal.
func ParseRaw(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty balance")
	}
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		h := strings.TrimLeft(s[2:], "0")
		if h == "" {
			return new(uint256.Int), nil
		}
		if len(h) > 64 {
			return nil, fmt.Errorf("balance wider than 256 bits: %s", s)
		}
		if len(h)%2 == 1 {
			h = "0" + h
		}
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("invalid hex balance %q: %w", s, err)
		}
		return new(uint256.Int).SetBytes(b), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q: %w", s, err)
	}
	return v, nil
}
