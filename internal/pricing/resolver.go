// Package pricing looks up USD unit prices from the DexScreener token
// endpoint. Identifiers are requested in fixed-size chunks, concurrently.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ligun0805/jar-burn/internal/jar"
	"github.com/ligun0805/jar-burn/internal/retry"
)

const (
	DefaultURL         = "https://api.dexscreener.com/latest/dex/tokens"
	DefaultChunkSize   = 30
	DefaultConcurrency = 4
	DefaultChain       = "ethereum"
)

// Resolver maps price identifiers to USD unit prices.
type Resolver struct {
	url         string
	httpc       *http.Client
	chunkSize   int
	concurrency int
	chain       string
	retries     int
	breaker     *gobreaker.CircuitBreaker
	log         *zap.Logger
	onChunk     func(ok bool)
}

type Option func(*Resolver)

func WithHTTPClient(h *http.Client) Option { return func(r *Resolver) { r.httpc = h } }

func WithChunkSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithChain keeps only pairs listed on chain. Empty accepts every chain.
func WithChain(chain string) Option {
	return func(r *Resolver) { r.chain = strings.ToLower(strings.TrimSpace(chain)) }
}

func WithRetries(n int) Option { return func(r *Resolver) { r.retries = n } }

func WithLogger(l *zap.Logger) Option { return func(r *Resolver) { r.log = l } }

// WithChunkHook is called once per chunk with its outcome.
func WithChunkHook(fn func(ok bool)) Option { return func(r *Resolver) { r.onChunk = fn } }

func NewResolver(url string, opts ...Option) *Resolver {
	r := &Resolver{
		url:         strings.TrimRight(strings.TrimSpace(url), "/"),
		httpc:       &http.Client{Timeout: 12 * time.Second},
		chunkSize:   DefaultChunkSize,
		concurrency: DefaultConcurrency,
		chain:       DefaultChain,
		retries:     2,
		log:         zap.NewNop(),
	}
	if r.url == "" {
		r.url = DefaultURL
	}
	for _, o := range opts {
		o(r)
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "price-service",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Info("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return r
}

// Resolve returns a price for every identifier the service knows, keyed by
// normalised identifier. Identifiers it has nothing for are absent. A failed
// chunk only loses its own identifiers.
func (r *Resolver) Resolve(ctx context.Context, ids []string) map[string]float64 {
	chunks := Chunk(Normalize(ids), r.chunkSize)
	parts := make([]map[string]float64, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			m, err := r.fetchChunk(gctx, c)
			if err != nil {
				r.log.Warn("price chunk failed", zap.Int("chunk", i), zap.Int("ids", len(c)), zap.Error(err))
				m = map[string]float64{}
			}
			if r.onChunk != nil {
				r.onChunk(err == nil)
			}
			parts[i] = m
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]float64)
	for _, p := range parts {
		for id, px := range p {
			if _, seen := out[id]; !seen {
				out[id] = px
			}
		}
	}
	for _, c := range chunks {
		for _, id := range c {
			if _, ok := out[id]; !ok {
				r.log.Debug("no price", zap.String("id", id), zap.Error(jar.ErrMissingPrice))
			}
		}
	}
	return out
}

// Normalize lowercases and trims ids and drops empties and repeats, keeping first-seen order.
func Normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n := jar.NormalizeAddress(id)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Chunk splits ids into consecutive groups of at most size.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func (r *Resolver) fetchChunk(ctx context.Context, ids []string) (map[string]float64, error) {
	var body []byte
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, retry.Do(ctx, r.retries, func() error {
			b, err := r.get(ctx, r.url+"/"+strings.Join(ids, ","))
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: price service: %w", jar.ErrNetwork, err)
	}
	var resp tokensResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: price service: decode: %w", jar.ErrNetwork, err)
	}
	return r.match(ids, resp.Pairs), nil
}

func (r *Resolver) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return b, nil
}

// match keeps the first usable pair per requested identifier.
func (r *Resolver) match(ids []string, pairs []pair) map[string]float64 {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make(map[string]float64)
	for _, p := range pairs {
		if r.chain != "" && p.ChainID != "" && !strings.EqualFold(p.ChainID, r.chain) {
			continue
		}
		id := jar.NormalizeAddress(p.BaseToken.Address)
		if _, ok := want[id]; !ok {
			continue
		}
		if _, done := out[id]; done {
			continue
		}
		px := float64(p.PriceUSD)
		if px <= 0 || math.IsNaN(px) || math.IsInf(px, 0) {
			continue
		}
		out[id] = px
	}
	return out
}

type tokensResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID   string    `json:"chainId"`
	BaseToken baseToken `json:"baseToken"`
	PriceUSD  flexFloat `json:"priceUsd"`
}

type baseToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

// flexFloat accepts a JSON number or a numeric string. Anything else decodes as 0.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}
