// Package metadata resolves ERC-20 symbol and decimals for token addresses
// with batched read-only contract calls.
package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/ligun0805/jar-burn/internal/cache"
	"github.com/ligun0805/jar-burn/internal/jar"
)

const DefaultBatchSize = 100

// BatchCaller submits several JSON-RPC calls in one request. *rpc.Client implements it.
type BatchCaller interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

type callArgs struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// Resolver is the single metadata resolver: an optional static table
// in front of live symbol()/decimals() reads.
type Resolver struct {
	reader     BatchCaller
	static     map[string]jar.Metadata
	staticOnly bool
	batchSize  int
	cache      *cache.TTL[jar.Metadata]
	log        *zap.Logger
}

type Option func(*Resolver)

// WithStatic registers well-known tokens. Live results still win; static
// entries replace the ???/18 placeholder when a live read fails.
func WithStatic(known map[string]jar.Metadata) Option {
	return func(r *Resolver) {
		for k, m := range known {
			a := jar.NormalizeAddress(k)
			m.Token = a
			m.Source = jar.SourceStatic
			r.static[a] = m
		}
	}
}

// WithStaticOnly skips the live read for tokens present in the static table.
func WithStaticOnly(on bool) Option { return func(r *Resolver) { r.staticOnly = on } }

func WithBatchSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithCacheTTL sets how long a successfully resolved entry is reused.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Resolver) { r.cache = cache.New[jar.Metadata](d) }
}

func WithLogger(l *zap.Logger) Option { return func(r *Resolver) { r.log = l } }

func NewResolver(reader BatchCaller, opts ...Option) *Resolver {
	r := &Resolver{
		reader:    reader,
		static:    make(map[string]jar.Metadata),
		batchSize: DefaultBatchSize,
		cache:     cache.New[jar.Metadata](24 * time.Hour),
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns metadata for every distinct address in tokens, keyed by
// normalised address. It never fails: unreadable fields fall back to the
// static table or to ???/18.
func (r *Resolver) Resolve(ctx context.Context, tokens []string) map[string]jar.Metadata {
	out := make(map[string]jar.Metadata, len(tokens))
	pending := make([]string, 0, len(tokens))
	for _, t := range tokens {
		a := jar.NormalizeAddress(t)
		if a == "" {
			continue
		}
		if _, done := out[a]; done {
			continue
		}
		if m, ok := r.cache.Get(a); ok {
			out[a] = m
			continue
		}
		if st, ok := r.static[a]; ok && r.staticOnly {
			out[a] = st
			continue
		}
		out[a] = r.fallback(a)
		pending = append(pending, a)
	}
	for start := 0; start < len(pending); start += r.batchSize {
		end := start + r.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		r.resolveBatch(ctx, pending[start:end], out)
	}
	return out
}

func (r *Resolver) fallback(addr string) jar.Metadata {
	if st, ok := r.static[addr]; ok {
		return st
	}
	return jar.DefaultMetadata(addr)
}

func (r *Resolver) resolveBatch(ctx context.Context, addrs []string, out map[string]jar.Metadata) {
	if r.reader == nil {
		return
	}
	elems := make([]rpc.BatchElem, 0, 2*len(addrs))
	for _, a := range addrs {
		to := common.HexToAddress(a)
		elems = append(elems, ethCall(to, selSymbol), ethCall(to, selDecimals))
	}
	if err := r.reader.BatchCallContext(ctx, elems); err != nil {
		r.log.Warn("metadata batch failed", zap.Int("tokens", len(addrs)), zap.Error(err))
		return
	}
	for i, a := range addrs {
		m := r.fallback(a)
		sym, symErr := decodeWith(elems[2*i], DecodeSymbol)
		if symErr == nil {
			m.Symbol = sym
		} else {
			r.partial(a, "symbol", symErr)
		}
		dec, decErr := decodeWith(elems[2*i+1], DecodeDecimals)
		if decErr == nil {
			m.Decimals = dec
		} else {
			r.partial(a, "decimals", decErr)
		}
		if symErr == nil && decErr == nil {
			m.Source = jar.SourceLive
			r.cache.Put(a, m)
		}
		out[a] = m
	}
}

func (r *Resolver) partial(addr, field string, err error) {
	r.log.Debug("metadata field defaulted",
		zap.String("token", addr), zap.String("field", field),
		zap.Error(fmt.Errorf("%w: %w", jar.ErrPartialDecode, err)))
}

func ethCall(to common.Address, data []byte) rpc.BatchElem {
	return rpc.BatchElem{
		Method: "eth_call",
		Args:   []any{callArgs{To: to, Data: data}, "latest"},
		Result: new(hexutil.Bytes),
	}
}

func decodeWith[T any](e rpc.BatchElem, decode func([]byte) (T, error)) (T, error) {
	if e.Error != nil {
		var zero T
		return zero, e.Error
	}
	var raw []byte
	if b, ok := e.Result.(*hexutil.Bytes); ok && b != nil {
		raw = *b
	}
	return decode(raw)
}
