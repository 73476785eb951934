// Package pipeline drives discovery, metadata and price lookups on a timer
// and publishes the resulting jar valuation.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ligun0805/jar-burn/internal/cache"
	"github.com/ligun0805/jar-burn/internal/jar"
	"github.com/ligun0805/jar-burn/internal/valuation"
)

const (
	StageBalances = "balances"
	StageMetadata = "metadata"
	StagePrices   = "prices"

	DefaultInterval = 60 * time.Second
)

type BalanceSource interface {
	Discover(ctx context.Context, owner jar.TrackedAddress) ([]jar.Balance, error)
}

type MetadataSource interface {
	Resolve(ctx context.Context, tokens []string) map[string]jar.Metadata
}

type PriceSource interface {
	Resolve(ctx context.Context, ids []string) map[string]float64
}

// Observer receives fetch outcomes and published snapshots. Metrics implement it.
type Observer interface {
	ObserveFetch(stage string, err error, took time.Duration)
	ObserveSnapshot(s jar.Snapshot)
}

type nopObserver struct{}

func (nopObserver) ObserveFetch(string, error, time.Duration) {}
func (nopObserver) ObserveSnapshot(jar.Snapshot)              {}

// Config is the static part of a valuation.
type Config struct {
	Jar          jar.TrackedAddress
	BurnToken    string
	BurnQuantity float64
	LPSymbol     string
	PriceIDs     map[string]string
	Interval     time.Duration
}

// View is what consumers render. Snapshot stays nil until balances have
// been discovered once.
type View struct {
	CycleID   string            `json:"cycleId,omitempty"`
	Snapshot  *jar.Snapshot     `json:"snapshot"`
	Loading   bool              `json:"loading"`
	Errors    map[string]string `json:"errors,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type Monitor struct {
	cfg      Config
	log      *zap.Logger
	obs      Observer
	balances *Stage[jar.TrackedAddress, []jar.Balance]
	metadata *Stage[[]string, map[string]jar.Metadata]
	prices   *Stage[[]string, map[string]float64]

	pubMu sync.Mutex
	mu    sync.RWMutex
	view  View
	subs  map[chan View]struct{}
	cycle string
}

type Option func(*Monitor)

func WithLogger(l *zap.Logger) Option { return func(m *Monitor) { m.log = l } }

func WithObserver(o Observer) Option {
	return func(m *Monitor) {
		if o != nil {
			m.obs = o
		}
	}
}

func NewMonitor(cfg Config, bs BalanceSource, ms MetadataSource, ps PriceSource, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	m := &Monitor{
		cfg:  cfg,
		log:  zap.NewNop(),
		obs:  nopObserver{},
		subs: make(map[chan View]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.balances = NewStage(StageBalances,
		func(a jar.TrackedAddress) string { return jar.NormalizeAddress(a.Hex()) },
		func(ctx context.Context, a jar.TrackedAddress) ([]jar.Balance, error) {
			return bs.Discover(ctx, a)
		})
	m.metadata = NewStage(StageMetadata, cache.Key,
		func(ctx context.Context, tokens []string) (map[string]jar.Metadata, error) {
			out := ms.Resolve(ctx, tokens)
			return out, ctx.Err()
		})
	m.prices = NewStage(StagePrices, cache.Key,
		func(ctx context.Context, ids []string) (map[string]float64, error) {
			out := ps.Resolve(ctx, ids)
			return out, ctx.Err()
		})
	m.view = View{Loading: true}
	return m
}

// Run refreshes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := m.RefreshOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RefreshOnce runs one full cycle: balances, then metadata and prices for
// the discovered tokens. The returned error is the balance stage error, if any.
func (m *Monitor) RefreshOnce(ctx context.Context) (View, error) {
	cycle := uuid.NewString()
	log := m.log.With(zap.String("cycle", cycle))
	m.mu.Lock()
	m.cycle = cycle
	m.mu.Unlock()

	m.publish()
	res, _ := runObserved(ctx, m, m.balances, m.cfg.Jar)
	m.publish()

	balances, ok := m.balances.Last()
	if !ok {
		if err := res.Err(); err != nil {
			log.Warn("balance discovery failed", zap.Error(err))
		}
		return m.View(), res.Err()
	}

	tokens := make([]string, 0, len(balances))
	for _, b := range balances {
		tokens = append(tokens, b.Token)
	}
	ids := valuation.PriceIDs(m.cfg.PriceIDs, balances, m.cfg.BurnToken)

	var g errgroup.Group
	g.Go(func() error {
		runObserved(ctx, m, m.metadata, tokens)
		m.publish()
		return nil
	})
	g.Go(func() error {
		runObserved(ctx, m, m.prices, ids)
		m.publish()
		return nil
	})
	_ = g.Wait()

	v := m.View()
	if v.Snapshot != nil {
		log.Info("jar valued",
			zap.Int("tokens", len(v.Snapshot.Tokens)),
			zap.Float64("total_usd", v.Snapshot.TotalValue),
			zap.Float64("burn_cost_usd", v.Snapshot.BurnCost),
			zap.Float64("net_usd", v.Snapshot.NetProfit),
			zap.Bool("profitable", v.Snapshot.Profitable()))
	}
	if err := res.Err(); err != nil {
		log.Warn("balance discovery failed, showing last good balances", zap.Error(err))
	}
	return v, res.Err()
}

func runObserved[P, T any](ctx context.Context, m *Monitor, s *Stage[P, T], p P) (Result[T], bool) {
	start := time.Now()
	res, applied := s.Run(ctx, p)
	if applied {
		m.obs.ObserveFetch(s.Name(), res.Err(), time.Since(start))
	}
	return res, applied
}

// View returns the latest published view.
func (m *Monitor) View() View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// Subscribe returns a channel that receives every new view. A slow reader
// only sees the latest one. Call the returned func to unsubscribe.
func (m *Monitor) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	ch <- m.view
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
}

func (m *Monitor) publish() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	v := m.compute()

	m.mu.Lock()
	v.CycleID = m.cycle
	m.view = v
	for ch := range m.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
	m.mu.Unlock()

	if v.Snapshot != nil {
		m.obs.ObserveSnapshot(*v.Snapshot)
	}
}

func (m *Monitor) compute() View {
	br, mr, pr := m.balances.Result(), m.metadata.Result(), m.prices.Result()
	v := View{
		Loading:   br.Pending() || mr.Pending() || pr.Pending(),
		UpdatedAt: time.Now().UTC(),
	}
	for name, err := range map[string]error{StageBalances: br.Err(), StageMetadata: mr.Err(), StagePrices: pr.Err()} {
		if err != nil {
			if v.Errors == nil {
				v.Errors = make(map[string]string)
			}
			v.Errors[name] = err.Error()
		}
	}

	balances, ok := m.balances.Last()
	if !ok {
		return v
	}
	md, _ := m.metadata.Last()
	px, _ := m.prices.Last()
	s := valuation.Valuate(valuation.Input{
		Balances:     balances,
		Metadata:     md,
		Prices:       px,
		PriceIDs:     m.cfg.PriceIDs,
		BurnToken:    m.cfg.BurnToken,
		BurnQuantity: m.cfg.BurnQuantity,
		LPSymbol:     m.cfg.LPSymbol,
	})
	v.Snapshot = &s
	return v
}
