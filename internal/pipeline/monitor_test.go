package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/jar-burn/internal/jar"
)

const (
	usdc = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	weth = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	uni  = "0x1f9840a85d5af5bf1d1762f925bdaddc4201f984"
)

var jarAddr = common.HexToAddress("0xf38521f130fccf29db1961597bc5d2b60f995f85")

type fakeBalances struct {
	mu    sync.Mutex
	bals  []jar.Balance
	err   error
	calls int
}

func (f *fakeBalances) Discover(ctx context.Context, owner jar.TrackedAddress) ([]jar.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]jar.Balance(nil), f.bals...), nil
}

func (f *fakeBalances) set(bals []jar.Balance, err error) {
	f.mu.Lock()
	f.bals, f.err = bals, err
	f.mu.Unlock()
}

type fakeMetadata struct {
	mu    sync.Mutex
	known map[string]jar.Metadata
	calls [][]string
}

func (f *fakeMetadata) Resolve(ctx context.Context, tokens []string) map[string]jar.Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tokens)
	out := make(map[string]jar.Metadata, len(tokens))
	for _, t := range tokens {
		if m, ok := f.known[t]; ok {
			out[t] = m
		} else {
			out[t] = jar.DefaultMetadata(t)
		}
	}
	return out
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  [][]string
}

func (f *fakePrices) Resolve(ctx context.Context, ids []string) map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ids)
	out := make(map[string]float64)
	for _, id := range ids {
		if p, ok := f.prices[id]; ok {
			out[id] = p
		}
	}
	return out
}

type recordingObserver struct {
	mu        sync.Mutex
	fetches   map[string]int
	snapshots int
}

func (o *recordingObserver) ObserveFetch(stage string, err error, took time.Duration) {
	o.mu.Lock()
	o.fetches[stage]++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveSnapshot(jar.Snapshot) {
	o.mu.Lock()
	o.snapshots++
	o.mu.Unlock()
}

func scenario() (*fakeBalances, *fakeMetadata, *fakePrices) {
	bs := &fakeBalances{bals: []jar.Balance{
		{Token: usdc, Raw: big.NewInt(10_000)},
		{Token: weth, Raw: new(big.Int).Mul(big.NewInt(2), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))},
	}}
	ms := &fakeMetadata{known: map[string]jar.Metadata{
		usdc: {Token: usdc, Symbol: "USDC", Decimals: 6, Source: jar.SourceLive},
		weth: {Token: weth, Symbol: "WETH", Decimals: 18, Source: jar.SourceLive},
	}}
	ps := &fakePrices{prices: map[string]float64{usdc: 1, weth: 3000, uni: 5}}
	return bs, ms, ps
}

func newTestMonitor(bs BalanceSource, ms MetadataSource, ps PriceSource, opts ...Option) *Monitor {
	return NewMonitor(Config{
		Jar:          jarAddr,
		BurnToken:    uni,
		BurnQuantity: 4000,
		Interval:     time.Hour,
	}, bs, ms, ps, opts...)
}

func TestMonitor_EndToEnd(t *testing.T) {
	bs, ms, ps := scenario()
	obs := &recordingObserver{fetches: map[string]int{}}
	m := newTestMonitor(bs, ms, ps, WithObserver(obs))

	v, err := m.RefreshOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, v.Snapshot)
	assert.False(t, v.Loading)
	assert.Empty(t, v.Errors)
	assert.NotEmpty(t, v.CycleID)

	s := v.Snapshot
	require.Len(t, s.Tokens, 2)
	assert.Equal(t, "WETH", s.Tokens[0].Symbol)
	assert.Equal(t, "USDC", s.Tokens[1].Symbol)
	assert.InDelta(t, 6000.01, s.TotalValue, 1e-9)
	assert.Equal(t, 20000.0, s.BurnCost)
	assert.InDelta(t, -13999.99, s.NetProfit, 1e-9)
	assert.False(t, s.Profitable())

	assert.Equal(t, []string{usdc, weth, uni}, ps.calls[0])
	assert.Equal(t, map[string]int{StageBalances: 1, StageMetadata: 1, StagePrices: 1}, obs.fetches)
	assert.Positive(t, obs.snapshots)
}

func TestMonitor_NoSnapshotBeforeFirstDiscovery(t *testing.T) {
	bs, ms, ps := scenario()
	m := newTestMonitor(bs, ms, ps)

	v := m.View()
	assert.Nil(t, v.Snapshot)
	assert.True(t, v.Loading)

	bs.set(nil, fmt.Errorf("%w: connection refused", jar.ErrNetwork))
	v, err := m.RefreshOnce(context.Background())
	assert.ErrorIs(t, err, jar.ErrNetwork)
	assert.Nil(t, v.Snapshot)
	assert.Contains(t, v.Errors[StageBalances], "connection refused")
	assert.Empty(t, ms.calls)
	assert.Empty(t, ps.calls)
}

func TestMonitor_KeepsLastGoodBalancesOnFailure(t *testing.T) {
	bs, ms, ps := scenario()
	m := newTestMonitor(bs, ms, ps)
	_, err := m.RefreshOnce(context.Background())
	require.NoError(t, err)

	bs.set(nil, fmt.Errorf("%w: http 502", jar.ErrNetwork))
	v, err := m.RefreshOnce(context.Background())
	assert.ErrorIs(t, err, jar.ErrNetwork)
	require.NotNil(t, v.Snapshot)
	assert.Len(t, v.Snapshot.Tokens, 2)
	assert.NotEmpty(t, v.Errors[StageBalances])
}

func TestMonitor_RefetchesDependentsForNewTokenSet(t *testing.T) {
	bs, ms, ps := scenario()
	m := newTestMonitor(bs, ms, ps)
	_, err := m.RefreshOnce(context.Background())
	require.NoError(t, err)

	dai := "0x6b175474e89094c44da98b954eedeac495271d0f"
	bs.set([]jar.Balance{{Token: dai, Raw: big.NewInt(1)}}, nil)
	v, err := m.RefreshOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, ms.calls, 2)
	assert.Equal(t, []string{dai}, ms.calls[1])
	assert.Equal(t, []string{dai, uni}, ps.calls[1])

	require.NotNil(t, v.Snapshot)
	require.Len(t, v.Snapshot.Tokens, 1)
	assert.Equal(t, jar.UnknownSymbol, v.Snapshot.Tokens[0].Symbol)
	assert.False(t, v.Snapshot.Tokens[0].PriceKnown)
}

func TestMonitor_EmptyJar(t *testing.T) {
	bs, ms, ps := scenario()
	bs.set([]jar.Balance{}, nil)
	m := newTestMonitor(bs, ms, ps)
	v, err := m.RefreshOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, v.Snapshot)
	assert.Empty(t, v.Snapshot.Tokens)
	assert.Equal(t, -20000.0, v.Snapshot.NetProfit)
}

func TestMonitor_SubscribeLatestWins(t *testing.T) {
	bs, ms, ps := scenario()
	m := newTestMonitor(bs, ms, ps)
	ch, cancel := m.Subscribe()
	defer cancel()

	first := <-ch
	assert.Nil(t, first.Snapshot)

	_, err := m.RefreshOnce(context.Background())
	require.NoError(t, err)

	// several views were published; only the newest is buffered
	v := <-ch
	require.NotNil(t, v.Snapshot)
	assert.False(t, v.Loading)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected buffered view %+v", extra)
	default:
	}
}

func TestMonitor_UnsubscribeClosesChannel(t *testing.T) {
	bs, ms, ps := scenario()
	m := newTestMonitor(bs, ms, ps)
	ch, cancel := m.Subscribe()
	<-ch
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	bs, ms, ps := scenario()
	m := newTestMonitor(bs, ms, ps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.View().Snapshot != nil }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
