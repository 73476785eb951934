// Package app wires configuration into the running components.
package app

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/ligun0805/jar-burn/internal/config"
	"github.com/ligun0805/jar-burn/internal/indexer"
	"github.com/ligun0805/jar-burn/internal/jar"
	"github.com/ligun0805/jar-burn/internal/metadata"
	"github.com/ligun0805/jar-burn/internal/observability"
	"github.com/ligun0805/jar-burn/internal/pipeline"
	"github.com/ligun0805/jar-burn/internal/pricing"
	"github.com/ligun0805/jar-burn/internal/release"
)

// App holds the node connection and the components built on it.
type App struct {
	Settings config.Settings
	Log      *zap.Logger
	Metrics  *observability.Metrics
	Monitor  *pipeline.Monitor
	Eth      *ethclient.Client
	rpc      *rpc.Client
}

// New dials the node and builds the monitor. Close releases the connection.
func New(ctx context.Context, st config.Settings, log *zap.Logger) (*App, error) {
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	rc, err := rpc.DialContext(ctx, st.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", st.RPCURL, err)
	}
	metrics := observability.NewMetrics()
	httpc := &http.Client{Timeout: st.HTTPTimeout}

	idx := indexer.NewClient(st.IndexerEndpoint(),
		indexer.WithHTTPClient(httpc),
		indexer.WithRetries(st.HTTPRetries),
		indexer.WithMaxPages(st.IndexerMaxPages),
		indexer.WithLogger(log.Named("indexer")),
	)
	md := metadata.NewResolver(rc,
		metadata.WithStatic(st.KnownTokens),
		metadata.WithStaticOnly(st.MetadataStaticOnly),
		metadata.WithBatchSize(st.MetadataBatchSize),
		metadata.WithCacheTTL(st.MetadataTTL),
		metadata.WithLogger(log.Named("metadata")),
	)
	px := pricing.NewResolver(st.PriceAPIURL,
		pricing.WithHTTPClient(httpc),
		pricing.WithChunkSize(st.PriceChunkSize),
		pricing.WithConcurrency(st.PriceConcurrency),
		pricing.WithChain(st.PriceChainID),
		pricing.WithRetries(st.HTTPRetries),
		pricing.WithLogger(log.Named("pricing")),
		pricing.WithChunkHook(metrics.PriceChunk),
	)
	mon := pipeline.NewMonitor(pipeline.Config{
		Jar:          common.HexToAddress(st.JarAddress),
		BurnToken:    jar.NormalizeAddress(st.BurnTokenAddress),
		BurnQuantity: st.BurnQuantity,
		LPSymbol:     st.LPSymbol,
		PriceIDs:     st.PriceIDs,
		Interval:     st.Refresh,
	}, idx, md, px,
		pipeline.WithLogger(log.Named("monitor")),
		pipeline.WithObserver(metrics),
	)

	return &App{
		Settings: st,
		Log:      log,
		Metrics:  metrics,
		Monitor:  mon,
		Eth:      ethclient.NewClient(rc),
		rpc:      rc,
	}, nil
}

// Releaser builds the release submitter. privHex may be empty for read-only use.
func (a *App) Releaser(privHex string) *release.Releaser {
	st := a.Settings
	var chain *big.Int
	if n, err := strconv.ParseUint(st.ChainID, 10, 64); err == nil {
		chain = new(big.Int).SetUint64(n)
	}
	return release.New(a.Eth, release.Config{
		Firepit:      common.HexToAddress(st.FirepitAddress),
		BurnToken:    common.HexToAddress(st.BurnTokenAddress),
		BurnQuantity: st.BurnQuantity,
		BurnDecimals: uint8(st.BurnDecimals),
		ChainID:      chain,
		TipGwei:      st.TipGwei,
		BaseMul:      st.BasefeeMul,
		BufferPct:    st.BufferPct,
	}, release.WithLogger(a.Log.Named("release")), release.WithKey(privHex))
}

func (a *App) Close() {
	a.rpc.Close()
}
