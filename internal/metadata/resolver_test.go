package metadata

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/jar-burn/internal/jar"
)

const (
	usdc = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	weth = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	mkr  = "0x9f8f72aa9304c8b593d555f12ef6589cc3a579a2"
	lp   = "0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc"
)

func packString(t *testing.T, s string) []byte {
	t.Helper()
	ty, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	out, err := abi.Arguments{{Type: ty}}.Pack(s)
	require.NoError(t, err)
	return out
}

func packUint8(t *testing.T, v uint8) []byte {
	t.Helper()
	ty, err := abi.NewType("uint8", "", nil)
	require.NoError(t, err)
	out, err := abi.Arguments{{Type: ty}}.Pack(v)
	require.NoError(t, err)
	return out
}

func bytes32(s string) []byte {
	out := make([]byte, 32)
	copy(out, s)
	return out
}

// fakeReader answers eth_call batch elements from fixed tables.
// Addresses missing from a table revert.
type fakeReader struct {
	mu       sync.Mutex
	symbols  map[common.Address][]byte
	decimals map[common.Address][]byte
	err      error
	batches  []int
	order    []common.Address
}

func (f *fakeReader) BatchCallContext(_ context.Context, b []rpc.BatchElem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, len(b))
	if f.err != nil {
		return f.err
	}
	for i := range b {
		if b[i].Method != "eth_call" {
			b[i].Error = errors.New("unexpected method " + b[i].Method)
			continue
		}
		args := b[i].Args[0].(callArgs)
		f.order = append(f.order, args.To)
		table := f.decimals
		if bytes.Equal(args.Data, selSymbol) {
			table = f.symbols
		}
		out, ok := table[args.To]
		if !ok {
			b[i].Error = errors.New("execution reverted")
			continue
		}
		*b[i].Result.(*hexutil.Bytes) = out
	}
	return nil
}

func newFake(t *testing.T) *fakeReader {
	return &fakeReader{
		symbols: map[common.Address][]byte{
			common.HexToAddress(usdc): packString(t, "USDC"),
			common.HexToAddress(weth): packString(t, "WETH"),
			common.HexToAddress(mkr):  bytes32("MKR"),
			common.HexToAddress(lp):   packString(t, "UNI-V2"),
		},
		decimals: map[common.Address][]byte{
			common.HexToAddress(usdc): packUint8(t, 6),
			common.HexToAddress(weth): packUint8(t, 18),
			common.HexToAddress(mkr):  packUint8(t, 18),
			common.HexToAddress(lp):   packUint8(t, 18),
		},
	}
}

func TestResolve_SingleBatchPositionalMatch(t *testing.T) {
	f := newFake(t)
	r := NewResolver(f)

	got := r.Resolve(context.Background(), []string{usdc, strings.ToUpper(weth[:2]) + weth[2:], mkr})
	require.Len(t, got, 3)
	assert.Equal(t, []int{6}, f.batches)

	assert.Equal(t, "USDC", got[usdc].Symbol)
	assert.Equal(t, uint8(6), got[usdc].Decimals)
	assert.Equal(t, jar.SourceLive, got[usdc].Source)
	assert.Equal(t, "WETH", got[weth].Symbol)
	assert.Equal(t, uint8(18), got[weth].Decimals)
	assert.Equal(t, "MKR", got[mkr].Symbol)

	// symbol then decimals, per address, in submission order
	require.Len(t, f.order, 6)
	assert.Equal(t, common.HexToAddress(usdc), f.order[0])
	assert.Equal(t, common.HexToAddress(usdc), f.order[1])
	assert.Equal(t, common.HexToAddress(mkr), f.order[5])
}

func TestResolve_PartialFailureDegradesOneEntry(t *testing.T) {
	f := newFake(t)
	broken := "0x00000000000000000000000000000000deadbeef"
	f.decimals[common.HexToAddress(broken)] = packUint8(t, 9)

	got := NewResolver(f).Resolve(context.Background(), []string{usdc, broken, weth})
	require.Len(t, got, 3)
	assert.Equal(t, []int{6}, f.batches)

	assert.Equal(t, jar.UnknownSymbol, got[broken].Symbol)
	assert.Equal(t, uint8(9), got[broken].Decimals)
	assert.Equal(t, jar.SourceDefault, got[broken].Source)

	assert.Equal(t, "USDC", got[usdc].Symbol)
	assert.Equal(t, "WETH", got[weth].Symbol)
}

func TestResolve_EOAReturnsDefaults(t *testing.T) {
	f := newFake(t)
	eoa := "0x1111111111111111111111111111111111111111"
	f.symbols[common.HexToAddress(eoa)] = []byte{}
	f.decimals[common.HexToAddress(eoa)] = []byte{}

	got := NewResolver(f).Resolve(context.Background(), []string{eoa})
	assert.Equal(t, jar.DefaultMetadata(eoa), got[eoa])
}

func TestResolve_BatchFailureDefaultsAll(t *testing.T) {
	f := newFake(t)
	f.err = errors.New("dial tcp: connection refused")

	got := NewResolver(f).Resolve(context.Background(), []string{usdc, weth})
	require.Len(t, got, 2)
	assert.Equal(t, jar.DefaultMetadata(usdc), got[usdc])
	assert.Equal(t, jar.DefaultMetadata(weth), got[weth])
}

func TestResolve_StaticTable(t *testing.T) {
	f := newFake(t)
	f.err = errors.New("node down")
	r := NewResolver(f, WithStatic(map[string]jar.Metadata{
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48": {Symbol: "USDC.static", Decimals: 6},
	}))
	got := r.Resolve(context.Background(), []string{usdc, weth})
	assert.Equal(t, "USDC.static", got[usdc].Symbol)
	assert.Equal(t, uint8(6), got[usdc].Decimals)
	assert.Equal(t, jar.SourceStatic, got[usdc].Source)
	assert.Equal(t, jar.UnknownSymbol, got[weth].Symbol)

	// live value wins once the node is back
	f.err = nil
	got = r.Resolve(context.Background(), []string{usdc})
	assert.Equal(t, "USDC", got[usdc].Symbol)
	assert.Equal(t, jar.SourceLive, got[usdc].Source)
}

func TestResolve_StaticOnlySkipsNetwork(t *testing.T) {
	f := newFake(t)
	r := NewResolver(f, WithStaticOnly(true), WithStatic(map[string]jar.Metadata{
		usdc: {Symbol: "USDC", Decimals: 6},
	}))
	got := r.Resolve(context.Background(), []string{usdc, weth})
	assert.Equal(t, "USDC", got[usdc].Symbol)
	assert.Equal(t, "WETH", got[weth].Symbol)
	assert.Equal(t, []int{2}, f.batches)
}

func TestResolve_CachesLiveResults(t *testing.T) {
	f := newFake(t)
	r := NewResolver(f)
	r.Resolve(context.Background(), []string{usdc, weth})
	got := r.Resolve(context.Background(), []string{weth, usdc, mkr})
	assert.Equal(t, []int{4, 2}, f.batches)
	assert.Equal(t, "MKR", got[mkr].Symbol)
	assert.Equal(t, "USDC", got[usdc].Symbol)
}

func TestResolve_SplitsIntoBatches(t *testing.T) {
	f := newFake(t)
	r := NewResolver(f, WithBatchSize(2))
	extra := "0x2222222222222222222222222222222222222222"
	got := r.Resolve(context.Background(), []string{usdc, weth, mkr, lp, extra, usdc})
	assert.Len(t, got, 5)
	assert.Equal(t, []int{4, 4, 2}, f.batches)
	assert.Equal(t, "UNI-V2", got[lp].Symbol)
}

func TestResolve_Empty(t *testing.T) {
	f := newFake(t)
	got := NewResolver(f).Resolve(context.Background(), nil)
	assert.Empty(t, got)
	assert.Empty(t, f.batches)
}

func TestDecodeSymbol(t *testing.T) {
	s, err := DecodeSymbol(packString(t, "UNI"))
	require.NoError(t, err)
	assert.Equal(t, "UNI", s)

	s, err = DecodeSymbol(bytes32("MKR"))
	require.NoError(t, err)
	assert.Equal(t, "MKR", s)

	_, err = DecodeSymbol(nil)
	assert.Error(t, err)
	_, err = DecodeSymbol(packString(t, ""))
	assert.Error(t, err)
	_, err = DecodeSymbol([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = DecodeSymbol(bytes32("\xff\xfe"))
	assert.Error(t, err)
}

func TestDecodeSymbol_HostileOffsetAndLength(t *testing.T) {
	maxWord := bytes.Repeat([]byte{0xff}, 32)
	u64 := func(v uint64) []byte { return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32) }

	cases := map[string][]byte{
		"offset all ones":     append(append([]byte{}, maxWord...), bytes32("x")...),
		"offset max uint64":   append(u64(^uint64(0)), bytes32("x")...),
		"offset past end":     append(u64(64), bytes32("x")...),
		"length max uint64":   append(u64(32), u64(^uint64(0))...),
		"length wraps offset": append(u64(32), u64(^uint64(0)-63)...),
		"length past end":     append(append(u64(32), u64(33)...), bytes32("x")...),
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := DecodeSymbol(out)
				assert.Error(t, err)
			})
		})
	}
}

func TestResolve_HostileSymbolDefaultsOneEntry(t *testing.T) {
	f := newFake(t)
	spam := "0x00000000000000000000000000000000000005a3"
	f.symbols[common.HexToAddress(spam)] = append(bytes.Repeat([]byte{0xff}, 32), bytes32("x")...)
	f.decimals[common.HexToAddress(spam)] = packUint8(t, 9)

	var got map[string]jar.Metadata
	require.NotPanics(t, func() {
		got = NewResolver(f).Resolve(context.Background(), []string{usdc, spam})
	})
	require.Len(t, got, 2)
	assert.Equal(t, "USDC", got[usdc].Symbol)
	assert.Equal(t, jar.UnknownSymbol, got[spam].Symbol)
	assert.Equal(t, uint8(9), got[spam].Decimals)
	assert.NotEqual(t, jar.SourceLive, got[spam].Source)
}

func TestDecodeDecimals(t *testing.T) {
	d, err := DecodeDecimals(packUint8(t, 6))
	require.NoError(t, err)
	assert.Equal(t, uint8(6), d)

	_, err = DecodeDecimals(nil)
	assert.Error(t, err)
	_, err = DecodeDecimals([]byte{6})
	assert.Error(t, err)
	_, err = DecodeDecimals(common.LeftPadBytes(big.NewInt(300).Bytes(), 32))
	assert.Error(t, err)
}
