// Package release checks the burn requirements and submits release(address[])
// to the firepit contract once the jar is worth more than the burn.
package release

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ligun0805/jar-burn/internal/jar"
	"github.com/ligun0805/jar-burn/internal/retry"
)

var (
	ErrNotProfitable = errors.New("release is not profitable")
	ErrInFlight      = errors.New("a release transaction is still pending")
	ErrNoSigner      = errors.New("no signing key configured")
	ErrNoTokens      = errors.New("nothing to release")
)

// Backend is the part of *ethclient.Client the releaser uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	Firepit      common.Address
	BurnToken    common.Address
	BurnQuantity float64 // whole tokens
	BurnDecimals uint8
	ChainID      *big.Int // looked up when nil

	TipGwei   int64 // floor for the priority fee
	BaseMul   int64
	BufferPct int64
	PollEvery time.Duration
}

// Status of a submitted release.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	}
	return "pending"
}

// Handle identifies a submitted release transaction.
type Handle struct {
	Hash        common.Hash
	Nonce       uint64
	Tokens      int
	SubmittedAt time.Time
}

// Requirements is what the owner needs before release can succeed.
type Requirements struct {
	Need      *big.Int
	Balance   *big.Int
	Allowance *big.Int
}

func (r Requirements) HasBalance() bool   { return r.Balance != nil && r.Balance.Cmp(r.Need) >= 0 }
func (r Requirements) HasAllowance() bool { return r.Allowance != nil && r.Allowance.Cmp(r.Need) >= 0 }
func (r Requirements) Met() bool          { return r.HasBalance() && r.HasAllowance() }

type Releaser struct {
	b    Backend
	cfg  Config
	key  *ecdsa.PrivateKey
	from common.Address
	log  *zap.Logger

	mu       sync.Mutex
	inflight *Handle
}

type Option func(*Releaser)

func WithLogger(l *zap.Logger) Option { return func(r *Releaser) { r.log = l } }

// WithKey sets the signing key (hex, with or without 0x).
func WithKey(privHex string) Option {
	return func(r *Releaser) {
		if privHex == "" {
			return
		}
		if k, err := hexToECDSAPriv(privHex); err == nil {
			r.key = k
			r.from = gethcrypto.PubkeyToAddress(k.PublicKey)
		} else {
			r.log.Warn("ignoring invalid private key", zap.Error(err))
		}
	}
}

func New(b Backend, cfg Config, opts ...Option) *Releaser {
	if cfg.BurnDecimals == 0 {
		cfg.BurnDecimals = jar.DefaultDecimals
	}
	if cfg.TipGwei <= 0 {
		cfg.TipGwei = 2
	}
	if cfg.BaseMul <= 0 {
		cfg.BaseMul = 2
	}
	if cfg.BufferPct < 0 {
		cfg.BufferPct = 0
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 3 * time.Second
	}
	r := &Releaser{b: b, cfg: cfg, log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// From is the signer address, zero without a key.
func (r *Releaser) From() common.Address { return r.from }

func (r *Releaser) HasSigner() bool { return r.key != nil }

// NeedAmount is BurnQuantity in base units of the burn token.
func (r *Releaser) NeedAmount() *big.Int {
	return decimal.NewFromFloat(r.cfg.BurnQuantity).Shift(int32(r.cfg.BurnDecimals)).BigInt()
}

// Requirements reads the owner's burn token balance and firepit allowance.
func (r *Releaser) Requirements(ctx context.Context, owner common.Address) (Requirements, error) {
	out := Requirements{Need: r.NeedAmount()}
	bal, err := r.readUint(ctx, "balanceOf", owner)
	if err != nil {
		return out, fmt.Errorf("balanceOf: %w", err)
	}
	out.Balance = bal
	allow, err := r.readUint(ctx, "allowance", owner, r.cfg.Firepit)
	if err != nil {
		return out, fmt.Errorf("allowance: %w", err)
	}
	out.Allowance = allow
	return out, nil
}

func (r *Releaser) readUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	token := r.cfg.BurnToken
	ret, err := r.callWithRetry(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, err
	}
	vals, err := erc20ABI.Unpack(method, ret)
	if err != nil {
		return nil, err
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected return type %T", method, vals[0])
	}
	return v, nil
}

// callWithRetry retries eth_call on provider throttling only; reverts return at once.
func (r *Releaser) callWithRetry(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := retry.Do(ctx, 2, func() error {
		ret, err := r.b.CallContract(ctx, msg, nil)
		if err != nil {
			if retry.IsRateLimit(err) {
				return err
			}
			return retry.Permanent(err)
		}
		out = ret
		return nil
	})
	return out, err
}

// Release submits release(tokens) for the snapshot's token list, in snapshot order.
func (r *Releaser) Release(ctx context.Context, snap jar.Snapshot) (Handle, error) {
	if !snap.Profitable() {
		return Handle{}, fmt.Errorf("%w: net %.2f USD", ErrNotProfitable, snap.NetProfit)
	}
	if r.key == nil {
		return Handle{}, ErrNoSigner
	}
	tokens := snap.Addresses()
	if len(tokens) == 0 {
		return Handle{}, ErrNoTokens
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight != nil {
		st, err := r.status(ctx, *r.inflight)
		if err != nil || st == StatusPending {
			return *r.inflight, ErrInFlight
		}
		r.inflight = nil
	}

	data, err := firepitABI.Pack("release", tokens)
	if err != nil {
		return Handle{}, err
	}
	chain := r.cfg.ChainID
	if chain == nil {
		if chain, err = r.b.ChainID(ctx); err != nil {
			return Handle{}, fmt.Errorf("chain id: %w", err)
		}
	}
	nonce, err := r.b.PendingNonceAt(ctx, r.from)
	if err != nil {
		return Handle{}, fmt.Errorf("nonce: %w", err)
	}
	head, err := r.b.HeaderByNumber(ctx, nil)
	if err != nil {
		return Handle{}, fmt.Errorf("head: %w", err)
	}
	if head.BaseFee == nil {
		return Handle{}, errors.New("no baseFee (pre-1559?)")
	}
	tip := gweiToWei(r.cfg.TipGwei)
	if s, err := r.b.SuggestGasTipCap(ctx); err == nil && s != nil && s.Cmp(tip) > 0 {
		tip = s
	}
	maxFee := feeCap(head.BaseFee, r.cfg.BaseMul, tip)

	firepit := r.cfg.Firepit
	msg := ethereum.CallMsg{From: r.from, To: &firepit, Data: data, Value: big.NewInt(0)}
	if _, err := r.callWithRetry(ctx, msg); err != nil {
		return Handle{}, fmt.Errorf("release would revert: %s", revertReason(err))
	}
	gas, err := r.b.EstimateGas(ctx, msg)
	if err != nil {
		return Handle{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas = withBuffer(gas, r.cfg.BufferPct)

	signed, err := signTx(buildDynamicTx(chain, nonce, &firepit, gas, tip, maxFee, data), chain, r.key)
	if err != nil {
		return Handle{}, err
	}
	if err := r.b.SendTransaction(ctx, signed); err != nil {
		return Handle{}, fmt.Errorf("send: %w", err)
	}
	h := Handle{Hash: signed.Hash(), Nonce: nonce, Tokens: len(tokens), SubmittedAt: time.Now().UTC()}
	r.inflight = &h
	r.log.Info("release submitted",
		zap.String("tx", h.Hash.Hex()), zap.Uint64("nonce", nonce), zap.Int("tokens", len(tokens)),
		zap.Uint64("gas", gas), zap.String("tip_gwei", fmtGwei(tip)), zap.String("fee_cap_gwei", fmtGwei(maxFee)),
		zap.Float64("net_usd", snap.NetProfit))
	return h, nil
}

// Status polls the receipt once. Unknown transactions are pending.
func (r *Releaser) Status(ctx context.Context, h Handle) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.status(ctx, h)
	if err == nil && st != StatusPending && r.inflight != nil && r.inflight.Hash == h.Hash {
		r.inflight = nil
	}
	return st, err
}

func (r *Releaser) status(ctx context.Context, h Handle) (Status, error) {
	rcpt, err := r.b.TransactionReceipt(ctx, h.Hash)
	if errors.Is(err, ethereum.NotFound) {
		return StatusPending, nil
	}
	if err != nil {
		return StatusPending, err
	}
	if rcpt.Status == types.ReceiptStatusSuccessful {
		return StatusConfirmed, nil
	}
	return StatusFailed, nil
}

// Wait polls Status until the transaction is mined or ctx is done.
func (r *Releaser) Wait(ctx context.Context, h Handle) (Status, error) {
	t := time.NewTicker(r.cfg.PollEvery)
	defer t.Stop()
	for {
		st, err := r.Status(ctx, h)
		if err != nil {
			r.log.Debug("receipt poll failed", zap.String("tx", h.Hash.Hex()), zap.Error(err))
		} else if st != StatusPending {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return StatusPending, ctx.Err()
		case <-t.C:
		}
	}
}
