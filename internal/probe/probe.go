// Package probe sends small signed transfers from the founder wallet to
// prove that a chain still accepts and includes transactions.
package probe

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/faultinjector/internal/account"
	"github.com/gateway-fm/faultinjector/internal/failure"
	"github.com/gateway-fm/faultinjector/internal/ratelimit"
	"github.com/gateway-fm/faultinjector/internal/rpc"
)

// Defaults.
const (
	DefaultInclusionTimeout = 30 * time.Second
	DefaultPollInterval     = time.Second
)

// ErrNotIncluded is returned when a sent transaction is not mined in time.
var ErrNotIncluded = errors.New("transaction not included")

// Client is the execute-layer surface a probe needs.
type Client interface {
	SendTransaction(ctx context.Context, req rpc.TxRequest, key *ecdsa.PrivateKey) (*rpc.TxResult, error)
	GetTransaction(ctx context.Context, hash string) (*rpc.TxResult, error)
	GetNonce(ctx context.Context, address string) (uint64, error)
}

var _ Client = (rpc.ExecuteClient)(nil)

// Recorder receives the outcome of each probe.
type Recorder interface {
	RecordProbe(included bool, latency time.Duration)
}

// Result contains the outcome of one probe transaction.
type Result struct {
	Hash        string        `json:"hash,omitempty"`
	Nonce       uint64        `json:"nonce"`
	Included    bool          `json:"included"`
	BlockNumber uint64        `json:"blockNumber,omitempty"`
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error,omitempty"`
}

// Config for creating a Prober.
type Config struct {
	ChainID *big.Int
	Wallet  *account.Account

	// Recipient of the transfer. Zero address means a self-transfer.
	Recipient common.Address
	// Value in wei. Nil means 1 wei.
	Value *big.Int

	InclusionTimeout time.Duration
	PollInterval     time.Duration
	// WarmUpRate caps warm-up submissions per second. Zero sends back to back.
	WarmUpRate float64
	Recorder   Recorder
	Logger     *slog.Logger
}

// Prober builds, signs and submits probe transactions.
type Prober struct {
	chainID          *big.Int
	wallet           *account.Account
	recipient        common.Address
	value            *big.Int
	inclusionTimeout time.Duration
	pollInterval     time.Duration
	warmUpRate       float64
	recorder         Recorder
	logger           *slog.Logger
}

// New creates a new Prober.
func New(cfg Config) (*Prober, error) {
	if cfg.Wallet == nil {
		return nil, failure.Configf("founder wallet is required for probe transactions")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, failure.Configf("chain id is required for probe transactions")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recipient := cfg.Recipient
	if recipient == (common.Address{}) {
		recipient = cfg.Wallet.Address
	}
	value := cfg.Value
	if value == nil {
		value = big.NewInt(1)
	}
	timeout := cfg.InclusionTimeout
	if timeout <= 0 {
		timeout = DefaultInclusionTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	return &Prober{
		chainID:          cfg.ChainID,
		wallet:           cfg.Wallet,
		recipient:        recipient,
		value:            value,
		inclusionTimeout: timeout,
		pollInterval:     poll,
		warmUpRate:       cfg.WarmUpRate,
		recorder:         cfg.Recorder,
		logger:           logger,
	}, nil
}

// Wallet returns the founder wallet.
func (p *Prober) Wallet() *account.Account { return p.wallet }

// Submit signs and sends one transfer without waiting for inclusion.
// The first submission reads the founder nonce from the node. The nonce is
// committed only when the node accepted the transaction.
func (p *Prober) Submit(ctx context.Context, client Client) (*Result, error) {
	if !p.wallet.Synced() {
		if err := p.wallet.Resync(ctx, client); err != nil {
			return &Result{Error: err.Error()}, failure.Transient(err)
		}
	}
	n := p.wallet.ReserveNonce()
	defer n.Rollback()

	res := &Result{Nonce: n.Value()}
	tx, err := client.SendTransaction(ctx, rpc.TxRequest{
		ChainID: p.chainID,
		Nonce:   n.Value(),
		To:      p.recipient,
		Value:   p.value,
	}, p.wallet.PrivateKey)
	if err != nil {
		res.Error = err.Error()
		if isNonceError(err) {
			// Roll back first so the forced nonce is not undone by the deferred rollback.
			n.Rollback()
			if chain, rerr := client.GetNonce(ctx, p.wallet.Address.Hex()); rerr == nil {
				p.wallet.ForceNonce(chain)
			} else {
				p.logger.Warn("failed to resync founder nonce", "error", rerr)
			}
		}
		return res, failure.Transient(fmt.Errorf("send probe: %w", err))
	}
	n.Commit()

	res.Hash = tx.Hash
	return res, nil
}

// Send submits one transfer and waits for it to be included. A transfer
// rejected for its nonce is resubmitted once with the nonce the node reported.
func (p *Prober) Send(ctx context.Context, client Client) (*Result, error) {
	start := time.Now()
	res, err := p.Submit(ctx, client)
	if err != nil && isNonceError(err) && ctx.Err() == nil {
		p.logger.Info("probe nonce rejected, resubmitting", "nonce", res.Nonce, "next", p.wallet.PeekNonce())
		res, err = p.Submit(ctx, client)
	}
	if err == nil {
		err = p.awaitInclusion(ctx, client, res)
	}
	res.Latency = time.Since(start)
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}

	if p.recorder != nil {
		p.recorder.RecordProbe(res.Included, res.Latency)
	}
	if err != nil {
		p.logger.Info("probe transaction failed", "nonce", res.Nonce, "hash", res.Hash, "error", err)
		return res, err
	}
	p.logger.Info("probe transaction included",
		"hash", res.Hash,
		"block", res.BlockNumber,
		"latency", res.Latency,
	)
	return res, nil
}

// WarmUp submits count transfers without waiting for inclusion, paced by
// the configured warm-up rate. Returns how many the node accepted.
func (p *Prober) WarmUp(ctx context.Context, client Client, count int) (int, error) {
	if err := p.wallet.Resync(ctx, client); err != nil {
		return 0, failure.Transient(err)
	}
	limiter := ratelimit.New(p.warmUpRate)
	sent := 0
	var lastErr error
	for i := 0; i < count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return sent, err
		}
		if _, err := p.Submit(ctx, client); err != nil {
			lastErr = err
			p.logger.Warn("warm-up transaction failed", "index", i, "error", err)
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return 0, lastErr
	}
	p.logger.Info("warm-up transactions sent", "sent", sent, "requested", count)
	return sent, nil
}

func (p *Prober) awaitInclusion(ctx context.Context, client Client, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, p.inclusionTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		tx, err := client.GetTransaction(ctx, res.Hash)
		if err == nil && tx.Included() {
			res.Included = true
			res.BlockNumber = *tx.BlockNumber
			return nil
		}
		if err != nil {
			p.logger.Debug("probe lookup failed", "hash", res.Hash, "error", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return failure.Transient(fmt.Errorf("%s after %v: %w", res.Hash, p.inclusionTimeout, ErrNotIncluded))
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "invalid nonce")
}
