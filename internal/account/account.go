// Package account holds the founder wallet that signs probe transactions.
package account

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account holds a wallet's keys and local nonce.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
	nonce      uint64
	synced     bool
	mu         sync.Mutex
}

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key, with
// or without a 0x prefix.
func NewAccountFromHex(hexKey string) (*Account, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewAccount(privateKey), nil
}

// LoadFromFile reads a hex private key from path.
func LoadFromFile(path string) (*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return NewAccountFromHex(string(data))
}

// Nonce represents a reserved nonce that must be committed or rolled back.
// Use defer n.Rollback() immediately after reserving to ensure cleanup.
type Nonce struct {
	value     uint64
	account   *Account
	committed atomic.Bool
}

// Value returns the nonce value.
func (n *Nonce) Value() uint64 {
	return n.value
}

// Commit marks the nonce as successfully used.
// Safe to call multiple times (idempotent).
func (n *Nonce) Commit() {
	n.committed.Store(true)
}

// Rollback returns the nonce to the pool if not committed.
// Safe to call multiple times (idempotent).
func (n *Nonce) Rollback() {
	if n.committed.Swap(true) {
		return
	}
	n.account.rollback(n.value)
}

// ReserveNonce reserves the next nonce for use.
// The returned Nonce MUST be either Committed or Rolled back.
//
//	n := acc.ReserveNonce()
//	defer n.Rollback()
//	if err := send(n.Value()); err != nil {
//	    return err
//	}
//	n.Commit()
func (a *Account) ReserveNonce() *Nonce {
	a.mu.Lock()
	nonce := a.nonce
	a.nonce++
	a.mu.Unlock()

	return &Nonce{
		value:   nonce,
		account: a,
	}
}

// rollback decrements nonce if it was the last one issued.
func (a *Account) rollback(nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Out-of-order rollbacks would reissue a nonce still in flight.
	if a.nonce == nonce+1 {
		a.nonce = nonce
	}
}

// NonceSource reports an address's pending nonce.
type NonceSource interface {
	GetNonce(ctx context.Context, address string) (uint64, error)
}

// Resync fetches the pending nonce from a node and adopts it if higher
// than the local one. A node that lost a mempool across a restart can report
// a lower nonce; the first Resync always adopts.
func (a *Account) Resync(ctx context.Context, src NonceSource) error {
	nonce, err := src.GetNonce(ctx, a.Address.Hex())
	if err != nil {
		return fmt.Errorf("failed to fetch nonce for %s: %w", a.Address.Hex(), err)
	}
	a.mu.Lock()
	if !a.synced || nonce > a.nonce {
		a.nonce = nonce
	}
	a.synced = true
	a.mu.Unlock()
	return nil
}

// Synced reports whether the local nonce has been read from a node.
func (a *Account) Synced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.synced
}

// ForceNonce overwrites the local nonce, e.g. after a node rejected a
// transaction as "nonce too low".
func (a *Account) ForceNonce(nonce uint64) {
	a.mu.Lock()
	a.nonce = nonce
	a.synced = true
	a.mu.Unlock()
}

// PeekNonce returns the current nonce without incrementing.
func (a *Account) PeekNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}
