package rpc

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// NetworkInfo is the identity a node reports for the chain it follows.
type NetworkInfo struct {
	ChainID     string `json:"chainId"`
	BlockHeight uint64 `json:"blockHeight"`
	Name        string `json:"name"`
}

// TxRequest describes a value transfer to sign and submit.
type TxRequest struct {
	ChainID  *big.Int
	Nonce    uint64
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64

	// Fee caps. When GasFeeCap is nil the node's eth_gasPrice is used
	// as tip and twice that as fee cap.
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// TxResult is what the harness learns about a submitted transaction.
type TxResult struct {
	Hash        string  `json:"hash"`
	From        string  `json:"from,omitempty"`
	Nonce       uint64  `json:"nonce"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"` // nil while pending
}

// Included reports whether the transaction has been mined.
func (r *TxResult) Included() bool {
	return r != nil && r.BlockNumber != nil
}

// ExecuteClient is the execute-layer (EVM) adapter surface.
type ExecuteClient interface {
	// Call makes a raw JSON-RPC call.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// IsConnected reports whether the node answers RPC at all.
	IsConnected(ctx context.Context) bool

	// GetBlockHeight returns the latest block number.
	GetBlockHeight(ctx context.Context) (uint64, error)

	// GetTransaction returns the transaction or nil if the node does not know it.
	GetTransaction(ctx context.Context, hash string) (*TxResult, error)

	// SendTransaction signs req with key and submits it.
	SendTransaction(ctx context.Context, req TxRequest, key *ecdsa.PrivateKey) (*TxResult, error)

	// GetNetworkInfo returns chain id, height and client name.
	GetNetworkInfo(ctx context.Context) (*NetworkInfo, error)

	// GetNonce fetches the pending nonce for an address.
	GetNonce(ctx context.Context, address string) (uint64, error)

	// Close drops pooled connections.
	Close() error
}

// EVMClient implements ExecuteClient over HTTP JSON-RPC.
type EVMClient struct {
	*HTTPClient
}

var _ ExecuteClient = (*EVMClient)(nil)

// NewEVMClient creates an execute-layer client.
func NewEVMClient(cfg ClientConfig) *EVMClient {
	return &EVMClient{HTTPClient: NewHTTPClient(cfg)}
}

// IsConnected calls eth_chainId and reports whether it succeeded.
func (c *EVMClient) IsConnected(ctx context.Context) bool {
	_, err := c.Call(ctx, "eth_chainId", nil)
	return err == nil
}

// GetBlockHeight returns the latest block number.
func (c *EVMClient) GetBlockHeight(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return DecodeHexUint64(result)
}

// GetTransaction fetches a transaction by hash.
func (c *EVMClient) GetTransaction(ctx context.Context, hash string) (*TxResult, error) {
	result, err := c.Call(ctx, "eth_getTransactionByHash", []any{hash})
	if err != nil {
		return nil, err
	}

	if len(result) == 0 || string(result) == "null" {
		return nil, nil // Unknown to this node
	}

	var rawTx struct {
		Hash        string  `json:"hash"`
		From        string  `json:"from"`
		Nonce       string  `json:"nonce"`
		BlockNumber *string `json:"blockNumber"`
	}
	if err := json.Unmarshal(result, &rawTx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}

	tx := &TxResult{
		Hash: rawTx.Hash,
		From: rawTx.From,
	}
	if rawTx.Nonce != "" {
		tx.Nonce, _ = hexutil.DecodeUint64(rawTx.Nonce)
	}
	if rawTx.BlockNumber != nil {
		num, err := hexutil.DecodeUint64(*rawTx.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to decode block number: %w", err)
		}
		tx.BlockNumber = &num
	}
	return tx, nil
}

// SendTransaction builds an EIP-1559 transaction, signs it and submits it.
func (c *EVMClient) SendTransaction(ctx context.Context, req TxRequest, key *ecdsa.PrivateKey) (*TxResult, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if req.ChainID == nil || req.ChainID.Sign() == 0 {
		return nil, fmt.Errorf("ChainID must be non-nil and non-zero")
	}

	tipCap, feeCap := req.GasTipCap, req.GasFeeCap
	if feeCap == nil {
		price, err := c.GetGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch gas price: %w", err)
		}
		tipCap = price
		feeCap = new(big.Int).Mul(price, big.NewInt(2))
	}
	if tipCap == nil {
		tipCap = feeCap
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = 21000
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   req.ChainID,
		Nonce:     req.Nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(req.ChainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	if err := c.SendRawTransaction(ctx, raw); err != nil {
		return nil, err
	}

	return &TxResult{Hash: signed.Hash().Hex(), Nonce: req.Nonce}, nil
}

// SendRawTransaction sends a signed transaction.
func (c *EVMClient) SendRawTransaction(ctx context.Context, txRLP []byte) error {
	_, err := c.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(txRLP)})
	return err
}

// GetNetworkInfo returns chain id, latest height and client version.
func (c *EVMClient) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	chainRaw, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	chainID, err := DecodeHexUint64(chainRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chain id: %w", err)
	}

	height, err := c.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	// Client version is informational only.
	var name string
	if raw, err := c.Call(ctx, "web3_clientVersion", nil); err == nil {
		_ = json.Unmarshal(raw, &name)
	}

	return &NetworkInfo{
		ChainID:     fmt.Sprintf("%d", chainID),
		BlockHeight: height,
		Name:        name,
	}, nil
}

// GetNonce fetches the nonce for an address including pending transactions.
func (c *EVMClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []any{address, "pending"})
	if err != nil {
		return 0, err
	}
	return DecodeHexUint64(result)
}

// GetGasPrice returns the current gas price from the node.
func (c *EVMClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}

	var priceHex string
	if err := json.Unmarshal(result, &priceHex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gas price: %w", err)
	}
	return hexutil.DecodeBig(priceHex)
}

// DecodeHexUint64 decodes a JSON string result such as "0x1a".
func DecodeHexUint64(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("failed to unmarshal hex quantity: %w", err)
	}
	return hexutil.DecodeUint64(s)
}
