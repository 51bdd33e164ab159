package scenario

import (
	"context"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/faultinjector/internal/account"
	"github.com/gateway-fm/faultinjector/internal/cluster"
	"github.com/gateway-fm/faultinjector/internal/probe"
	"github.com/gateway-fm/faultinjector/internal/rpc"
)

// evmNode is an execute-layer endpoint that enforces account nonces the
// way a real mempool does and mines every accepted transfer at once.
type evmNode struct {
	mu       sync.Mutex
	pending  uint64
	accepted []uint64
	rejected int
}

func (n *evmNode) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpc.JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params, _ := req.Params.([]any)

		resp := rpc.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
		result, rpcErr := n.handle(req.Method, params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result, _ = json.Marshal(result)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (n *evmNode) handle(method string, params []any) (any, *rpc.JSONRPCError) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch method {
	case "eth_chainId":
		return "0x2328", nil
	case "eth_gasPrice":
		return "0x3b9aca00", nil
	case "eth_getTransactionCount":
		return hexutil.EncodeUint64(n.pending), nil
	case "eth_sendRawTransaction":
		if len(params) != 1 {
			return nil, &rpc.JSONRPCError{Code: -32602, Message: "missing raw transaction"}
		}
		s, _ := params[0].(string)
		raw, err := hexutil.Decode(s)
		if err != nil {
			return nil, &rpc.JSONRPCError{Code: -32602, Message: err.Error()}
		}
		var tx ethtypes.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, &rpc.JSONRPCError{Code: -32602, Message: err.Error()}
		}
		if tx.Nonce() < n.pending {
			n.rejected++
			return nil, &rpc.JSONRPCError{Code: -32000, Message: "nonce too low"}
		}
		n.pending = tx.Nonce() + 1
		n.accepted = append(n.accepted, tx.Nonce())
		return tx.Hash().Hex(), nil
	case "eth_getTransactionByHash":
		hash, _ := params[0].(string)
		return map[string]any{"hash": hash, "blockNumber": "0x10"}, nil
	}
	return nil, &rpc.JSONRPCError{Code: -32601, Message: "method not found"}
}

func TestRunSignsProbesWithChainNonce(t *testing.T) {
	node := &evmNode{pending: 40}
	srv := node.serve(t)
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	configs := make([]cluster.NodeConfig, 4)
	for i := range configs {
		configs[i] = cluster.NodeConfig{Index: i, URL: "http://127.0.0.1", VotingPower: 1}
	}
	b := newFakeBackend()
	c := newFakeClusterFrom(t, b, advancing, configs, cluster.DefaultPorts{Execute: port, Consensus: 26657})

	wallet, err := account.NewAccountFromHex("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	if err != nil {
		t.Fatal(err)
	}
	prober, err := probe.New(probe.Config{
		ChainID:          big.NewInt(9000),
		Wallet:           wallet,
		InclusionTimeout: 2 * time.Second,
		PollInterval:     10 * time.Millisecond,
		Logger:           testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	o, err := New(Config{
		Scenario: cluster.ExactlyOneThird,
		Cluster:  c,
		Backend:  b,
		Prober:   prober,
		Options:  fastOptions(),
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.Passed {
		t.Fatalf("report = %+v, want passed", report)
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	// One transfer after stop and one after restart.
	if len(node.accepted) != 2 || node.accepted[0] != 40 || node.accepted[1] != 41 {
		t.Errorf("accepted nonces = %v, want [40 41]", node.accepted)
	}
	if node.rejected != 0 {
		t.Errorf("rejected = %d transfers, want 0", node.rejected)
	}
}
