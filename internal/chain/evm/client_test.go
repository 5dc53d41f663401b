package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangpi1030-tech/x402-account/internal/chain"
	"github.com/huangpi1030-tech/x402-account/internal/chain/evm/rpc"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/rpcpool"
)

const (
	usdc  = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	payer = "0x1111111111111111111111111111111111111111"
	payee = "0x2222222222222222222222222222222222222222"
	other = "0x3333333333333333333333333333333333333333"
)

var genesis = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func blockTimeOf(n int64) time.Time { return genesis.Add(time.Duration(n) * 12 * time.Second) }

// fakeNode is an in-memory JSON-RPC server with one block every 12s.
type fakeNode struct {
	mu       sync.Mutex
	head     int64
	logs     []*rpc.Log
	receipts map[string]*rpc.TransactionReceipt
	txs      map[string]*rpc.Transaction
	calls    map[string]int
	fail     bool
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		head:     1000,
		receipts: map[string]*rpc.TransactionReceipt{},
		txs:      map[string]*rpc.Transaction{},
		calls:    map[string]int{},
	}
}

func transferLog(tx string, block int64, idx int, from, to, amountHex string) *rpc.Log {
	return &rpc.Log{
		Address:         usdc,
		Topics:          []string{TransferTopic, AddressTopic(from), AddressTopic(to)},
		Data:            amountHex,
		BlockNumber:     rpc.FormatHexInt64(block),
		TransactionHash: tx,
		LogIndex:        rpc.FormatHexInt64(int64(idx)),
	}
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int               `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.Method]++
	if f.fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var result any
	switch req.Method {
	case "eth_blockNumber":
		result = rpc.FormatHexInt64(f.head)
	case "eth_getBlockByNumber":
		var hexNum string
		_ = json.Unmarshal(req.Params[0], &hexNum)
		n, _ := rpc.ParseHexInt64(hexNum)
		if n > f.head {
			result = nil
			break
		}
		result = rpc.Block{Number: hexNum, Timestamp: rpc.FormatHexInt64(blockTimeOf(n).Unix())}
	case "eth_getTransactionReceipt":
		var h string
		_ = json.Unmarshal(req.Params[0], &h)
		if rc, ok := f.receipts[h]; ok {
			result = rc
		}
	case "eth_getTransactionByHash":
		var h string
		_ = json.Unmarshal(req.Params[0], &h)
		if tx, ok := f.txs[h]; ok {
			result = tx
		}
	case "eth_getLogs":
		var filter rpc.LogFilter
		_ = json.Unmarshal(req.Params[0], &filter)
		result = f.filterLogs(filter)
	}
	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	_, _ = w.Write(body)
}

func (f *fakeNode) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeNode) filterLogs(filter rpc.LogFilter) []*rpc.Log {
	lo, _ := rpc.ParseHexInt64(filter.FromBlock)
	hi, _ := rpc.ParseHexInt64(filter.ToBlock)
	out := []*rpc.Log{}
	for _, lg := range f.logs {
		bn, _ := rpc.ParseHexInt64(lg.BlockNumber)
		if bn < lo || bn > hi {
			continue
		}
		if len(filter.Address) > 0 && !contains(filter.Address, lg.Address) {
			continue
		}
		match := true
		for i, t := range filter.Topics {
			if t != nil && (i >= len(lg.Topics) || !strings.EqualFold(*t, lg.Topics[i])) {
				match = false
			}
		}
		if match {
			out = append(out, lg)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func newClient(t *testing.T, nodes ...*fakeNode) *Client {
	t.Helper()
	var eps []rpcpool.EndpointConfig
	for i, n := range nodes {
		srv := httptest.NewServer(n)
		t.Cleanup(srv.Close)
		eps = append(eps, rpcpool.EndpointConfig{Name: fmt.Sprintf("node-%d", i), URL: srv.URL, Priority: len(nodes) - i})
	}
	pool, err := rpcpool.New(rpcpool.Config{Endpoints: eps, RetryCount: len(nodes), Timeout: 2 * time.Second})
	require.NoError(t, err)
	return New(model.NetworkBase, pool, nil, WithAssets(usdc), WithMaxBlockRange(100))
}

func TestTransferTopic(t *testing.T) {
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", TransferTopic)
	assert.Equal(t, "0x000000000000000000000000"+strings.TrimPrefix(payee, "0x"), AddressTopic("0x2222222222222222222222222222222222222222"))
	assert.Equal(t, payee, topicAddress(AddressTopic(payee)))
}

func TestDecodeTransferLog_SkipsForeignLogs(t *testing.T) {
	lg := transferLog("0xaa", 5, 0, payer, payee, "0x2710")
	lg.Topics = lg.Topics[:2]
	_, ok, err := decodeTransferLog(model.NetworkBase, lg, genesis)
	require.NoError(t, err)
	assert.False(t, ok)

	removed := transferLog("0xaa", 5, 0, payer, payee, "0x2710")
	removed.Removed = true
	_, ok, _ = decodeTransferLog(model.NetworkBase, removed, genesis)
	assert.False(t, ok)
}

func TestGetTransaction_DecodesTransfers(t *testing.T) {
	node := newFakeNode()
	node.receipts["0xabc"] = &rpc.TransactionReceipt{
		TransactionHash: "0xabc",
		BlockNumber:     "0x64",
		Status:          "0x1",
		From:            payer,
		To:              usdc,
		Logs:            []*rpc.Log{transferLog("0xabc", 100, 2, payer, payee, "0x2710")},
	}
	node.txs["0xabc"] = &rpc.Transaction{Hash: "0xabc", From: payer, To: usdc, Value: "0x0"}

	c := newClient(t, node)
	tx, err := c.GetTransaction(context.Background(), "0xABC")
	require.NoError(t, err)

	assert.Equal(t, "0xabc", tx.Hash)
	assert.True(t, tx.Success)
	assert.Equal(t, int64(100), tx.BlockNumber)
	assert.Equal(t, blockTimeOf(100), tx.BlockTime)
	require.Len(t, tx.Transfers, 1)
	tr := tx.Transfers[0]
	assert.Equal(t, payee, tr.ToAddress)
	assert.Equal(t, payer, tr.FromAddress)
	assert.Equal(t, "10000", tr.Amount)
	assert.Equal(t, usdc, tr.AssetContract)
	assert.Equal(t, 2, tr.LogIndex)
}

func TestGetTransaction_NativeValue(t *testing.T) {
	node := newFakeNode()
	node.receipts["0xeth"] = &rpc.TransactionReceipt{TransactionHash: "0xeth", BlockNumber: "0xa", Status: "0x1"}
	node.txs["0xeth"] = &rpc.Transaction{Hash: "0xeth", From: payer, To: payee, Value: "0xde0b6b3a7640000"}

	tx, err := newClient(t, node).GetTransaction(context.Background(), "0xeth")
	require.NoError(t, err)
	require.Len(t, tx.Transfers, 1)
	assert.Equal(t, "1000000000000000000", tx.Transfers[0].Amount)
	assert.Empty(t, tx.Transfers[0].AssetContract)
}

func TestGetTransaction_NotFound(t *testing.T) {
	c := newClient(t, newFakeNode())
	_, err := c.GetTransaction(context.Background(), "0xdead")
	assert.ErrorIs(t, err, chain.ErrNotFound)
}

func TestGetTransaction_FailsOverToHealthyNode(t *testing.T) {
	bad := newFakeNode()
	bad.fail = true
	good := newFakeNode()
	good.receipts["0xabc"] = &rpc.TransactionReceipt{TransactionHash: "0xabc", BlockNumber: "0x1", Status: "0x1"}

	tx, err := newClient(t, bad, good).GetTransaction(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tx.BlockNumber)
	assert.Positive(t, bad.count("eth_getTransactionReceipt"))
}

func TestGetTransaction_AllNodesDown(t *testing.T) {
	bad := newFakeNode()
	bad.fail = true
	_, err := newClient(t, bad).GetTransaction(context.Background(), "0xabc")
	assert.True(t, errors.Is(err, rpcpool.ErrRPCExhausted))
}

func TestGetTransfersTo_WindowAndPayeeFilter(t *testing.T) {
	node := newFakeNode()
	node.logs = []*rpc.Log{
		transferLog("0x01", 50, 0, payer, payee, "0x2710"),  // before window
		transferLog("0x02", 300, 0, payer, payee, "0x2710"), // in window
		transferLog("0x03", 301, 1, payer, other, "0x2710"), // other payee
		transferLog("0x04", 420, 0, payer, payee, "0x4e20"), // in window
		transferLog("0x05", 900, 0, payer, payee, "0x2710"), // after window
	}
	c := newClient(t, node)

	got, err := c.GetTransfersTo(context.Background(), chain.TransferQuery{
		Payee: "0x2222222222222222222222222222222222222222",
		From:  blockTimeOf(250),
		To:    blockTimeOf(500),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0x02", got[0].TxHash)
	assert.Equal(t, "0x04", got[1].TxHash)
	assert.Equal(t, "20000", got[1].Amount)
	assert.Equal(t, blockTimeOf(420), got[1].BlockTime)
	assert.Greater(t, node.count("eth_getLogs"), 1, "range is chunked by max block range")
}

func TestGetWalletTransfers_OutgoingOnly(t *testing.T) {
	node := newFakeNode()
	node.logs = []*rpc.Log{
		transferLog("0x01", 10, 0, payer, payee, "0x1"),
		transferLog("0x02", 20, 0, other, payer, "0x1"),
		transferLog("0x03", 30, 0, payer, other, "0x2"),
	}
	got, err := newClient(t, node).GetWalletTransfers(context.Background(), payer, genesis, blockTimeOf(100))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0x01", got[0].TxHash)
	assert.Equal(t, "0x03", got[1].TxHash)
}

func TestScan_Validation(t *testing.T) {
	c := newClient(t, newFakeNode())
	_, err := c.GetTransfersTo(context.Background(), chain.TransferQuery{})
	assert.Error(t, err)
	_, err = c.GetWalletTransfers(context.Background(), payer, blockTimeOf(10), blockTimeOf(5))
	assert.Error(t, err)
}

func TestBlockTimeIsCached(t *testing.T) {
	node := newFakeNode()
	c := newClient(t, node)
	_, err := c.blockTime(context.Background(), 7)
	require.NoError(t, err)
	_, err = c.blockTime(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, node.count("eth_getBlockByNumber"))
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(newFakeNode())
	defer srv.Close()
	require.NoError(t, Ping(nil)(context.Background(), srv.URL))
}
