// Package evm implements chain.Client for EVM networks on top of an
// rpcpool of JSON-RPC endpoints.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/huangpi1030-tech/x402-account/internal/cache"
	"github.com/huangpi1030-tech/x402-account/internal/chain"
	"github.com/huangpi1030-tech/x402-account/internal/chain/evm/rpc"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/identity"
	"github.com/huangpi1030-tech/x402-account/internal/rpcpool"
)

const (
	defaultMaxBlockRange  = 2000
	defaultBlockCacheSize = 4096
	defaultBlockCacheTTL  = 24 * time.Hour
)

type Client struct {
	network       model.Network
	pool          *rpcpool.Pool
	assets        []string
	maxBlockRange int64
	blockTimes    *cache.LRU[int64, time.Time]
	logger        *slog.Logger

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

var (
	_ chain.Client          = (*Client)(nil)
	_ chain.TransferIndexer = (*Client)(nil)
)

type Option func(*Client)

// WithAssets restricts wallet scans to the given token contracts.
func WithAssets(contracts ...string) Option {
	return func(c *Client) {
		for _, a := range contracts {
			if a = identity.CanonicalAddress(c.network, a); a != "" {
				c.assets = append(c.assets, a)
			}
		}
	}
}

// WithMaxBlockRange caps the block span of a single eth_getLogs request.
func WithMaxBlockRange(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBlockRange = n
		}
	}
}

func New(network model.Network, pool *rpcpool.Pool, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		network:       network,
		pool:          pool,
		maxBlockRange: defaultMaxBlockRange,
		blockTimes:    cache.NewLRU[int64, time.Time](defaultBlockCacheSize, defaultBlockCacheTTL),
		logger:        logger.With("component", "evm_client", "network", string(network)),
		clients:       make(map[string]*rpc.Client),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ping is an rpcpool.PingFunc issuing eth_blockNumber.
func Ping(logger *slog.Logger) rpcpool.PingFunc {
	return func(ctx context.Context, url string) error {
		_, err := rpc.NewClient(url, logger).GetBlockNumber(ctx)
		return err
	}
}

func (c *Client) rpcFor(url string) *rpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok := c.clients[url]; ok {
		return rc
	}
	rc := rpc.NewClient(url, c.logger)
	c.clients[url] = rc
	return rc
}

func do[T any](ctx context.Context, c *Client, method string, fn func(context.Context, *rpc.Client) (T, error)) (T, error) {
	var out T
	err := c.pool.Do(ctx, method, func(ctx context.Context, ep rpcpool.Endpoint) error {
		v, err := fn(ctx, c.rpcFor(ep.URL))
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	return do(ctx, c, "eth_blockNumber", func(ctx context.Context, rc *rpc.Client) (int64, error) {
		return rc.GetBlockNumber(ctx)
	})
}

// GetTransaction returns the receipt's ERC-20 transfers plus the native
// value transfer, if any.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*chain.Transaction, error) {
	hash = identity.CanonicalTxHash(c.network, hash)
	receipt, err := do(ctx, c, "eth_getTransactionReceipt", func(ctx context.Context, rc *rpc.Client) (*rpc.TransactionReceipt, error) {
		r, err := rc.GetTransactionReceipt(ctx, hash)
		if err == nil && r == nil {
			return nil, fmt.Errorf("receipt %s: %w", hash, chain.ErrNotFound)
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}

	blockNumber, err := rpc.ParseHexInt64(receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("receipt block number: %w", err)
	}
	blockTime, err := c.blockTime(ctx, blockNumber)
	if err != nil {
		return nil, err
	}

	tx := &chain.Transaction{
		Hash:        hash,
		Network:     c.network,
		From:        identity.CanonicalAddress(c.network, receipt.From),
		To:          identity.CanonicalAddress(c.network, receipt.To),
		Success:     receipt.Status == "0x1",
		BlockNumber: blockNumber,
		BlockTime:   blockTime,
	}
	for _, lg := range receipt.Logs {
		if lg.BlockNumber == "" {
			lg.BlockNumber = receipt.BlockNumber
		}
		if lg.TransactionHash == "" {
			lg.TransactionHash = hash
		}
		t, ok, err := decodeTransferLog(c.network, lg, blockTime)
		if err != nil {
			return nil, err
		}
		if ok {
			tx.Transfers = append(tx.Transfers, t)
		}
	}

	native, err := do(ctx, c, "eth_getTransactionByHash", func(ctx context.Context, rc *rpc.Client) (*rpc.Transaction, error) {
		return rc.GetTransactionByHash(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	if native != nil {
		value, err := rpc.ParseHexBig(native.Value)
		if err == nil && value.Sign() > 0 {
			tx.Transfers = append(tx.Transfers, model.Transfer{
				Network:     c.network,
				TxHash:      hash,
				LogIndex:    -1,
				FromAddress: identity.CanonicalAddress(c.network, native.From),
				ToAddress:   identity.CanonicalAddress(c.network, native.To),
				Amount:      value.String(),
				BlockNumber: blockNumber,
				BlockTime:   blockTime,
			})
		}
	}
	return tx, nil
}

// GetTransfersTo scans ERC-20 Transfer logs to q.Payee within the time
// window.
func (c *Client) GetTransfersTo(ctx context.Context, q chain.TransferQuery) ([]model.Transfer, error) {
	if q.Payee == "" {
		return nil, fmt.Errorf("evm: payee is required")
	}
	to := AddressTopic(q.Payee)
	var addresses []string
	if q.AssetContract != "" {
		addresses = []string{identity.CanonicalAddress(c.network, q.AssetContract)}
	}
	return c.scan(ctx, q.From, q.To, addresses, []*string{&TransferTopic, nil, &to})
}

// GetWalletTransfers lists ERC-20 transfers sent by wallet.
func (c *Client) GetWalletTransfers(ctx context.Context, wallet string, start, end time.Time) ([]model.Transfer, error) {
	if wallet == "" {
		return nil, fmt.Errorf("evm: wallet is required")
	}
	from := AddressTopic(wallet)
	return c.scan(ctx, start, end, c.assets, []*string{&TransferTopic, &from})
}

func (c *Client) scan(ctx context.Context, start, end time.Time, addresses []string, topics []*string) ([]model.Transfer, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("evm: window end %s before start %s", end, start)
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	fromBlock, err := c.firstBlockAtOrAfter(ctx, start, head)
	if err != nil {
		return nil, err
	}
	afterEnd, err := c.firstBlockAtOrAfter(ctx, end.Add(time.Second), head)
	if err != nil {
		return nil, err
	}
	toBlock := afterEnd - 1

	var out []model.Transfer
	for lo := fromBlock; lo <= toBlock; lo += c.maxBlockRange {
		hi := lo + c.maxBlockRange - 1
		if hi > toBlock {
			hi = toBlock
		}
		filter := rpc.LogFilter{
			FromBlock: rpc.FormatHexInt64(lo),
			ToBlock:   rpc.FormatHexInt64(hi),
			Address:   addresses,
			Topics:    topics,
		}
		logs, err := do(ctx, c, "eth_getLogs", func(ctx context.Context, rc *rpc.Client) ([]*rpc.Log, error) {
			return rc.GetLogs(ctx, filter)
		})
		if err != nil {
			return nil, err
		}
		for _, lg := range logs {
			bn, err := rpc.ParseHexInt64(lg.BlockNumber)
			if err != nil {
				return nil, fmt.Errorf("log block number: %w", err)
			}
			bt, err := c.blockTime(ctx, bn)
			if err != nil {
				return nil, err
			}
			t, ok, err := decodeTransferLog(c.network, lg, bt)
			if err != nil {
				return nil, err
			}
			if ok && !t.BlockTime.Before(start) && !t.BlockTime.After(end) {
				out = append(out, t)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

// firstBlockAtOrAfter binary-searches [0, head] for the first block whose
// timestamp is >= t. It returns head+1 when every block is older.
func (c *Client) firstBlockAtOrAfter(ctx context.Context, t time.Time, head int64) (int64, error) {
	lo, hi := int64(0), head+1
	for lo < hi {
		mid := lo + (hi-lo)/2
		ts, err := c.blockTime(ctx, mid)
		if err != nil {
			return 0, err
		}
		if ts.Before(t) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

func (c *Client) blockTime(ctx context.Context, number int64) (time.Time, error) {
	if ts, ok := c.blockTimes.Get(number); ok {
		return ts, nil
	}
	block, err := do(ctx, c, "eth_getBlockByNumber", func(ctx context.Context, rc *rpc.Client) (*rpc.Block, error) {
		b, err := rc.GetBlockByNumber(ctx, number)
		if err == nil && b == nil {
			return nil, fmt.Errorf("block %d: %w", number, chain.ErrNotFound)
		}
		return b, err
	})
	if err != nil {
		return time.Time{}, err
	}
	secs, err := rpc.ParseHexInt64(block.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("block %d timestamp: %w", number, err)
	}
	ts := time.Unix(secs, 0).UTC()
	c.blockTimes.Set(number, ts)
	return ts, nil
}
