package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// fetch calls method and decodes a non-null result into a new T. A null
// result yields nil, nil.
func fetch[T any](ctx context.Context, c *Client, method string, params ...interface{}) (*T, error) {
	result, err := c.call(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if isNull(result) {
		return nil, nil
	}
	out := new(T)
	if err := json.Unmarshal(result, out); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", method, err)
	}
	return out, nil
}

func (c *Client) GetBlockNumber(ctx context.Context) (int64, error) {
	hexNum, err := fetch[string](ctx, c, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	if hexNum == nil {
		return 0, fmt.Errorf("eth_blockNumber: empty result")
	}
	return ParseHexInt64(*hexNum)
}

// GetBlockByNumber returns nil, nil for an unknown block.
func (c *Client) GetBlockByNumber(ctx context.Context, blockNumber int64) (*Block, error) {
	return fetch[Block](ctx, c, "eth_getBlockByNumber", FormatHexInt64(blockNumber), false)
}

// GetTransactionByHash returns nil, nil for an unknown hash.
func (c *Client) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	return fetch[Transaction](ctx, c, "eth_getTransactionByHash", hash)
}

// GetTransactionReceipt returns nil, nil while the transaction is unknown
// or still pending.
func (c *Client) GetTransactionReceipt(ctx context.Context, hash string) (*TransactionReceipt, error) {
	return fetch[TransactionReceipt](ctx, c, "eth_getTransactionReceipt", hash)
}

func (c *Client) GetLogs(ctx context.Context, filter LogFilter) ([]*Log, error) {
	logs, err := fetch[[]*Log](ctx, c, "eth_getLogs", filter)
	if err != nil || logs == nil {
		return nil, err
	}
	return *logs, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func ParseHexInt64(value string) (int64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(raw, 16, 63)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", value, err)
	}
	return int64(parsed), nil
}

// ParseHexBig parses a 0x-prefixed quantity or 32-byte word.
func ParseHexBig(value string) (*big.Int, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return nil, fmt.Errorf("parse hex %q", value)
	}
	return v, nil
}

func FormatHexInt64(value int64) string {
	return fmt.Sprintf("0x%x", value)
}
