// Package chain defines the read-only view of a blockchain the
// reconciliation engine depends on.
package chain

import (
	"context"
	"errors"
	"time"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

// ErrNotFound is returned when a transaction is unknown to the chain.
var ErrNotFound = errors.New("chain: not found")

// Transaction is a mined transaction with every value transfer it carried.
type Transaction struct {
	Hash        string
	Network     model.Network
	From        string
	To          string
	Success     bool
	BlockNumber int64
	BlockTime   time.Time
	Transfers   []model.Transfer
}

// TransferQuery selects transfers received by Payee within [From, To].
// AssetContract narrows the search to one token; empty means any.
type TransferQuery struct {
	Payee         string
	AssetContract string
	From          time.Time
	To            time.Time
}

//go:generate mockgen -source=chain.go -destination=mocks/mock_chain.go -package=mocks

// Client is the chain access used by verification.
type Client interface {
	// GetTransaction returns ErrNotFound for unknown or pending hashes.
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)
	GetTransfersTo(ctx context.Context, q TransferQuery) ([]model.Transfer, error)
	BlockNumber(ctx context.Context) (int64, error)
}

// TransferIndexer lists a wallet's outgoing transfers for gap analysis.
type TransferIndexer interface {
	GetWalletTransfers(ctx context.Context, wallet string, start, end time.Time) ([]model.Transfer, error)
}
