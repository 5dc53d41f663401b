package evm

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/huangpi1030-tech/x402-account/internal/chain/evm/rpc"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/identity"
)

// TransferTopic is topic0 of the ERC-20 Transfer(address,address,uint256) event.
var TransferTopic = EventTopic("Transfer(address,address,uint256)")

// EventTopic returns the keccak-256 hash of an event signature.
func EventTopic(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// AddressTopic left-pads an address to a 32-byte topic word.
func AddressTopic(address string) string {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(address)), "0x")
	return "0x" + strings.Repeat("0", 64-len(raw)) + raw
}

func topicAddress(topic string) string {
	raw := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(raw) < 40 {
		return ""
	}
	return "0x" + raw[len(raw)-40:]
}

// decodeTransferLog returns false for logs that are not well-formed
// ERC-20 Transfer events.
func decodeTransferLog(network model.Network, lg *rpc.Log, blockTime time.Time) (model.Transfer, bool, error) {
	if lg == nil || lg.Removed || len(lg.Topics) != 3 || !strings.EqualFold(lg.Topics[0], TransferTopic) {
		return model.Transfer{}, false, nil
	}
	amount, err := rpc.ParseHexBig(lg.Data)
	if err != nil {
		return model.Transfer{}, false, fmt.Errorf("transfer amount: %w", err)
	}
	blockNumber, err := rpc.ParseHexInt64(lg.BlockNumber)
	if err != nil {
		return model.Transfer{}, false, fmt.Errorf("log block number: %w", err)
	}
	var logIndex int64
	if lg.LogIndex != "" {
		if logIndex, err = rpc.ParseHexInt64(lg.LogIndex); err != nil {
			return model.Transfer{}, false, fmt.Errorf("log index: %w", err)
		}
	}
	return model.Transfer{
		Network:       network,
		TxHash:        identity.CanonicalTxHash(network, lg.TransactionHash),
		LogIndex:      int(logIndex),
		AssetContract: identity.CanonicalAddress(network, lg.Address),
		FromAddress:   topicAddress(lg.Topics[1]),
		ToAddress:     topicAddress(lg.Topics[2]),
		Amount:        amount.String(),
		BlockNumber:   blockNumber,
		BlockTime:     blockTime,
	}, true, nil
}
