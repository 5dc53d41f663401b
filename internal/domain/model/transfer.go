package model

import "time"

// Transfer is a single value movement observed on chain: either a native
// transfer (AssetContract empty) or an ERC-20 Transfer log.
type Transfer struct {
	Network       Network   `json:"network"`
	TxHash        string    `json:"tx_hash"`
	LogIndex      int       `json:"log_index"`
	AssetContract string    `json:"asset_contract,omitempty"`
	FromAddress   string    `json:"from"`
	ToAddress     string    `json:"to"`
	Amount        string    `json:"value"` // base units, base-10
	BlockNumber   int64     `json:"block_number"`
	BlockTime     time.Time `json:"block_time"`
}
