package model

import "time"

// SuspiciousExpense is an on-chain transfer with no captured record.
type SuspiciousExpense struct {
	TxHash      string    `json:"tx_hash"`
	To          string    `json:"to"`
	Value       string    `json:"value"`
	Time        time.Time `json:"time"`
	Network     Network   `json:"network"`
	BlockNumber int64     `json:"block_number"`
}

// GapAnalysis reports on-chain activity not represented by any record.
type GapAnalysis struct {
	Wallet             string              `json:"wallet"`
	StartTime          time.Time           `json:"start_time"`
	EndTime            time.Time           `json:"end_time"`
	OnChainCount       int                 `json:"onchain_count"`
	CapturedCount      int                 `json:"captured_count"`
	GapRate            float64             `json:"gap_rate"`
	SuspiciousExpenses []SuspiciousExpense `json:"suspicious_expenses"`
	AnalyzedAt         time.Time           `json:"analyzed_at"`
}
