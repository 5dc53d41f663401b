package model

import "time"

// PaymentFacts are the payment attributes a capture agent extracted from
// one HTTP stage. Any field may be empty; later stages fill in the rest.
type PaymentFacts struct {
	Network         Network    `json:"network,omitempty"`
	Recipient       string     `json:"recipient,omitempty"`
	AmountBaseUnits string     `json:"amount,omitempty"`
	AssetSymbol     string     `json:"asset_symbol,omitempty"`
	AssetContract   string     `json:"asset_contract,omitempty"`
	Decimals        *int32     `json:"decimals,omitempty"`
	PayerWallet     string     `json:"payer_wallet,omitempty"`
	TxHash          string     `json:"tx_hash,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	Description     string     `json:"description,omitempty"`

	// OrderID, Nonce and ValidAfter come only from explicit x-402-* headers
	// and may feed the persistence id. They must be visible at every stage.
	OrderID    string `json:"order_id,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	ValidAfter string `json:"valid_after,omitempty"`

	// Fields of the signed authorization. Present from the auth stage on,
	// so never part of the persistence id.
	AuthorizationNonce      string `json:"authorization_nonce,omitempty"`
	AuthorizationValidAfter string `json:"authorization_valid_after,omitempty"`
	ValidUntil              string `json:"valid_until,omitempty"`
}

// EvidenceInput is one stage observation handed to the engine.
type EvidenceInput struct {
	// PersistenceID is optional; when empty it is derived from Payment.
	PersistenceID string            `json:"persistence_id,omitempty"`
	Stage         Stage             `json:"stage"`
	RequestURL    string            `json:"request_url"`
	RequestMethod string            `json:"request_method"`
	Headers       map[string]string `json:"headers"`
	CapturedAt    time.Time         `json:"captured_at"`
	Payment       PaymentFacts      `json:"payment"`
}
