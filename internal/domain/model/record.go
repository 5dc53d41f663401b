package model

import (
	"time"

	"github.com/google/uuid"
)

// Stage is the HTTP stage of an X402 exchange an observation came from.
type Stage string

const (
	Stage402     Stage = "402"
	StageAuth    Stage = "auth"
	StageReceipt Stage = "receipt"
)

// Valid reports whether s is one of the three X402 stages.
func (s Stage) Valid() bool {
	return s == Stage402 || s == StageAuth || s == StageReceipt
}

// RawEvidence is one observed HTTP stage. Insert-only.
type RawEvidence struct {
	EvidenceID     uuid.UUID `json:"evidence_id"`
	PersistenceID  string    `json:"persistence_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Stage          Stage     `json:"stage"`
	RequestURL     string    `json:"request_url"`
	RequestMethod  string    `json:"request_method"`
	HeaderHash     string    `json:"header_hash"`
	HeadersJSON    string    `json:"headers_json"` // whitelisted headers only
	CapturedAt     time.Time `json:"captured_at"`
	Processed      bool      `json:"processed"`
}

// AccountingTags are the bookkeeping fields editable after acceptance.
type AccountingTags struct {
	Category      string     `json:"category,omitempty"`
	Project       string     `json:"project,omitempty"`
	CostCenter    string     `json:"cost_center,omitempty"`
	RuleIDApplied *uuid.UUID `json:"rule_id_applied,omitempty"`
}

// CanonicalRecord is the reconciled row of truth for one payment.
type CanonicalRecord struct {
	EventID          uuid.UUID `json:"event_id"`
	PersistenceID    string    `json:"persistence_id"`
	EvidenceRef      string    `json:"evidence_ref"`
	HeaderHashesJSON string    `json:"header_hashes_json"`

	MerchantDomain string `json:"merchant_domain"`
	RequestURL     string `json:"request_url"`
	Description    string `json:"description,omitempty"`
	OrderID        string `json:"order_id,omitempty"`

	Network         Network `json:"network"`
	AssetSymbol     string  `json:"asset_symbol"`
	AssetContract   string  `json:"asset_contract,omitempty"`
	Decimals        int32   `json:"decimals"`
	AmountBaseUnits string  `json:"amount_base_units_str"` // base-10 integer
	AmountDecimal   string  `json:"amount_decimal_str"`

	PayerWallet string `json:"payer_wallet,omitempty"`
	PayeeWallet string `json:"payee_wallet"`

	TxHash      string     `json:"tx_hash,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	BlockNumber *int64     `json:"block_number,omitempty"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`

	// AttributedTxHash is the best on-chain candidate of a blind match
	// that was not accepted. It is never treated as a claimed hash.
	AttributedTxHash string `json:"attributed_tx_hash,omitempty"`

	FxFiatCurrency  string     `json:"fx_fiat_currency"`
	FxRate          string     `json:"fx_rate,omitempty"`
	FiatValueAtTime string     `json:"fiat_value_at_time,omitempty"`
	FxSource        string     `json:"fx_source,omitempty"`
	FxCapturedAt    *time.Time `json:"fx_captured_at,omitempty"`

	AccountingTags

	Status            Status `json:"status"`
	Confidence        *int   `json:"confidence,omitempty"`
	NeedsReviewReason string `json:"needs_review_reason,omitempty"`

	// Automatic re-verification backoff. Reset once verified.
	VerifyAttempts int        `json:"verify_attempts"`
	NextVerifyAt   *time.Time `json:"next_verify_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so before/after snapshots never alias.
func (r *CanonicalRecord) Clone() *CanonicalRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.PaidAt = cloneTime(r.PaidAt)
	c.VerifiedAt = cloneTime(r.VerifiedAt)
	c.FxCapturedAt = cloneTime(r.FxCapturedAt)
	c.NextVerifyAt = cloneTime(r.NextVerifyAt)
	if r.BlockNumber != nil {
		v := *r.BlockNumber
		c.BlockNumber = &v
	}
	if r.Confidence != nil {
		v := *r.Confidence
		c.Confidence = &v
	}
	if r.RuleIDApplied != nil {
		v := *r.RuleIDApplied
		c.RuleIDApplied = &v
	}
	return &c
}

// ObservedAt is the best known wall-clock time of the payment: PaidAt when
// captured, otherwise the record creation time.
func (r *CanonicalRecord) ObservedAt() time.Time {
	if r.PaidAt != nil {
		return *r.PaidAt
	}
	return r.CreatedAt
}

// MissingFields lists scoring-relevant fields that are empty.
func (r *CanonicalRecord) MissingFields() []string {
	var missing []string
	if r.PayerWallet == "" {
		missing = append(missing, "payer_wallet")
	}
	if r.AmountBaseUnits == "" && r.AmountDecimal == "" {
		missing = append(missing, "amount")
	}
	if r.TxHash == "" {
		missing = append(missing, "tx_hash")
	}
	if r.PaidAt == nil {
		missing = append(missing, "paid_at")
	}
	if r.OrderID == "" {
		missing = append(missing, "order_id")
	}
	return missing
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
