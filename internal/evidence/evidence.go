// Package evidence filters captured HTTP headers and extracts X402 payment
// attributes from them.
package evidence

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

// DefaultWhitelist lists the headers retained from a capture. Everything
// else is dropped before hashing or storage.
var DefaultWhitelist = []string{
	"x-402-payment",
	"x-402-network",
	"x-402-recipient",
	"x-402-amount",
	"x-402-asset",
	"x-402-decimals",
	"x-402-payer",
	"x-402-order-id",
	"x-402-nonce",
	"x-402-valid-after",
	"x-402-valid-until",
	"x-402-receipt",
	"x-402-tx-hash",
	"x-402-payment-id",
	"x-payment",
	"x-payment-required",
	"x-payment-response",
	"www-authenticate",
}

// defaultDecimals applies to decimal amounts with no declared precision
// (USDC).
const defaultDecimals int32 = 6

type Filter struct {
	allowed map[string]struct{}
}

func NewFilter(names []string) *Filter {
	if len(names) == 0 {
		names = DefaultWhitelist
	}
	f := &Filter{allowed: make(map[string]struct{}, len(names))}
	for _, n := range names {
		f.allowed[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return f
}

func (f *Filter) Allowed(name string) bool {
	_, ok := f.allowed[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Apply returns the whitelisted headers with lowercased names and trimmed
// values. Empty values are dropped.
func (f *Filter) Apply(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		name := strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if v == "" || !f.Allowed(name) {
			continue
		}
		out[name] = v
	}
	return out
}

// Names returns the whitelist in sorted order.
func (f *Filter) Names() []string {
	out := make([]string, 0, len(f.allowed))
	for n := range f.allowed {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// HeadersJSON encodes filtered headers for storage. Keys are sorted.
func HeadersJSON(filtered map[string]string) string {
	if len(filtered) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(filtered)
	return string(b)
}

// FactsFromHeaders extracts payment attributes from filtered headers.
func FactsFromHeaders(filtered map[string]string) model.PaymentFacts {
	return FactsFromJSON(HeadersJSON(filtered))
}

// FactsFromJSON extracts payment attributes from a stored headers_json
// document. Plain x-402-* headers take precedence over the structured
// x-payment* payloads. The persistence disambiguators (order id, nonce,
// valid-after) are read from the plain headers only; the authorization's
// nonce and validAfter are kept separately.
func FactsFromJSON(headersJSON string) model.PaymentFacts {
	doc := gjson.Parse(headersJSON)
	var f model.PaymentFacts

	f.Network = model.ParseNetwork(doc.Get("x-402-network").String())
	f.Recipient = doc.Get("x-402-recipient").String()
	f.AssetSymbol = doc.Get("x-402-asset").String()
	f.PayerWallet = doc.Get("x-402-payer").String()
	f.OrderID = doc.Get("x-402-order-id").String()
	f.Nonce = doc.Get("x-402-nonce").String()
	f.ValidAfter = doc.Get("x-402-valid-after").String()
	f.ValidUntil = doc.Get("x-402-valid-until").String()
	f.TxHash = doc.Get("x-402-tx-hash").String()
	if d := doc.Get("x-402-decimals"); d.Exists() {
		if n, err := strconv.ParseInt(d.String(), 10, 32); err == nil {
			v := int32(n)
			f.Decimals = &v
		}
	}
	amount := doc.Get("x-402-amount").String()

	if p, ok := embedded(doc.Get("x-402-payment").String()); ok {
		fill(&f.Recipient, first(p, "recipient", "payTo", "pay_to"))
		fill(&amount, first(p, "amount", "value"))
		fillNetwork(&f, first(p, "network"))
		fill(&f.OrderID, first(p, "orderId", "order_id"))
		fill(&f.AuthorizationNonce, first(p, "nonce"))
		fill(&f.TxHash, first(p, "txHash", "tx_hash"))
		fill(&f.Description, first(p, "description"))
	}

	// 402 challenge: the first accepted payment requirement.
	if req, ok := embedded(doc.Get("x-payment-required").String()); ok {
		accept := req.Get("accepts.0")
		if !accept.Exists() {
			accept = req
		}
		fill(&f.Recipient, first(accept, "payTo"))
		fill(&amount, first(accept, "maxAmountRequired", "amount"))
		fillNetwork(&f, first(accept, "network"))
		fill(&f.AssetContract, first(accept, "asset"))
		fill(&f.AssetSymbol, first(accept, "extra.name"))
		fill(&f.Description, first(accept, "description"))
	}

	// Signed authorization sent with the paid request.
	if pay, ok := embedded(doc.Get("x-payment").String()); ok {
		auth := pay.Get("payload.authorization")
		fill(&f.PayerWallet, first(auth, "from"))
		fill(&f.Recipient, first(auth, "to"))
		fill(&amount, first(auth, "value"))
		fill(&f.AuthorizationNonce, first(auth, "nonce"))
		fill(&f.AuthorizationValidAfter, first(auth, "validAfter"))
		fill(&f.ValidUntil, first(auth, "validBefore"))
		fillNetwork(&f, first(pay, "network"))
	}

	// Settlement receipt.
	for _, name := range []string{"x-payment-response", "x-402-receipt"} {
		resp, ok := embedded(doc.Get(name).String())
		if !ok {
			continue
		}
		fill(&f.TxHash, first(resp, "transaction", "txHash", "tx_hash"))
		fill(&f.PayerWallet, first(resp, "payer"))
		fillNetwork(&f, first(resp, "network"))
		if f.PaidAt == nil {
			if ts := first(resp, "paidAt", "paid_at", "timestamp"); ts != "" {
				if t, err := time.Parse(time.RFC3339, ts); err == nil {
					t = t.UTC()
					f.PaidAt = &t
				}
			}
		}
	}

	f.AmountBaseUnits = baseUnits(amount, f.Decimals)
	return f
}

// Merge fills the empty fields of primary from fallback.
func Merge(primary, fallback model.PaymentFacts) model.PaymentFacts {
	out := primary
	if out.Network == "" {
		out.Network = fallback.Network
	}
	fill(&out.Recipient, fallback.Recipient)
	fill(&out.AmountBaseUnits, fallback.AmountBaseUnits)
	fill(&out.AssetSymbol, fallback.AssetSymbol)
	fill(&out.AssetContract, fallback.AssetContract)
	fill(&out.PayerWallet, fallback.PayerWallet)
	fill(&out.TxHash, fallback.TxHash)
	fill(&out.OrderID, fallback.OrderID)
	fill(&out.Nonce, fallback.Nonce)
	fill(&out.ValidAfter, fallback.ValidAfter)
	fill(&out.AuthorizationNonce, fallback.AuthorizationNonce)
	fill(&out.AuthorizationValidAfter, fallback.AuthorizationValidAfter)
	fill(&out.ValidUntil, fallback.ValidUntil)
	fill(&out.Description, fallback.Description)
	if out.Decimals == nil {
		out.Decimals = fallback.Decimals
	}
	if out.PaidAt == nil {
		out.PaidAt = fallback.PaidAt
	}
	return out
}

// embedded decodes a header value holding JSON, either raw or base64.
func embedded(v string) (gjson.Result, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return gjson.Result{}, false
	}
	if gjson.Valid(v) {
		r := gjson.Parse(v)
		return r, r.IsObject()
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(v)
		if err == nil && gjson.ValidBytes(b) {
			r := gjson.ParseBytes(b)
			return r, r.IsObject()
		}
	}
	return gjson.Result{}, false
}

func first(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := strings.TrimSpace(r.Get(p).String()); v != "" {
			return v
		}
	}
	return ""
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func fillNetwork(f *model.PaymentFacts, v string) {
	if f.Network == "" && v != "" {
		f.Network = model.ParseNetwork(v)
	}
}

// baseUnits keeps integer amounts and scales decimal ones.
func baseUnits(amount string, decimals *int32) string {
	amount = strings.TrimSpace(amount)
	if amount == "" || model.IsBaseUnits(amount) {
		return amount
	}
	d := defaultDecimals
	if decimals != nil {
		d = *decimals
	}
	v, err := model.DecimalToBaseUnits(amount, d)
	if err != nil {
		return ""
	}
	return v
}
