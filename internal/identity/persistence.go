package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

// DayBucketLayout is the UTC date format mixed into every persistence id.
const DayBucketLayout = "2006-01-02"

// ErrMissingField is matched by every IdentityError.
var ErrMissingField = errors.New("identity: required field missing")

// IdentityError reports why a persistence id could not be derived.
type IdentityError struct {
	Field  string
	Detail string
}

func (e *IdentityError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("identity: %s: %s", e.Field, e.Detail)
	}
	return fmt.Sprintf("identity: %s is required", e.Field)
}

func (e *IdentityError) Is(target error) bool {
	return target == ErrMissingField
}

// PaymentAttributes are the economic facts a persistence id is bound to.
type PaymentAttributes struct {
	URL             string
	Method          string
	Network         model.Network
	Recipient       string
	AmountBaseUnits string

	// At most one of these is mixed in, in this order of preference.
	OrderID    string
	Nonce      string
	ValidAfter string

	// ObservedAt selects the UTC day bucket.
	ObservedAt time.Time
}

// Disambiguator returns the single optional field mixed into the hash, or
// "" when none is present.
func (a PaymentAttributes) Disambiguator() string {
	switch {
	case strings.TrimSpace(a.OrderID) != "":
		return strings.TrimSpace(a.OrderID)
	case strings.TrimSpace(a.Nonce) != "":
		return strings.TrimSpace(a.Nonce)
	case strings.TrimSpace(a.ValidAfter) != "":
		return strings.TrimSpace(a.ValidAfter)
	default:
		return ""
	}
}

// DerivePersistenceID hashes the payment attributes into the idempotency
// token shared by every HTTP stage of the same payment. It fails closed
// when the recipient or amount is unknown.
func DerivePersistenceID(a PaymentAttributes) (string, error) {
	recipient := CanonicalAddress(a.Network, a.Recipient)
	if recipient == "" || strings.EqualFold(recipient, "unknown") {
		return "", &IdentityError{Field: "recipient"}
	}
	amount := strings.TrimSpace(a.AmountBaseUnits)
	if amount == "" {
		return "", &IdentityError{Field: "amount"}
	}
	if !model.IsBaseUnits(amount) {
		return "", &IdentityError{Field: "amount", Detail: fmt.Sprintf("not a base-unit integer: %q", amount)}
	}
	if a.Network == "" {
		return "", &IdentityError{Field: "network"}
	}
	normalized, err := NormalizeURL(a.URL)
	if err != nil {
		return "", err
	}
	if a.ObservedAt.IsZero() {
		return "", &IdentityError{Field: "observed_at"}
	}

	parts := []string{
		normalized,
		strings.ToUpper(strings.TrimSpace(a.Method)),
		string(a.Network),
		recipient,
		amount,
	}
	if d := a.Disambiguator(); d != "" {
		parts = append(parts, d)
	}
	parts = append(parts, a.ObservedAt.UTC().Format(DayBucketLayout))

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeURL lowercases scheme and host, drops default ports, query and
// fragment, and trims a trailing slash from non-root paths.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &IdentityError{Field: "url"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &IdentityError{Field: "url", Detail: err.Error()}
	}
	if u.Scheme == "" || u.Host == "" {
		return "", &IdentityError{Field: "url", Detail: "absolute url required"}
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return scheme + "://" + host + path, nil
}

// IdempotencyKey scopes evidence dedup to one stage of one payment: the
// same HTTP response replayed twice yields the same key.
func IdempotencyKey(persistenceID string, stage model.Stage, headerHash string) string {
	return persistenceID + "|" + string(stage) + "|" + headerHash
}

// HeaderHash hashes whitelisted headers in a canonical order: names are
// lowercased and sorted, values trimmed.
func HeaderHash(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	normalized := make(map[string]string, len(headers))
	for k, v := range headers {
		lk := strings.ToLower(strings.TrimSpace(k))
		keys = append(keys, lk)
		normalized[lk] = strings.TrimSpace(v)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{':'})
		h.Write([]byte(normalized[k]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
