package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

func baseAttrs() PaymentAttributes {
	return PaymentAttributes{
		URL:             "https://API.Example.com/v1/weather?city=berlin",
		Method:          "get",
		Network:         model.NetworkBase,
		Recipient:       "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		AmountBaseUnits: "10000",
		ObservedAt:      time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func TestDerivePersistenceID_Deterministic(t *testing.T) {
	a := baseAttrs()
	id1, err := DerivePersistenceID(a)
	require.NoError(t, err)
	id2, err := DerivePersistenceID(a)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64)
}

func TestDerivePersistenceID_EquivalentInputsCollide(t *testing.T) {
	a := baseAttrs()
	want, err := DerivePersistenceID(a)
	require.NoError(t, err)

	variants := map[string]func(*PaymentAttributes){
		"query and fragment dropped": func(p *PaymentAttributes) { p.URL = "https://api.example.com/v1/weather#top" },
		"default port dropped":       func(p *PaymentAttributes) { p.URL = "https://api.example.com:443/v1/weather" },
		"trailing slash trimmed":     func(p *PaymentAttributes) { p.URL = "https://api.example.com/v1/weather/" },
		"method case":                func(p *PaymentAttributes) { p.Method = "GET" },
		"recipient case":             func(p *PaymentAttributes) { p.Recipient = "0x209693bc6afc0c5328ba36faf03c514ef312287c" },
		"same UTC day":               func(p *PaymentAttributes) { p.ObservedAt = time.Date(2025, 3, 14, 23, 59, 59, 0, time.UTC) },
		"other zone same UTC day": func(p *PaymentAttributes) {
			p.ObservedAt = time.Date(2025, 3, 14, 11, 0, 0, 0, time.FixedZone("CET", 3600))
		},
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			v := baseAttrs()
			mutate(&v)
			got, err := DerivePersistenceID(v)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestDerivePersistenceID_DistinctInputsDiffer(t *testing.T) {
	a := baseAttrs()
	base, err := DerivePersistenceID(a)
	require.NoError(t, err)

	variants := map[string]func(*PaymentAttributes){
		"different path":    func(p *PaymentAttributes) { p.URL = "https://api.example.com/v1/forecast" },
		"different method":  func(p *PaymentAttributes) { p.Method = "POST" },
		"different network": func(p *PaymentAttributes) { p.Network = model.NetworkPolygon },
		"different amount":  func(p *PaymentAttributes) { p.AmountBaseUnits = "10001" },
		"next day":          func(p *PaymentAttributes) { p.ObservedAt = p.ObservedAt.Add(24 * time.Hour) },
		"order id":          func(p *PaymentAttributes) { p.OrderID = "ord-1" },
		"nonce":             func(p *PaymentAttributes) { p.Nonce = "0x01" },
		"valid after":       func(p *PaymentAttributes) { p.ValidAfter = "1710408600" },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			v := baseAttrs()
			mutate(&v)
			got, err := DerivePersistenceID(v)
			require.NoError(t, err)
			assert.NotEqual(t, base, got)
		})
	}
}

func TestDerivePersistenceID_DisambiguatorPrecedence(t *testing.T) {
	withOrder := baseAttrs()
	withOrder.OrderID = "ord-1"
	withOrder.Nonce = "n-1"

	onlyOrder := baseAttrs()
	onlyOrder.OrderID = "ord-1"

	a, err := DerivePersistenceID(withOrder)
	require.NoError(t, err)
	b, err := DerivePersistenceID(onlyOrder)
	require.NoError(t, err)
	assert.Equal(t, a, b, "nonce is ignored when an order id is present")

	assert.Equal(t, "ord-1", withOrder.Disambiguator())
	assert.Equal(t, "", baseAttrs().Disambiguator())
}

func TestDerivePersistenceID_FailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PaymentAttributes)
		field  string
	}{
		{"missing recipient", func(p *PaymentAttributes) { p.Recipient = "" }, "recipient"},
		{"unknown recipient", func(p *PaymentAttributes) { p.Recipient = "unknown" }, "recipient"},
		{"missing amount", func(p *PaymentAttributes) { p.AmountBaseUnits = "" }, "amount"},
		{"decimal amount", func(p *PaymentAttributes) { p.AmountBaseUnits = "0.01" }, "amount"},
		{"negative amount", func(p *PaymentAttributes) { p.AmountBaseUnits = "-5" }, "amount"},
		{"missing network", func(p *PaymentAttributes) { p.Network = "" }, "network"},
		{"relative url", func(p *PaymentAttributes) { p.URL = "/v1/weather" }, "url"},
		{"zero time", func(p *PaymentAttributes) { p.ObservedAt = time.Time{} }, "observed_at"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := baseAttrs()
			tc.mutate(&a)
			id, err := DerivePersistenceID(a)
			require.Error(t, err)
			assert.Empty(t, id)
			assert.True(t, errors.Is(err, ErrMissingField))

			var idErr *IdentityError
			require.ErrorAs(t, err, &idErr)
			assert.Equal(t, tc.field, idErr.Field)
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"https://Example.COM", "https://example.com/"},
		{"https://example.com/", "https://example.com/"},
		{"HTTP://example.com:80/a/b/?x=1", "http://example.com/a/b"},
		{"https://example.com:8443/a", "https://example.com:8443/a"},
		{"https://example.com/A/Path#frag", "https://example.com/A/Path"},
	}
	for _, tc := range tests {
		got, err := NormalizeURL(tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.expected, got, tc.input)
	}

	_, err := NormalizeURL("")
	assert.Error(t, err)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "pid|receipt|hh", IdempotencyKey("pid", model.StageReceipt, "hh"))
	assert.NotEqual(t,
		IdempotencyKey("pid", model.Stage402, "hh"),
		IdempotencyKey("pid", model.StageAuth, "hh"))
}

func TestHeaderHash_OrderAndCaseInsensitive(t *testing.T) {
	a := HeaderHash(map[string]string{"X-402-Amount": "10000", "x-402-network": "base"})
	b := HeaderHash(map[string]string{"x-402-network": " base ", "x-402-amount": "10000"})
	assert.Equal(t, a, b)

	c := HeaderHash(map[string]string{"x-402-amount": "10001", "x-402-network": "base"})
	assert.NotEqual(t, a, c)
	assert.Len(t, HeaderHash(nil), 64)
}
