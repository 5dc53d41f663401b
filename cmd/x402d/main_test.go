package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangpi1030-tech/x402-account/internal/config"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/rpcpool"
	redispkg "github.com/huangpi1030-tech/x402-account/internal/store/redis"
)

const evidenceJSON = `{
  "stage": "402",
  "request_url": "https://api.example.com/v1/search?q=x402",
  "request_method": "GET",
  "headers": {"Content-Type": "application/json"},
  "captured_at": "2025-03-14T12:00:00Z",
  "payment": {
    "network": "base",
    "recipient": "0x1111111111111111111111111111111111111111",
    "amount": "1500000",
    "asset_symbol": "USDC",
    "payer_wallet": "0x2222222222222222222222222222222222222222",
    "nonce": "0xabc"
  }
}`

func testConfig() *config.Config {
	return &config.Config{
		RPC: config.RPCConfig{
			Network:    model.NetworkBase,
			Strategy:   rpcpool.StrategyPriority,
			RetryCount: 1,
			Timeout:    time.Second,
			Endpoints:  []rpcpool.EndpointConfig{{Name: "local", URL: "http://127.0.0.1:1"}},
		},
		Verify:     config.VerifyConfig{Concurrency: 2, CacheTTL: time.Minute},
		Confidence: config.ConfidenceConfig{ReviewThreshold: 60},
		Fx:         config.FxConfig{Currency: "USD", Rates: map[string]string{"USDC/USD": "1"}},
		Gap:        config.GapConfig{Schedule: "@every 1h", Lookback: time.Hour},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildApp_MemoryStore(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(), testLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.db)
	assert.NotNil(t, a.store)
	require.Len(t, a.pool.Endpoints(), 1)
	assert.True(t, a.pool.Endpoints()[0].Enabled)
	assert.Empty(t, a.rules.Rules())
}

func TestBuildApp_LoadsRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: search apis
    priority: 10
    conditions:
      - field: domain
        operator: matches
        value: "*.example.com"
    action:
      category: Search
`), 0o600))

	cfg := testConfig()
	cfg.Rules.File = path
	a, err := buildApp(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	assert.Len(t, a.rules.Rules(), 1)

	cfg.Rules.File = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = buildApp(context.Background(), cfg, testLogger())
	assert.Error(t, err)
}

func TestBuildApp_BadFxRate(t *testing.T) {
	cfg := testConfig()
	cfg.Fx.Rates = map[string]string{"USDC/USD": "one"}
	_, err := buildApp(context.Background(), cfg, testLogger())
	assert.Error(t, err)
}

func TestIngestHandler(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(), testLogger())
	require.NoError(t, err)
	handle := ingestHandler(a.svc, a.logger)
	ctx := context.Background()

	in, err := readEvidence(strings.NewReader(evidenceJSON), "-")
	require.NoError(t, err)
	require.NoError(t, handle(ctx, in))

	res, err := a.svc.Ingest(ctx, in)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	rec, err := a.svc.Record(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDetected, rec.Status)
	assert.Equal(t, "1.500000", rec.AmountDecimal)

	bad := in
	bad.Stage = "preflight"
	assert.NoError(t, handle(ctx, bad), "malformed evidence is acked, not redelivered")

	noPayee := in
	noPayee.Payment.Recipient = ""
	noPayee.PersistenceID = ""
	assert.NoError(t, handle(ctx, noPayee))
}

func TestReadEvidence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ev.json")
	require.NoError(t, os.WriteFile(path, []byte(evidenceJSON), 0o600))

	in, err := readEvidence(nil, path)
	require.NoError(t, err)
	assert.Equal(t, model.Stage402, in.Stage)
	assert.Equal(t, "1500000", in.Payment.AmountBaseUnits)

	_, err = readEvidence(strings.NewReader("{"), "-")
	assert.Error(t, err)
	_, err = readEvidence(nil, filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "ingest", "verify", "gap", "audit"})
}

func TestVerifyCmd_Args(t *testing.T) {
	cmd := verifyCmd()
	assert.Error(t, cmd.Args(cmd, nil))
	assert.NoError(t, cmd.Args(cmd, []string{"id"}))

	require.NoError(t, cmd.Flags().Set("pending", "true"))
	assert.NoError(t, cmd.Args(cmd, nil))
	assert.Error(t, cmd.Args(cmd, []string{"id"}))
}

func TestGapCmd_RequiresWallet(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"gap", "--start", "2025-03-01T00:00:00Z"})
	assert.Error(t, root.ExecuteContext(context.Background()))
}

func TestRunVerificationLoop_StopsOnCancel(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runVerificationLoop(ctx, a.svc, 10*time.Millisecond, a.logger) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("verification loop did not stop")
	}
}

func TestIngestHandler_ConsumesStream(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(), testLogger())
	require.NoError(t, err)

	in, err := readEvidence(strings.NewReader(evidenceJSON), "-")
	require.NoError(t, err)
	malformed := in
	malformed.Stage = "preflight"

	stream := redispkg.NewInMemoryStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, ev := range []model.EvidenceInput{malformed, in, in} {
		_, err := stream.Publish(ctx, ev)
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- stream.Consume(ctx, ingestHandler(a.svc, a.logger)) }()

	require.Eventually(t, func() bool { return stream.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	res, err := a.svc.Ingest(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	trail, err := a.svc.AuditTrail(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.NotEmpty(t, trail)
}

func TestReloadHandler_AuditsConfigAndRules(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(`
rules:
  - name: search apis
    priority: 10
    conditions:
      - {field: domain, operator: matches, value: "*.example.com"}
    action:
      category: Search
`), 0o600))

	cfg := testConfig()
	cfg.File = filepath.Join(dir, "x402.yaml")
	a, err := buildApp(ctx, cfg, testLogger())
	require.NoError(t, err)
	defer a.Close()

	next := *cfg
	next.Confidence.ReviewThreshold = 75
	next.Rules.File = rulesPath
	reloadHandler(ctx, a, cfg)(&next)

	entries, err := a.store.Audit().QueryByResource(ctx, cfg.File)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ResourceConfig, entries[0].ResourceType)
	assert.Equal(t, model.OpUpdateConfig, entries[0].OperationType)
	assert.Contains(t, entries[0].After, `"ReviewThreshold":75`)
	assert.Contains(t, entries[0].After, `"host":"http://127.0.0.1:1"`)

	require.Len(t, a.rules.Rules(), 1)
	ruleEntries, err := a.store.Audit().QueryByResource(ctx, a.rules.Rules()[0].RuleID.String())
	require.NoError(t, err)
	require.Len(t, ruleEntries, 1)
	assert.Equal(t, model.OpCreateRule, ruleEntries[0].OperationType)
}
