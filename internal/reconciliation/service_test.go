package reconciliation

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangpi1030-tech/x402-account/internal/alert"
	"github.com/huangpi1030-tech/x402-account/internal/audit"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/fx"
	"github.com/huangpi1030-tech/x402-account/internal/identity"
	"github.com/huangpi1030-tech/x402-account/internal/lifecycle"
	"github.com/huangpi1030-tech/x402-account/internal/rules"
	"github.com/huangpi1030-tech/x402-account/internal/store"
	"github.com/huangpi1030-tech/x402-account/internal/store/memory"
	"github.com/huangpi1030-tech/x402-account/internal/verifier"
)

const (
	payee = "0x1111111111111111111111111111111111111111"
	payer = "0x2222222222222222222222222222222222222222"
	txh   = "0xabcdef0000000000000000000000000000000000000000000000000000000001"
)

var t0 = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	svc   *Service
	store *memory.Store
	clock time.Time
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: memory.New(), clock: t0}
	now := func() time.Time { return h.clock }
	ledger := audit.NewLedger(h.store.Audit(), testLogger(), audit.WithClock(now))
	opts = append([]Option{WithClock(now)}, opts...)
	h.svc = NewService(h.store, ledger, testLogger(), opts...)
	return h
}

func (h *harness) tick(d time.Duration) { h.clock = h.clock.Add(d) }

func input(stage model.Stage) model.EvidenceInput {
	in := model.EvidenceInput{
		Stage:         stage,
		RequestURL:    "https://api.example.com/v1/data?page=2",
		RequestMethod: "GET",
		Headers: map[string]string{
			"X-402-Order-Id": "ord-1",
			"Cookie":         "session=secret",
		},
		CapturedAt: t0,
		Payment: model.PaymentFacts{
			Network:         model.NetworkBase,
			Recipient:       payee,
			AmountBaseUnits: "10000",
			AssetSymbol:     "USDC",
		},
	}
	switch stage {
	case model.StageAuth:
		in.Payment.PayerWallet = payer
		in.Headers["X-Payment"] = "signed"
	case model.StageReceipt:
		in.Payment.PayerWallet = payer
		in.Payment.TxHash = txh
		in.Headers["X-Payment-Response"] = "settled"
	}
	return in
}

func opsOf(entries []model.AuditLogEntry) []model.OperationType {
	out := make([]model.OperationType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.OperationType)
	}
	return out
}

func TestIngest_CreateAndMergeStages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.svc.Ingest(ctx, input(model.Stage402))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, model.StatusDetected, first.Status)

	second, err := h.svc.Ingest(ctx, input(model.StageAuth))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, first.PersistenceID, second.PersistenceID)

	third, err := h.svc.Ingest(ctx, input(model.StageReceipt))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettled, third.Status)

	rec, err := h.svc.Record(ctx, first.EventID)
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", rec.MerchantDomain)
	assert.Equal(t, payee, rec.PayeeWallet)
	assert.Equal(t, payer, rec.PayerWallet)
	assert.Equal(t, txh, rec.TxHash)
	assert.Equal(t, "ord-1", rec.OrderID)
	assert.Equal(t, "0.010000", rec.AmountDecimal)
	assert.Equal(t, first.EvidenceID.String(), rec.EvidenceRef)
	assert.Contains(t, rec.HeaderHashesJSON, `"402"`)
	assert.Contains(t, rec.HeaderHashesJSON, `"receipt"`)
	require.NotNil(t, rec.PaidAt)
	assert.Empty(t, rec.MissingFields())

	entries, err := h.svc.AuditTrail(ctx, first.EventID)
	require.NoError(t, err)
	assert.Equal(t, []model.OperationType{model.OpCreateRecord, model.OpMergeEvidence, model.OpMergeEvidence}, opsOf(entries))

	evs, err := h.svc.Evidence(ctx, first.PersistenceID)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	for _, ev := range evs {
		assert.True(t, ev.Processed)
		assert.NotContains(t, ev.HeadersJSON, "cookie")
		assert.Contains(t, ev.HeadersJSON, "x-402-order-id")
	}
}

// structuredInput carries only the x402 protocol headers: no order id and
// no agent-extracted facts.
func structuredInput(stage model.Stage) model.EvidenceInput {
	required := `{"x402Version":1,"accepts":[{"scheme":"exact","network":"base",
		"maxAmountRequired":"10000","payTo":"` + payee + `","extra":{"name":"USDC"}}]}`
	payment := base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1,"scheme":"exact","network":"base",
		"payload":{"signature":"0xsig","authorization":{"from":"` + payer + `","to":"` + payee + `",
		"value":"10000","validAfter":"1741953600","validBefore":"1741954200","nonce":"0xdeadbeef"}}}`))
	response := base64.StdEncoding.EncodeToString([]byte(`{"success":true,"transaction":"` + txh + `",
		"network":"base","payer":"` + payer + `"}`))

	in := model.EvidenceInput{
		Stage:         stage,
		RequestURL:    "https://api.example.com/v1/weather",
		RequestMethod: "GET",
		CapturedAt:    t0,
	}
	switch stage {
	case model.Stage402:
		in.Headers = map[string]string{"X-Payment-Required": required}
	case model.StageAuth:
		in.Headers = map[string]string{"X-Payment": payment}
	case model.StageReceipt:
		in.Headers = map[string]string{"X-Payment": payment, "X-Payment-Response": response}
	}
	return in
}

func TestIngest_StructuredHeadersShareRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var results []*IngestResult
	for _, stage := range []model.Stage{model.Stage402, model.StageAuth, model.StageReceipt} {
		res, err := h.svc.Ingest(ctx, structuredInput(stage))
		require.NoError(t, err, "stage %s", stage)
		results = append(results, res)
	}

	assert.True(t, results[0].Created)
	for _, res := range results[1:] {
		assert.False(t, res.Created)
		assert.Equal(t, results[0].PersistenceID, res.PersistenceID)
		assert.Equal(t, results[0].EventID, res.EventID)
	}
	assert.Equal(t, model.StatusSettled, results[2].Status)

	rec, err := h.svc.Record(ctx, results[0].EventID)
	require.NoError(t, err)
	assert.Equal(t, payer, rec.PayerWallet)
	assert.Equal(t, txh, rec.TxHash)
	assert.Empty(t, rec.OrderID)

	evs, err := h.svc.Evidence(ctx, results[0].PersistenceID)
	require.NoError(t, err)
	assert.Len(t, evs, 3)
}

func TestIngest_DuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.svc.Ingest(ctx, input(model.Stage402))
	require.NoError(t, err)
	again, err := h.svc.Ingest(ctx, input(model.Stage402))
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.EventID, again.EventID)

	entries, err := h.svc.AuditTrail(ctx, first.EventID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	evs, err := h.svc.Evidence(ctx, first.PersistenceID)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestIngest_ConcurrentStagesYieldOneRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var wg sync.WaitGroup
	results := make([]*IngestResult, 6)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stage := []model.Stage{model.Stage402, model.StageAuth, model.StageReceipt}[i%3]
			res, err := h.svc.Ingest(ctx, input(stage))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	records, err := h.store.Records().ListByTimeRange(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, records[0].EventID, r.EventID)
	}
	entries, err := h.svc.AuditTrail(ctx, records[0].EventID)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "three distinct stages, three duplicates")
	assert.Zero(t, h.svc.locks.size())
}

func TestIngest_ReceiptFirstSettles(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.Ingest(context.Background(), input(model.StageReceipt))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, model.StatusSettled, res.Status)
}

func TestIngest_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	in := input(model.Stage402)
	in.Stage = "preflight"
	_, err := h.svc.Ingest(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidStage)

	in = input(model.Stage402)
	in.Payment.Recipient = ""
	_, err = h.svc.Ingest(ctx, in)
	assert.ErrorIs(t, err, identity.ErrMissingField)
	var idErr *identity.IdentityError
	require.ErrorAs(t, err, &idErr)
	assert.Equal(t, "recipient", idErr.Field)

	in.PersistenceID = "agent-supplied-id"
	res, err := h.svc.Ingest(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "agent-supplied-id", res.PersistenceID)
}

func TestIngest_FxValuation(t *testing.T) {
	p, err := fx.NewStaticProvider(map[string]string{"USDC/USD": "0.9998"})
	require.NoError(t, err)
	h := newHarness(t, WithFx(p, "USD"))

	res, err := h.svc.Ingest(context.Background(), input(model.Stage402))
	require.NoError(t, err)
	rec, err := h.svc.Record(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, "USD", rec.FxFiatCurrency)
	assert.Equal(t, "0.9998", rec.FxRate)
	assert.Equal(t, "0.01", rec.FiatValueAtTime)
	assert.Equal(t, "static", rec.FxSource)
}

func ingestSettled(t *testing.T, h *harness) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	res, err := h.svc.Ingest(ctx, input(model.Stage402))
	require.NoError(t, err)
	_, err = h.svc.Ingest(ctx, input(model.StageReceipt))
	require.NoError(t, err)
	return res.EventID
}

func verified(conf int, blockTime time.Time) verifier.Result {
	bn := int64(1234)
	return verifier.Result{
		Mode:        verifier.ModeDirect,
		Verified:    true,
		Confidence:  conf,
		BlockNumber: &bn,
		BlockTime:   &blockTime,
		MatchCount:  1,
	}
}

func TestApplyVerification_Verified(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := ingestSettled(t, h)

	rec, err := h.svc.ApplyVerification(ctx, id, verified(95, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnchainVerified, rec.Status)
	require.NotNil(t, rec.Confidence)
	assert.Equal(t, 95, *rec.Confidence)
	assert.Empty(t, rec.NeedsReviewReason)
	require.NotNil(t, rec.BlockNumber)
	assert.Equal(t, int64(1234), *rec.BlockNumber)
	assert.NotNil(t, rec.VerifiedAt)

	entries, err := h.svc.AuditTrail(ctx, id)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, model.OpVerifyTransaction, last.OperationType)
	assert.Contains(t, last.Metadata, `"outcome":"verified"`)
	assert.Contains(t, last.Before, `"status":"settled"`)
	assert.Contains(t, last.After, `"status":"onchain_verified"`)
}

func TestApplyVerification_TimeDecayToReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := ingestSettled(t, h)

	// 30 minutes apart: 25 minutes past grace, capped penalty of 50.
	rec, err := h.svc.ApplyVerification(ctx, id, verified(95, t0.Add(30*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsReview, rec.Status)
	assert.Equal(t, 45, *rec.Confidence)
	assert.Contains(t, rec.NeedsReviewReason, "time gap")
}

func TestApplyVerification_FailureNeedsReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := ingestSettled(t, h)

	res := verifier.Failed(verifier.ModeDirect, 30, verifier.KindMismatch, "amount mismatch")
	rec, err := h.svc.ApplyVerification(ctx, id, res)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsReview, rec.Status)
	assert.Equal(t, 30, *rec.Confidence)
	assert.Contains(t, rec.NeedsReviewReason, "amount mismatch")
	assert.Nil(t, rec.VerifiedAt)
}

func TestApplyVerification_DetectedGoesThroughVerifying(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res, err := h.svc.Ingest(ctx, input(model.StageAuth))
	require.NoError(t, err)

	blind := verified(75, t0)
	blind.Mode = verifier.ModeBlind
	blind.MatchedTransfer = &model.Transfer{TxHash: txh, FromAddress: payer, BlockNumber: 1234, BlockTime: t0}
	rec, err := h.svc.ApplyVerification(ctx, res.EventID, blind)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnchainVerified, rec.Status)
	assert.Equal(t, txh, rec.TxHash, "tx hash adopted from the attributed transfer")

	entries, err := h.svc.AuditTrail(ctx, res.EventID)
	require.NoError(t, err)
	assert.Contains(t, entries[len(entries)-1].Metadata, `"path":["verifying","onchain_verified"]`)
}

func TestApplyVerification_AccountedIsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := ingestSettled(t, h)
	_, err := h.svc.ApplyVerification(ctx, id, verified(95, t0))
	require.NoError(t, err)
	_, err = h.svc.MarkAccounted(ctx, id, "bob")
	require.NoError(t, err)

	_, err = h.svc.ApplyVerification(ctx, id, verifier.Failed(verifier.ModeDirect, 30, verifier.KindNotFound, "gone"))
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	rec, err := h.svc.Record(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccounted, rec.Status)
}

type failingAuditStore struct{ *memory.Store }

type failingAuditTx struct{ store.Tx }

func (failingAuditTx) Audit() store.AuditRepository { return brokenAudit{} }

type brokenAudit struct{ store.AuditRepository }

func (brokenAudit) Append(context.Context, *model.AuditLogEntry) error {
	return errors.New("disk full")
}

func (s failingAuditStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, failingAuditTx{tx})
	})
}

func TestAuditFailureRollsBackMutation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := ingestSettled(t, h)

	broken := failingAuditStore{h.store}
	svc := NewService(broken, audit.NewLedger(broken.Audit(), testLogger()), testLogger(),
		WithClock(func() time.Time { return t0 }))
	_, err := svc.ApplyVerification(ctx, id, verified(95, t0))
	require.ErrorIs(t, err, audit.ErrAuditWrite)

	rec, err := h.svc.Record(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettled, rec.Status)
	assert.Nil(t, rec.Confidence)

	_, err = svc.Ingest(ctx, func() model.EvidenceInput {
		in := input(model.Stage402)
		in.Payment.OrderID = "ord-2"
		in.Headers["X-402-Order-Id"] = "ord-2"
		return in
	}())
	require.ErrorIs(t, err, audit.ErrAuditWrite)
	records, err := h.store.Records().ListByTimeRange(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, records, 1, "record without audit entry must not commit")
}

func reviewRecord(t *testing.T, h *harness) uuid.UUID {
	t.Helper()
	id := ingestSettled(t, h)
	_, err := h.svc.ApplyVerification(context.Background(), id, verifier.Failed(verifier.ModeDirect, 30, verifier.KindMismatch, "amount mismatch"))
	require.NoError(t, err)
	return id
}

func TestResolveReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := reviewRecord(t, h)

	_, err := h.svc.ResolveReview(ctx, id, "alice", model.StatusOnchainVerified, "")
	assert.ErrorIs(t, err, ErrReasonRequired)

	_, err = h.svc.ResolveReview(ctx, id, "alice", model.StatusSettled, "rollback")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	rec, err := h.svc.ResolveReview(ctx, id, "alice", model.StatusOnchainVerified, "confirmed on explorer")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnchainVerified, rec.Status)
	assert.Empty(t, rec.NeedsReviewReason)

	_, err = h.svc.ResolveReview(ctx, id, "alice", model.StatusAccounted, "again")
	assert.ErrorIs(t, err, ErrReviewForward)

	entries, err := h.svc.AuditTrail(ctx, id)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, model.OpManualReview, last.OperationType)
	assert.Equal(t, "alice", last.Operator)
	assert.Equal(t, "confirmed on explorer", last.Reason)
}

func TestUpdateAccounting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := ingestSettled(t, h)
	_, err := h.svc.ApplyVerification(ctx, id, verified(95, t0))
	require.NoError(t, err)
	_, err = h.svc.MarkAccounted(ctx, id, "")
	require.NoError(t, err)

	rec, err := h.svc.UpdateAccounting(ctx, id, "carol", model.AccountingTags{Category: "AI", CostCenter: "R&D"}, "monthly close")
	require.NoError(t, err)
	assert.Equal(t, "AI", rec.Category)
	assert.Equal(t, "R&D", rec.CostCenter)
	assert.Equal(t, model.StatusAccounted, rec.Status)

	entries, err := h.svc.AuditTrail(ctx, id)
	require.NoError(t, err)
	ops := opsOf(entries)
	assert.Equal(t, []model.OperationType{model.OpUpdateCategory, model.OpUpdateCostCenter}, ops[len(ops)-2:])
	assert.Equal(t, "AI", entries[len(entries)-2].After)
	assert.Equal(t, model.OpUpdateStatus, ops[len(ops)-3])
	assert.Equal(t, audit.SystemOperator, entries[len(entries)-3].Operator)

	before := len(entries)
	_, err = h.svc.UpdateAccounting(ctx, id, "carol", model.AccountingTags{Category: "AI"}, "no-op")
	require.NoError(t, err)
	entries, err = h.svc.AuditTrail(ctx, id)
	require.NoError(t, err)
	assert.Len(t, entries, before, "unchanged tags are not audited")
}

func TestUpdateAccounting_RunsStateMachine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := ingestSettled(t, h)

	// A settled record scored before the threshold was raised.
	rec, err := h.store.Records().Get(ctx, id)
	require.NoError(t, err)
	low := 30
	rec.Confidence = &low
	require.NoError(t, h.store.Records().Put(ctx, rec))

	rec, err = h.svc.UpdateAccounting(ctx, id, "carol", model.AccountingTags{Project: "search"}, "tagging")
	require.NoError(t, err)
	assert.Equal(t, "search", rec.Project)
	assert.Equal(t, model.StatusNeedsReview, rec.Status)
	assert.Equal(t, "confidence 30 below threshold 60", rec.NeedsReviewReason)

	entries, err := h.svc.AuditTrail(ctx, id)
	require.NoError(t, err)
	ops := opsOf(entries)
	assert.Equal(t, []model.OperationType{model.OpUpdateProject, model.OpUpdateStatus}, ops[len(ops)-2:])
	last := entries[len(entries)-1]
	assert.Equal(t, "carol", last.Operator)
	assert.Contains(t, last.After, `"status":"needs_review"`)
}

func TestMarkAccounted_RequiresVerifiedOrReviewed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := ingestSettled(t, h)

	_, err := h.svc.MarkAccounted(ctx, id, "bob")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = h.svc.ApplyVerification(ctx, id, verifier.Failed(verifier.ModeDirect, 30, verifier.KindMismatch, "amount mismatch"))
	require.NoError(t, err)
	rec, err := h.svc.MarkAccounted(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccounted, rec.Status)
}

func TestApplyRule(t *testing.T) {
	ctx := context.Background()
	engine := rules.NewEngine(testLogger())
	require.NoError(t, engine.Load([]rules.Rule{{
		Name:       "example api",
		Priority:   5,
		Enabled:    true,
		Conditions: []rules.Condition{{Field: rules.FieldDomain, Operator: rules.OpMatches, Value: "*.example.com"}},
		Action:     rules.Action{Category: "Data", Project: "crawler"},
	}}))
	h := newHarness(t, WithRules(engine))
	id := ingestSettled(t, h)

	rec, match, err := h.svc.ApplyRule(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, "Data", rec.Category)
	assert.Equal(t, "crawler", rec.Project)
	require.NotNil(t, rec.RuleIDApplied)
	assert.Equal(t, engine.Rules()[0].RuleID, *rec.RuleIDApplied)
	assert.True(t, match.Matched)

	entries, err := h.svc.AuditTrail(ctx, id)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, model.OpApplyRule, last.OperationType)
	assert.Contains(t, last.Metadata, "example api")

	other := newHarness(t, WithRules(rules.NewEngine(testLogger())))
	oid := ingestSettled(t, other)
	_, _, err = other.svc.ApplyRule(ctx, oid, "")
	assert.ErrorIs(t, err, ErrNoRuleMatched)

	batch, err := h.svc.ApplyRules(ctx, []*model.CanonicalRecord{rec}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Total)
	assert.Equal(t, 1, batch.Matched)
}

type stubVerifier struct {
	mu    sync.Mutex
	calls int
	fn    func(rec *model.CanonicalRecord) verifier.Result
}

func (s *stubVerifier) Verify(_ context.Context, rec *model.CanonicalRecord) verifier.Result {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(rec)
}

type alertRecorder struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (a *alertRecorder) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, al)
	return nil
}

func (a *alertRecorder) types() []alert.AlertType {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []alert.AlertType
	for _, al := range a.sent {
		out = append(out, al.Type)
	}
	return out
}

func TestRunVerification(t *testing.T) {
	ctx := context.Background()
	sv := &stubVerifier{fn: func(rec *model.CanonicalRecord) verifier.Result {
		if rec.TxHash != "" {
			return verified(95, t0)
		}
		return verifier.Failed(verifier.ModeBlind, 0, verifier.KindRPCExhausted, "all endpoints failed")
	}}
	alerts := &alertRecorder{}
	h := newHarness(t, WithVerifier(sv, 2), WithAlerter(alerts))

	settled := ingestSettled(t, h)
	h.tick(48 * time.Hour)
	in := input(model.StageAuth)
	in.CapturedAt = h.clock
	detected, err := h.svc.Ingest(ctx, in)
	require.NoError(t, err)

	n, err := h.svc.SchedulePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, h.svc.RunVerification(ctx))
	assert.Equal(t, 2, sv.calls)
	assert.Equal(t, verifier.QueueStatus{}, h.svc.QueueStatus())

	rec, err := h.svc.Record(ctx, settled)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnchainVerified, rec.Status)

	rec, err = h.svc.Record(ctx, detected.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsReview, rec.Status)
	assert.Equal(t, 0, *rec.Confidence)

	assert.Equal(t, []alert.AlertType{alert.AlertTypeRPCExhausted}, alerts.types())

	assert.Zero(t, h.svc.ScheduleVerification([]*model.CanonicalRecord{{Status: model.StatusAccounted}}))
}

func ambiguousBlind() verifier.Result {
	res := verified(75, t0)
	res.Mode = verifier.ModeBlind
	res.MatchCount = 3
	res.MatchedTransfer = &model.Transfer{TxHash: txh, FromAddress: payer, BlockNumber: 1234, BlockTime: t0}
	return res
}

func TestApplyVerification_AmbiguousBlindMatchNotAdopted(t *testing.T) {
	ctx := context.Background()
	sv := &stubVerifier{fn: func(rec *model.CanonicalRecord) verifier.Result {
		if rec.TxHash != "" {
			return verified(95, t0)
		}
		return ambiguousBlind()
	}}
	h := newHarness(t, WithVerifier(sv, 1), WithVerifyBackoff(time.Minute, time.Hour, 5))
	res, err := h.svc.Ingest(ctx, input(model.StageAuth))
	require.NoError(t, err)

	rec, err := h.svc.ApplyVerification(ctx, res.EventID, ambiguousBlind())
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsReview, rec.Status)
	assert.Equal(t, 45, *rec.Confidence)
	assert.Contains(t, rec.NeedsReviewReason, "multiple matching transfers (3)")
	assert.Empty(t, rec.TxHash, "an ambiguous candidate is not a claimed hash")
	assert.Nil(t, rec.PaidAt)
	assert.Nil(t, rec.BlockNumber)
	assert.Nil(t, rec.VerifiedAt)
	assert.Equal(t, txh, rec.AttributedTxHash)

	entries, err := h.svc.AuditTrail(ctx, res.EventID)
	require.NoError(t, err)
	assert.Contains(t, entries[len(entries)-1].Metadata, `"candidate_tx_hash":"`+txh+`"`)

	// The next scheduled run must verify blind again, not against the candidate.
	h.tick(time.Minute)
	n, err := h.svc.SchedulePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, h.svc.RunVerification(ctx))

	rec, err = h.svc.Record(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsReview, rec.Status)
	assert.Empty(t, rec.TxHash)
}

func TestSchedulePending_BacksOffUnverifiedRecords(t *testing.T) {
	ctx := context.Background()
	sv := &stubVerifier{fn: func(*model.CanonicalRecord) verifier.Result { return ambiguousBlind() }}
	h := newHarness(t, WithVerifier(sv, 1), WithVerifyBackoff(time.Minute, 3*time.Minute, 4))
	res, err := h.svc.Ingest(ctx, input(model.StageAuth))
	require.NoError(t, err)

	run := func() int {
		t.Helper()
		n, err := h.svc.SchedulePending(ctx)
		require.NoError(t, err)
		if n > 0 {
			require.NoError(t, h.svc.RunVerification(ctx))
		}
		return n
	}

	require.Equal(t, 1, run())
	rec, err := h.svc.Record(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.VerifyAttempts)
	require.NotNil(t, rec.NextVerifyAt)
	assert.Equal(t, h.clock.Add(time.Minute), *rec.NextVerifyAt)

	assert.Zero(t, run(), "not due before the backoff elapses")

	// 1m, 2m, then capped at 3m.
	for _, wait := range []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute} {
		h.tick(wait)
		require.Equal(t, 1, run())
	}
	rec, err = h.svc.Record(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.VerifyAttempts)

	h.tick(time.Hour)
	assert.Zero(t, run(), "attempts exhausted")
	assert.Equal(t, 4, sv.calls)

	entries, err := h.svc.AuditTrail(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, []model.OperationType{model.OpCreateRecord, model.OpVerifyTransaction}, opsOf(entries),
		"repeated identical outcomes are audited once")

	// A manual verification still runs and resets the schedule on success.
	good := ambiguousBlind()
	good.MatchCount = 1
	good.Confidence = 95
	rec, _, err = h.svc.VerifyNow(ctx, &stubVerifier{fn: func(*model.CanonicalRecord) verifier.Result { return good }}, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnchainVerified, rec.Status)
	assert.Equal(t, txh, rec.TxHash)
	assert.Empty(t, rec.AttributedTxHash)
	assert.Zero(t, rec.VerifyAttempts)
	assert.Nil(t, rec.NextVerifyAt)
}

func TestRunVerification_NotConfigured(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.svc.RunVerification(context.Background()), ErrNotConfigured)
	_, err := h.svc.RunGapAnalysis(context.Background(), payer, t0, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

type stubAnalyzer struct {
	result *model.GapAnalysis
	err    error
	calls  chan string
}

func (s *stubAnalyzer) Analyze(_ context.Context, wallet string, start, end time.Time) (*model.GapAnalysis, error) {
	if s.calls != nil {
		s.calls <- wallet
	}
	if s.err != nil {
		return nil, s.err
	}
	g := *s.result
	g.Wallet, g.StartTime, g.EndTime = wallet, start, end
	return &g, nil
}

func TestRunGapAnalysis_Alerts(t *testing.T) {
	ctx := context.Background()
	alerts := &alertRecorder{}
	an := &stubAnalyzer{result: &model.GapAnalysis{
		OnChainCount:       2,
		CapturedCount:      1,
		GapRate:            0.5,
		SuspiciousExpenses: []model.SuspiciousExpense{{TxHash: "0xb"}},
	}}
	h := newHarness(t, WithGapAnalyzer(an), WithAlerter(alerts))

	g, err := h.svc.RunGapAnalysis(ctx, payer, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, g.GapRate, 1e-9)
	assert.Equal(t, []alert.AlertType{alert.AlertTypeGapDetected}, alerts.types())

	an.result = &model.GapAnalysis{SuspiciousExpenses: []model.SuspiciousExpense{}}
	_, err = h.svc.RunGapAnalysis(ctx, payer, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, alerts.types(), 1, "clean window raises no alert")
}

func TestRunPeriodicGapAnalysis(t *testing.T) {
	an := &stubAnalyzer{
		result: &model.GapAnalysis{SuspiciousExpenses: []model.SuspiciousExpense{}},
		calls:  make(chan string, 4),
	}
	h := newHarness(t, WithGapAnalyzer(an))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.svc.RunPeriodicGapAnalysis(ctx, GapSchedule{Spec: "@every 1s", Wallets: []string{payer}})
	}()

	select {
	case w := <-an.calls:
		assert.Equal(t, payer, w)
	case <-time.After(3 * time.Second):
		t.Fatal("gap analysis not scheduled")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	err := h.svc.RunPeriodicGapAnalysis(context.Background(), GapSchedule{Spec: "not a schedule", Wallets: []string{payer}})
	assert.Error(t, err)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	acquired := make(chan struct{})
	go func() {
		u := k.Lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	other := k.Lock("b")
	other()
	unlock()
	<-acquired
	assert.Zero(t, k.size())
}
