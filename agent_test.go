package autopay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltydex/autopay-go/metrics"
	"github.com/moltydex/autopay-go/types"
)

const (
	testMint      = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	testRecipient = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
)

// fakeAPI scripts the collaborator: balances and quotes are consumed in
// order, statuses per signature likewise.
type fakeAPI struct {
	mu sync.Mutex

	balances     []string
	balanceCalls int

	quotes     []*types.QuoteEstimate
	quoteAmts  []string
	swapBuilds []string

	sends    []string
	statuses map[string][]*types.TransactionStatus
	webhooks []string

	sendGate chan struct{} // when set, SendTransaction blocks until closed
}

func (f *fakeAPI) Balance(ctx context.Context, walletAddress, tokenMint string) (*types.BalanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceCalls >= len(f.balances) {
		return nil, fmt.Errorf("unexpected balance call %d", f.balanceCalls)
	}
	amount := f.balances[f.balanceCalls]
	f.balanceCalls++
	return &types.BalanceSnapshot{WalletAddress: walletAddress, TokenMint: tokenMint, Amount: amount, Decimals: 6}, nil
}

func (f *fakeAPI) Quote(ctx context.Context, inputMint, outputMint, amount string, slippageBps int) (*types.QuoteEstimate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteAmts = append(f.quoteAmts, amount)
	if len(f.quotes) == 0 {
		return nil, fmt.Errorf("no scripted quote")
	}
	q := f.quotes[0]
	f.quotes = f.quotes[1:]
	return q, nil
}

func (f *fakeAPI) BuildSwap(ctx context.Context, walletAddress, inputMint, outputMint, amount string, slippageBps int) (*types.SwapBuild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swapBuilds = append(f.swapBuilds, amount)
	return &types.SwapBuild{Transaction: "dW5zaWduZWQtc3dhcA=="}, nil
}

func (f *fakeAPI) SendTransaction(ctx context.Context, signedTxBase64 string) (*types.SendResult, error) {
	if f.sendGate != nil {
		<-f.sendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, signedTxBase64)
	return &types.SendResult{Signature: fmt.Sprintf("sig-%d", len(f.sends))}, nil
}

func (f *fakeAPI) TransactionStatus(ctx context.Context, signature string) (*types.TransactionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq, ok := f.statuses[signature]; ok && len(seq) > 0 {
		st := seq[0]
		if len(seq) > 1 {
			f.statuses[signature] = seq[1:]
		}
		return st, nil
	}
	return &types.TransactionStatus{Signature: signature, Status: "confirmed", Confirmed: true}, nil
}

func (f *fakeAPI) RegisterWebhook(ctx context.Context, signature, callbackURL string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, signature)
	return nil
}

type fakeSigner struct {
	mu     sync.Mutex
	builds []string
}

func (s *fakeSigner) Address() string { return "wallet1" }

func (s *fakeSigner) SignTransaction(txBase64 string) (string, error) {
	return "signed:" + txBase64, nil
}

func (s *fakeSigner) BuildPayment(ctx context.Context, recipient, mint, amount string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds = append(s.builds, recipient+"/"+mint+"/"+amount)
	return "pay:" + amount, nil
}

func testAgent(t *testing.T, api *fakeAPI, mutate func(*types.AgentConfig)) (*Agent, *fakeSigner) {
	t.Helper()
	cfg := &types.AgentConfig{
		APIBaseURL:      "https://api.test",
		WalletSecretKey: "unused-by-fake-signer",
		ConfirmTimeout:  types.Duration(200 * time.Millisecond),
		PollInterval:    types.Duration(time.Millisecond),
	}
	if mutate != nil {
		mutate(cfg)
	}
	signer := &fakeSigner{}
	agent, err := New(cfg, WithLedgerAPI(api), WithSigner(signer))
	require.NoError(t, err)
	return agent, signer
}

func paymentBody(amount string) []byte {
	body, _ := json.Marshal(map[string]any{
		"accepts": []map[string]any{{
			"network": "solana-mainnet",
			"asset":   testMint,
			"amount":  amount,
			"address": testRecipient,
		}},
	})
	return body
}

func TestFulfill402_SufficientBalance(t *testing.T) {
	api := &fakeAPI{balances: []string{"2000000"}}
	agent, signer := testAgent(t, api, nil)

	res := agent.Fulfill402(context.Background(), paymentBody("1000000"), nil)

	require.True(t, res.Success, "result: %+v", res)
	assert.Equal(t, "sig-1", res.PaymentSignature)
	assert.Equal(t, res.PaymentSignature, res.PaymentProof)
	assert.Empty(t, res.SwapSignature)
	assert.Empty(t, api.quoteAmts, "no quote calls when balance suffices")
	assert.Empty(t, api.swapBuilds)
	require.Len(t, signer.builds, 1)
	assert.Equal(t, testRecipient+"/"+testMint+"/1000000", signer.builds[0])
}

func TestFulfill402_SwapThenPay(t *testing.T) {
	api := &fakeAPI{
		// zero before the swap, buffered amount after
		balances: []string{"0", "1150000"},
		quotes: []*types.QuoteEstimate{
			{InputAmount: "10000000", OutputAmount: "1250000", OutputAfterFee: "1200000", FeeAmount: "50000"},
		},
	}
	agent, _ := testAgent(t, api, nil)

	res := agent.Fulfill402(context.Background(), paymentBody("1000000"), nil)

	require.True(t, res.Success, "result: %+v", res)
	assert.Equal(t, "sig-1", res.SwapSignature)
	assert.Equal(t, "sig-2", res.PaymentSignature)
	// heuristic estimate 1100000*7000/1000000 = 7700, clamped to the floor
	assert.Equal(t, []string{"10000000"}, api.quoteAmts)
	assert.Equal(t, []string{"10000000"}, api.swapBuilds)
	assert.Equal(t, 2, api.balanceCalls, "balance re-fetched after the swap")
}

func TestFulfill402_SwapTargetHasTenPercentBuffer(t *testing.T) {
	// Shortfall 1_000_000 means the swap targets exactly 1_100_000: a quote
	// meeting the target exactly must not trigger a correction pass.
	api := &fakeAPI{
		balances: []string{"0", "1100000"},
		quotes: []*types.QuoteEstimate{
			{InputAmount: "10000000", OutputAfterFee: "1100000"},
		},
	}
	agent, _ := testAgent(t, api, nil)

	res := agent.Fulfill402(context.Background(), paymentBody("1000000"), nil)
	require.True(t, res.Success, "result: %+v", res)
	assert.Len(t, api.quoteAmts, 1)
}

func TestFulfill402_SwapInsufficientIsFatal(t *testing.T) {
	api := &fakeAPI{
		balances: []string{"0", "500000"},
		quotes: []*types.QuoteEstimate{
			{InputAmount: "10000000", OutputAfterFee: "1200000"},
		},
	}
	agent, _ := testAgent(t, api, nil)

	res := agent.Fulfill402(context.Background(), paymentBody("1000000"), nil)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, types.ErrSwapInsufficient)
	assert.Contains(t, res.Error, "have 0.5, need 1", "amounts rendered in whole-token units")
	assert.Equal(t, "sig-1", res.SwapSignature, "swap signature preserved in failure result")
	assert.Empty(t, res.PaymentSignature)
	assert.Len(t, api.sends, 1, "no second swap, no payment")
}

func TestFulfill402_AutoSwapDisabled(t *testing.T) {
	api := &fakeAPI{balances: []string{"0"}}
	agent, _ := testAgent(t, api, func(cfg *types.AgentConfig) {
		off := false
		cfg.AutoSwap = &off
	})

	res := agent.Fulfill402(context.Background(), paymentBody("1000000"), nil)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, types.ErrBalanceCheck)
	assert.Empty(t, api.quoteAmts)
}

func TestFulfill402_PaymentCeiling(t *testing.T) {
	api := &fakeAPI{}
	agent, _ := testAgent(t, api, func(cfg *types.AgentConfig) {
		cfg.MaxPayment = "500000"
	})

	res := agent.Fulfill402(context.Background(), paymentBody("1000000"), nil)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, types.ErrPaymentCeiling)
	assert.Zero(t, api.balanceCalls, "rejected before any collaborator call")
}

func TestFulfill402_ParseFailureIsTotal(t *testing.T) {
	agent, _ := testAgent(t, &fakeAPI{}, nil)

	res := agent.Fulfill402(context.Background(), []byte(`{"accepts": [`), nil)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, types.ErrParse)
	assert.NotEmpty(t, res.Message)
}

func TestFulfill402_ReplayInvokedAndNonFatal(t *testing.T) {
	api := &fakeAPI{balances: []string{"2000000"}}
	agent, _ := testAgent(t, api, nil)

	var gotProof string
	res := agent.Fulfill402(context.Background(), paymentBody("1000000"), func(ctx context.Context, proof string) error {
		gotProof = proof
		return fmt.Errorf("resource server unreachable")
	})

	require.True(t, res.Success, "replay failure never unwinds the payment")
	assert.Equal(t, res.PaymentSignature, gotProof)
}

func TestFulfill402_WebhooksRegistered(t *testing.T) {
	api := &fakeAPI{
		balances: []string{"0", "1200000"},
		quotes: []*types.QuoteEstimate{
			{InputAmount: "10000000", OutputAfterFee: "1200000"},
		},
	}
	agent, _ := testAgent(t, api, func(cfg *types.AgentConfig) {
		cfg.WebhookURL = "https://hooks.example.com/x"
	})

	res := agent.Fulfill402(context.Background(), paymentBody("1000000"), nil)
	require.True(t, res.Success, "result: %+v", res)
	assert.Equal(t, []string{"sig-1", "sig-2"}, api.webhooks)
}

func TestFulfill402_ConcurrentRunsShareOneFlight(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{balances: []string{"2000000"}, sendGate: gate}
	agent, _ := testAgent(t, api, nil)

	var wg sync.WaitGroup
	results := make([]*types.AutoPayResult, 2)
	replays := make([]int, 2)
	proofs := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = agent.Fulfill402(context.Background(), paymentBody("1000000"), func(ctx context.Context, proof string) error {
				replays[i]++
				proofs[i] = proof
				return nil
			})
		}(i)
	}

	// Let both calls reach the single-flight group, then release the send.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.True(t, results[0].Success)
	require.True(t, results[1].Success)
	assert.Equal(t, results[0].PaymentSignature, results[1].PaymentSignature)
	assert.Len(t, api.sends, 1, "identical concurrent demands pay once")

	// Only the payment is shared: each caller still replays its own request
	// with the shared proof.
	assert.Equal(t, []int{1, 1}, replays)
	assert.Equal(t, results[0].PaymentSignature, proofs[0])
	assert.Equal(t, results[1].PaymentSignature, proofs[1])
}

type fakeRecorder struct {
	mu        sync.Mutex
	counters  map[string]int
	latencies map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{counters: map[string]int{}, latencies: map[string]int{}}
}

func (r *fakeRecorder) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name]++
}

func (r *fakeRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies[name]++
}

func TestFulfill402_RecordsSwapMetrics(t *testing.T) {
	api := &fakeAPI{
		balances: []string{"0", "1200000"},
		quotes: []*types.QuoteEstimate{
			{InputAmount: "10000000", OutputAfterFee: "1200000"},
		},
	}
	rec := newFakeRecorder()
	cfg := &types.AgentConfig{
		APIBaseURL:      "https://api.test",
		WalletSecretKey: "unused-by-fake-signer",
		ConfirmTimeout:  types.Duration(200 * time.Millisecond),
		PollInterval:    types.Duration(time.Millisecond),
	}
	agent, err := New(cfg, WithLedgerAPI(api), WithSigner(&fakeSigner{}), WithMetrics(rec))
	require.NoError(t, err)

	res := agent.Fulfill402(context.Background(), paymentBody("1000000"), nil)
	require.True(t, res.Success, "result: %+v", res)

	assert.Equal(t, 1, rec.counters[metrics.EventSwapExecuted])
	assert.Equal(t, 1, rec.counters[metrics.EventPaymentSucceeded])
	assert.Equal(t, 1, rec.latencies[metrics.OpQuote])
	assert.Equal(t, 1, rec.latencies[metrics.OpFulfill])
	assert.Equal(t, 2, rec.latencies[metrics.OpConfirm], "swap and payment confirmations")
}

func TestAdjustQuote_OneCorrectionPass(t *testing.T) {
	api := &fakeAPI{
		quotes: []*types.QuoteEstimate{
			{InputAmount: "10000000", OutputAfterFee: "1000000"},
			{InputAmount: "12100000", OutputAfterFee: "1210000"},
		},
	}
	agent, _ := testAgent(t, api, nil)

	target, _ := types.ParseAmount("1100000")
	quote, err := agent.adjustQuote(context.Background(), target, testMint, types.NativeMint)
	require.NoError(t, err)

	// ratio = 1100000*110/1000000 = 121; adjusted = 10000000*121/100
	assert.Equal(t, []string{"10000000", "12100000"}, api.quoteAmts)
	assert.Equal(t, "12100000", quote.InputAmount)
}

func TestAdjustQuote_NoPassWhenQuoteCovers(t *testing.T) {
	api := &fakeAPI{
		quotes: []*types.QuoteEstimate{
			{InputAmount: "10000000", OutputAfterFee: "2000000"},
		},
	}
	agent, _ := testAgent(t, api, nil)

	target, _ := types.ParseAmount("1100000")
	quote, err := agent.adjustQuote(context.Background(), target, testMint, types.NativeMint)
	require.NoError(t, err)
	assert.Len(t, api.quoteAmts, 1)
	assert.Equal(t, "10000000", quote.InputAmount)
}

func TestAdjustQuote_MinimumInputFloor(t *testing.T) {
	api := &fakeAPI{
		quotes: []*types.QuoteEstimate{
			{InputAmount: "10000000", OutputAfterFee: "100"},
		},
	}
	agent, _ := testAgent(t, api, nil)

	// tiny target: heuristic estimate is far below the floor
	target, _ := types.ParseAmount("50")
	_, err := agent.adjustQuote(context.Background(), target, testMint, types.NativeMint)
	require.NoError(t, err)
	assert.Equal(t, "10000000", api.quoteAmts[0])
}
