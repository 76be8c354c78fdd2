// Package autopay fulfills HTTP 402 (x402) payment demands automatically:
// it parses the payment requirements, checks the wallet balance, swaps into
// the demanded asset when short, submits the payment, waits for on-chain
// confirmation and optionally replays the original request.
package autopay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/moltydex/autopay-go/client"
	"github.com/moltydex/autopay-go/logger"
	"github.com/moltydex/autopay-go/metrics"
	"github.com/moltydex/autopay-go/types"
	"github.com/moltydex/autopay-go/utils"
	"github.com/moltydex/autopay-go/wallet"
)

// LedgerAPI is the collaborator surface the agent consumes. client.Client is
// the production implementation.
type LedgerAPI interface {
	Balance(ctx context.Context, walletAddress, tokenMint string) (*types.BalanceSnapshot, error)
	Quote(ctx context.Context, inputMint, outputMint, amount string, slippageBps int) (*types.QuoteEstimate, error)
	BuildSwap(ctx context.Context, walletAddress, inputMint, outputMint, amount string, slippageBps int) (*types.SwapBuild, error)
	SendTransaction(ctx context.Context, signedTxBase64 string) (*types.SendResult, error)
	TransactionStatus(ctx context.Context, signature string) (*types.TransactionStatus, error)
	RegisterWebhook(ctx context.Context, signature, callbackURL string, metadata map[string]any) error
}

// Signer signs transactions and builds payment transactions. wallet.Wallet
// is the built-in implementation; any backend (MPC, hardware, custodial) can
// satisfy it.
type Signer interface {
	Address() string
	SignTransaction(txBase64 string) (string, error)
	BuildPayment(ctx context.Context, recipient, mint, amount string) (string, error)
}

// ReplayFunc re-issues the original request with the payment proof attached.
// Its outcome does not affect the payment result.
type ReplayFunc func(ctx context.Context, paymentProof string) error

// Agent drives one 402 fulfillment at a time per payment fingerprint.
type Agent struct {
	cfg     *types.AgentConfig
	api     LedgerAPI
	signer  Signer
	log     logger.Logger
	metrics metrics.Recorder
	flight  singleflight.Group
}

// New validates the config and wires the default collaborators unless
// options inject replacements.
func New(cfg *types.AgentConfig, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, types.Errorf(types.ErrConfig, "config is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:     cfg,
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.api == nil {
		a.api = client.New(cfg.APIBaseURL,
			client.WithRetry(cfg.MaxRetries, cfg.RetryBaseDelay.Std()),
			client.WithLogger(a.log),
			client.WithMetrics(a.metrics),
		)
	}
	if a.signer == nil {
		w, err := wallet.New(cfg, wallet.WithLogger(a.log))
		if err != nil {
			return nil, err
		}
		a.signer = w
	}
	return a, nil
}

// WalletAddress returns the paying wallet's address.
func (a *Agent) WalletAddress() string {
	return a.signer.Address()
}

// Fulfill402 handles one 402 response body end to end and returns a terminal
// result. It never returns an error: every failure is folded into the
// result, so callers can treat it as total. Concurrent calls for the same
// (wallet, asset, amount, recipient) fingerprint share a single run.
func (a *Agent) Fulfill402(ctx context.Context, paymentBody []byte, replay ReplayFunc) *types.AutoPayResult {
	start := time.Now()
	runID := uuid.NewString()

	parsed, err := utils.ParsePaymentResponse(paymentBody)
	if err != nil {
		a.log.Error("failed to parse 402 body", map[string]any{"run_id": runID, "error": err.Error()})
		return failure(err, "", "")
	}
	req := parsed.Recommended

	a.log.Info("payment required", map[string]any{
		"run_id":  runID,
		"network": req.Network,
		"asset":   req.Asset,
		"amount":  req.Amount,
		"options": parsed.TotalOptions,
	})

	key := fingerprint(a.signer.Address(), &req)
	v, _, shared := a.flight.Do(key, func() (interface{}, error) {
		return a.run(ctx, &req, runID), nil
	})
	res := v.(*types.AutoPayResult)
	if shared {
		a.log.Debug("joined in-flight fulfillment", map[string]any{"run_id": runID, "key": key})
	}

	// Only the funds-moving run is shared; every caller replays its own
	// request with the shared payment proof. Replay failure never unwinds
	// the payment: the caller owns the replayed request, not the payment.
	if res.Success && replay != nil {
		if rerr := replay(ctx, res.PaymentSignature); rerr != nil {
			a.log.Warn("replay of original request failed", map[string]any{
				"run_id": runID,
				"error":  rerr.Error(),
			})
		}
	}

	labels := map[string]string{"network": req.Network}
	a.metrics.ObserveLatency(metrics.OpFulfill, time.Since(start), labels)
	if res.Success {
		a.metrics.IncCounter(metrics.EventPaymentSucceeded, labels)
	} else {
		a.metrics.IncCounter(metrics.EventPaymentFailed, labels)
	}
	return res
}

// run executes one fulfillment and converts any failure into a result.
func (a *Agent) run(ctx context.Context, req *types.PaymentRequirement, runID string) *types.AutoPayResult {
	swapSig, paymentSig, err := a.execute(ctx, req, runID)
	if err != nil {
		a.log.Error("payment fulfillment failed", map[string]any{
			"run_id":            runID,
			"error":             err.Error(),
			"swap_signature":    swapSig,
			"payment_signature": paymentSig,
		})
		return failure(err, swapSig, paymentSig)
	}

	return &types.AutoPayResult{
		Success:          true,
		PaymentSignature: paymentSig,
		SwapSignature:    swapSig,
		PaymentProof:     paymentSig,
		Message:          "payment completed successfully",
	}
}

// execute runs parse-checked requirements through balance check, optional
// swap, payment and confirmation. It returns whichever signatures were
// produced even on failure.
func (a *Agent) execute(ctx context.Context, req *types.PaymentRequirement, runID string) (swapSig, paymentSig string, err error) {
	required, err := req.RequiredAmount()
	if err != nil {
		return "", "", types.Errorf(types.ErrParse, "invalid required amount: %v", err)
	}

	if a.cfg.MaxPayment != "" {
		ceiling, cerr := types.ParseAmount(a.cfg.MaxPayment)
		if cerr == nil && required.Cmp(ceiling) > 0 {
			return "", "", types.Errorf(types.ErrPaymentCeiling,
				"required amount %s exceeds configured max payment %s", required, ceiling)
		}
	}

	current, decimals, err := a.fetchBalance(ctx, req.Asset)
	if err != nil {
		return "", "", err
	}

	if current.Cmp(required) < 0 {
		shortfall := new(big.Int).Sub(required, current)
		a.log.Info("insufficient balance", map[string]any{
			"run_id":    runID,
			"current":   types.FormatAmount(current, decimals),
			"required":  types.FormatAmount(required, decimals),
			"shortfall": shortfall.String(),
		})

		if !*a.cfg.AutoSwap {
			return "", "", types.Errorf(types.ErrBalanceCheck,
				"insufficient balance (%s < %s) and auto-swap is disabled", current, required)
		}

		// Over-swap by 10% to absorb fees, slippage and price drift between
		// quoting and execution.
		target := new(big.Int).Mul(shortfall, big.NewInt(swapBufferNum))
		target.Div(target, big.NewInt(swapBufferDen))

		swapSig, err = a.swapToRequired(ctx, req, target, runID)
		if err != nil {
			return swapSig, "", err
		}
		if err = a.awaitConfirmation(ctx, swapSig, req.Network); err != nil {
			return swapSig, "", err
		}
		a.log.Info("swap confirmed", map[string]any{"run_id": runID, "signature": swapSig})

		// A snapshot taken before the swap is stale; pay only from a fresh one.
		current, decimals, err = a.fetchBalance(ctx, req.Asset)
		if err != nil {
			return swapSig, "", err
		}
		if current.Cmp(required) < 0 {
			// Fatal: a second automatic swap risks runaway spend.
			return swapSig, "", types.Errorf(types.ErrSwapInsufficient,
				"balance still insufficient after swap: have %s, need %s",
				types.FormatAmount(current, decimals), types.FormatAmount(required, decimals))
		}
	}

	paymentSig, err = a.pay(ctx, req, required, runID)
	if err != nil {
		return swapSig, paymentSig, err
	}
	if err = a.awaitConfirmation(ctx, paymentSig, req.Network); err != nil {
		return swapSig, paymentSig, err
	}
	a.log.Info("payment confirmed", map[string]any{"run_id": runID, "signature": paymentSig})

	return swapSig, paymentSig, nil
}

func (a *Agent) fetchBalance(ctx context.Context, mint string) (*big.Int, int, error) {
	snap, err := a.api.Balance(ctx, a.signer.Address(), mint)
	if err != nil {
		return nil, 0, types.Errorf(types.ErrBalanceCheck, "balance check failed: %v", err)
	}
	if snap.Amount == "" {
		return big.NewInt(0), snap.Decimals, nil
	}
	amount, err := types.ParseAmount(snap.Amount)
	if err != nil {
		return nil, 0, types.Errorf(types.ErrBalanceCheck, "invalid balance from api: %v", err)
	}
	return amount, snap.Decimals, nil
}

// pay builds, signs, submits and announces the payment transaction.
func (a *Agent) pay(ctx context.Context, req *types.PaymentRequirement, amount *big.Int, runID string) (string, error) {
	recipient := req.Recipient()
	a.log.Info("building payment transaction", map[string]any{
		"run_id":    runID,
		"recipient": recipient,
		"asset":     req.Asset,
		"amount":    amount.String(),
	})

	unsigned, err := a.signer.BuildPayment(ctx, recipient, req.Asset, amount.String())
	if err != nil {
		return "", fmt.Errorf("failed to build payment: %w", err)
	}
	signed, err := a.signer.SignTransaction(unsigned)
	if err != nil {
		return "", fmt.Errorf("failed to sign payment: %w", err)
	}

	res, err := a.api.SendTransaction(ctx, signed)
	if err != nil {
		return "", types.Errorf(types.ErrSend, "payment send failed: %v", err)
	}

	a.notifyWebhook(ctx, res.Signature, "payment", req.Asset, runID)
	return res.Signature, nil
}

// notifyWebhook registers the configured webhook for a submitted
// transaction. Failures are logged and otherwise ignored.
func (a *Agent) notifyWebhook(ctx context.Context, signature, kind, asset, runID string) {
	if a.cfg.WebhookURL == "" {
		return
	}
	err := a.api.RegisterWebhook(ctx, signature, a.cfg.WebhookURL, map[string]any{
		"type":   kind,
		"asset":  asset,
		"run_id": runID,
	})
	if err != nil {
		a.log.Warn("webhook registration failed", map[string]any{
			"run_id":    runID,
			"signature": signature,
			"error":     err.Error(),
		})
	}
}

// fingerprint keys single-flight de-duplication of concurrent fulfillments.
func fingerprint(walletAddress string, req *types.PaymentRequirement) string {
	return strings.Join([]string{walletAddress, req.Asset, req.Amount, req.Recipient()}, "|")
}

// failure folds an error into a terminal result, preserving whatever
// signatures the run produced.
func failure(err error, swapSig, paymentSig string) *types.AutoPayResult {
	res := &types.AutoPayResult{
		Success:          false,
		SwapSignature:    swapSig,
		PaymentSignature: paymentSig,
		Error:            err.Error(),
		Message:          fmt.Sprintf("failed to process payment: %v", err),
	}
	var ae *types.AgentError
	if errors.As(err, &ae) {
		res.Error = ae.Code + ": " + ae.Message
	}
	return res
}
