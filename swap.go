package autopay

import (
	"context"
	"math/big"
	"time"

	"github.com/moltydex/autopay-go/metrics"
	"github.com/moltydex/autopay-go/types"
)

const (
	// Over-swap buffer applied to the shortfall and to the one-pass quote
	// correction: numerator/denominator of 110%.
	swapBufferNum = 110
	swapBufferDen = 100

	// Initial input estimate before the first quote, in input units per
	// million output units. Only a starting point; the quote corrects it.
	heuristicRateNum = 7000
	heuristicRateDen = 1_000_000

	// Aggregators reject near-zero quote requests; never ask below this.
	minSwapInput = 10_000_000
)

// adjustQuote converts a target output amount into an input amount via at
// most one correction pass. The pass is bounded, not convergent: if the
// re-quote still undershoots, the residual is caught by the post-swap
// balance check.
func (a *Agent) adjustQuote(ctx context.Context, target *big.Int, outputMint, inputMint string) (*types.QuoteEstimate, error) {
	estimate := new(big.Int).Mul(target, big.NewInt(heuristicRateNum))
	estimate.Div(estimate, big.NewInt(heuristicRateDen))
	if floor := big.NewInt(minSwapInput); estimate.Cmp(floor) < 0 {
		estimate = floor
	}

	quote, err := a.api.Quote(ctx, inputMint, outputMint, estimate.String(), a.cfg.SlippageBps)
	if err != nil {
		return nil, types.Errorf(types.ErrQuote, "quote failed: %v", err)
	}

	output, err := types.ParseAmount(quote.OutputAfterFee)
	if err != nil {
		return nil, types.Errorf(types.ErrQuote, "invalid quote output: %v", err)
	}
	if output.Cmp(target) >= 0 {
		return quote, nil
	}
	if output.Sign() == 0 {
		return nil, types.Errorf(types.ErrQuote, "aggregator quoted zero output for input %s", quote.InputAmount)
	}

	// Undershoot: rescale the input proportionally with a 10% buffer and
	// re-quote once.
	input, err := types.ParseAmount(quote.InputAmount)
	if err != nil {
		return nil, types.Errorf(types.ErrQuote, "invalid quote input: %v", err)
	}
	ratio := new(big.Int).Mul(target, big.NewInt(swapBufferNum))
	ratio.Div(ratio, output)
	adjusted := new(big.Int).Mul(input, ratio)
	adjusted.Div(adjusted, big.NewInt(swapBufferDen))

	a.log.Debug("quote undershoots target, re-quoting", map[string]any{
		"target":         target.String(),
		"output":         output.String(),
		"adjusted_input": adjusted.String(),
	})

	quote, err = a.api.Quote(ctx, inputMint, outputMint, adjusted.String(), a.cfg.SlippageBps)
	if err != nil {
		return nil, types.Errorf(types.ErrQuote, "adjusted quote failed: %v", err)
	}
	return quote, nil
}

// swapToRequired swaps the preferred input asset into the demanded one,
// targeting the buffered shortfall, and submits the swap transaction.
func (a *Agent) swapToRequired(ctx context.Context, req *types.PaymentRequirement, target *big.Int, runID string) (string, error) {
	inputMint := a.cfg.PreferredInputMint

	quoteStart := time.Now()
	quote, err := a.adjustQuote(ctx, target, req.Asset, inputMint)
	if err != nil {
		return "", err
	}
	a.metrics.ObserveLatency(metrics.OpQuote, time.Since(quoteStart), map[string]string{"network": req.Network})
	a.log.Info("swap quote", map[string]any{
		"run_id":           runID,
		"input_amount":     quote.InputAmount,
		"output_after_fee": quote.OutputAfterFee,
		"fee_amount":       quote.FeeAmount,
	})

	build, err := a.api.BuildSwap(ctx, a.signer.Address(), inputMint, req.Asset, quote.InputAmount, a.cfg.SlippageBps)
	if err != nil {
		return "", types.Errorf(types.ErrQuote, "swap build failed: %v", err)
	}

	signed, err := a.signer.SignTransaction(build.Transaction)
	if err != nil {
		return "", err
	}

	res, err := a.api.SendTransaction(ctx, signed)
	if err != nil {
		return "", types.Errorf(types.ErrSend, "swap send failed: %v", err)
	}

	a.metrics.IncCounter(metrics.EventSwapExecuted, map[string]string{"network": req.Network})
	a.notifyWebhook(ctx, res.Signature, "swap", req.Asset, runID)
	return res.Signature, nil
}
