package autopay

import (
	"context"
	"io"
	"net/http"

	"github.com/moltydex/autopay-go/types"
)

// fulfiller is what Transport needs from the agent.
type fulfiller interface {
	Fulfill402(ctx context.Context, paymentBody []byte, replay ReplayFunc) *types.AutoPayResult
}

// Transport is an http.RoundTripper that fulfills 402 responses inline: when
// the wrapped transport returns 402, it pays the demand and replays the
// original request exactly once with the payment proof attached. Failures
// surface to the caller instead of being swallowed.
//
// Install it on a client rather than patching anything global:
//
//	httpClient := &http.Client{Transport: autopay.NewTransport(agent, nil)}
type Transport struct {
	agent fulfiller
	base  http.RoundTripper
}

// PaymentHeader carries the payment proof on the replayed request.
const PaymentHeader = "X-Payment"

// NewTransport wraps base (http.DefaultTransport when nil) with automatic
// 402 fulfillment.
func NewTransport(agent *Agent, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{agent: agent, base: base}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusPaymentRequired {
		return resp, err
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, types.Errorf(types.ErrParse, "failed to read 402 body: %v", err)
	}

	result := t.agent.Fulfill402(req.Context(), body, nil)
	if !result.Success {
		return nil, types.Errorf(types.ErrTransactionFailed, "auto-pay failed: %s", result.Error)
	}

	retry, err := replayableClone(req)
	if err != nil {
		return nil, err
	}
	retry.Header.Set(PaymentHeader, result.PaymentProof)

	replayResp, err := t.base.RoundTrip(retry)
	if err != nil {
		// The payment itself stands; only the replay failed.
		return nil, types.Errorf(types.ErrReplay, "payment %s succeeded but replay failed: %v", result.PaymentSignature, err)
	}
	return replayResp, nil
}

// replayableClone clones the request with a fresh body. Requests whose body
// cannot be re-read are rejected up front.
func replayableClone(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, types.Errorf(types.ErrReplay, "request body is not replayable; set GetBody or use a bytes.Reader body")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, types.Errorf(types.ErrReplay, "failed to reconstruct request body: %v", err)
	}
	clone.Body = body
	return clone, nil
}
