package autopay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/moltydex/autopay-go/metrics"
	"github.com/moltydex/autopay-go/types"
)

// awaitConfirmation polls the transaction status to a terminal state. A
// known-failed transaction fails immediately; anything still pending runs
// until the configured timeout. Transient status-call failures already went
// through the client's retry layer, so they propagate as-is.
func (a *Agent) awaitConfirmation(ctx context.Context, signature, network string) error {
	start := time.Now()
	deadline := start.Add(a.cfg.ConfirmTimeout.Std())

	for time.Now().Before(deadline) {
		status, err := a.api.TransactionStatus(ctx, signature)
		if err != nil {
			return err
		}

		if status.Confirmed {
			a.metrics.ObserveLatency(metrics.OpConfirm, time.Since(start), map[string]string{"network": network})
			return nil
		}

		if len(status.Error) > 0 {
			code, message := normalizeTxError(status.Error)
			return &types.AgentError{
				Code:    types.ErrTransactionFailed,
				Message: "transaction failed: " + code + " - " + message,
				Data:    map[string]string{"code": code, "message": message},
			}
		}

		if status.Status == "failed" || status.Status == "error" {
			return types.Errorf(types.ErrTransactionFailed,
				"transaction failed with status %q", status.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.PollInterval.Std()):
		}
	}

	return types.Errorf(types.ErrConfirmTimeout, "transaction confirmation timeout: %s", signature)
}

// normalizeTxError flattens the error shapes the status endpoint produces
// into a {code, message} pair: a bare string, a {code, message} object where
// either field may itself be non-string, or anything else, which is
// stringified wholesale.
func normalizeTxError(raw json.RawMessage) (code, message string) {
	code, message = "UNKNOWN", "transaction failed"

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return code, s
	}

	var obj struct {
		Code    json.RawMessage `json:"code"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return code, string(raw)
	}

	if len(obj.Code) > 0 {
		var cs string
		if err := json.Unmarshal(obj.Code, &cs); err == nil {
			code = cs
		} else {
			code = string(obj.Code)
		}
	}
	if len(obj.Message) > 0 {
		var ms string
		if err := json.Unmarshal(obj.Message, &ms); err == nil {
			message = ms
		} else {
			message = string(obj.Message)
		}
	} else {
		message = string(raw)
	}
	return code, message
}
