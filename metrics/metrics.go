package metrics

import "time"

// Recorder receives agent events and operation latencies.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event and operation names recorded by the agent.
const (
	EventPaymentSucceeded = "payment_succeeded"
	EventPaymentFailed    = "payment_failed"
	EventSwapExecuted     = "swap_executed"
	EventRetry            = "http_retry"

	OpFulfill = "fulfill"
	OpConfirm = "confirm"
	OpQuote   = "quote"
)
