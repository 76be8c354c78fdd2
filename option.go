package autopay

import (
	"github.com/moltydex/autopay-go/logger"
	"github.com/moltydex/autopay-go/metrics"
)

// Option customizes an Agent at construction.
type Option func(*Agent)

func WithLogger(l logger.Logger) Option {
	return func(a *Agent) {
		a.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(a *Agent) {
		a.metrics = r
	}
}

// WithLedgerAPI replaces the default REST client, e.g. with a fake in tests.
func WithLedgerAPI(api LedgerAPI) Option {
	return func(a *Agent) {
		a.api = api
	}
}

// WithSigner replaces the built-in wallet with a custom signing backend.
func WithSigner(s Signer) Option {
	return func(a *Agent) {
		a.signer = s
	}
}
