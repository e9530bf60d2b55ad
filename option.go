package x402

import (
	"time"

	"github.com/vitwit/x402-onramp/logger"
	"github.com/vitwit/x402-onramp/metrics"
	"github.com/vitwit/x402-onramp/store"
)

type Option func(*X402)

func WithLogger(l logger.Logger) Option {
	return func(x *X402) {
		x.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(x *X402) {
		x.metrics = r
	}
}

func WithTimeout(t time.Duration) Option {
	return func(x *X402) {
		if t > 0 {
			x.timeout = t
		}
	}
}

// WithStore shares a nonce and receipt store (e.g. Redis) between replicas.
func WithStore(s store.Store) Option {
	return func(x *X402) {
		x.store = s
	}
}
