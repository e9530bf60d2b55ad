package middleware

import (
	"bytes"
	"context"
	"net/http"

	"github.com/vitwit/x402-onramp/types"
)

// bufferedWriter holds the protected handler's response until the payment
// is settled, so an unsettled payment never leaks the resource.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.statusCode())
	_, _ = w.Write(b.body.Bytes())
}

type paymentKey struct{}

func withPayment(ctx context.Context, res *types.VerificationResult) context.Context {
	return context.WithValue(ctx, paymentKey{}, res)
}

// PaymentFromContext returns the verified payment of the current request.
func PaymentFromContext(ctx context.Context) (*types.VerificationResult, bool) {
	res, ok := ctx.Value(paymentKey{}).(*types.VerificationResult)
	return res, ok
}
