// Package gin adapts the x402 payment middleware to the Gin framework.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	x402http "github.com/payfence/x402-go/http"
)

// ContextKey is the gin context key under which payment details are stored.
const ContextKey = "x402_payment"

// New returns a gin middleware enforcing payment for every request on the
// routes it is attached to. It wraps the net/http middleware, so challenge,
// verification, and settlement behavior is identical across frameworks.
func New(cfg x402http.Config) (gin.HandlerFunc, error) {
	middleware, err := x402http.NewX402Middleware(cfg)
	if err != nil {
		return nil, err
	}

	return func(c *gin.Context) {
		paid := false
		gate := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paid = true
			// Carry the payment context into the rest of the chain.
			c.Request = r
		}))

		gate.ServeHTTP(c.Writer, c.Request)

		if !paid {
			// The gate already wrote the challenge or rejection.
			c.Abort()
			return
		}

		if details := x402http.GetPaymentFromContext(c.Request.Context()); details != nil {
			c.Set(ContextKey, details)
		}
		c.Next()
	}, nil
}

// GetPayment returns the payment details for the current request, or nil if
// the request did not pass through the payment middleware.
func GetPayment(c *gin.Context) *x402http.PaymentDetails {
	value, ok := c.Get(ContextKey)
	if !ok {
		return nil
	}
	details, _ := value.(*x402http.PaymentDetails)
	return details
}
