// Package gin adapts the payment middleware to the Gin framework.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	payguard "github.com/x402-labs/payguard"
)

// detailsContextKey is where the settled payment details land in the Gin
// context.
const detailsContextKey = "payguard.details"

// PaymentDetails returns the settled payment details for the current
// request, if it carried an accepted payment.
func PaymentDetails(c *gin.Context) (*payguard.PaymentDetails, bool) {
	v, ok := c.Get(detailsContextKey)
	if !ok {
		return nil, false
	}
	details, ok := v.(*payguard.PaymentDetails)
	return details, ok
}

// Middleware returns a Gin handler enforcing payment on routes the policy
// prices. See the root package Middleware for the behavior contract.
func Middleware(processor *payguard.Processor, policy payguard.PricingPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		accepts := policy.RequirementsFor(c.Request.Method, c.Request.URL.Path)
		if len(accepts) == 0 {
			c.Next()
			return
		}

		outcome, err := processor.Process(c.Request.Context(), c.GetHeader(payguard.PaymentHeader), accepts)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal server error",
			})
			return
		}

		switch outcome.Status {
		case payguard.OutcomeAccepted:
			if outcome.Settlement != nil {
				if receipt, err := outcome.Settlement.EncodeToBase64String(); err == nil {
					c.Header(payguard.PaymentResponseHeader, receipt)
				}
			}
			details := &payguard.PaymentDetails{
				Payer:        outcome.Payer,
				Requirements: outcome.Requirements,
			}
			if outcome.Settlement != nil {
				details.Transaction = outcome.Settlement.Transaction
				details.Network = outcome.Settlement.Network
			}
			c.Set(detailsContextKey, details)
			c.Next()

		case payguard.OutcomeRequiresPayment:
			c.AbortWithStatusJSON(http.StatusPaymentRequired, payguard.PaymentRequired{
				X402Version: payguard.ProtocolVersion,
				Error:       outcome.ChallengeMsg,
				Accepts:     outcome.Requirements,
			})

		case payguard.OutcomeRejected:
			c.AbortWithStatusJSON(http.StatusPaymentRequired, payguard.PaymentRequired{
				X402Version: payguard.ProtocolVersion,
				Error:       string(outcome.Reason),
				Accepts:     outcome.Requirements,
			})

		default:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal server error",
			})
		}
	}
}
