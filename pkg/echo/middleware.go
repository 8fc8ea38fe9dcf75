// Package echo adapts the payment middleware to the Echo framework.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	payguard "github.com/x402-labs/payguard"
)

const detailsContextKey = "payguard.details"

// PaymentDetails returns the settled payment details for the current
// request, if it carried an accepted payment.
func PaymentDetails(c echo.Context) (*payguard.PaymentDetails, bool) {
	details, ok := c.Get(detailsContextKey).(*payguard.PaymentDetails)
	return details, ok
}

// Middleware returns Echo middleware enforcing payment on routes the
// policy prices. See the root package Middleware for the behavior contract.
func Middleware(processor *payguard.Processor, policy payguard.PricingPolicy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			accepts := policy.RequirementsFor(req.Method, req.URL.Path)
			if len(accepts) == 0 {
				return next(c)
			}

			outcome, err := processor.Process(req.Context(), req.Header.Get(payguard.PaymentHeader), accepts)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{
					"error": "internal server error",
				})
			}

			switch outcome.Status {
			case payguard.OutcomeAccepted:
				if outcome.Settlement != nil {
					if receipt, err := outcome.Settlement.EncodeToBase64String(); err == nil {
						c.Response().Header().Set(payguard.PaymentResponseHeader, receipt)
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
				return next(c)

			case payguard.OutcomeRequiresPayment:
				return c.JSON(http.StatusPaymentRequired, payguard.PaymentRequired{
					X402Version: payguard.ProtocolVersion,
					Error:       outcome.ChallengeMsg,
					Accepts:     outcome.Requirements,
				})

			case payguard.OutcomeRejected:
				return c.JSON(http.StatusPaymentRequired, payguard.PaymentRequired{
					X402Version: payguard.ProtocolVersion,
					Error:       string(outcome.Reason),
					Accepts:     outcome.Requirements,
				})

			default:
				return c.JSON(http.StatusInternalServerError, map[string]string{
					"error": "internal server error",
				})
			}
		}
	}
}
