package payguard

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey int

const paymentDetailsKey contextKey = 0

// PaymentDetails describes the settled payment attached to a request that
// passed the middleware.
type PaymentDetails struct {
	Payer        string
	Transaction  string
	Network      Network
	Requirements []PaymentRequirements
}

// FromContext returns the payment details attached by the middleware, if
// the request carried an accepted payment.
func FromContext(ctx context.Context) (*PaymentDetails, bool) {
	details, ok := ctx.Value(paymentDetailsKey).(*PaymentDetails)
	return details, ok
}

// MiddlewareOption configures the middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	logger  *slog.Logger
	paywall *template.Template
}

// WithMiddlewareLogger sets the logger.
func WithMiddlewareLogger(logger *slog.Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.logger = logger
	}
}

// WithBrowserPaywall serves an HTML paywall page instead of JSON when the
// 402 goes to a web browser. Pass nil to use the built-in page.
func WithBrowserPaywall(tmpl *template.Template) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if tmpl == nil {
			tmpl = defaultPaywallTemplate
		}
		cfg.paywall = tmpl
	}
}

// Middleware enforces payment on routes the policy prices. Unpriced routes
// pass through untouched. Priced routes reach the next handler only after
// the payment is verified and settled; the settlement receipt rides back on
// the X-Payment-Response header and the payment details are available via
// FromContext.
func Middleware(processor *Processor, policy PricingPolicy, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accepts := policy.RequirementsFor(r.Method, r.URL.Path)
			if len(accepts) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			outcome, err := processor.Process(r.Context(), r.Header.Get(PaymentHeader), accepts)
			if err != nil {
				cfg.logger.Error("payment processing failed",
					"method", r.Method, "path", r.URL.Path, "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "internal server error",
				})
				return
			}

			switch outcome.Status {
			case OutcomeAccepted:
				if outcome.Settlement != nil {
					if receipt, err := outcome.Settlement.EncodeToBase64String(); err == nil {
						w.Header().Set(PaymentResponseHeader, receipt)
					}
				}

				details := &PaymentDetails{
					Payer:        outcome.Payer,
					Requirements: outcome.Requirements,
				}
				if outcome.Settlement != nil {
					details.Transaction = outcome.Settlement.Transaction
					details.Network = outcome.Settlement.Network
				}
				next.ServeHTTP(w, r.WithContext(
					context.WithValue(r.Context(), paymentDetailsKey, details)))

			case OutcomeRequiresPayment:
				writePaymentRequired(w, r, cfg, PaymentRequired{
					X402Version: ProtocolVersion,
					Error:       outcome.ChallengeMsg,
					Accepts:     outcome.Requirements,
				})

			case OutcomeRejected:
				writePaymentRequired(w, r, cfg, PaymentRequired{
					X402Version: ProtocolVersion,
					Error:       string(outcome.Reason),
					Accepts:     outcome.Requirements,
				})

			default:
				cfg.logger.Error("unknown payment outcome", "status", outcome.Status)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "internal server error",
				})
			}
		})
	}
}

func writePaymentRequired(w http.ResponseWriter, r *http.Request, cfg *middlewareConfig, body PaymentRequired) {
	if cfg.paywall != nil && isWebBrowser(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		if err := cfg.paywall.Execute(w, body); err != nil {
			cfg.logger.Error("failed to render paywall page", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusPaymentRequired, body)
}

// isWebBrowser distinguishes interactive browsers from API clients so the
// former can get an HTML paywall instead of raw JSON.
func isWebBrowser(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html") &&
		strings.Contains(r.Header.Get("User-Agent"), "Mozilla")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var defaultPaywallTemplate = template.Must(template.New("paywall").Parse(`<!DOCTYPE html>
<html>
<head><title>Payment Required</title></head>
<body>
<h1>Payment Required</h1>
<p>{{.Error}}</p>
{{range .Accepts}}<p>{{.Description}} ({{.Amount}} minor units of {{.Asset}} on {{.Network}})</p>
{{end}}
</body>
</html>
`))
