package facilitator

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Facilitators are external services; a partial or malformed body must not
// be mistaken for a definitive answer. Responses are checked against these
// schemas before decoding, and a failure is fatal (never retried) because
// repeating the call cannot fix a contract violation.

const verifyResponseSchema = `{
	"type": "object",
	"required": ["isValid"],
	"properties": {
		"isValid": {"type": "boolean"},
		"invalidReason": {"type": "string"},
		"payer": {"type": "string"}
	}
}`

const settleResponseSchema = `{
	"type": "object",
	"required": ["success", "transaction"],
	"properties": {
		"success": {"type": "boolean"},
		"errorReason": {"type": "string"},
		"transaction": {"type": "string"},
		"network": {"type": "string"},
		"payer": {"type": "string"}
	}
}`

var (
	verifySchema = gojsonschema.NewStringLoader(verifyResponseSchema)
	settleSchema = gojsonschema.NewStringLoader(settleResponseSchema)
)

func validateVerifyResponse(body []byte) error {
	return validateAgainst(verifySchema, body, "verify")
}

func validateSettleResponse(body []byte) error {
	return validateAgainst(settleSchema, body, "settle")
}

func validateAgainst(schema gojsonschema.JSONLoader, body []byte, op string) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("malformed facilitator %s response: %w", op, err)
	}

	if !result.Valid() {
		return fmt.Errorf("malformed facilitator %s response: %v", op, result.Errors())
	}
	return nil
}
