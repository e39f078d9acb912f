package scheme

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/x402-foundation/escrow-facilitator/types"
)

// JSON schemas for the three payload shapes. Validation runs on the raw
// payload map before parsing so shape errors carry field-level details.
const (
	authorizationSchema = `{
		"type": "object",
		"required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
		"properties": {
			"from":        {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
			"to":          {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
			"value":       {"type": "string", "pattern": "^[0-9]+$"},
			"validAfter":  {"type": "string", "pattern": "^[0-9]+$"},
			"validBefore": {"type": "string", "pattern": "^[0-9]+$"},
			"nonce":       {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
		}
	}`

	exactSchema = `{
		"type": "object",
		"required": ["signature", "authorization"],
		"properties": {
			"signature":     {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
			"authorization": ` + authorizationSchema + `
		}
	}`

	escrowCreationSchema = `{
		"type": "object",
		"required": ["signature", "authorization", "sessionParams", "requestId"],
		"properties": {
			"signature":     {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
			"authorization": ` + authorizationSchema + `,
			"sessionParams": {
				"type": "object",
				"required": ["salt", "authorizationExpiry", "refundExpiry"],
				"properties": {
					"salt":                {"type": "string", "pattern": "^[0-9]+$"},
					"authorizationExpiry": {"type": "integer", "minimum": 0},
					"refundExpiry":        {"type": "integer", "minimum": 0}
				}
			},
			"requestId": {"type": "string", "minLength": 1}
		}
	}`

	escrowUsageSchema = `{
		"type": "object",
		"required": ["session", "amount", "requestId"],
		"properties": {
			"session": {
				"type": "object",
				"required": ["id", "token"],
				"properties": {
					"id":    {"type": "string", "minLength": 1},
					"token": {"type": "string", "minLength": 1}
				}
			},
			"amount":    {"type": "string", "pattern": "^[0-9]+$"},
			"requestId": {"type": "string", "minLength": 1}
		}
	}`
)

var (
	exactLoader          = gojsonschema.NewStringLoader(exactSchema)
	escrowCreationLoader = gojsonschema.NewStringLoader(escrowCreationSchema)
	escrowUsageLoader    = gojsonschema.NewStringLoader(escrowUsageSchema)
)

// validateShape checks a raw payload map against a schema and folds the
// field errors into one invalid_payload error.
func validateShape(schema gojsonschema.JSONLoader, payload map[string]interface{}) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(payload))
	if err != nil {
		return types.NewError(types.ErrInvalidPayload, "payload validation failed: %v", err)
	}
	if result.Valid() {
		return nil
	}
	details := ""
	for i, desc := range result.Errors() {
		if i > 0 {
			details += "; "
		}
		details += desc.String()
	}
	return types.NewError(types.ErrInvalidPayload, "%s", details)
}
