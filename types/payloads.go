package types

import "fmt"

// Scheme identifiers routed by the facilitator.
const (
	SchemeExact  = "exact"
	SchemeEscrow = "escrow"
	// SchemeSessionLegacy is the deprecated alias for escrow usage payloads.
	SchemeSessionLegacy = "session"
)

// EIP3009Authorization represents the ERC-3009 authorization data
type EIP3009Authorization struct {
	From        string `json:"from"`        // Payer address (hex)
	To          string `json:"to"`          // Recipient address (hex)
	Value       string `json:"value"`       // Amount in atomic units as decimal string
	ValidAfter  string `json:"validAfter"`  // Unix timestamp as decimal string
	ValidBefore string `json:"validBefore"` // Unix timestamp as decimal string
	Nonce       string `json:"nonce"`       // 32-byte nonce as hex string
}

// ExactPayload is the one-shot ERC-3009 transfer payload.
type ExactPayload struct {
	Signature     string               `json:"signature"`
	Authorization EIP3009Authorization `json:"authorization"`
}

// SessionParams carries the client-chosen escrow parameters for a new session.
type SessionParams struct {
	Salt                string `json:"salt"`                // uint256 as decimal string
	AuthorizationExpiry uint64 `json:"authorizationExpiry"` // unix seconds
	RefundExpiry        uint64 `json:"refundExpiry"`        // unix seconds
}

// EscrowCreationPayload opens a session: the ERC-3009 ReceiveWithAuthorization
// signature funds the escrow deposit.
type EscrowCreationPayload struct {
	Signature     string               `json:"signature"`
	Authorization EIP3009Authorization `json:"authorization"`
	SessionParams SessionParams        `json:"sessionParams"`
	RequestID     string               `json:"requestId"`
}

// SessionRef identifies an existing session for a usage debit.
type SessionRef struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// EscrowUsagePayload debits an existing session.
type EscrowUsagePayload struct {
	Session   SessionRef `json:"session"`
	Amount    string     `json:"amount"` // atomic units as decimal string
	RequestID string     `json:"requestId"`
}

// IsEscrowCreation reports whether a raw payload map has the creation shape.
func IsEscrowCreation(data map[string]interface{}) bool {
	_, hasAuth := data["authorization"]
	_, hasParams := data["sessionParams"]
	return hasAuth && hasParams
}

// IsEscrowUsage reports whether a raw payload map has the usage shape.
func IsEscrowUsage(data map[string]interface{}) bool {
	_, ok := data["session"]
	return ok
}

func authorizationFromMap(auth map[string]interface{}) (EIP3009Authorization, error) {
	var out EIP3009Authorization
	fields := map[string]*string{
		"from":        &out.From,
		"to":          &out.To,
		"value":       &out.Value,
		"validAfter":  &out.ValidAfter,
		"validBefore": &out.ValidBefore,
		"nonce":       &out.Nonce,
	}
	for name, dst := range fields {
		v, ok := auth[name].(string)
		if !ok || v == "" {
			return out, fmt.Errorf("missing or invalid authorization.%s field", name)
		}
		*dst = v
	}
	return out, nil
}

// ExactPayloadFromMap parses an exact-scheme payload.
func ExactPayloadFromMap(data map[string]interface{}) (*ExactPayload, error) {
	payload := &ExactPayload{}
	sig, ok := data["signature"].(string)
	if !ok || sig == "" {
		return nil, fmt.Errorf("missing or invalid signature field")
	}
	payload.Signature = sig

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}
	parsed, err := authorizationFromMap(auth)
	if err != nil {
		return nil, err
	}
	payload.Authorization = parsed
	return payload, nil
}

// EscrowCreationFromMap parses an escrow-creation payload.
func EscrowCreationFromMap(data map[string]interface{}) (*EscrowCreationPayload, error) {
	payload := &EscrowCreationPayload{}

	sig, ok := data["signature"].(string)
	if !ok || sig == "" {
		return nil, fmt.Errorf("missing or invalid signature field")
	}
	payload.Signature = sig

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}
	parsed, err := authorizationFromMap(auth)
	if err != nil {
		return nil, err
	}
	payload.Authorization = parsed

	params, ok := data["sessionParams"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid sessionParams field")
	}
	if salt, ok := params["salt"].(string); ok && salt != "" {
		payload.SessionParams.Salt = salt
	} else {
		return nil, fmt.Errorf("missing or invalid sessionParams.salt field")
	}
	authExpiry, err := uint64FromAny(params["authorizationExpiry"])
	if err != nil {
		return nil, fmt.Errorf("invalid sessionParams.authorizationExpiry: %w", err)
	}
	payload.SessionParams.AuthorizationExpiry = authExpiry
	refundExpiry, err := uint64FromAny(params["refundExpiry"])
	if err != nil {
		return nil, fmt.Errorf("invalid sessionParams.refundExpiry: %w", err)
	}
	payload.SessionParams.RefundExpiry = refundExpiry

	if requestID, ok := data["requestId"].(string); ok && requestID != "" {
		payload.RequestID = requestID
	} else {
		return nil, fmt.Errorf("missing or invalid requestId field")
	}
	return payload, nil
}

// EscrowUsageFromMap parses an escrow-usage payload.
func EscrowUsageFromMap(data map[string]interface{}) (*EscrowUsagePayload, error) {
	payload := &EscrowUsagePayload{}

	session, ok := data["session"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid session field")
	}
	if id, ok := session["id"].(string); ok && id != "" {
		payload.Session.ID = id
	} else {
		return nil, fmt.Errorf("missing or invalid session.id field")
	}
	if token, ok := session["token"].(string); ok {
		payload.Session.Token = token
	}

	if amount, ok := data["amount"].(string); ok && amount != "" {
		payload.Amount = amount
	} else {
		return nil, fmt.Errorf("missing or invalid amount field")
	}
	if requestID, ok := data["requestId"].(string); ok && requestID != "" {
		payload.RequestID = requestID
	} else {
		return nil, fmt.Errorf("missing or invalid requestId field")
	}
	return payload, nil
}

func uint64FromAny(v interface{}) (uint64, error) {
	switch val := v.(type) {
	case float64:
		if val < 0 {
			return 0, fmt.Errorf("negative timestamp")
		}
		return uint64(val), nil
	case int:
		if val < 0 {
			return 0, fmt.Errorf("negative timestamp")
		}
		return uint64(val), nil
	case int64:
		if val < 0 {
			return 0, fmt.Errorf("negative timestamp")
		}
		return uint64(val), nil
	case uint64:
		return val, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
