// Package types defines the wire types shared by the facilitator's HTTP
// surface, scheme router and session engine.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// ChainID returns the numeric chain id for an eip155 network.
func (n Network) ChainID() (int64, error) {
	namespace, reference, err := n.Parse()
	if err != nil {
		return 0, err
	}
	if namespace != "eip155" {
		return 0, fmt.Errorf("not an eip155 network: %s", n)
	}
	id, err := strconv.ParseInt(reference, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chain id in network %s: %w", n, err)
	}
	return id, nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "eip155:8453" matches "eip155:*"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}
	patternStr := string(pattern)
	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(string(n), prefix)
	}
	return false
}

// PaymentRequirements defines what payment is acceptable for a resource
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload contains the signed payment authorization from a client.
// The payload shape depends on the scheme: exact transfers carry an ERC-3009
// authorization, escrow payloads carry either a creation or a usage body.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// VerifyRequest contains the payment to verify
type VerifyRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleRequest contains the payment to settle
type SettleRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SessionBalance is the derived balance view of a session.
// All four values are decimal strings in the token's atomic unit and satisfy
// captured + pending + available = authorized.
type SessionBalance struct {
	Authorized string `json:"authorized"`
	Captured   string `json:"captured"`
	Pending    string `json:"pending"`
	Available  string `json:"available"`
}

// SessionResult describes the session a settle call touched.
// Token is only present in the creation response and never again.
type SessionResult struct {
	ID        string         `json:"id"`
	Token     string         `json:"token,omitempty"`
	Balance   SessionBalance `json:"balance"`
	ExpiresAt int64          `json:"expiresAt,omitempty"`
}

// SettleResponse contains the settlement result
type SettleResponse struct {
	Success     bool           `json:"success"`
	ErrorReason string         `json:"errorReason,omitempty"`
	Payer       string         `json:"payer,omitempty"`
	Transaction string         `json:"transaction"`
	Network     Network        `json:"network"`
	Session     *SessionResult `json:"session,omitempty"`
}

// SupportedKind represents a single supported payment configuration
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds the facilitator supports.
// Signers maps each network to the operator addresses that sign for it.
type SupportedResponse struct {
	Kinds   []SupportedKind     `json:"kinds"`
	Signers map[string][]string `json:"signers"`
}
