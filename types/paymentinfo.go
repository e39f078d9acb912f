package types

import (
	"math/big"
	"strings"
)

// MaxFeeBpsBound is the basis-points ceiling for escrow fees.
const MaxFeeBpsBound = 10000

// MaxPaymentAmount is 2^120 - 1, the escrow contract's amount bound.
var MaxPaymentAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 120), big.NewInt(1))

// PaymentInfo is the tuple defining a session on the escrow contract.
// Its keccak256 hash (computed with payer zeroed by the contract's getHash)
// is the session id.
type PaymentInfo struct {
	Operator            string   `json:"operator"`
	Payer               string   `json:"payer"`
	Receiver            string   `json:"receiver"`
	Token               string   `json:"token"`
	MaxAmount           *big.Int `json:"maxAmount"`
	PreApprovalExpiry   uint64   `json:"preApprovalExpiry"`
	AuthorizationExpiry uint64   `json:"authorizationExpiry"`
	RefundExpiry        uint64   `json:"refundExpiry"`
	MinFeeBps           uint16   `json:"minFeeBps"`
	MaxFeeBps           uint16   `json:"maxFeeBps"`
	FeeReceiver         string   `json:"feeReceiver"`
	Salt                *big.Int `json:"salt"`
}

// Validate checks the PaymentInfo invariants:
// minFeeBps <= maxFeeBps <= 10000, expiry ordering, and the amount bound.
func (p PaymentInfo) Validate() error {
	if p.MaxAmount == nil || p.MaxAmount.Sign() <= 0 {
		return NewError(ErrInvalidPayload, "maxAmount must be positive")
	}
	if p.MaxAmount.Cmp(MaxPaymentAmount) > 0 {
		return NewError(ErrInvalidPayload, "maxAmount exceeds 2^120-1")
	}
	if p.MinFeeBps > p.MaxFeeBps || p.MaxFeeBps > MaxFeeBpsBound {
		return NewError(ErrInvalidPayload, "fee bps out of range: min=%d max=%d", p.MinFeeBps, p.MaxFeeBps)
	}
	if p.PreApprovalExpiry > p.AuthorizationExpiry || p.AuthorizationExpiry > p.RefundExpiry {
		return NewError(ErrSessionExpiryInvalid,
			"expiries must satisfy preApproval <= authorization <= refund")
	}
	return nil
}

// NormalizeAddress lowercases a hex address for storage and comparison.
// All addresses persisted by the facilitator are lowercased.
func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}
