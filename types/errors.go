package types

import "fmt"

// Error codes surfaced to clients. Verify failures use them as invalidReason,
// settle failures as errorReason, everything else in the {error, details}
// envelope.
const (
	// Authentication
	ErrUnauthorized = "unauthorized"
	ErrRateLimited  = "rate_limited"

	// Request shape
	ErrInvalidRequest    = "invalid_request"
	ErrInvalidPayload    = "invalid_payload"
	ErrUnsupportedScheme = "unsupported_scheme"

	// Signature / authorization
	ErrInvalidSignature         = "invalid_signature"
	ErrInvalidRecipient         = "invalid_recipient"
	ErrInvalidAsset             = "invalid_asset"
	ErrInvalidTokenCollector    = "invalid_token_collector"
	ErrAuthorizationNotYetValid = "authorization_not_yet_valid"
	ErrAuthorizationExpired     = "authorization_expired"
	ErrNonceAlreadyUsed         = "nonce_already_used"

	// Economic
	ErrInsufficientAmount  = "insufficient_amount"
	ErrInsufficientFunds   = "insufficient_funds"
	ErrDepositOutOfBounds  = "deposit_out_of_bounds"
	ErrDepositLessThanCost = "deposit_less_than_cost"
	ErrInsufficientBalance = "insufficient_balance"

	// Session
	ErrSessionNotFound                 = "session_not_found"
	ErrSessionInactive                 = "session_inactive"
	ErrSessionExpired                  = "session_expired"
	ErrSessionTokenNotConfigured       = "session_token_not_configured"
	ErrInvalidSessionToken             = "invalid_session_token"
	ErrNetworkMismatch                 = "network_mismatch"
	ErrSessionExpiryInvalid            = "session_expiry_invalid"
	ErrSessionExpiryExceedsAuth        = "session_expiry_exceeds_authorization"
	ErrTier3CaptureFailed              = "tier3_capture_failed"
	ErrEscrowAuthorizationFailed       = "escrow_authorization_failed"
	ErrTransferFailed                  = "transfer_failed"

	// Infrastructure
	ErrInvalidNetwork = "invalid_network"
	ErrDBError        = "db_error"
	ErrRequestTimeout = "request_timeout"
	ErrInternalError  = "internal_error"
)

// FacilitatorError carries a protocol error code through internal layers.
type FacilitatorError struct {
	Code    string
	Message string
}

func (e *FacilitatorError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a FacilitatorError with a formatted message.
func NewError(code, format string, args ...interface{}) *FacilitatorError {
	return &FacilitatorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol error code from err, falling back to
// internal_error for anything that is not a FacilitatorError.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if fe, ok := err.(*FacilitatorError); ok {
		return fe.Code
	}
	return ErrInternalError
}
