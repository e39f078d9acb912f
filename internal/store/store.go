// Package store holds the facilitator's transactional state: networks,
// users, API keys, sessions and their usage and capture logs. Balances are
// never stored; they are recomputed from the logs inside the same
// transaction that mutates them.
package store

import (
	"context"
	"math/big"
	"time"

	"github.com/x402-foundation/escrow-facilitator/types"
)

// Session status values. A row never leaves the table; status only moves
// forward from active.
const (
	StatusActive   = "active"
	StatusVoided   = "voided"
	StatusExpired  = "expired"
	StatusCaptured = "captured"
)

// Usage log status values.
const (
	UsagePending = "pending"
	UsageSettled = "settled"
)

// Capture log status values.
const (
	CapturePending   = "pending"
	CaptureConfirmed = "confirmed"
	CaptureFailed    = "failed"
)

// Capture tiers. Tier 1 is threshold-triggered, tier 2 pre-expiry, tier 3
// inline or reclaim-driven.
const (
	Tier1 = 1
	Tier2 = 2
	Tier3 = 3
)

// Network is a persisted chain row; the id is the CAIP-2 identifier.
type Network struct {
	ID       string
	ChainID  int64
	IsActive bool
}

// User owns API keys and the sessions created through them.
type User struct {
	ID        string
	Wallet    string
	CreatedAt time.Time
}

// APIKey authenticates facilitator requests. Only the sha-256 hash of the
// secret is stored.
type APIKey struct {
	ID         string
	UserID     string
	Name       string
	SecretHash string
	Status     string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Session is an on-chain escrow authorization tracked off-chain. The id is
// the escrow contract's PaymentInfo hash.
type Session struct {
	ID                  string
	NetworkID           string
	UserID              string
	Payer               string
	Receiver            string
	Token               string
	Authorized          *big.Int
	PreApprovalExpiry   time.Time
	AuthorizationExpiry time.Time
	RefundExpiry        time.Time
	Operator            string
	Salt                string
	MinFeeBps           uint16
	MaxFeeBps           uint16
	FeeReceiver         string
	AuthorizeTxHash     string
	VoidTxHash          string
	TokenHash           string
	Status              string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UsageLog is one off-chain debit against a session. (SessionID, RequestID)
// is unique and provides per-session idempotency.
type UsageLog struct {
	ID           string
	SessionID    string
	RequestID    string
	Amount       *big.Int
	Description  string
	Status       string
	CaptureLogID string
	CreatedAt    time.Time
}

// CaptureLog records one on-chain capture attempt for a session.
type CaptureLog struct {
	ID        string
	SessionID string
	NetworkID string
	Amount    *big.Int
	TxHash    string
	Tier      int
	Status    string
	CreatedAt time.Time
}

// Balance is the log-derived view of a session. The four values always
// satisfy captured + pending + available = authorized.
type Balance struct {
	Authorized *big.Int
	Captured   *big.Int
	Pending    *big.Int
	Available  *big.Int
}

// Wire converts a balance to its decimal-string API representation.
func (b Balance) Wire() types.SessionBalance {
	return types.SessionBalance{
		Authorized: b.Authorized.String(),
		Captured:   b.Captured.String(),
		Pending:    b.Pending.String(),
		Available:  b.Available.String(),
	}
}

// DebitResult is the outcome of a debit: the post-debit balance plus whether
// the request id had already been recorded.
type DebitResult struct {
	Idempotent bool
	Balance    Balance
}

// CaptureCandidate is a session selected for batch capture with its current
// pending total.
type CaptureCandidate struct {
	Session Session
	Pending *big.Int
}

// SessionWithBalance pairs a session with its derived balance for listings.
type SessionWithBalance struct {
	Session Session
	Balance Balance
}

// PayerStats aggregates a payer's sessions.
type PayerStats struct {
	TotalSessions   int64
	ActiveSessions  int64
	TotalAuthorized *big.Int
	TotalCaptured   *big.Int
	TotalPending    *big.Int
}

// Store is the persistence contract of the session engine, scheduler and
// API surface. Implementations must make every mutating routine atomic and
// serialized per session.
type Store interface {
	// Networks
	UpsertNetwork(ctx context.Context, network Network) error

	// Users and API keys
	GetOrCreateUserByWallet(ctx context.Context, wallet string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	CreateAPIKey(ctx context.Context, userID, name, secretHash string) (APIKey, error)
	GetAPIKeyBySecretHash(ctx context.Context, secretHash string) (APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, userID, keyID string) error
	TouchAPIKey(ctx context.Context, keyID string) error

	// Sessions
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	SessionBalance(ctx context.Context, id string) (Balance, error)
	ListSessionsByPayer(ctx context.Context, payer, status string, limit, offset int) ([]SessionWithBalance, error)
	ListSessionsByUser(ctx context.Context, userID string, limit, offset int) ([]SessionWithBalance, error)
	ActiveSessionsByPayer(ctx context.Context, payer string) ([]CaptureCandidate, error)

	// Atomic routines
	DebitSession(ctx context.Context, sessionID string, amount *big.Int, requestID, description string) (DebitResult, error)
	BatchCapture(ctx context.Context, sessionID, txHash string, tier int) (*big.Int, error)
	SyncCapture(ctx context.Context, sessionID string, amount *big.Int, txHash string) (*big.Int, error)
	VoidSession(ctx context.Context, sessionID, captureTxHash, voidTxHash string) error
	RecordFailedCapture(ctx context.Context, sessionID, networkID string, amount *big.Int, tier int, txHash string) error

	// Scheduler queries
	SessionsNeedingCaptureTier1(ctx context.Context, threshold *big.Int, limit int) ([]CaptureCandidate, error)
	SessionsNeedingCaptureTier2(ctx context.Context, expiryBefore time.Time, limit int) ([]CaptureCandidate, error)

	// Logs and aggregates
	ListUsageLogs(ctx context.Context, sessionID string, limit int) ([]UsageLog, error)
	ListCaptureLogs(ctx context.Context, sessionID string) ([]CaptureLog, error)
	GetPayerStats(ctx context.Context, payer string) (PayerStats, error)

	Close() error
}

// zero returns a zero big.Int; helpers share it via copy, never by pointer.
func zero() *big.Int { return new(big.Int) }

// computeBalance derives a balance from a session's logs.
func computeBalance(authorized *big.Int, logs []UsageLog) Balance {
	captured := zero()
	pending := zero()
	for _, l := range logs {
		switch l.Status {
		case UsageSettled:
			captured.Add(captured, l.Amount)
		case UsagePending:
			pending.Add(pending, l.Amount)
		}
	}
	available := new(big.Int).Sub(authorized, new(big.Int).Add(captured, pending))
	return Balance{
		Authorized: new(big.Int).Set(authorized),
		Captured:   captured,
		Pending:    pending,
		Available:  available,
	}
}
