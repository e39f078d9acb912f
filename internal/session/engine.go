// Package session owns the escrow session state machine: creation, debits,
// inline capture and the capture-then-void reclaim sub-protocol.
package session

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/x402-foundation/escrow-facilitator/internal/chain"
	"github.com/x402-foundation/escrow-facilitator/internal/config"
	"github.com/x402-foundation/escrow-facilitator/internal/eip3009"
	"github.com/x402-foundation/escrow-facilitator/internal/store"
	"github.com/x402-foundation/escrow-facilitator/types"
)

// Chain is the slice of the chain adapter the engine uses.
type Chain interface {
	OperatorAddress() common.Address
	GetPaymentInfoHash(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo) (string, error)
	TokenBalanceOf(ctx context.Context, network config.NetworkConfig, token, account common.Address) (*big.Int, error)
	IsAuthorizationNonceUsed(ctx context.Context, network config.NetworkConfig, token, authorizer common.Address, nonce [32]byte) (bool, error)
	Authorize(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo, amount *big.Int, collectorData []byte) chain.TxResult
	Capture(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo, amount *big.Int) chain.TxResult
	Void(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo) chain.TxResult
}

// Engine drives session lifecycle against the store and the chain.
type Engine struct {
	store store.Store
	chain Chain
	cfg   *config.Config
	log   *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewEngine wires a session engine.
func NewEngine(st store.Store, ch Chain, cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{store: st, chain: ch, cfg: cfg, log: log, now: time.Now}
}

// CreationPlan is the result of validating an escrow-creation payload. It
// carries everything the settle path needs so the checks run exactly once.
type CreationPlan struct {
	Network      config.NetworkConfig
	PaymentInfo  types.PaymentInfo
	SessionID    string
	Deposit      *big.Int
	ResourceCost *big.Int
	Payer        string
}

// CreateResult is the outcome of creating (or idempotently re-settling) a
// session.
type CreateResult struct {
	SessionID       string
	Token           string // empty on idempotent repeats
	AuthorizeTxHash string
	Balance         store.Balance
	ExpiresAt       time.Time
	Idempotent      bool
}

// DebitOutcome is the outcome of an escrow-usage debit.
type DebitOutcome struct {
	SessionID       string
	Balance         store.Balance
	Idempotent      bool
	AuthorizeTxHash string
	CaptureTxHash   string // set when a tier-3 inline capture ran
	ExpiresAt       time.Time
}

// ReclaimResult is the outcome of a single-session reclaim.
type ReclaimResult struct {
	SessionID     string
	Captured      *big.Int
	CaptureTxHash string
	VoidTxHash    string
	Expired       bool // pending was forfeit
}

// PlanCreation runs every creation precondition without side effects.
// Both /verify and /settle call it; only /settle acts on the plan.
func (e *Engine) PlanCreation(ctx context.Context, payload *types.EscrowCreationPayload, reqs types.PaymentRequirements) (*CreationPlan, error) {
	network := e.cfg.Network(string(reqs.Network))
	if network == nil || !network.IsActive {
		return nil, types.NewError(types.ErrInvalidNetwork, "network %s is not supported", reqs.Network)
	}

	auth := payload.Authorization
	payer := types.NormalizeAddress(auth.From)
	if !common.IsHexAddress(auth.From) {
		return nil, types.NewError(types.ErrInvalidPayload, "authorization.from is not an address")
	}
	if !common.IsHexAddress(reqs.PayTo) {
		return nil, types.NewError(types.ErrInvalidRecipient, "payTo is not an address")
	}
	if types.NormalizeAddress(reqs.Asset) != types.NormalizeAddress(network.TokenAddress) {
		return nil, types.NewError(types.ErrInvalidAsset,
			"asset %s is not the network token %s", reqs.Asset, network.TokenAddress)
	}
	if types.NormalizeAddress(auth.To) != types.NormalizeAddress(network.TokenCollector) {
		return nil, types.NewError(types.ErrInvalidTokenCollector,
			"authorization.to %s is not the token collector", auth.To)
	}

	deposit, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || deposit.Sign() <= 0 {
		return nil, types.NewError(types.ErrInvalidPayload, "invalid authorization value: %q", auth.Value)
	}
	resourceCost, ok := new(big.Int).SetString(reqs.Amount, 10)
	if !ok || resourceCost.Sign() < 0 {
		return nil, types.NewError(types.ErrInvalidPayload, "invalid requirement amount: %q", reqs.Amount)
	}
	if deposit.Cmp(e.cfg.MinDeposit) < 0 || deposit.Cmp(e.cfg.MaxDeposit) > 0 {
		return nil, types.NewError(types.ErrDepositOutOfBounds,
			"deposit %s outside [%s, %s]", deposit, e.cfg.MinDeposit, e.cfg.MaxDeposit)
	}
	if deposit.Cmp(resourceCost) < 0 {
		return nil, types.NewError(types.ErrDepositLessThanCost,
			"deposit %s below resource cost %s", deposit, resourceCost)
	}

	now := e.now().Unix()
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, types.NewError(types.ErrInvalidPayload, "invalid validAfter: %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, types.NewError(types.ErrInvalidPayload, "invalid validBefore: %q", auth.ValidBefore)
	}
	if validAfter.Cmp(big.NewInt(now)) > 0 {
		return nil, types.NewError(types.ErrAuthorizationNotYetValid, "validAfter %s is in the future", auth.ValidAfter)
	}
	if validBefore.Cmp(big.NewInt(now)) <= 0 {
		return nil, types.NewError(types.ErrAuthorizationExpired, "validBefore %s has passed", auth.ValidBefore)
	}

	params := payload.SessionParams
	if params.AuthorizationExpiry > params.RefundExpiry {
		return nil, types.NewError(types.ErrSessionExpiryInvalid,
			"refundExpiry precedes authorizationExpiry")
	}
	if params.AuthorizationExpiry <= uint64(now) {
		return nil, types.NewError(types.ErrSessionExpiryInvalid, "authorizationExpiry is in the past")
	}
	if new(big.Int).SetUint64(params.AuthorizationExpiry).Cmp(validBefore) > 0 {
		return nil, types.NewError(types.ErrSessionExpiryExceedsAuth,
			"session authorizationExpiry exceeds the signature's validBefore")
	}

	salt, ok := new(big.Int).SetString(params.Salt, 10)
	if !ok || salt.Sign() < 0 {
		return nil, types.NewError(types.ErrInvalidPayload, "invalid sessionParams.salt: %q", params.Salt)
	}

	info := types.PaymentInfo{
		Operator:  types.NormalizeAddress(e.chain.OperatorAddress().Hex()),
		Payer:     payer,
		Receiver:  types.NormalizeAddress(reqs.PayTo),
		Token:     types.NormalizeAddress(network.TokenAddress),
		MaxAmount: deposit,
		// the escrow must be authorized before captures may run, so the
		// pre-approval window closes with the authorization window
		PreApprovalExpiry:   params.AuthorizationExpiry,
		AuthorizationExpiry: params.AuthorizationExpiry,
		RefundExpiry:        params.RefundExpiry,
		FeeReceiver:         types.NormalizeAddress(e.chain.OperatorAddress().Hex()),
		Salt:                salt,
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}

	domain := eip3009.Domain{
		Name:              network.TokenName,
		Version:           network.TokenVersion,
		ChainID:           big.NewInt(network.ChainID),
		VerifyingContract: network.TokenAddress,
	}
	valid, err := eip3009.VerifyAuthorization(eip3009.TypeReceiveWithAuthorization, auth, domain, payload.Signature)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidSignature, "signature verification failed: %v", err)
	}
	if !valid {
		return nil, types.NewError(types.ErrInvalidSignature, "signature does not recover to payer")
	}

	nonce, err := chain.HexToBytes32(auth.Nonce)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidPayload, "invalid nonce: %v", err)
	}
	used, err := e.chain.IsAuthorizationNonceUsed(ctx, *network, common.HexToAddress(network.TokenAddress), common.HexToAddress(payer), nonce)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "nonce check failed: %v", err)
	}
	if used {
		return nil, types.NewError(types.ErrNonceAlreadyUsed, "authorization nonce already consumed")
	}

	balance, err := e.chain.TokenBalanceOf(ctx, *network, common.HexToAddress(network.TokenAddress), common.HexToAddress(payer))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "balance check failed: %v", err)
	}
	if balance.Cmp(deposit) < 0 {
		return nil, types.NewError(types.ErrInsufficientFunds,
			"payer balance %s below deposit %s", balance, deposit)
	}

	sessionID, err := e.chain.GetPaymentInfoHash(ctx, *network, info)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "getHash failed: %v", err)
	}

	return &CreationPlan{
		Network:      *network,
		PaymentInfo:  info,
		SessionID:    sessionID,
		Deposit:      deposit,
		ResourceCost: resourceCost,
		Payer:        payer,
	}, nil
}

// Create settles an escrow-creation payload: authorize on-chain, persist the
// session and debit the resource cost. Idempotent on the session id — a
// repeat with the same PaymentInfo skips the chain and only debits the
// request id.
func (e *Engine) Create(ctx context.Context, userID string, payload *types.EscrowCreationPayload, reqs types.PaymentRequirements) (*CreateResult, error) {
	plan, err := e.PlanCreation(ctx, payload, reqs)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.GetSession(ctx, plan.SessionID)
	if err == nil {
		if existing.Status != store.StatusActive {
			return nil, types.NewError(types.ErrSessionInactive, "session is %s", existing.Status)
		}
		var debit store.DebitResult
		if plan.ResourceCost.Sign() > 0 {
			debit, err = e.store.DebitSession(ctx, plan.SessionID, plan.ResourceCost, payload.RequestID, reqs.Scheme)
			if err != nil {
				return nil, err
			}
		} else if debit.Balance, err = e.store.SessionBalance(ctx, plan.SessionID); err != nil {
			return nil, err
		}
		e.log.Info("escrow creation replay",
			zap.String("sessionId", plan.SessionID),
			zap.String("requestId", payload.RequestID))
		return &CreateResult{
			SessionID:       plan.SessionID,
			AuthorizeTxHash: existing.AuthorizeTxHash,
			Balance:         debit.Balance,
			ExpiresAt:       existing.AuthorizationExpiry,
			Idempotent:      true,
		}, nil
	}
	if types.CodeOf(err) != types.ErrSessionNotFound {
		return nil, err
	}

	collectorData, err := hex.DecodeString(strings.TrimPrefix(payload.Signature, "0x"))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidSignature, "signature is not hex: %v", err)
	}

	token, tokenHash, err := NewSessionToken()
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "%v", err)
	}

	tx := e.chain.Authorize(ctx, plan.Network, plan.PaymentInfo, plan.Deposit, collectorData)
	if tx.Err != nil || !tx.Success {
		e.log.Warn("escrow authorize failed",
			zap.String("sessionId", plan.SessionID),
			zap.String("txHash", tx.TxHash),
			zap.Error(tx.Err))
		return nil, types.NewError(types.ErrEscrowAuthorizationFailed, "authorize transaction failed: %v", tx.Err)
	}

	sess := store.Session{
		ID:                  plan.SessionID,
		NetworkID:           plan.Network.ID,
		UserID:              userID,
		Payer:               plan.Payer,
		Receiver:            plan.PaymentInfo.Receiver,
		Token:               plan.PaymentInfo.Token,
		Authorized:          plan.Deposit,
		PreApprovalExpiry:   time.Unix(int64(plan.PaymentInfo.PreApprovalExpiry), 0),
		AuthorizationExpiry: time.Unix(int64(plan.PaymentInfo.AuthorizationExpiry), 0),
		RefundExpiry:        time.Unix(int64(plan.PaymentInfo.RefundExpiry), 0),
		Operator:            plan.PaymentInfo.Operator,
		Salt:                plan.PaymentInfo.Salt.String(),
		MinFeeBps:           plan.PaymentInfo.MinFeeBps,
		MaxFeeBps:           plan.PaymentInfo.MaxFeeBps,
		FeeReceiver:         plan.PaymentInfo.FeeReceiver,
		AuthorizeTxHash:     tx.TxHash,
		TokenHash:           tokenHash,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	var balance store.Balance
	if plan.ResourceCost.Sign() > 0 {
		debit, err := e.store.DebitSession(ctx, plan.SessionID, plan.ResourceCost, payload.RequestID, reqs.Scheme)
		if err != nil {
			return nil, err
		}
		balance = debit.Balance
	} else if balance, err = e.store.SessionBalance(ctx, plan.SessionID); err != nil {
		return nil, err
	}

	e.log.Info("session created",
		zap.String("sessionId", plan.SessionID),
		zap.String("network", plan.Network.ID),
		zap.String("payer", plan.Payer),
		zap.String("deposit", plan.Deposit.String()),
		zap.String("txHash", tx.TxHash))

	return &CreateResult{
		SessionID:       plan.SessionID,
		Token:           token,
		AuthorizeTxHash: tx.TxHash,
		Balance:         balance,
		ExpiresAt:       sess.AuthorizationExpiry,
	}, nil
}

// CheckDebit validates an escrow-usage payload without writing. Used by the
// verify path.
func (e *Engine) CheckDebit(ctx context.Context, userID string, payload *types.EscrowUsagePayload, reqs types.PaymentRequirements) (store.Session, *big.Int, error) {
	sess, err := e.store.GetSession(ctx, payload.Session.ID)
	if err != nil {
		return store.Session{}, nil, err
	}
	if sess.UserID != userID {
		return store.Session{}, nil, types.NewError(types.ErrUnauthorized, "session belongs to another user")
	}
	if reqs.Network != "" && string(reqs.Network) != sess.NetworkID {
		return store.Session{}, nil, types.NewError(types.ErrNetworkMismatch,
			"session is on %s, requirements say %s", sess.NetworkID, reqs.Network)
	}
	if sess.Status != store.StatusActive {
		return store.Session{}, nil, types.NewError(types.ErrSessionInactive, "session is %s", sess.Status)
	}
	if !sess.AuthorizationExpiry.After(e.now()) {
		return store.Session{}, nil, types.NewError(types.ErrSessionExpired, "session authorization expired")
	}
	if sess.TokenHash == "" {
		return store.Session{}, nil, types.NewError(types.ErrSessionTokenNotConfigured, "session has no access token")
	}
	if !TokenMatches(payload.Session.Token, sess.TokenHash) {
		return store.Session{}, nil, types.NewError(types.ErrInvalidSessionToken, "session token mismatch")
	}

	amount, ok := new(big.Int).SetString(payload.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return store.Session{}, nil, types.NewError(types.ErrInvalidPayload, "invalid amount: %q", payload.Amount)
	}
	balance, err := e.store.SessionBalance(ctx, sess.ID)
	if err != nil {
		return store.Session{}, nil, err
	}
	if amount.Cmp(balance.Available) > 0 {
		return store.Session{}, nil, types.NewError(types.ErrInsufficientBalance,
			"requested %s, available %s", amount, balance.Available)
	}
	return sess, amount, nil
}

// Debit settles an escrow-usage payload. If the session is inside the tier-3
// window with a pending balance, the pending amount is captured on-chain
// before the new debit is accepted.
func (e *Engine) Debit(ctx context.Context, userID string, payload *types.EscrowUsagePayload, reqs types.PaymentRequirements) (*DebitOutcome, error) {
	sess, amount, err := e.CheckDebit(ctx, userID, payload, reqs)
	if err != nil {
		return nil, err
	}

	outcome := &DebitOutcome{
		SessionID:       sess.ID,
		AuthorizeTxHash: sess.AuthorizeTxHash,
		ExpiresAt:       sess.AuthorizationExpiry,
	}

	if sess.AuthorizationExpiry.Sub(e.now()) < e.cfg.Tier3Threshold {
		captureTx, err := e.inlineCapture(ctx, sess)
		if err != nil {
			return nil, err
		}
		outcome.CaptureTxHash = captureTx
	}

	debit, err := e.store.DebitSession(ctx, sess.ID, amount, payload.RequestID, "")
	if err != nil {
		return nil, err
	}
	outcome.Balance = debit.Balance
	outcome.Idempotent = debit.Idempotent
	return outcome, nil
}

// inlineCapture runs a tier-3 capture of the session's pending amount. A
// failure refuses the debit so the pending amount is not lost past expiry.
func (e *Engine) inlineCapture(ctx context.Context, sess store.Session) (string, error) {
	balance, err := e.store.SessionBalance(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	if balance.Pending.Sign() == 0 {
		return "", nil
	}

	network := e.cfg.Network(sess.NetworkID)
	if network == nil {
		return "", types.NewError(types.ErrInvalidNetwork, "network %s is not configured", sess.NetworkID)
	}
	info, err := PaymentInfoFromSession(sess)
	if err != nil {
		return "", err
	}

	tx := e.chain.Capture(ctx, *network, info, balance.Pending)
	if tx.Err != nil || !tx.Success {
		e.log.Warn("tier-3 inline capture failed",
			zap.String("sessionId", sess.ID),
			zap.String("pending", balance.Pending.String()),
			zap.Error(tx.Err))
		if recordErr := e.store.RecordFailedCapture(ctx, sess.ID, sess.NetworkID, balance.Pending, store.Tier3, tx.TxHash); recordErr != nil {
			e.log.Error("failed to record capture failure", zap.Error(recordErr))
		}
		return "", types.NewError(types.ErrTier3CaptureFailed, "inline capture failed: %v", tx.Err)
	}

	if _, err := e.store.SyncCapture(ctx, sess.ID, balance.Pending, tx.TxHash); err != nil {
		return "", err
	}
	e.log.Info("tier-3 inline capture",
		zap.String("sessionId", sess.ID),
		zap.String("amount", balance.Pending.String()),
		zap.String("txHash", tx.TxHash))
	return tx.TxHash, nil
}

// Reclaim runs the capture-then-void sub-protocol for one session on behalf
// of its payer. Past the authorization expiry no capture is attempted and
// the pending amount is forfeit.
func (e *Engine) Reclaim(ctx context.Context, payer, sessionID string) (*ReclaimResult, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Payer != types.NormalizeAddress(payer) {
		return nil, types.NewError(types.ErrUnauthorized, "session belongs to another payer")
	}
	if sess.Status != store.StatusActive {
		return nil, types.NewError(types.ErrSessionInactive, "session is %s", sess.Status)
	}

	network := e.cfg.Network(sess.NetworkID)
	if network == nil {
		return nil, types.NewError(types.ErrInvalidNetwork, "network %s is not configured", sess.NetworkID)
	}
	info, err := PaymentInfoFromSession(sess)
	if err != nil {
		return nil, err
	}
	balance, err := e.store.SessionBalance(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := &ReclaimResult{
		SessionID: sessionID,
		Captured:  new(big.Int),
		Expired:   !sess.AuthorizationExpiry.After(e.now()),
	}

	if !result.Expired && balance.Pending.Sign() > 0 {
		captureTx := e.chain.Capture(ctx, *network, info, balance.Pending)
		if captureTx.Err != nil || !captureTx.Success {
			if recordErr := e.store.RecordFailedCapture(ctx, sessionID, sess.NetworkID, balance.Pending, store.Tier3, captureTx.TxHash); recordErr != nil {
				e.log.Error("failed to record capture failure", zap.Error(recordErr))
			}
			return nil, types.NewError(types.ErrInternalError, "reclaim capture failed: %v", captureTx.Err)
		}
		result.CaptureTxHash = captureTx.TxHash
		result.Captured.Set(balance.Pending)
	}

	voidTx := e.chain.Void(ctx, *network, info)
	if voidTx.Err != nil || !voidTx.Success {
		return nil, types.NewError(types.ErrInternalError, "void failed: %v", voidTx.Err)
	}
	result.VoidTxHash = voidTx.TxHash

	if err := e.store.VoidSession(ctx, sessionID, result.CaptureTxHash, voidTx.TxHash); err != nil {
		return nil, err
	}

	e.log.Info("session reclaimed",
		zap.String("sessionId", sessionID),
		zap.String("captured", result.Captured.String()),
		zap.Bool("expired", result.Expired),
		zap.String("voidTxHash", voidTx.TxHash))
	return result, nil
}

// PaymentInfoFromSession reconstructs the escrow tuple from a stored session.
func PaymentInfoFromSession(sess store.Session) (types.PaymentInfo, error) {
	salt, ok := new(big.Int).SetString(sess.Salt, 10)
	if !ok {
		return types.PaymentInfo{}, types.NewError(types.ErrInternalError, "corrupt session salt: %q", sess.Salt)
	}
	return types.PaymentInfo{
		Operator:            sess.Operator,
		Payer:               sess.Payer,
		Receiver:            sess.Receiver,
		Token:               sess.Token,
		MaxAmount:           new(big.Int).Set(sess.Authorized),
		PreApprovalExpiry:   uint64(sess.PreApprovalExpiry.Unix()),
		AuthorizationExpiry: uint64(sess.AuthorizationExpiry.Unix()),
		RefundExpiry:        uint64(sess.RefundExpiry.Unix()),
		MinFeeBps:           sess.MinFeeBps,
		MaxFeeBps:           sess.MaxFeeBps,
		FeeReceiver:         sess.FeeReceiver,
		Salt:                salt,
	}, nil
}
