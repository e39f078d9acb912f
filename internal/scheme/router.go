// Package scheme discriminates payment payloads by scheme and orchestrates
// verify and settle across the signature verifier, session engine and chain.
package scheme

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
	"github.com/x402-foundation/escrow-facilitator/internal/session"
	"github.com/x402-foundation/escrow-facilitator/types"
)

// Chain is the slice of the chain adapter the exact scheme uses.
type Chain interface {
	IsAuthorizationNonceUsed(ctx context.Context, network config.NetworkConfig, token, authorizer common.Address, nonce [32]byte) (bool, error)
	TokenBalanceOf(ctx context.Context, network config.NetworkConfig, token, account common.Address) (*big.Int, error)
	TransferWithAuthorization(ctx context.Context, network config.NetworkConfig, auth types.EIP3009Authorization, signature []byte) chain.TxResult
}

// Router dispatches verify and settle requests by payment scheme.
type Router struct {
	engine *session.Engine
	chain  Chain
	cfg    *config.Config
	log    *zap.Logger
	now    func() time.Time
}

// NewRouter wires a scheme router.
func NewRouter(engine *session.Engine, ch Chain, cfg *config.Config, log *zap.Logger) *Router {
	return &Router{engine: engine, chain: ch, cfg: cfg, log: log, now: time.Now}
}

// resolveScheme picks the effective scheme, routing the deprecated session
// alias as escrow usage.
func (r *Router) resolveScheme(payload types.PaymentPayload, reqs types.PaymentRequirements) string {
	scheme := payload.Accepted.Scheme
	if scheme == "" {
		scheme = reqs.Scheme
	}
	if scheme == types.SchemeSessionLegacy {
		r.log.Warn("deprecated scheme alias used, routing as escrow usage",
			zap.String("scheme", scheme))
		return types.SchemeEscrow
	}
	return scheme
}

// Verify runs every precondition of the payload's scheme without writing
// state or sending transactions. Business failures become isValid:false;
// shape and infrastructure failures are returned as errors.
func (r *Router) Verify(ctx context.Context, userID string, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	payer, err := r.verify(ctx, userID, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		code := types.CodeOf(err)
		if !isProtocolFailure(code) {
			return nil, err
		}
		return &types.VerifyResponse{IsValid: false, InvalidReason: code}, nil
	}
	return &types.VerifyResponse{IsValid: true, Payer: payer}, nil
}

func (r *Router) verify(ctx context.Context, userID string, payload types.PaymentPayload, reqs types.PaymentRequirements) (string, error) {
	switch r.resolveScheme(payload, reqs) {
	case types.SchemeExact:
		if err := validateShape(exactLoader, payload.Payload); err != nil {
			return "", err
		}
		parsed, err := types.ExactPayloadFromMap(payload.Payload)
		if err != nil {
			return "", types.NewError(types.ErrInvalidPayload, "%v", err)
		}
		return r.verifyExact(ctx, parsed, reqs)

	case types.SchemeEscrow:
		switch {
		case types.IsEscrowCreation(payload.Payload):
			if err := validateShape(escrowCreationLoader, payload.Payload); err != nil {
				return "", err
			}
			parsed, err := types.EscrowCreationFromMap(payload.Payload)
			if err != nil {
				return "", types.NewError(types.ErrInvalidPayload, "%v", err)
			}
			plan, err := r.engine.PlanCreation(ctx, parsed, reqs)
			if err != nil {
				return "", err
			}
			return plan.Payer, nil

		case types.IsEscrowUsage(payload.Payload):
			if err := validateShape(escrowUsageLoader, payload.Payload); err != nil {
				return "", err
			}
			parsed, err := types.EscrowUsageFromMap(payload.Payload)
			if err != nil {
				return "", types.NewError(types.ErrInvalidPayload, "%v", err)
			}
			sess, _, err := r.engine.CheckDebit(ctx, userID, parsed, reqs)
			if err != nil {
				return "", err
			}
			return sess.Payer, nil

		default:
			return "", types.NewError(types.ErrInvalidPayload, "escrow payload is neither creation nor usage shape")
		}

	default:
		return "", types.NewError(types.ErrUnsupportedScheme, "unsupported scheme: %q", payload.Accepted.Scheme)
	}
}

// Settle executes the payload's scheme authoritatively. Business failures
// become success:false responses; shape and infrastructure failures are
// returned as errors.
func (r *Router) Settle(ctx context.Context, userID string, req *types.SettleRequest) (*types.SettleResponse, error) {
	resp, err := r.settle(ctx, userID, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		code := types.CodeOf(err)
		if !isProtocolFailure(code) {
			return nil, err
		}
		return &types.SettleResponse{
			Success:     false,
			ErrorReason: code,
			Network:     req.PaymentRequirements.Network,
		}, nil
	}
	return resp, nil
}

func (r *Router) settle(ctx context.Context, userID string, payload types.PaymentPayload, reqs types.PaymentRequirements) (*types.SettleResponse, error) {
	switch r.resolveScheme(payload, reqs) {
	case types.SchemeExact:
		if err := validateShape(exactLoader, payload.Payload); err != nil {
			return nil, err
		}
		parsed, err := types.ExactPayloadFromMap(payload.Payload)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidPayload, "%v", err)
		}
		return r.settleExact(ctx, parsed, reqs)

	case types.SchemeEscrow:
		switch {
		case types.IsEscrowCreation(payload.Payload):
			if err := validateShape(escrowCreationLoader, payload.Payload); err != nil {
				return nil, err
			}
			parsed, err := types.EscrowCreationFromMap(payload.Payload)
			if err != nil {
				return nil, types.NewError(types.ErrInvalidPayload, "%v", err)
			}
			result, err := r.engine.Create(ctx, userID, parsed, reqs)
			if err != nil {
				return nil, err
			}
			return &types.SettleResponse{
				Success:     true,
				Payer:       parsed.Authorization.From,
				Transaction: result.AuthorizeTxHash,
				Network:     reqs.Network,
				Session: &types.SessionResult{
					ID:        result.SessionID,
					Token:     result.Token,
					Balance:   result.Balance.Wire(),
					ExpiresAt: result.ExpiresAt.Unix(),
				},
			}, nil

		case types.IsEscrowUsage(payload.Payload):
			if err := validateShape(escrowUsageLoader, payload.Payload); err != nil {
				return nil, err
			}
			parsed, err := types.EscrowUsageFromMap(payload.Payload)
			if err != nil {
				return nil, types.NewError(types.ErrInvalidPayload, "%v", err)
			}
			result, err := r.engine.Debit(ctx, userID, parsed, reqs)
			if err != nil {
				return nil, err
			}
			transaction := result.AuthorizeTxHash
			if result.CaptureTxHash != "" {
				transaction = result.CaptureTxHash
			}
			return &types.SettleResponse{
				Success:     true,
				Transaction: transaction,
				Network:     reqs.Network,
				Session: &types.SessionResult{
					ID:        result.SessionID,
					Balance:   result.Balance.Wire(),
					ExpiresAt: result.ExpiresAt.Unix(),
				},
			}, nil

		default:
			return nil, types.NewError(types.ErrInvalidPayload, "escrow payload is neither creation nor usage shape")
		}

	default:
		return nil, types.NewError(types.ErrUnsupportedScheme, "unsupported scheme: %q", payload.Accepted.Scheme)
	}
}

// verifyExact checks a one-shot ERC-3009 transfer without submitting it.
func (r *Router) verifyExact(ctx context.Context, payload *types.ExactPayload, reqs types.PaymentRequirements) (string, error) {
	network := r.cfg.Network(string(reqs.Network))
	if network == nil || !network.IsActive {
		return "", types.NewError(types.ErrInvalidNetwork, "network %s is not supported", reqs.Network)
	}

	auth := payload.Authorization
	payer := types.NormalizeAddress(auth.From)
	if types.NormalizeAddress(reqs.Asset) != types.NormalizeAddress(network.TokenAddress) {
		return "", types.NewError(types.ErrInvalidAsset,
			"asset %s is not the network token %s", reqs.Asset, network.TokenAddress)
	}
	if types.NormalizeAddress(auth.To) != types.NormalizeAddress(reqs.PayTo) {
		return "", types.NewError(types.ErrInvalidRecipient,
			"authorization.to %s does not match payTo %s", auth.To, reqs.PayTo)
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() <= 0 {
		return "", types.NewError(types.ErrInvalidPayload, "invalid authorization value: %q", auth.Value)
	}
	required, ok := new(big.Int).SetString(reqs.Amount, 10)
	if !ok {
		return "", types.NewError(types.ErrInvalidPayload, "invalid requirement amount: %q", reqs.Amount)
	}
	if value.Cmp(required) < 0 {
		return "", types.NewError(types.ErrInsufficientAmount,
			"authorized %s below required %s", value, required)
	}

	now := big.NewInt(r.now().Unix())
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return "", types.NewError(types.ErrInvalidPayload, "invalid validAfter: %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return "", types.NewError(types.ErrInvalidPayload, "invalid validBefore: %q", auth.ValidBefore)
	}
	if validAfter.Cmp(now) > 0 {
		return "", types.NewError(types.ErrAuthorizationNotYetValid, "validAfter %s is in the future", auth.ValidAfter)
	}
	if validBefore.Cmp(now) <= 0 {
		return "", types.NewError(types.ErrAuthorizationExpired, "validBefore %s has passed", auth.ValidBefore)
	}

	domain := eip3009.Domain{
		Name:              network.TokenName,
		Version:           network.TokenVersion,
		ChainID:           big.NewInt(network.ChainID),
		VerifyingContract: network.TokenAddress,
	}
	valid, err := eip3009.VerifyAuthorization(eip3009.TypeTransferWithAuthorization, auth, domain, payload.Signature)
	if err != nil {
		return "", types.NewError(types.ErrInvalidSignature, "signature verification failed: %v", err)
	}
	if !valid {
		return "", types.NewError(types.ErrInvalidSignature, "signature does not recover to payer")
	}

	nonce, err := chain.HexToBytes32(auth.Nonce)
	if err != nil {
		return "", types.NewError(types.ErrInvalidPayload, "invalid nonce: %v", err)
	}
	used, err := r.chain.IsAuthorizationNonceUsed(ctx, *network, common.HexToAddress(network.TokenAddress), common.HexToAddress(payer), nonce)
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "nonce check failed: %v", err)
	}
	if used {
		return "", types.NewError(types.ErrNonceAlreadyUsed, "authorization nonce already consumed")
	}

	balance, err := r.chain.TokenBalanceOf(ctx, *network, common.HexToAddress(network.TokenAddress), common.HexToAddress(payer))
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "balance check failed: %v", err)
	}
	if balance.Cmp(value) < 0 {
		return "", types.NewError(types.ErrInsufficientFunds,
			"payer balance %s below transfer value %s", balance, value)
	}
	return payer, nil
}

// settleExact verifies and then submits the transfer on the token contract.
func (r *Router) settleExact(ctx context.Context, payload *types.ExactPayload, reqs types.PaymentRequirements) (*types.SettleResponse, error) {
	payer, err := r.verifyExact(ctx, payload, reqs)
	if err != nil {
		return nil, err
	}

	signature, err := hex.DecodeString(strings.TrimPrefix(payload.Signature, "0x"))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidSignature, "signature is not hex: %v", err)
	}
	network := r.cfg.Network(string(reqs.Network))

	tx := r.chain.TransferWithAuthorization(ctx, *network, payload.Authorization, signature)
	if tx.Err != nil || !tx.Success {
		r.log.Warn("exact transfer failed",
			zap.String("payer", payer),
			zap.String("txHash", tx.TxHash),
			zap.Error(tx.Err))
		return nil, types.NewError(types.ErrTransferFailed, "transfer transaction failed: %v", tx.Err)
	}

	r.log.Info("exact transfer settled",
		zap.String("payer", payer),
		zap.String("value", payload.Authorization.Value),
		zap.String("txHash", tx.TxHash))
	return &types.SettleResponse{
		Success:     true,
		Payer:       payer,
		Transaction: tx.TxHash,
		Network:     reqs.Network,
	}, nil
}

// isProtocolFailure reports whether an error code belongs in the 200-level
// isValid:false / success:false envelope rather than an HTTP error.
func isProtocolFailure(code string) bool {
	switch code {
	case types.ErrUnauthorized, types.ErrRateLimited,
		types.ErrInvalidRequest, types.ErrInvalidPayload, types.ErrUnsupportedScheme,
		types.ErrDBError, types.ErrRequestTimeout, types.ErrInternalError:
		return false
	}
	return true
}
