// Package reclaim returns unspent escrow deposits to payers, one session at
// a time or across every active session a payer holds.
package reclaim

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/x402-foundation/escrow-facilitator/internal/chain"
	"github.com/x402-foundation/escrow-facilitator/internal/config"
	"github.com/x402-foundation/escrow-facilitator/internal/session"
	"github.com/x402-foundation/escrow-facilitator/internal/store"
	"github.com/x402-foundation/escrow-facilitator/types"
)

// Chain is the slice of the chain adapter batch reclaims use.
type Chain interface {
	CaptureCallData(info types.PaymentInfo, amount *big.Int) ([]byte, error)
	VoidCallData(info types.PaymentInfo) ([]byte, error)
	SendMulticall(ctx context.Context, network config.NetworkConfig, calls []chain.Call) chain.MulticallResult
}

// Reclaimer runs the capture-then-void sub-protocol on behalf of payers.
type Reclaimer struct {
	engine *session.Engine
	store  store.Store
	chain  Chain
	cfg    *config.Config
	log    *zap.Logger
	now    func() time.Time
}

// NewReclaimer wires a reclaimer.
func NewReclaimer(engine *session.Engine, st store.Store, ch Chain, cfg *config.Config, log *zap.Logger) *Reclaimer {
	return &Reclaimer{engine: engine, store: st, chain: ch, cfg: cfg, log: log, now: time.Now}
}

// Reclaim voids one session, capturing its pending balance first when the
// authorization window is still open.
func (r *Reclaimer) Reclaim(ctx context.Context, payer, sessionID string) (*session.ReclaimResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReclaimTimeout)
	defer cancel()
	return r.engine.Reclaim(ctx, payer, sessionID)
}

// NetworkResult is the outcome of a batch reclaim on one network.
type NetworkResult struct {
	TxHash    string   `json:"txHash,omitempty"`
	Sessions  []string `json:"sessions"`
	Reclaimed string   `json:"reclaimed"`
	Error     string   `json:"error,omitempty"`
}

// BatchResult is the outcome of reclaiming every active session of a payer.
type BatchResult struct {
	TotalReclaimed string                    `json:"totalReclaimed"`
	Networks       map[string]*NetworkResult `json:"networks"`
}

// ReclaimAll voids every active session the payer holds, grouped into one
// Multicall3 transaction per network. A reverted network is skipped and
// reported; the other networks still settle.
func (r *Reclaimer) ReclaimAll(ctx context.Context, payer string) (*BatchResult, error) {
	candidates, err := r.store.ActiveSessionsByPayer(ctx, payer)
	if err != nil {
		return nil, err
	}

	byNetwork := make(map[string][]store.CaptureCandidate)
	for _, c := range candidates {
		byNetwork[c.Session.NetworkID] = append(byNetwork[c.Session.NetworkID], c)
	}

	result := &BatchResult{Networks: make(map[string]*NetworkResult)}
	total := new(big.Int)

	// deterministic network order so logs and responses are stable
	networkIDs := make([]string, 0, len(byNetwork))
	for id := range byNetwork {
		networkIDs = append(networkIDs, id)
	}
	sort.Strings(networkIDs)

	for _, networkID := range networkIDs {
		group := byNetwork[networkID]
		netResult := r.reclaimNetwork(ctx, payer, networkID, group)
		result.Networks[networkID] = netResult
		if netResult.Error == "" {
			reclaimed, ok := new(big.Int).SetString(netResult.Reclaimed, 10)
			if ok {
				total.Add(total, reclaimed)
			}
		}
	}

	result.TotalReclaimed = total.String()
	r.log.Info("batch reclaim finished",
		zap.String("payer", types.NormalizeAddress(payer)),
		zap.Int("sessions", len(candidates)),
		zap.String("totalReclaimed", result.TotalReclaimed))
	return result, nil
}

// reclaimNetwork voids one payer's sessions on a single network. With a
// Multicall3 deployment the captures and voids ride one transaction; the
// batch reverts or confirms as a whole.
func (r *Reclaimer) reclaimNetwork(parent context.Context, payer, networkID string, group []store.CaptureCandidate) *NetworkResult {
	netResult := &NetworkResult{Reclaimed: "0"}
	for _, c := range group {
		netResult.Sessions = append(netResult.Sessions, c.Session.ID)
	}

	network := r.cfg.Network(networkID)
	if network == nil || !network.IsActive {
		netResult.Error = "network is not available"
		return netResult
	}

	ctx, cancel := context.WithTimeout(parent, r.cfg.BatchReclaimTimeout)
	defer cancel()

	if network.MulticallAddress == "" || len(group) == 1 {
		return r.reclaimSequential(ctx, payer, group, netResult)
	}

	now := r.now()
	reclaimed := new(big.Int)
	var calls []chain.Call
	captureHashBySession := make(map[string]string, len(group))
	for _, c := range group {
		info, err := session.PaymentInfoFromSession(c.Session)
		if err != nil {
			netResult.Error = err.Error()
			return netResult
		}
		balance, err := r.store.SessionBalance(ctx, c.Session.ID)
		if err != nil {
			netResult.Error = err.Error()
			return netResult
		}

		expired := !c.Session.AuthorizationExpiry.After(now)
		if !expired && balance.Pending.Sign() > 0 {
			calldata, err := r.chain.CaptureCallData(info, balance.Pending)
			if err != nil {
				netResult.Error = err.Error()
				return netResult
			}
			calls = append(calls, chain.Call{
				Target:   common.HexToAddress(network.EscrowAddress),
				CallData: calldata,
			})
			captureHashBySession[c.Session.ID] = "" // filled with the batch hash below
		}
		voidData, err := r.chain.VoidCallData(info)
		if err != nil {
			netResult.Error = err.Error()
			return netResult
		}
		calls = append(calls, chain.Call{
			Target:   common.HexToAddress(network.EscrowAddress),
			CallData: voidData,
		})
		reclaimed.Add(reclaimed, balance.Available)
	}

	tx := r.chain.SendMulticall(ctx, *network, calls)
	if tx.Err != nil || !tx.Success {
		r.log.Warn("batch reclaim multicall failed",
			zap.String("network", networkID),
			zap.Int("sessions", len(group)),
			zap.Error(tx.Err))
		netResult.Error = "reclaim transaction failed"
		return netResult
	}

	for _, c := range group {
		captureTxHash := ""
		if _, ok := captureHashBySession[c.Session.ID]; ok {
			captureTxHash = tx.TxHash
		}
		if err := r.store.VoidSession(ctx, c.Session.ID, captureTxHash, tx.TxHash); err != nil {
			r.log.Error("failed to record void",
				zap.String("sessionId", c.Session.ID),
				zap.Error(err))
		}
	}

	netResult.TxHash = tx.TxHash
	netResult.Reclaimed = reclaimed.String()
	return netResult
}

// reclaimSequential falls back to one reclaim per session.
func (r *Reclaimer) reclaimSequential(ctx context.Context, payer string, group []store.CaptureCandidate, netResult *NetworkResult) *NetworkResult {
	reclaimed := new(big.Int)
	for _, c := range group {
		balance, err := r.store.SessionBalance(ctx, c.Session.ID)
		if err != nil {
			netResult.Error = err.Error()
			return netResult
		}
		res, err := r.engine.Reclaim(ctx, payer, c.Session.ID)
		if err != nil {
			netResult.Error = err.Error()
			return netResult
		}
		netResult.TxHash = res.VoidTxHash
		reclaimed.Add(reclaimed, balance.Available)
	}
	netResult.Reclaimed = reclaimed.String()
	return netResult
}
