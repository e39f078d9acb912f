// Package capture runs the background capture pass that settles pending
// usage on-chain before sessions expire.
package capture

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/x402-foundation/escrow-facilitator/internal/chain"
	"github.com/x402-foundation/escrow-facilitator/internal/config"
	"github.com/x402-foundation/escrow-facilitator/internal/session"
	"github.com/x402-foundation/escrow-facilitator/internal/store"
	"github.com/x402-foundation/escrow-facilitator/types"
)

// Chain is the slice of the chain adapter the scheduler uses.
type Chain interface {
	Capture(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo, amount *big.Int) chain.TxResult
	CaptureCallData(info types.PaymentInfo, amount *big.Int) ([]byte, error)
	SendMulticall(ctx context.Context, network config.NetworkConfig, calls []chain.Call) chain.MulticallResult
}

// Scheduler selects capture candidates and settles their pending balances.
// It is stateless; every run reads candidates fresh from the store, so a
// crashed run leaves nothing to recover.
type Scheduler struct {
	store store.Store
	chain Chain
	cfg   *config.Config
	log   *zap.Logger
	now   func() time.Time
}

// NewScheduler wires a capture scheduler.
func NewScheduler(st store.Store, ch Chain, cfg *config.Config, log *zap.Logger) *Scheduler {
	return &Scheduler{store: st, chain: ch, cfg: cfg, log: log, now: time.Now}
}

// candidate pairs a capture candidate with the tier that selected it.
type candidate struct {
	store.CaptureCandidate
	tier int
}

// Report summarizes one capture run.
type Report struct {
	Candidates int
	Captured   int
	Failed     int
	// TxHashes maps network id to the transaction hashes submitted there.
	TxHashes map[string][]string
}

// Run executes one capture pass: tier-1 candidates (pending over the
// threshold) and tier-2 candidates (expiring soon with any pending), grouped
// by network. A failing session or network never blocks the rest of the
// batch.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	tier1, err := s.store.SessionsNeedingCaptureTier1(ctx, s.cfg.CaptureThreshold, s.cfg.CaptureBatchSize)
	if err != nil {
		return nil, err
	}
	tier2, err := s.store.SessionsNeedingCaptureTier2(ctx, s.now().Add(s.cfg.Tier2Window), s.cfg.CaptureBatchSize)
	if err != nil {
		return nil, err
	}

	byNetwork := make(map[string][]candidate)
	seen := make(map[string]bool, len(tier1)+len(tier2))
	for _, c := range tier1 {
		seen[c.Session.ID] = true
		byNetwork[c.Session.NetworkID] = append(byNetwork[c.Session.NetworkID], candidate{c, store.Tier1})
	}
	for _, c := range tier2 {
		if seen[c.Session.ID] {
			continue
		}
		byNetwork[c.Session.NetworkID] = append(byNetwork[c.Session.NetworkID], candidate{c, store.Tier2})
	}

	report := &Report{TxHashes: make(map[string][]string)}
	for _, group := range byNetwork {
		report.Candidates += len(group)
	}
	if report.Candidates == 0 {
		return report, nil
	}

	for networkID, group := range byNetwork {
		network := s.cfg.Network(networkID)
		if network == nil || !network.IsActive {
			s.log.Warn("skipping capture group on unavailable network",
				zap.String("network", networkID),
				zap.Int("sessions", len(group)))
			report.Failed += len(group)
			continue
		}
		if network.MulticallAddress != "" && len(group) > 1 {
			s.captureBatched(ctx, *network, group, report)
		} else {
			s.captureSequential(ctx, *network, group, report)
		}
	}

	s.log.Info("capture run finished",
		zap.Int("candidates", report.Candidates),
		zap.Int("captured", report.Captured),
		zap.Int("failed", report.Failed))
	return report, nil
}

// captureBatched submits one Multicall3 aggregate3 transaction for the whole
// group. Each inner capture allows failure so one bad session cannot revert
// its neighbours.
func (s *Scheduler) captureBatched(ctx context.Context, network config.NetworkConfig, group []candidate, report *Report) {
	calls := make([]chain.Call, 0, len(group))
	packed := make([]candidate, 0, len(group))
	for _, c := range group {
		info, err := session.PaymentInfoFromSession(c.Session)
		if err != nil {
			s.recordFailure(ctx, c, network.ID, "")
			report.Failed++
			continue
		}
		calldata, err := s.chain.CaptureCallData(info, c.Pending)
		if err != nil {
			s.recordFailure(ctx, c, network.ID, "")
			report.Failed++
			continue
		}
		calls = append(calls, chain.Call{
			Target:       common.HexToAddress(network.EscrowAddress),
			AllowFailure: true,
			CallData:     calldata,
		})
		packed = append(packed, c)
	}
	if len(calls) == 0 {
		return
	}

	result := s.chain.SendMulticall(ctx, network, calls)
	if result.Err != nil || !result.Success {
		s.log.Warn("capture multicall failed",
			zap.String("network", network.ID),
			zap.Int("sessions", len(packed)),
			zap.Error(result.Err))
		for _, c := range packed {
			s.recordFailure(ctx, c, network.ID, result.TxHash)
			report.Failed++
		}
		return
	}
	report.TxHashes[network.ID] = append(report.TxHashes[network.ID], result.TxHash)

	for i, c := range packed {
		if i < len(result.PerCall) && !result.PerCall[i].Success {
			s.recordFailure(ctx, c, network.ID, result.TxHash)
			report.Failed++
			continue
		}
		settled, err := s.store.BatchCapture(ctx, c.Session.ID, result.TxHash, c.tier)
		if err != nil {
			s.log.Error("capture settle failed",
				zap.String("sessionId", c.Session.ID),
				zap.Error(err))
			report.Failed++
			continue
		}
		report.Captured++
		s.log.Info("session captured",
			zap.String("sessionId", c.Session.ID),
			zap.String("amount", settled.String()),
			zap.Int("tier", c.tier),
			zap.String("txHash", result.TxHash))
	}
}

// captureSequential submits one capture transaction per session.
func (s *Scheduler) captureSequential(ctx context.Context, network config.NetworkConfig, group []candidate, report *Report) {
	for _, c := range group {
		info, err := session.PaymentInfoFromSession(c.Session)
		if err != nil {
			s.recordFailure(ctx, c, network.ID, "")
			report.Failed++
			continue
		}
		tx := s.chain.Capture(ctx, network, info, c.Pending)
		if tx.Err != nil || !tx.Success {
			s.log.Warn("capture transaction failed",
				zap.String("sessionId", c.Session.ID),
				zap.String("pending", c.Pending.String()),
				zap.Error(tx.Err))
			s.recordFailure(ctx, c, network.ID, tx.TxHash)
			report.Failed++
			continue
		}
		report.TxHashes[network.ID] = append(report.TxHashes[network.ID], tx.TxHash)

		settled, err := s.store.BatchCapture(ctx, c.Session.ID, tx.TxHash, c.tier)
		if err != nil {
			s.log.Error("capture settle failed",
				zap.String("sessionId", c.Session.ID),
				zap.Error(err))
			report.Failed++
			continue
		}
		report.Captured++
		s.log.Info("session captured",
			zap.String("sessionId", c.Session.ID),
			zap.String("amount", settled.String()),
			zap.Int("tier", c.tier),
			zap.String("txHash", tx.TxHash))
	}
}

func (s *Scheduler) recordFailure(ctx context.Context, c candidate, networkID, txHash string) {
	if err := s.store.RecordFailedCapture(ctx, c.Session.ID, networkID, c.Pending, c.tier, txHash); err != nil {
		s.log.Error("failed to record capture failure",
			zap.String("sessionId", c.Session.ID),
			zap.Error(err))
	}
}

// RunEvery runs capture passes on a fixed interval until the context ends.
func (s *Scheduler) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.log.Error("capture run failed", zap.Error(err))
			}
		}
	}
}
