package store

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/x402-foundation/escrow-facilitator/types"
)

// MemoryStore is an in-process Store used by tests and local development.
// A single mutex stands in for the database's row locks.
type MemoryStore struct {
	mu sync.Mutex

	// Now is swappable so tests can move time past expiries.
	Now func() time.Time

	networks    map[string]Network
	users       map[string]User
	usersByAddr map[string]string
	apiKeys     map[string]APIKey
	sessions    map[string]Session
	usageLogs   map[string][]UsageLog
	captureLogs map[string][]CaptureLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:         time.Now,
		networks:    make(map[string]Network),
		users:       make(map[string]User),
		usersByAddr: make(map[string]string),
		apiKeys:     make(map[string]APIKey),
		sessions:    make(map[string]Session),
		usageLogs:   make(map[string][]UsageLog),
		captureLogs: make(map[string][]CaptureLog),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertNetwork(ctx context.Context, network Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[network.ID] = network
	return nil
}

func (s *MemoryStore) GetOrCreateUserByWallet(ctx context.Context, wallet string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wallet = types.NormalizeAddress(wallet)
	if id, ok := s.usersByAddr[wallet]; ok {
		return s.users[id], nil
	}
	u := User{ID: uuid.New().String(), Wallet: wallet, CreatedAt: s.Now()}
	s.users[u.ID] = u
	s.usersByAddr[wallet] = u.ID
	return u, nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, types.NewError(types.ErrUnauthorized, "user not found")
	}
	return u, nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, userID, name, secretHash string) (APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := APIKey{
		ID:         uuid.New().String(),
		UserID:     userID,
		Name:       name,
		SecretHash: secretHash,
		Status:     "active",
		CreatedAt:  s.Now(),
	}
	s.apiKeys[key.ID] = key
	return key, nil
}

func (s *MemoryStore) GetAPIKeyBySecretHash(ctx context.Context, secretHash string) (APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.apiKeys {
		if key.SecretHash == secretHash && key.Status == "active" {
			return key, nil
		}
	}
	return APIKey{}, types.NewError(types.ErrUnauthorized, "invalid api key")
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []APIKey
	for _, key := range s.apiKeys {
		if key.UserID == userID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[keyID]
	if !ok || key.UserID != userID {
		return types.NewError(types.ErrUnauthorized, "api key not found")
	}
	key.Status = "revoked"
	s.apiKeys[keyID] = key
	return nil
}

func (s *MemoryStore) TouchAPIKey(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.apiKeys[keyID]; ok {
		now := s.Now()
		key.LastUsedAt = &now
		s.apiKeys[keyID] = key
	}
	return nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return types.NewError(types.ErrInvalidRequest, "session already exists")
	}
	session.Payer = types.NormalizeAddress(session.Payer)
	session.Receiver = types.NormalizeAddress(session.Receiver)
	session.Token = types.NormalizeAddress(session.Token)
	session.Operator = types.NormalizeAddress(session.Operator)
	session.FeeReceiver = types.NormalizeAddress(session.FeeReceiver)
	session.Status = StatusActive
	session.CreatedAt = s.Now()
	session.UpdatedAt = session.CreatedAt
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSessionLocked(id)
}

func (s *MemoryStore) getSessionLocked(id string) (Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, types.NewError(types.ErrSessionNotFound, "session not found")
	}
	return sess, nil
}

func (s *MemoryStore) SessionBalance(ctx context.Context, id string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.getSessionLocked(id)
	if err != nil {
		return Balance{}, err
	}
	return computeBalance(sess.Authorized, s.usageLogs[id]), nil
}

func (s *MemoryStore) DebitSession(ctx context.Context, sessionID string, amount *big.Int, requestID, description string) (DebitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSessionLocked(sessionID)
	if err != nil {
		return DebitResult{}, err
	}
	if sess.Status != StatusActive {
		return DebitResult{}, types.NewError(types.ErrSessionInactive, "session is %s", sess.Status)
	}
	if sess.AuthorizationExpiry.Before(s.Now()) {
		return DebitResult{}, types.NewError(types.ErrSessionExpired,
			"authorization expired at %s", sess.AuthorizationExpiry.Format(time.RFC3339))
	}

	logs := s.usageLogs[sessionID]
	for _, l := range logs {
		if l.RequestID == requestID {
			return DebitResult{Idempotent: true, Balance: computeBalance(sess.Authorized, logs)}, nil
		}
	}

	balance := computeBalance(sess.Authorized, logs)
	if amount.Cmp(balance.Available) > 0 {
		return DebitResult{}, types.NewError(types.ErrInsufficientBalance,
			"requested %s, available %s", amount.String(), balance.Available.String())
	}

	s.usageLogs[sessionID] = append(logs, UsageLog{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		RequestID:   requestID,
		Amount:      new(big.Int).Set(amount),
		Description: description,
		Status:      UsagePending,
		CreatedAt:   s.Now(),
	})
	return DebitResult{Balance: computeBalance(sess.Authorized, s.usageLogs[sessionID])}, nil
}

func (s *MemoryStore) BatchCapture(ctx context.Context, sessionID, txHash string, tier int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSessionLocked(sessionID)
	if err != nil {
		return nil, err
	}
	pending := zero()
	for _, l := range s.usageLogs[sessionID] {
		if l.Status == UsagePending {
			pending.Add(pending, l.Amount)
		}
	}
	if pending.Sign() == 0 {
		return pending, nil
	}
	captureLogID := s.appendCaptureLogLocked(sess, pending, txHash, tier, CaptureConfirmed)
	s.settlePendingLocked(sessionID, captureLogID, nil)
	return pending, nil
}

func (s *MemoryStore) SyncCapture(ctx context.Context, sessionID string, amount *big.Int, txHash string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSessionLocked(sessionID)
	if err != nil {
		return nil, err
	}

	logs := s.usageLogs[sessionID]
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].CreatedAt.Before(logs[j].CreatedAt) })

	settled := zero()
	remaining := new(big.Int).Set(amount)
	var toSettle []string
	for _, l := range logs {
		if l.Status != UsagePending {
			continue
		}
		if remaining.Sign() <= 0 || l.Amount.Cmp(remaining) > 0 {
			break
		}
		toSettle = append(toSettle, l.ID)
		settled.Add(settled, l.Amount)
		remaining.Sub(remaining, l.Amount)
	}
	if len(toSettle) == 0 {
		return settled, nil
	}

	captureLogID := s.appendCaptureLogLocked(sess, settled, txHash, Tier3, CaptureConfirmed)
	s.settlePendingLocked(sessionID, captureLogID, toSettle)
	return settled, nil
}

func (s *MemoryStore) VoidSession(ctx context.Context, sessionID, captureTxHash, voidTxHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSessionLocked(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == StatusVoided {
		return nil
	}
	if sess.Status == StatusCaptured {
		return types.NewError(types.ErrSessionInactive, "session is captured")
	}

	if captureTxHash != "" {
		pending := zero()
		for _, l := range s.usageLogs[sessionID] {
			if l.Status == UsagePending {
				pending.Add(pending, l.Amount)
			}
		}
		if pending.Sign() > 0 {
			captureLogID := s.appendCaptureLogLocked(sess, pending, captureTxHash, Tier3, CaptureConfirmed)
			s.settlePendingLocked(sessionID, captureLogID, nil)
		}
	}

	sess.Status = StatusVoided
	sess.VoidTxHash = voidTxHash
	sess.UpdatedAt = s.Now()
	s.sessions[sessionID] = sess
	return nil
}

func (s *MemoryStore) RecordFailedCapture(ctx context.Context, sessionID, networkID string, amount *big.Int, tier int, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureLogs[sessionID] = append(s.captureLogs[sessionID], CaptureLog{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		NetworkID: networkID,
		Amount:    new(big.Int).Set(amount),
		TxHash:    txHash,
		Tier:      tier,
		Status:    CaptureFailed,
		CreatedAt: s.Now(),
	})
	return nil
}

func (s *MemoryStore) SessionsNeedingCaptureTier1(ctx context.Context, threshold *big.Int, limit int) ([]CaptureCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []CaptureCandidate
	for id, sess := range s.sessions {
		if sess.Status != StatusActive {
			continue
		}
		pending := s.pendingLocked(id)
		if pending.Cmp(threshold) >= 0 {
			candidates = append(candidates, CaptureCandidate{Session: sess, Pending: pending})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Pending.Cmp(candidates[j].Pending) > 0
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *MemoryStore) SessionsNeedingCaptureTier2(ctx context.Context, expiryBefore time.Time, limit int) ([]CaptureCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []CaptureCandidate
	for id, sess := range s.sessions {
		if sess.Status != StatusActive || sess.AuthorizationExpiry.After(expiryBefore) {
			continue
		}
		pending := s.pendingLocked(id)
		if pending.Sign() > 0 {
			candidates = append(candidates, CaptureCandidate{Session: sess, Pending: pending})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Session.AuthorizationExpiry.Before(candidates[j].Session.AuthorizationExpiry)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *MemoryStore) ActiveSessionsByPayer(ctx context.Context, payer string) ([]CaptureCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payer = types.NormalizeAddress(payer)
	var candidates []CaptureCandidate
	for id, sess := range s.sessions {
		if sess.Status != StatusActive || sess.Payer != payer {
			continue
		}
		candidates = append(candidates, CaptureCandidate{Session: sess, Pending: s.pendingLocked(id)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Session.ID < candidates[j].Session.ID
	})
	return candidates, nil
}

func (s *MemoryStore) ListSessionsByPayer(ctx context.Context, payer, status string, limit, offset int) ([]SessionWithBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payer = types.NormalizeAddress(payer)
	return s.listLocked(func(sess Session) bool {
		return sess.Payer == payer && (status == "" || sess.Status == status)
	}, limit, offset), nil
}

func (s *MemoryStore) ListSessionsByUser(ctx context.Context, userID string, limit, offset int) ([]SessionWithBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(func(sess Session) bool { return sess.UserID == userID }, limit, offset), nil
}

func (s *MemoryStore) ListUsageLogs(ctx context.Context, sessionID string, limit int) ([]UsageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := append([]UsageLog(nil), s.usageLogs[sessionID]...)
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *MemoryStore) ListCaptureLogs(ctx context.Context, sessionID string) ([]CaptureLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := append([]CaptureLog(nil), s.captureLogs[sessionID]...)
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })
	return logs, nil
}

func (s *MemoryStore) GetPayerStats(ctx context.Context, payer string) (PayerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payer = types.NormalizeAddress(payer)
	stats := PayerStats{
		TotalAuthorized: zero(),
		TotalCaptured:   zero(),
		TotalPending:    zero(),
	}
	for id, sess := range s.sessions {
		if sess.Payer != payer {
			continue
		}
		stats.TotalSessions++
		if sess.Status == StatusActive {
			stats.ActiveSessions++
		}
		stats.TotalAuthorized.Add(stats.TotalAuthorized, sess.Authorized)
		for _, l := range s.usageLogs[id] {
			switch l.Status {
			case UsageSettled:
				stats.TotalCaptured.Add(stats.TotalCaptured, l.Amount)
			case UsagePending:
				stats.TotalPending.Add(stats.TotalPending, l.Amount)
			}
		}
	}
	return stats, nil
}

func (s *MemoryStore) pendingLocked(sessionID string) *big.Int {
	pending := zero()
	for _, l := range s.usageLogs[sessionID] {
		if l.Status == UsagePending {
			pending.Add(pending, l.Amount)
		}
	}
	return pending
}

// settlePendingLocked marks pending logs settled. When ids is nil every
// pending log settles; otherwise only the listed ids.
func (s *MemoryStore) settlePendingLocked(sessionID, captureLogID string, ids []string) {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	logs := s.usageLogs[sessionID]
	for i := range logs {
		if logs[i].Status != UsagePending {
			continue
		}
		if ids != nil && !idSet[logs[i].ID] {
			continue
		}
		logs[i].Status = UsageSettled
		logs[i].CaptureLogID = captureLogID
	}
	s.usageLogs[sessionID] = logs
}

func (s *MemoryStore) appendCaptureLogLocked(sess Session, amount *big.Int, txHash string, tier int, status string) string {
	log := CaptureLog{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		NetworkID: sess.NetworkID,
		Amount:    new(big.Int).Set(amount),
		TxHash:    txHash,
		Tier:      tier,
		Status:    status,
		CreatedAt: s.Now(),
	}
	s.captureLogs[sess.ID] = append(s.captureLogs[sess.ID], log)
	return log.ID
}

func (s *MemoryStore) listLocked(match func(Session) bool, limit, offset int) []SessionWithBalance {
	var sessions []Session
	for _, sess := range s.sessions {
		if match(sess) {
			sessions = append(sessions, sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return strings.Compare(sessions[i].ID, sessions[j].ID) < 0
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if offset >= len(sessions) {
		return nil
	}
	sessions = sessions[offset:]
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	out := make([]SessionWithBalance, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionWithBalance{
			Session: sess,
			Balance: computeBalance(sess.Authorized, s.usageLogs[sess.ID]),
		})
	}
	return out
}
