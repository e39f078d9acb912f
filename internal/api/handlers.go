package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/x402-foundation/escrow-facilitator/internal/store"
	"github.com/x402-foundation/escrow-facilitator/types"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSupported lists the scheme/network pairs this facilitator settles
// and the operator address signing on each network.
func (s *Server) handleSupported(c *gin.Context) {
	resp := types.SupportedResponse{Signers: make(map[string][]string)}
	for _, n := range s.cfg.Networks {
		if !n.IsActive {
			continue
		}
		for _, schemeName := range []string{types.SchemeExact, types.SchemeEscrow} {
			resp.Kinds = append(resp.Kinds, types.SupportedKind{
				X402Version: 2,
				Scheme:      schemeName,
				Network:     types.Network(n.ID),
			})
		}
		resp.Signers[n.ID] = []string{s.operator}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleVerify(c *gin.Context) {
	var req types.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, types.NewError(types.ErrInvalidRequest, "malformed request body: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.VerifyTimeout)
	defer cancel()

	resp, err := s.router.Verify(ctx, c.GetString(ctxUserID), &req)
	if err != nil {
		s.writeError(c, timeoutAware(ctx, err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	var req types.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, types.NewError(types.ErrInvalidRequest, "malformed request body: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.SettleTimeout)
	defer cancel()

	resp, err := s.router.Settle(ctx, c.GetString(ctxUserID), &req)
	if err != nil {
		s.writeError(c, timeoutAware(ctx, err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleCapture triggers one capture pass. Deployments call it from an
// external cron.
func (s *Server) handleCapture(c *gin.Context) {
	report, err := s.scheduler.Run(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"candidates": report.Candidates,
		"captured":   report.Captured,
		"failed":     report.Failed,
		"txHashes":   report.TxHashes,
	})
}

// sessionView is the payer-facing session representation.
type sessionView struct {
	ID                  string               `json:"id"`
	Network             string               `json:"network"`
	Receiver            string               `json:"receiver"`
	Token               string               `json:"token"`
	Status              string               `json:"status"`
	Balance             types.SessionBalance `json:"balance"`
	AuthorizationExpiry int64                `json:"authorizationExpiry"`
	RefundExpiry        int64                `json:"refundExpiry"`
	CreatedAt           int64                `json:"createdAt"`
}

func toSessionView(swb store.SessionWithBalance) sessionView {
	balance := swb.Balance.Wire()
	status := swb.Session.Status
	// expiry transitions are lazy in the store; readers see them immediately
	if status == store.StatusActive && !swb.Session.AuthorizationExpiry.After(time.Now()) {
		status = store.StatusExpired
	}
	// funds in closed sessions are no longer spendable
	if status != store.StatusActive {
		balance.Available = "0"
	}
	return sessionView{
		ID:                  swb.Session.ID,
		Network:             swb.Session.NetworkID,
		Receiver:            swb.Session.Receiver,
		Token:               swb.Session.Token,
		Status:              status,
		Balance:             balance,
		AuthorizationExpiry: swb.Session.AuthorizationExpiry.Unix(),
		RefundExpiry:        swb.Session.RefundExpiry.Unix(),
		CreatedAt:           swb.Session.CreatedAt.Unix(),
	}
}

func paging(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) handleListSessions(c *gin.Context) {
	limit, offset := paging(c)
	sessions, err := s.store.ListSessionsByPayer(c.Request.Context(), c.GetString(ctxWallet), c.Query("status"), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, swb := range sessions {
		views = append(views, toSessionView(swb))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) handleGetSession(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := s.store.GetSession(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if sess.Payer != c.GetString(ctxWallet) {
		s.writeError(c, types.NewError(types.ErrSessionNotFound, "session not found"))
		return
	}

	balance, err := s.store.SessionBalance(ctx, sess.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	usage, err := s.store.ListUsageLogs(ctx, sess.ID, 50)
	if err != nil {
		s.writeError(c, err)
		return
	}
	captures, err := s.store.ListCaptureLogs(ctx, sess.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	type usageView struct {
		RequestID string `json:"requestId"`
		Amount    string `json:"amount"`
		Status    string `json:"status"`
		CreatedAt int64  `json:"createdAt"`
	}
	type captureView struct {
		Amount    string `json:"amount"`
		TxHash    string `json:"txHash,omitempty"`
		Tier      int    `json:"tier"`
		Status    string `json:"status"`
		CreatedAt int64  `json:"createdAt"`
	}
	usageViews := make([]usageView, 0, len(usage))
	for _, l := range usage {
		usageViews = append(usageViews, usageView{
			RequestID: l.RequestID,
			Amount:    l.Amount.String(),
			Status:    l.Status,
			CreatedAt: l.CreatedAt.Unix(),
		})
	}
	captureViews := make([]captureView, 0, len(captures))
	for _, l := range captures {
		captureViews = append(captureViews, captureView{
			Amount:    l.Amount.String(),
			TxHash:    l.TxHash,
			Tier:      l.Tier,
			Status:    l.Status,
			CreatedAt: l.CreatedAt.Unix(),
		})
	}

	view := toSessionView(store.SessionWithBalance{Session: sess, Balance: balance})
	c.JSON(http.StatusOK, gin.H{
		"session":  view,
		"usage":    usageViews,
		"captures": captureViews,
	})
}

func (s *Server) handleReclaim(c *gin.Context) {
	result, err := s.reclaimer.Reclaim(c.Request.Context(), c.GetString(ctxWallet), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":     result.SessionID,
		"captured":      result.Captured.String(),
		"captureTxHash": result.CaptureTxHash,
		"voidTxHash":    result.VoidTxHash,
		"expired":       result.Expired,
	})
}

func (s *Server) handleReclaimAll(c *gin.Context) {
	result, err := s.reclaimer.ReclaimAll(c.Request.Context(), c.GetString(ctxWallet))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.GetPayerStats(c.Request.Context(), c.GetString(ctxWallet))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"totalSessions":   stats.TotalSessions,
		"activeSessions":  stats.ActiveSessions,
		"totalAuthorized": stats.TotalAuthorized.String(),
		"totalCaptured":   stats.TotalCaptured.String(),
		"totalPending":    stats.TotalPending.String(),
	})
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"userId": c.GetString(ctxUserID),
		"wallet": c.GetString(ctxWallet),
	})
}

func (s *Server) handleListKeys(c *gin.Context) {
	keys, err := s.store.ListAPIKeys(c.Request.Context(), c.GetString(ctxUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	type keyView struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Status     string `json:"status"`
		CreatedAt  int64  `json:"createdAt"`
		LastUsedAt *int64 `json:"lastUsedAt,omitempty"`
	}
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		v := keyView{ID: k.ID, Name: k.Name, Status: k.Status, CreatedAt: k.CreatedAt.Unix()}
		if k.LastUsedAt != nil {
			ts := k.LastUsedAt.Unix()
			v.LastUsedAt = &ts
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"keys": views})
}

// handleCreateKey mints an API key. The secret is returned exactly once;
// only its hash is stored.
func (s *Server) handleCreateKey(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		s.writeError(c, types.NewError(types.ErrInvalidRequest, "name is required"))
		return
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		s.writeError(c, types.NewError(types.ErrInternalError, "%v", err))
		return
	}
	secret := apiKeyPrefix + hex.EncodeToString(raw)

	key, err := s.store.CreateAPIKey(c.Request.Context(), c.GetString(ctxUserID), body.Name, HashAPIKey(secret))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":     key.ID,
		"name":   key.Name,
		"secret": secret,
	})
}

func (s *Server) handleRevokeKey(c *gin.Context) {
	if err := s.store.RevokeAPIKey(c.Request.Context(), c.GetString(ctxUserID), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDashboardSessions(c *gin.Context) {
	limit, offset := paging(c)
	sessions, err := s.store.ListSessionsByUser(c.Request.Context(), c.GetString(ctxUserID), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, swb := range sessions {
		views = append(views, toSessionView(swb))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// timeoutAware converts a deadline overrun into the timeout error code.
func timeoutAware(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewError(types.ErrRequestTimeout, "request deadline exceeded")
	}
	return err
}
