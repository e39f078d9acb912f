package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/x402-foundation/escrow-facilitator/internal/capture"
	"github.com/x402-foundation/escrow-facilitator/internal/chain"
	"github.com/x402-foundation/escrow-facilitator/internal/config"
	"github.com/x402-foundation/escrow-facilitator/internal/reclaim"
	"github.com/x402-foundation/escrow-facilitator/internal/scheme"
	"github.com/x402-foundation/escrow-facilitator/internal/session"
	"github.com/x402-foundation/escrow-facilitator/internal/store"
	"github.com/x402-foundation/escrow-facilitator/types"
)

const (
	testNetworkID = "eip155:84532"
	testToken     = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
	testPayer     = "0x9999999999999999999999999999999999999900"
	testOperator  = "0x4444444444444444444444444444444444444400"
	jwtSecret     = "test-jwt-secret"
	cronSecret    = "test-cron-secret"
)

// mockChain satisfies every chain-facing interface in the server's wiring.
type mockChain struct{}

func (mockChain) OperatorAddress() common.Address { return common.HexToAddress(testOperator) }

func (mockChain) GetPaymentInfoHash(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo) (string, error) {
	return "0xhash", nil
}

func (mockChain) TokenBalanceOf(ctx context.Context, network config.NetworkConfig, token, account common.Address) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (mockChain) IsAuthorizationNonceUsed(ctx context.Context, network config.NetworkConfig, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	return false, nil
}

func (mockChain) Authorize(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo, amount *big.Int, collectorData []byte) chain.TxResult {
	return chain.TxResult{Success: true, TxHash: "0xauthorize"}
}

func (mockChain) Capture(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo, amount *big.Int) chain.TxResult {
	return chain.TxResult{Success: true, TxHash: "0xcapture"}
}

func (mockChain) Void(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo) chain.TxResult {
	return chain.TxResult{Success: true, TxHash: "0xvoid"}
}

func (mockChain) TransferWithAuthorization(ctx context.Context, network config.NetworkConfig, auth types.EIP3009Authorization, signature []byte) chain.TxResult {
	return chain.TxResult{Success: true, TxHash: "0xtransfer"}
}

func (mockChain) CaptureCallData(info types.PaymentInfo, amount *big.Int) ([]byte, error) {
	return []byte("capture"), nil
}

func (mockChain) VoidCallData(info types.PaymentInfo) ([]byte, error) {
	return []byte("void"), nil
}

func (mockChain) SendMulticall(ctx context.Context, network config.NetworkConfig, calls []chain.Call) chain.MulticallResult {
	return chain.MulticallResult{Success: true, TxHash: "0xbatch"}
}

func testConfig() *config.Config {
	return &config.Config{
		Port:       "8402",
		JWTSecret:  jwtSecret,
		CronSecret: cronSecret,
		Networks: []config.NetworkConfig{{
			ID:             testNetworkID,
			ChainID:        84532,
			EscrowAddress:  "0x2222222222222222222222222222222222222200",
			TokenAddress:   testToken,
			TokenCollector: "0x1111111111111111111111111111111111111100",
			TokenName:      "USD Coin",
			TokenVersion:   "2",
			IsActive:       true,
		}},
		CaptureThreshold:    big.NewInt(1_000_000),
		CaptureBatchSize:    50,
		Tier3Threshold:      30 * time.Minute,
		Tier2Window:         2 * time.Hour,
		VerifyTimeout:       10 * time.Second,
		SettleTimeout:       30 * time.Second,
		ReclaimTimeout:      90 * time.Second,
		BatchReclaimTimeout: 180 * time.Second,
		MinDeposit:          big.NewInt(10000),
		MaxDeposit:          big.NewInt(1_000_000_000),
	}
}

type env struct {
	server *Server
	store  *store.MemoryStore
	apiKey string
	userID string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := testConfig()
	log := zap.NewNop()
	mock := mockChain{}

	engine := session.NewEngine(st, mock, cfg, log)
	router := scheme.NewRouter(engine, mock, cfg, log)
	scheduler := capture.NewScheduler(st, mock, cfg, log)
	reclaimer := reclaim.NewReclaimer(engine, st, mock, cfg, log)
	server := NewServer(st, router, scheduler, reclaimer, cfg, testOperator, log)

	user, err := st.GetOrCreateUserByWallet(context.Background(), testPayer)
	require.NoError(t, err)
	secret := apiKeyPrefix + "0000000000000000000000000000000000000000000000000000000000000001"
	_, err = st.CreateAPIKey(context.Background(), user.ID, "test", HashAPIKey(secret))
	require.NoError(t, err)

	return &env{server: server, store: st, apiKey: secret, userID: user.ID}
}

func (e *env) jwtFor(t *testing.T, wallet string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": wallet,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (e *env) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

// addSession seeds an active session with a known access token.
func (e *env) addSession(t *testing.T, id string, authorized, pending int64, token string) store.Session {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	sess := store.Session{
		ID:                  id,
		NetworkID:           testNetworkID,
		UserID:              e.userID,
		Payer:               testPayer,
		Receiver:            "0x3333333333333333333333333333333333333300",
		Token:               testToken,
		Authorized:          big.NewInt(authorized),
		PreApprovalExpiry:   now.Add(10 * time.Hour),
		AuthorizationExpiry: now.Add(10 * time.Hour),
		RefundExpiry:        now.Add(11 * time.Hour),
		Operator:            testOperator,
		Salt:                "7",
		FeeReceiver:         testOperator,
		AuthorizeTxHash:     "0xauthorize",
		TokenHash:           session.HashToken(token),
	}
	require.NoError(t, e.store.CreateSession(ctx, sess))
	if pending > 0 {
		_, err := e.store.DebitSession(ctx, sess.ID, big.NewInt(pending), "req-seed", "")
		require.NoError(t, err)
	}
	return sess
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSupported(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/supported", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.SupportedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Kinds, 2)
	assert.Equal(t, types.SchemeExact, resp.Kinds[0].Scheme)
	assert.Equal(t, types.SchemeEscrow, resp.Kinds[1].Scheme)
	assert.Equal(t, []string{testOperator}, resp.Signers[testNetworkID])
}

func TestVerifyRequiresAPIKey(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/verify", "", map[string]interface{}{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/verify", apiKeyPrefix+"wrong", map[string]interface{}{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec)["error"])
}

func TestVerifyUnsupportedScheme(t *testing.T) {
	e := newEnv(t)
	body := types.VerifyRequest{
		PaymentPayload: types.PaymentPayload{
			X402Version: 2,
			Payload:     map[string]interface{}{},
			Accepted:    types.PaymentRequirements{Scheme: "stream", Network: testNetworkID},
		},
		PaymentRequirements: types.PaymentRequirements{Scheme: "stream", Network: testNetworkID},
	}
	rec := e.do(t, http.MethodPost, "/verify", e.apiKey, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_scheme", decode(t, rec)["error"])
}

func TestSettleEscrowUsage(t *testing.T) {
	e := newEnv(t)
	token := "0xdeadbeef"
	e.addSession(t, "0xsession-1", 100_000, 0, token)

	reqs := types.PaymentRequirements{
		Scheme:  types.SchemeEscrow,
		Network: testNetworkID,
		Asset:   testToken,
		Amount:  "10000",
		PayTo:   "0x3333333333333333333333333333333333333300",
	}
	body := types.SettleRequest{
		PaymentPayload: types.PaymentPayload{
			X402Version: 2,
			Payload: map[string]interface{}{
				"session":   map[string]interface{}{"id": "0xsession-1", "token": token},
				"amount":    "10000",
				"requestId": "req-1",
			},
			Accepted: reqs,
		},
		PaymentRequirements: reqs,
	}

	rec := e.do(t, http.MethodPost, "/settle", e.apiKey, body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Session)
	assert.Equal(t, "90000", resp.Session.Balance.Available)
	assert.Equal(t, "10000", resp.Session.Balance.Pending)
}

func TestSettleBusinessFailureIs200(t *testing.T) {
	e := newEnv(t)
	e.addSession(t, "0xsession-1", 100_000, 0, "0xdeadbeef")

	reqs := types.PaymentRequirements{
		Scheme:  types.SchemeEscrow,
		Network: testNetworkID,
		Asset:   testToken,
		Amount:  "10000",
		PayTo:   "0x3333333333333333333333333333333333333300",
	}
	body := types.SettleRequest{
		PaymentPayload: types.PaymentPayload{
			X402Version: 2,
			Payload: map[string]interface{}{
				"session":   map[string]interface{}{"id": "0xsession-1", "token": "0xwrong"},
				"amount":    "10000",
				"requestId": "req-1",
			},
			Accepted: reqs,
		},
		PaymentRequirements: reqs,
	}

	rec := e.do(t, http.MethodPost, "/settle", e.apiKey, body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid_session_token", resp.ErrorReason)
}

func TestCaptureRequiresCronSecret(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/capture", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/capture", cronSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(0), body["candidates"])
}

func TestCaptureRunSettlesPending(t *testing.T) {
	e := newEnv(t)
	e.addSession(t, "0xsession-1", 10_000_000, 1_200_000, "0xdeadbeef")

	rec := e.do(t, http.MethodPost, "/capture", cronSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["captured"])

	balance, err := e.store.SessionBalance(context.Background(), "0xsession-1")
	require.NoError(t, err)
	assert.Equal(t, "0", balance.Pending.String())
}

func TestPayerSessionEndpoints(t *testing.T) {
	e := newEnv(t)
	e.addSession(t, "0xsession-1", 100_000, 25_000, "0xdeadbeef")
	token := e.jwtFor(t, testPayer)

	rec := e.do(t, http.MethodGet, "/payer/sessions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []sessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "75000", list.Sessions[0].Balance.Available)

	rec = e.do(t, http.MethodGet, "/payer/sessions/0xsession-1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode(t, rec)
	usage, ok := detail["usage"].([]interface{})
	require.True(t, ok)
	assert.Len(t, usage, 1)

	// other payers cannot see the session
	otherToken := e.jwtFor(t, "0x1234567890123456789012345678901234567890")
	rec = e.do(t, http.MethodGet, "/payer/sessions/0xsession-1", otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPayerReclaim(t *testing.T) {
	e := newEnv(t)
	e.addSession(t, "0xsession-1", 100_000, 25_000, "0xdeadbeef")
	token := e.jwtFor(t, testPayer)

	rec := e.do(t, http.MethodPost, "/payer/sessions/0xsession-1/reclaim", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "25000", body["captured"])
	assert.Equal(t, "0xvoid", body["voidTxHash"])

	stored, err := e.store.GetSession(context.Background(), "0xsession-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusVoided, stored.Status)

	// closed sessions report no spendable balance
	rec = e.do(t, http.MethodGet, "/payer/sessions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []sessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "0", list.Sessions[0].Balance.Available)
}

func TestPayerStats(t *testing.T) {
	e := newEnv(t)
	e.addSession(t, "0xsession-1", 100_000, 25_000, "0xdeadbeef")
	token := e.jwtFor(t, testPayer)

	rec := e.do(t, http.MethodGet, "/payer/stats", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["totalSessions"])
	assert.Equal(t, "100000", body["totalAuthorized"])
	assert.Equal(t, "25000", body["totalPending"])
}

func TestJWTRejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": testPayer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("some-other-secret"))
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/payer/sessions", signed, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	token := e.jwtFor(t, testPayer)

	rec := e.do(t, http.MethodPost, "/dashboard/keys", token, map[string]string{"name": "ci"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)
	secret, _ := created["secret"].(string)
	require.NotEmpty(t, secret)

	// the fresh secret authenticates the facilitator surface
	body := types.VerifyRequest{
		PaymentPayload: types.PaymentPayload{
			X402Version: 2,
			Payload:     map[string]interface{}{},
			Accepted:    types.PaymentRequirements{Scheme: "stream"},
		},
		PaymentRequirements: types.PaymentRequirements{Scheme: "stream"},
	}
	verifyRec := e.do(t, http.MethodPost, "/verify", secret, body)
	assert.Equal(t, http.StatusBadRequest, verifyRec.Code)
	assert.Equal(t, "unsupported_scheme", decode(t, verifyRec)["error"])

	keyID, _ := created["id"].(string)
	rec = e.do(t, http.MethodDelete, "/dashboard/keys/"+keyID, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	verifyRec = e.do(t, http.MethodPost, "/verify", secret, body)
	assert.Equal(t, http.StatusUnauthorized, verifyRec.Code)
}

func TestReclaimRateLimit(t *testing.T) {
	e := newEnv(t)
	token := e.jwtFor(t, testPayer)
	for i := 0; i < 10; i++ {
		e.addSession(t, fmt.Sprintf("0xsession-%d", i), 100_000, 0, "0xdeadbeef")
	}

	limited := false
	for i := 0; i < 10; i++ {
		rec := e.do(t, http.MethodPost, fmt.Sprintf("/payer/sessions/0xsession-%d/reclaim", i), token, nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.True(t, limited)
}
