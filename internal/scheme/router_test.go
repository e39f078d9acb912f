package scheme

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/x402-foundation/escrow-facilitator/internal/chain"
	"github.com/x402-foundation/escrow-facilitator/internal/config"
	"github.com/x402-foundation/escrow-facilitator/internal/eip3009"
	"github.com/x402-foundation/escrow-facilitator/internal/session"
	"github.com/x402-foundation/escrow-facilitator/internal/store"
	"github.com/x402-foundation/escrow-facilitator/types"
)

const (
	testNetworkID = "eip155:84532"
	testToken     = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
	testCollector = "0x1111111111111111111111111111111111111100"
	testPayTo     = "0x3333333333333333333333333333333333333300"
)

// mockChain serves both the engine and the exact scheme.
type mockChain struct {
	operator  common.Address
	hash      string
	nonceUsed bool
	balance   *big.Int

	transferResult  chain.TxResult
	authorizeResult chain.TxResult
	captureResult   chain.TxResult
	voidResult      chain.TxResult

	transferCalls int
}

func newMockChain() *mockChain {
	return &mockChain{
		operator:        common.HexToAddress("0x4444444444444444444444444444444444444400"),
		hash:            "0x" + strings.Repeat("ab", 32),
		balance:         big.NewInt(1_000_000_000),
		transferResult:  chain.TxResult{Success: true, TxHash: "0xtransfer"},
		authorizeResult: chain.TxResult{Success: true, TxHash: "0xauthorize"},
		captureResult:   chain.TxResult{Success: true, TxHash: "0xcapture"},
		voidResult:      chain.TxResult{Success: true, TxHash: "0xvoid"},
	}
}

func (m *mockChain) OperatorAddress() common.Address { return m.operator }

func (m *mockChain) GetPaymentInfoHash(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo) (string, error) {
	return m.hash, nil
}

func (m *mockChain) TokenBalanceOf(ctx context.Context, network config.NetworkConfig, token, account common.Address) (*big.Int, error) {
	return m.balance, nil
}

func (m *mockChain) IsAuthorizationNonceUsed(ctx context.Context, network config.NetworkConfig, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	return m.nonceUsed, nil
}

func (m *mockChain) Authorize(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo, amount *big.Int, collectorData []byte) chain.TxResult {
	return m.authorizeResult
}

func (m *mockChain) Capture(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo, amount *big.Int) chain.TxResult {
	return m.captureResult
}

func (m *mockChain) Void(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo) chain.TxResult {
	return m.voidResult
}

func (m *mockChain) TransferWithAuthorization(ctx context.Context, network config.NetworkConfig, auth types.EIP3009Authorization, signature []byte) chain.TxResult {
	m.transferCalls++
	return m.transferResult
}

type routerEnv struct {
	router *Router
	store  *store.MemoryStore
	chain  *mockChain
	key    *ecdsa.PrivateKey
	payer  string
	userID string
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := &config.Config{
		Networks: []config.NetworkConfig{{
			ID:             testNetworkID,
			ChainID:        84532,
			RPCURL:         "http://localhost:8545",
			EscrowAddress:  "0x2222222222222222222222222222222222222200",
			TokenAddress:   testToken,
			TokenCollector: testCollector,
			TokenName:      "USD Coin",
			TokenVersion:   "2",
			Confirmations:  1,
			IsActive:       true,
		}},
		CaptureThreshold: big.NewInt(1_000_000),
		CaptureBatchSize: 50,
		Tier3Threshold:   30 * time.Minute,
		Tier2Window:      2 * time.Hour,
		MinDeposit:       big.NewInt(10000),
		MaxDeposit:       big.NewInt(1_000_000_000),
	}

	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertNetwork(context.Background(), store.Network{ID: testNetworkID, ChainID: 84532, IsActive: true}))
	user, err := st.GetOrCreateUserByWallet(context.Background(), "0x9999999999999999999999999999999999999900")
	require.NoError(t, err)

	mock := newMockChain()
	log := zap.NewNop()
	engine := session.NewEngine(st, mock, cfg, log)
	return &routerEnv{
		router: NewRouter(engine, mock, cfg, log),
		store:  st,
		chain:  mock,
		key:    key,
		payer:  types.NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		userID: user.ID,
	}
}

// asMap round-trips a struct through JSON so payload maps look like parsed
// request bodies.
func asMap(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func (env *routerEnv) signAuthorization(t *testing.T, primaryType string, auth types.EIP3009Authorization) string {
	t.Helper()
	domain := eip3009.Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           big.NewInt(84532),
		VerifyingContract: testToken,
	}
	digest, err := eip3009.HashAuthorization(primaryType, auth, domain)
	require.NoError(t, err)
	signature, err := crypto.Sign(digest, env.key)
	require.NoError(t, err)
	return "0x" + hex.EncodeToString(signature)
}

func (env *routerEnv) exactRequest(t *testing.T, value string) *types.VerifyRequest {
	t.Helper()
	now := time.Now().Unix()
	auth := types.EIP3009Authorization{
		From:        env.payer,
		To:          testPayTo,
		Value:       value,
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(now+600, 10),
		Nonce:       "0x" + strings.Repeat("ef", 32),
	}
	payload := types.ExactPayload{
		Signature:     env.signAuthorization(t, eip3009.TypeTransferWithAuthorization, auth),
		Authorization: auth,
	}
	reqs := types.PaymentRequirements{
		Scheme:  types.SchemeExact,
		Network: testNetworkID,
		Asset:   testToken,
		Amount:  "50000",
		PayTo:   testPayTo,
	}
	return &types.VerifyRequest{
		PaymentPayload: types.PaymentPayload{
			X402Version: 2,
			Payload:     asMap(t, payload),
			Accepted:    reqs,
		},
		PaymentRequirements: reqs,
	}
}

func (env *routerEnv) creationRequest(t *testing.T) *types.VerifyRequest {
	t.Helper()
	now := time.Now().Unix()
	auth := types.EIP3009Authorization{
		From:        env.payer,
		To:          testCollector,
		Value:       "100000",
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(now+7200, 10),
		Nonce:       "0x" + strings.Repeat("cd", 32),
	}
	payload := types.EscrowCreationPayload{
		Signature:     env.signAuthorization(t, eip3009.TypeReceiveWithAuthorization, auth),
		Authorization: auth,
		SessionParams: types.SessionParams{
			Salt:                "42",
			AuthorizationExpiry: uint64(now + 3600),
			RefundExpiry:        uint64(now + 7200),
		},
		RequestID: "req-create",
	}
	reqs := types.PaymentRequirements{
		Scheme:  types.SchemeEscrow,
		Network: testNetworkID,
		Asset:   testToken,
		Amount:  "10000",
		PayTo:   testPayTo,
	}
	return &types.VerifyRequest{
		PaymentPayload: types.PaymentPayload{
			X402Version: 2,
			Payload:     asMap(t, payload),
			Accepted:    reqs,
		},
		PaymentRequirements: reqs,
	}
}

func TestVerifyExactValid(t *testing.T) {
	env := newRouterEnv(t)
	req := env.exactRequest(t, "50000")

	resp, err := env.router.Verify(context.Background(), env.userID, req)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, env.payer, resp.Payer)
}

func TestVerifyExactInsufficientAmount(t *testing.T) {
	env := newRouterEnv(t)
	req := env.exactRequest(t, "40000") // below required 50000

	resp, err := env.router.Verify(context.Background(), env.userID, req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, types.ErrInsufficientAmount, resp.InvalidReason)
}

func TestVerifyExactNonceUsed(t *testing.T) {
	env := newRouterEnv(t)
	env.chain.nonceUsed = true
	req := env.exactRequest(t, "50000")

	resp, err := env.router.Verify(context.Background(), env.userID, req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, types.ErrNonceAlreadyUsed, resp.InvalidReason)
}

func TestVerifyUnsupportedScheme(t *testing.T) {
	env := newRouterEnv(t)
	req := env.exactRequest(t, "50000")
	req.PaymentPayload.Accepted.Scheme = "stream"
	req.PaymentRequirements.Scheme = "stream"

	_, err := env.router.Verify(context.Background(), env.userID, req)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedScheme, types.CodeOf(err))
}

func TestVerifyMalformedPayloadShape(t *testing.T) {
	env := newRouterEnv(t)
	req := env.exactRequest(t, "50000")
	delete(req.PaymentPayload.Payload, "signature")

	_, err := env.router.Verify(context.Background(), env.userID, req)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidPayload, types.CodeOf(err))
}

func TestVerifyEscrowCreation(t *testing.T) {
	env := newRouterEnv(t)
	req := env.creationRequest(t)

	resp, err := env.router.Verify(context.Background(), env.userID, req)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, env.payer, resp.Payer)

	// verify never writes
	_, err = env.store.GetSession(context.Background(), env.chain.hash)
	assert.Equal(t, types.ErrSessionNotFound, types.CodeOf(err))
}

func TestSettleExactAndReplay(t *testing.T) {
	env := newRouterEnv(t)
	req := env.exactRequest(t, "50000")

	resp, err := env.router.Settle(context.Background(), env.userID, (*types.SettleRequest)(req))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xtransfer", resp.Transaction)
	assert.Equal(t, 1, env.chain.transferCalls)
	assert.Nil(t, resp.Session)

	// replayed nonce surfaces as a protocol failure
	env.chain.nonceUsed = true
	replay, err := env.router.Settle(context.Background(), env.userID, (*types.SettleRequest)(req))
	require.NoError(t, err)
	assert.False(t, replay.Success)
	assert.Equal(t, types.ErrNonceAlreadyUsed, replay.ErrorReason)
	assert.Equal(t, 1, env.chain.transferCalls)
}

func TestSettleExactTransferRevert(t *testing.T) {
	env := newRouterEnv(t)
	env.chain.transferResult = chain.TxResult{Err: assert.AnError}
	req := env.exactRequest(t, "50000")

	resp, err := env.router.Settle(context.Background(), env.userID, (*types.SettleRequest)(req))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, types.ErrTransferFailed, resp.ErrorReason)
}

func TestSettleEscrowCreationThenUsage(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()

	created, err := env.router.Settle(ctx, env.userID, (*types.SettleRequest)(env.creationRequest(t)))
	require.NoError(t, err)
	require.True(t, created.Success)
	require.NotNil(t, created.Session)
	assert.NotEmpty(t, created.Session.Token)
	assert.Equal(t, "10000", created.Session.Balance.Pending)
	assert.Equal(t, "90000", created.Session.Balance.Available)

	usage := types.EscrowUsagePayload{
		Session:   types.SessionRef{ID: created.Session.ID, Token: created.Session.Token},
		Amount:    "10000",
		RequestID: "req-usage",
	}
	reqs := types.PaymentRequirements{
		Scheme:  types.SchemeEscrow,
		Network: testNetworkID,
		Asset:   testToken,
		Amount:  "10000",
		PayTo:   testPayTo,
	}
	settled, err := env.router.Settle(ctx, env.userID, &types.SettleRequest{
		PaymentPayload: types.PaymentPayload{
			X402Version: 2,
			Payload:     asMap(t, usage),
			Accepted:    reqs,
		},
		PaymentRequirements: reqs,
	})
	require.NoError(t, err)
	require.True(t, settled.Success)
	require.NotNil(t, settled.Session)
	assert.Empty(t, settled.Session.Token)
	assert.Equal(t, "80000", settled.Session.Balance.Available)
	assert.Equal(t, "0xauthorize", settled.Transaction)
}

func TestLegacySessionSchemeRoutesAsEscrowUsage(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()

	created, err := env.router.Settle(ctx, env.userID, (*types.SettleRequest)(env.creationRequest(t)))
	require.NoError(t, err)
	require.True(t, created.Success)

	usage := types.EscrowUsagePayload{
		Session:   types.SessionRef{ID: created.Session.ID, Token: created.Session.Token},
		Amount:    "5000",
		RequestID: "req-legacy",
	}
	reqs := types.PaymentRequirements{
		Scheme:  types.SchemeSessionLegacy,
		Network: testNetworkID,
		Asset:   testToken,
		Amount:  "5000",
		PayTo:   testPayTo,
	}
	resp, err := env.router.Settle(ctx, env.userID, &types.SettleRequest{
		PaymentPayload: types.PaymentPayload{
			X402Version: 2,
			Payload:     asMap(t, usage),
			Accepted:    reqs,
		},
		PaymentRequirements: reqs,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}
