package eip3009

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/escrow-facilitator/types"
)

var testDomain = Domain{
	Name:              "USD Coin",
	Version:           "2",
	ChainID:           big.NewInt(84532),
	VerifyingContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
}

func testAuthorization(from string) types.EIP3009Authorization {
	return types.EIP3009Authorization{
		From:        from,
		To:          "0x2222222222222222222222222222222222222222",
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "1893456000",
		Nonce:       "0x" + strings.Repeat("ab", 32),
	}
}

func TestVerifyAuthorizationValidSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey).Hex()
	auth := testAuthorization(from)

	for _, primaryType := range []string{TypeTransferWithAuthorization, TypeReceiveWithAuthorization} {
		digest, err := HashAuthorization(primaryType, auth, testDomain)
		require.NoError(t, err)
		signature, err := crypto.Sign(digest, key)
		require.NoError(t, err)

		valid, err := VerifyAuthorization(primaryType, auth, testDomain, "0x"+hex.EncodeToString(signature))
		require.NoError(t, err)
		assert.True(t, valid, primaryType)
	}
}

func TestVerifyAuthorizationAccepts27Style(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth := testAuthorization(crypto.PubkeyToAddress(key.PublicKey).Hex())

	digest, err := HashAuthorization(TypeReceiveWithAuthorization, auth, testDomain)
	require.NoError(t, err)
	signature, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	signature[64] += 27

	valid, err := VerifyAuthorization(TypeReceiveWithAuthorization, auth, testDomain, "0x"+hex.EncodeToString(signature))
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestVerifyAuthorizationWrongSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	// from does not match the signing key
	auth := testAuthorization("0x9999999999999999999999999999999999999999")

	digest, err := HashAuthorization(TypeTransferWithAuthorization, auth, testDomain)
	require.NoError(t, err)
	signature, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	valid, err := VerifyAuthorization(TypeTransferWithAuthorization, auth, testDomain, "0x"+hex.EncodeToString(signature))
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestPrimaryTypesProduceDistinctDigests(t *testing.T) {
	auth := testAuthorization("0x1111111111111111111111111111111111111111")

	transfer, err := HashAuthorization(TypeTransferWithAuthorization, auth, testDomain)
	require.NoError(t, err)
	receive, err := HashAuthorization(TypeReceiveWithAuthorization, auth, testDomain)
	require.NoError(t, err)
	assert.NotEqual(t, transfer, receive)
}

func TestHashAuthorizationRejectsBadInput(t *testing.T) {
	auth := testAuthorization("0x1111111111111111111111111111111111111111")

	bad := auth
	bad.Value = "not-a-number"
	_, err := HashAuthorization(TypeTransferWithAuthorization, bad, testDomain)
	assert.Error(t, err)

	bad = auth
	bad.Nonce = "0x1234"
	_, err = HashAuthorization(TypeTransferWithAuthorization, bad, testDomain)
	assert.Error(t, err)

	_, err = HashAuthorization("Permit", auth, testDomain)
	assert.Error(t, err)
}

func TestRecoverSignerRejectsShortSignature(t *testing.T) {
	_, err := RecoverSigner(make([]byte, 32), []byte{0x01})
	assert.Error(t, err)
}
