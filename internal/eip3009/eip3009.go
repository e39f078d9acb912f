// Package eip3009 verifies ERC-3009 transfer authorizations signed as
// EIP-712 typed data.
package eip3009

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/x402-foundation/escrow-facilitator/types"
)

// ERC-3009 primary types. TransferWithAuthorization lets anyone submit,
// ReceiveWithAuthorization binds the submitter to the `to` address and is
// what escrow deposits use.
const (
	TypeTransferWithAuthorization = "TransferWithAuthorization"
	TypeReceiveWithAuthorization  = "ReceiveWithAuthorization"
)

// Domain is the EIP-712 domain of the payment token.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// authorizationFields is the field layout shared by both ERC-3009 primary
// types.
var authorizationFields = []apitypes.Type{
	{Name: "from", Type: "address"},
	{Name: "to", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "validAfter", Type: "uint256"},
	{Name: "validBefore", Type: "uint256"},
	{Name: "nonce", Type: "bytes32"},
}

// HashAuthorization computes the EIP-712 digest of an ERC-3009 authorization:
// keccak256(0x19 0x01 || domainSeparator || structHash).
func HashAuthorization(primaryType string, auth types.EIP3009Authorization, domain Domain) ([]byte, error) {
	if primaryType != TypeTransferWithAuthorization && primaryType != TypeReceiveWithAuthorization {
		return nil, fmt.Errorf("unsupported primary type: %s", primaryType)
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonce, err := hexToBytes(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(nonce) != 32 {
		return nil, fmt.Errorf("nonce must be 32 bytes, got %d", len(nonce))
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			primaryType: authorizationFields,
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: map[string]interface{}{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       nonce,
		},
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	raw := []byte{0x19, 0x01}
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// RecoverSigner recovers the address that produced a 65-byte signature over
// an EIP-712 digest. Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(digest, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	adjusted := make([]byte, 65)
	copy(adjusted, signature)
	if adjusted[64] >= 27 {
		adjusted[64] -= 27
	}
	pubKey, err := crypto.SigToPub(digest, adjusted)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// VerifyAuthorization checks that the signature over the authorization's
// EIP-712 digest recovers to the authorization's `from` address.
func VerifyAuthorization(primaryType string, auth types.EIP3009Authorization, domain Domain, signatureHex string) (bool, error) {
	signature, err := hexToBytes(signatureHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	digest, err := HashAuthorization(primaryType, auth, domain)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverSigner(digest, signature)
	if err != nil {
		return false, err
	}
	return types.NormalizeAddress(recovered.Hex()) == types.NormalizeAddress(auth.From), nil
}

func hexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
