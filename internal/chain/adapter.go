package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-foundation/escrow-facilitator/internal/config"
	"github.com/x402-foundation/escrow-facilitator/types"
)

var (
	escrowABI    = mustParseABI(EscrowABI)
	eip3009ABI   = mustParseABI(TransferWithAuthorizationABI)
	authStateABI = mustParseABI(AuthorizationStateABI)
	erc20ABI     = mustParseABI(ERC20BalanceOfABI)
	zeroAddress  = common.Address{}
)

// abiPaymentInfo is the Go shape of the escrow's PaymentInfo ABI tuple.
// Field names must match the component names in EscrowABI.
type abiPaymentInfo struct {
	Operator            common.Address
	Payer               common.Address
	Receiver            common.Address
	Token               common.Address
	MaxAmount           *big.Int
	PreApprovalExpiry   *big.Int
	AuthorizationExpiry *big.Int
	RefundExpiry        *big.Int
	MinFeeBps           uint16
	MaxFeeBps           uint16
	FeeReceiver         common.Address
	Salt                *big.Int
}

func toABIPaymentInfo(info types.PaymentInfo) abiPaymentInfo {
	salt := info.Salt
	if salt == nil {
		salt = big.NewInt(0)
	}
	return abiPaymentInfo{
		Operator:            common.HexToAddress(info.Operator),
		Payer:               common.HexToAddress(info.Payer),
		Receiver:            common.HexToAddress(info.Receiver),
		Token:               common.HexToAddress(info.Token),
		MaxAmount:           info.MaxAmount,
		PreApprovalExpiry:   new(big.Int).SetUint64(info.PreApprovalExpiry),
		AuthorizationExpiry: new(big.Int).SetUint64(info.AuthorizationExpiry),
		RefundExpiry:        new(big.Int).SetUint64(info.RefundExpiry),
		MinFeeBps:           info.MinFeeBps,
		MaxFeeBps:           info.MaxFeeBps,
		FeeReceiver:         common.HexToAddress(info.FeeReceiver),
		Salt:                salt,
	}
}

// Adapter executes escrow and token operations against the configured
// networks through one operator wallet.
type Adapter struct {
	clients *ClientSet
	wallet  OperatorWallet
}

// NewAdapter binds an operator wallet to a set of network clients.
func NewAdapter(clients *ClientSet, wallet OperatorWallet) *Adapter {
	return &Adapter{clients: clients, wallet: wallet}
}

// OperatorAddress returns the operator wallet address.
func (a *Adapter) OperatorAddress() common.Address {
	return a.wallet.Address()
}

// Network looks up a network's configuration.
func (a *Adapter) Network(networkID string) (config.NetworkConfig, bool) {
	return a.clients.Network(networkID)
}

// GetPaymentInfoHash asks the escrow contract for the PaymentInfo hash with
// the payer zeroed. The contract is the sole authority for session ids;
// the hash is never recomputed locally.
func (a *Adapter) GetPaymentInfoHash(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo) (string, error) {
	tuple := toABIPaymentInfo(info)
	tuple.Payer = zeroAddress

	calldata, err := escrowABI.Pack(FunctionGetHash, tuple)
	if err != nil {
		return "", fmt.Errorf("failed to pack getHash: %w", err)
	}
	raw, err := a.read(ctx, network, common.HexToAddress(network.EscrowAddress), calldata)
	if err != nil {
		return "", fmt.Errorf("getHash call failed: %w", err)
	}
	out, err := escrowABI.Unpack(FunctionGetHash, raw)
	if err != nil {
		return "", fmt.Errorf("failed to unpack getHash result: %w", err)
	}
	hash := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	return "0x" + hex.EncodeToString(hash[:]), nil
}

// TokenBalanceOf reads an ERC-20 balance.
func (a *Adapter) TokenBalanceOf(ctx context.Context, network config.NetworkConfig, token, account common.Address) (*big.Int, error) {
	calldata, err := erc20ABI.Pack(FunctionBalanceOf, account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	raw, err := a.read(ctx, network, token, calldata)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	out, err := erc20ABI.Unpack(FunctionBalanceOf, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// IsAuthorizationNonceUsed reads the token's EIP-3009 authorization state.
func (a *Adapter) IsAuthorizationNonceUsed(ctx context.Context, network config.NetworkConfig, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	calldata, err := authStateABI.Pack(FunctionAuthorizationState, authorizer, nonce)
	if err != nil {
		return false, fmt.Errorf("failed to pack authorizationState: %w", err)
	}
	raw, err := a.read(ctx, network, token, calldata)
	if err != nil {
		return false, fmt.Errorf("authorizationState call failed: %w", err)
	}
	out, err := authStateABI.Unpack(FunctionAuthorizationState, raw)
	if err != nil {
		return false, fmt.Errorf("failed to unpack authorizationState result: %w", err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// Authorize submits an escrow authorize transaction, pulling funds from the
// payer into escrow via the token collector.
func (a *Adapter) Authorize(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo, amount *big.Int, collectorData []byte) TxResult {
	calldata, err := escrowABI.Pack(FunctionAuthorize,
		toABIPaymentInfo(info), amount, common.HexToAddress(network.TokenCollector), collectorData)
	if err != nil {
		return TxResult{Err: fmt.Errorf("failed to pack authorize: %w", err)}
	}
	return a.wallet.SendContractTx(ctx, network, common.HexToAddress(network.EscrowAddress), calldata)
}

// Capture submits an escrow capture transaction moving authorized funds to
// the receiver.
func (a *Adapter) Capture(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo, amount *big.Int) TxResult {
	calldata, err := a.CaptureCallData(info, amount)
	if err != nil {
		return TxResult{Err: err}
	}
	return a.wallet.SendContractTx(ctx, network, common.HexToAddress(network.EscrowAddress), calldata)
}

// Void submits an escrow void transaction returning uncaptured funds to the
// payer.
func (a *Adapter) Void(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo) TxResult {
	calldata, err := a.VoidCallData(info)
	if err != nil {
		return TxResult{Err: err}
	}
	return a.wallet.SendContractTx(ctx, network, common.HexToAddress(network.EscrowAddress), calldata)
}

// Charge submits an escrow charge transaction: authorize and capture in one
// call, used for inline capture of short-lived sessions.
func (a *Adapter) Charge(ctx context.Context, network config.NetworkConfig, info types.PaymentInfo, amount *big.Int, collectorData []byte) TxResult {
	calldata, err := escrowABI.Pack(FunctionCharge,
		toABIPaymentInfo(info), amount, common.HexToAddress(network.TokenCollector), collectorData,
		info.MaxFeeBps, common.HexToAddress(info.FeeReceiver))
	if err != nil {
		return TxResult{Err: fmt.Errorf("failed to pack charge: %w", err)}
	}
	return a.wallet.SendContractTx(ctx, network, common.HexToAddress(network.EscrowAddress), calldata)
}

// CaptureCallData packs an escrow capture call for direct or batched submission.
func (a *Adapter) CaptureCallData(info types.PaymentInfo, amount *big.Int) ([]byte, error) {
	calldata, err := escrowABI.Pack(FunctionCapture,
		toABIPaymentInfo(info), amount, info.MaxFeeBps, common.HexToAddress(info.FeeReceiver))
	if err != nil {
		return nil, fmt.Errorf("failed to pack capture: %w", err)
	}
	return calldata, nil
}

// VoidCallData packs an escrow void call for direct or batched submission.
func (a *Adapter) VoidCallData(info types.PaymentInfo) ([]byte, error) {
	calldata, err := escrowABI.Pack(FunctionVoid, toABIPaymentInfo(info))
	if err != nil {
		return nil, fmt.Errorf("failed to pack void: %w", err)
	}
	return calldata, nil
}

// TransferWithAuthorization submits an EIP-3009 transfer on the payment token
// using the payer's signed authorization.
func (a *Adapter) TransferWithAuthorization(ctx context.Context, network config.NetworkConfig, auth types.EIP3009Authorization, signature []byte) TxResult {
	if len(signature) != 65 {
		return TxResult{Err: fmt.Errorf("signature must be 65 bytes, got %d", len(signature))}
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return TxResult{Err: fmt.Errorf("invalid authorization value: %q", auth.Value)}
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return TxResult{Err: fmt.Errorf("invalid validAfter: %q", auth.ValidAfter)}
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return TxResult{Err: fmt.Errorf("invalid validBefore: %q", auth.ValidBefore)}
	}
	nonce, err := HexToBytes32(auth.Nonce)
	if err != nil {
		return TxResult{Err: fmt.Errorf("invalid nonce: %w", err)}
	}

	var r, s [32]byte
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v := signature[64]
	if v < 27 {
		v += 27
	}

	calldata, err := eip3009ABI.Pack(FunctionTransferWithAuthorization,
		common.HexToAddress(auth.From), common.HexToAddress(auth.To),
		value, validAfter, validBefore, nonce, v, r, s)
	if err != nil {
		return TxResult{Err: fmt.Errorf("failed to pack transferWithAuthorization: %w", err)}
	}
	return a.wallet.SendContractTx(ctx, network, common.HexToAddress(network.TokenAddress), calldata)
}

// SendMulticall submits an aggregate3 batch on a network.
func (a *Adapter) SendMulticall(ctx context.Context, network config.NetworkConfig, calls []Call) MulticallResult {
	return a.wallet.SendMulticall(ctx, network, calls)
}

func (a *Adapter) read(ctx context.Context, network config.NetworkConfig, to common.Address, calldata []byte) ([]byte, error) {
	client, err := a.clients.Client(network.ID)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: calldata}, nil)
}

// HexToBytes32 decodes a 0x-prefixed 32-byte hex string.
func HexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
