package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-foundation/escrow-facilitator/internal/config"
)

// ErrSignUnsupported is returned by wallets that cannot sign raw messages.
var ErrSignUnsupported = fmt.Errorf("wallet does not support message signing")

// TxResult is the outcome of a submitted transaction: the hash is set as soon
// as the transaction is accepted by the RPC node, Success only after the
// receipt confirms.
type TxResult struct {
	Success bool
	TxHash  string
	Err     error
}

// Call is one inner call of a Multicall3 batch.
type Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// CallResult is the per-call outcome of a Multicall3 batch.
type CallResult struct {
	Success    bool
	ReturnData []byte
}

// MulticallResult is the outcome of a Multicall3 aggregate3 transaction.
type MulticallResult struct {
	Success bool
	TxHash  string
	PerCall []CallResult
	Err     error
}

// OperatorWallet is the facilitator's custodial signing identity. One wallet
// serves all networks; implementations serialize transactions
// per-(wallet, network) so operator nonces never collide.
type OperatorWallet interface {
	// Address returns the operator identity, stable for the process lifetime.
	Address() common.Address

	// SendContractTx submits a contract call, waits for the receipt with the
	// network's configured confirmations and reports revert as failure.
	SendContractTx(ctx context.Context, network config.NetworkConfig, to common.Address, calldata []byte) TxResult

	// SendMulticall submits an aggregate3 batch through the network's
	// Multicall3 deployment. Per-call results come from a pre-submit
	// simulation of the same calldata.
	SendMulticall(ctx context.Context, network config.NetworkConfig, calls []Call) MulticallResult

	// SignMessage signs arbitrary bytes. Custodial variants may not support
	// this and return ErrSignUnsupported.
	SignMessage(data []byte) ([]byte, error)
}

// LocalKeyWallet is the OperatorWallet variant backed by an in-process ECDSA
// private key.
type LocalKeyWallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	clients    *ClientSet

	mu       sync.Mutex
	netLocks map[string]*sync.Mutex
}

// NewLocalKeyWallet creates a local-key wallet from a hex-encoded private key.
func NewLocalKeyWallet(privateKeyHex string, clients *ClientSet) (*LocalKeyWallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &LocalKeyWallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		clients:    clients,
		netLocks:   make(map[string]*sync.Mutex),
	}, nil
}

// Address returns the operator address.
func (w *LocalKeyWallet) Address() common.Address {
	return w.address
}

// SignMessage signs with the EIP-191 personal-message prefix.
func (w *LocalKeyWallet) SignMessage(data []byte) ([]byte, error) {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	digest := crypto.Keccak256([]byte(prefixed))
	signature, err := crypto.Sign(digest, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	signature[64] += 27
	return signature, nil
}

// networkLock returns the mutex serializing sends on one network.
func (w *LocalKeyWallet) networkLock(networkID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.netLocks[networkID]
	if !ok {
		lock = &sync.Mutex{}
		w.netLocks[networkID] = lock
	}
	return lock
}

// SendContractTx submits calldata to a contract and waits for confirmation.
// The per-network lock is held until the receipt is observed so the next
// transaction sees the settled account nonce.
func (w *LocalKeyWallet) SendContractTx(ctx context.Context, network config.NetworkConfig, to common.Address, calldata []byte) TxResult {
	lock := w.networkLock(network.ID)
	lock.Lock()
	defer lock.Unlock()

	return w.submitLocked(ctx, network, to, calldata)
}

// SendMulticall simulates an aggregate3 batch, submits it and waits for
// confirmation. The simulation supplies the per-call success flags; the
// transaction receipt decides overall success.
func (w *LocalKeyWallet) SendMulticall(ctx context.Context, network config.NetworkConfig, calls []Call) MulticallResult {
	if network.MulticallAddress == "" {
		return MulticallResult{Err: fmt.Errorf("network %s has no Multicall3 deployment", network.ID)}
	}
	client, err := w.clients.Client(network.ID)
	if err != nil {
		return MulticallResult{Err: err}
	}

	calldata, err := PackAggregate3(calls)
	if err != nil {
		return MulticallResult{Err: err}
	}
	target := common.HexToAddress(network.MulticallAddress)

	perCall, err := SimulateAggregate3(ctx, client, w.address, target, calldata)
	if err != nil {
		return MulticallResult{Err: fmt.Errorf("multicall simulation failed: %w", err)}
	}

	lock := w.networkLock(network.ID)
	lock.Lock()
	defer lock.Unlock()

	res := w.submitLocked(ctx, network, target, calldata)
	return MulticallResult{
		Success: res.Success,
		TxHash:  res.TxHash,
		PerCall: perCall,
		Err:     res.Err,
	}
}

// submitLocked builds, signs and submits a transaction and waits for the
// receipt. Callers must hold the network lock.
func (w *LocalKeyWallet) submitLocked(ctx context.Context, network config.NetworkConfig, to common.Address, calldata []byte) TxResult {
	client, err := w.clients.Client(network.ID)
	if err != nil {
		return TxResult{Err: err}
	}

	nonce, err := client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return TxResult{Err: fmt.Errorf("failed to get nonce: %w", err)}
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return TxResult{Err: fmt.Errorf("failed to get gas price: %w", err)}
	}
	gasLimit, err := estimateGas(ctx, client, w.address, to, calldata)
	if err != nil {
		return TxResult{Err: fmt.Errorf("gas estimation failed: %w", err)}
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, calldata)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(network.ChainID)), w.privateKey)
	if err != nil {
		return TxResult{Err: fmt.Errorf("failed to sign transaction: %w", err)}
	}
	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return TxResult{Err: fmt.Errorf("failed to send transaction: %w", err)}
	}

	txHash := signedTx.Hash()
	receipt, err := waitForReceipt(ctx, client, txHash, network.Confirmations)
	if err != nil {
		return TxResult{TxHash: txHash.Hex(), Err: err}
	}
	if receipt.Status != TxStatusSuccess {
		return TxResult{TxHash: txHash.Hex(), Err: fmt.Errorf("transaction reverted")}
	}
	return TxResult{Success: true, TxHash: txHash.Hex()}
}

// waitForReceipt polls for the transaction receipt and then waits until the
// chain head is confirmations-1 blocks past the inclusion block.
func waitForReceipt(ctx context.Context, client receiptReader, txHash common.Hash, confirmations uint64) (*types.Receipt, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var receipt *types.Receipt
	for receipt == nil {
		r, err := client.TransactionReceipt(ctx, txHash)
		if err == nil && r != nil {
			receipt = r
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	if confirmations <= 1 {
		return receipt, nil
	}
	target := new(big.Int).Add(receipt.BlockNumber, big.NewInt(int64(confirmations-1)))
	for {
		head, err := client.BlockNumber(ctx)
		if err == nil && new(big.Int).SetUint64(head).Cmp(target) >= 0 {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// receiptReader is the slice of ethclient used by waitForReceipt.
type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}
