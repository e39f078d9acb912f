package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/x402-foundation/escrow-facilitator/internal/config"
)

// CustodialWallet is the OperatorWallet variant that delegates signing and
// submission to an external custody provider. The provider owns the key and
// the account nonce; the facilitator still serializes per network so receipt
// polling observes transactions in submission order.
type CustodialWallet struct {
	walletID string
	address  common.Address
	apiURL   string
	apiKey   string
	httpc    *http.Client
	clients  *ClientSet

	mu       sync.Mutex
	netLocks map[string]*sync.Mutex
}

// NewCustodialWallet creates a custodial wallet client and resolves the
// wallet's address from the provider.
func NewCustodialWallet(cfg *config.Config, clients *ClientSet) (*CustodialWallet, error) {
	w := &CustodialWallet{
		walletID: cfg.CustodialWalletID,
		apiURL:   cfg.CustodialAPIURL,
		apiKey:   cfg.CustodialAPIKey,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		clients:  clients,
		netLocks: make(map[string]*sync.Mutex),
	}

	var resp struct {
		Address string `json:"address"`
	}
	if err := w.call(context.Background(), http.MethodGet, fmt.Sprintf("/v1/wallets/%s", w.walletID), nil, &resp); err != nil {
		return nil, fmt.Errorf("resolve custodial wallet address: %w", err)
	}
	if !common.IsHexAddress(resp.Address) {
		return nil, fmt.Errorf("custody provider returned invalid address: %q", resp.Address)
	}
	w.address = common.HexToAddress(resp.Address)
	return w, nil
}

// Address returns the custodial wallet's address.
func (w *CustodialWallet) Address() common.Address {
	return w.address
}

// SignMessage is not available through the custody provider's API.
func (w *CustodialWallet) SignMessage(data []byte) ([]byte, error) {
	return nil, ErrSignUnsupported
}

func (w *CustodialWallet) networkLock(networkID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.netLocks[networkID]
	if !ok {
		lock = &sync.Mutex{}
		w.netLocks[networkID] = lock
	}
	return lock
}

// SendContractTx submits calldata through the custody provider and waits for
// the receipt locally.
func (w *CustodialWallet) SendContractTx(ctx context.Context, network config.NetworkConfig, to common.Address, calldata []byte) TxResult {
	lock := w.networkLock(network.ID)
	lock.Lock()
	defer lock.Unlock()

	return w.submitLocked(ctx, network, to, calldata)
}

// SendMulticall simulates locally, then submits through the provider.
func (w *CustodialWallet) SendMulticall(ctx context.Context, network config.NetworkConfig, calls []Call) MulticallResult {
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
	return MulticallResult{Success: res.Success, TxHash: res.TxHash, PerCall: perCall, Err: res.Err}
}

func (w *CustodialWallet) submitLocked(ctx context.Context, network config.NetworkConfig, to common.Address, calldata []byte) TxResult {
	req := map[string]interface{}{
		"chainId": network.ChainID,
		"to":      to.Hex(),
		"data":    hexutil.Encode(calldata),
	}
	var resp struct {
		TxHash string `json:"txHash"`
	}
	path := fmt.Sprintf("/v1/wallets/%s/transactions", w.walletID)
	if err := w.call(ctx, http.MethodPost, path, req, &resp); err != nil {
		return TxResult{Err: fmt.Errorf("custody provider submission failed: %w", err)}
	}

	client, err := w.clients.Client(network.ID)
	if err != nil {
		return TxResult{TxHash: resp.TxHash, Err: err}
	}
	receipt, err := waitForReceipt(ctx, client, common.HexToHash(resp.TxHash), network.Confirmations)
	if err != nil {
		return TxResult{TxHash: resp.TxHash, Err: err}
	}
	if receipt.Status != TxStatusSuccess {
		return TxResult{TxHash: resp.TxHash, Err: fmt.Errorf("transaction reverted")}
	}
	return TxResult{Success: true, TxHash: resp.TxHash}
}

func (w *CustodialWallet) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.apiURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("custody provider returned %d: %s", resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
