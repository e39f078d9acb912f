package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var multicall3ABI = mustParseABI(Multicall3ABI)

// aggregate3Result mirrors Multicall3's Result tuple.
type aggregate3Result struct {
	Success    bool
	ReturnData []byte
}

// PackAggregate3 encodes an aggregate3 batch for submission or simulation.
func PackAggregate3(calls []Call) ([]byte, error) {
	type call3 struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}
	packed := make([]call3, len(calls))
	for i, c := range calls {
		packed[i] = call3{Target: c.Target, AllowFailure: c.AllowFailure, CallData: c.CallData}
	}
	data, err := multicall3ABI.Pack(FunctionAggregate3, packed)
	if err != nil {
		return nil, fmt.Errorf("failed to pack aggregate3: %w", err)
	}
	return data, nil
}

// SimulateAggregate3 eth_calls an aggregate3 batch and decodes the per-call
// results. The batch is simulated from the operator address so collector and
// escrow authorization checks behave as they will in the real transaction.
func SimulateAggregate3(ctx context.Context, client contractCaller, from, target common.Address, calldata []byte) ([]CallResult, error) {
	raw, err := client.CallContract(ctx, ethereum.CallMsg{From: from, To: &target, Data: calldata}, nil)
	if err != nil {
		return nil, err
	}
	out, err := multicall3ABI.Unpack(FunctionAggregate3, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack aggregate3 result: %w", err)
	}
	decoded := *abi.ConvertType(out[0], new([]aggregate3Result)).(*[]aggregate3Result)
	results := make([]CallResult, len(decoded))
	for i, r := range decoded {
		results[i] = CallResult{Success: r.Success, ReturnData: r.ReturnData}
	}
	return results, nil
}

// contractCaller is the slice of ethclient used for read-only calls.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func estimateGas(ctx context.Context, client gasEstimator, from, to common.Address, calldata []byte) (uint64, error) {
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: calldata})
	if err != nil {
		return 0, err
	}
	// 20% headroom over the estimate.
	return gas + gas/5, nil
}

type gasEstimator interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

func mustParseABI(abiJSON []byte) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}
