package chain

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/escrow-facilitator/types"
)

func testPaymentInfo() types.PaymentInfo {
	return types.PaymentInfo{
		Operator:            "0x1111111111111111111111111111111111111111",
		Payer:               "0x2222222222222222222222222222222222222222",
		Receiver:            "0x3333333333333333333333333333333333333333",
		Token:               "0x4444444444444444444444444444444444444444",
		MaxAmount:           big.NewInt(1_000_000),
		PreApprovalExpiry:   1700000000,
		AuthorizationExpiry: 1700003600,
		RefundExpiry:        1700007200,
		MinFeeBps:           0,
		MaxFeeBps:           100,
		FeeReceiver:         "0x5555555555555555555555555555555555555555",
		Salt:                big.NewInt(42),
	}
}

func TestCaptureCallDataSelector(t *testing.T) {
	adapter := &Adapter{}
	calldata, err := adapter.CaptureCallData(testPaymentInfo(), big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, escrowABI.Methods[FunctionCapture].ID, calldata[:4])
}

func TestVoidCallDataSelector(t *testing.T) {
	adapter := &Adapter{}
	calldata, err := adapter.VoidCallData(testPaymentInfo())
	require.NoError(t, err)
	assert.Equal(t, escrowABI.Methods[FunctionVoid].ID, calldata[:4])
}

func TestCaptureCallDataRoundTrip(t *testing.T) {
	adapter := &Adapter{}
	info := testPaymentInfo()
	calldata, err := adapter.CaptureCallData(info, big.NewInt(750))
	require.NoError(t, err)

	args, err := escrowABI.Methods[FunctionCapture].Inputs.Unpack(calldata[4:])
	require.NoError(t, err)
	require.Len(t, args, 4)
	assert.Equal(t, big.NewInt(750), args[1])
	assert.Equal(t, info.MaxFeeBps, args[2])
	assert.Equal(t, common.HexToAddress(info.FeeReceiver), args[3])
}

func TestToABIPaymentInfoNilSalt(t *testing.T) {
	info := testPaymentInfo()
	info.Salt = nil
	tuple := toABIPaymentInfo(info)
	require.NotNil(t, tuple.Salt)
	assert.Zero(t, tuple.Salt.Sign())
	assert.Equal(t, big.NewInt(1700003600), tuple.AuthorizationExpiry)
}

func TestPackAggregate3RoundTrip(t *testing.T) {
	calls := []Call{
		{Target: common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), AllowFailure: true, CallData: []byte{0x01, 0x02}},
		{Target: common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"), AllowFailure: false, CallData: []byte{0x03}},
	}
	calldata, err := PackAggregate3(calls)
	require.NoError(t, err)
	assert.Equal(t, multicall3ABI.Methods[FunctionAggregate3].ID, calldata[:4])

	args, err := multicall3ABI.Methods[FunctionAggregate3].Inputs.Unpack(calldata[4:])
	require.NoError(t, err)
	require.Len(t, args, 1)
}

type fakeCaller struct {
	response []byte
	err      error
	gotMsg   ethereum.CallMsg
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.gotMsg = msg
	return f.response, f.err
}

func TestSimulateAggregate3DecodesPerCallResults(t *testing.T) {
	encoded, err := multicall3ABI.Methods[FunctionAggregate3].Outputs.Pack([]aggregate3Result{
		{Success: true, ReturnData: []byte{0xde, 0xad}},
		{Success: false, ReturnData: nil},
	})
	require.NoError(t, err)

	caller := &fakeCaller{response: encoded}
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	target := common.HexToAddress("0x2222222222222222222222222222222222222222")

	results, err := SimulateAggregate3(context.Background(), caller, from, target, []byte{0x00})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, []byte{0xde, 0xad}, results[0].ReturnData)
	assert.False(t, results[1].Success)
	assert.Equal(t, from, caller.gotMsg.From)
}

func TestLocalKeyWalletSignMessage(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := &LocalKeyWallet{privateKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}

	message := []byte("session reclaim challenge")
	signature, err := wallet.SignMessage(message)
	require.NoError(t, err)
	require.Len(t, signature, 65)

	prefixed := append([]byte("\x19Ethereum Signed Message:\n25"), message...)
	digest := crypto.Keccak256(prefixed)
	recovery := make([]byte, 65)
	copy(recovery, signature)
	recovery[64] -= 27
	pub, err := crypto.SigToPub(digest, recovery)
	require.NoError(t, err)
	assert.Equal(t, wallet.Address(), crypto.PubkeyToAddress(*pub))
}

func TestNewLocalKeyWalletRejectsBadKey(t *testing.T) {
	_, err := NewLocalKeyWallet("not-hex", nil)
	assert.Error(t, err)
}

type fakeReceiptReader struct {
	receipt *ethtypes.Receipt
	head    uint64
	polls   int
}

func (f *fakeReceiptReader) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	f.polls++
	if f.polls < 2 {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeReceiptReader) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func TestWaitForReceiptPollsUntilFound(t *testing.T) {
	reader := &fakeReceiptReader{
		receipt: &ethtypes.Receipt{Status: TxStatusSuccess, BlockNumber: big.NewInt(100)},
		head:    100,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	receipt, err := waitForReceipt(ctx, reader, common.Hash{}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(TxStatusSuccess), receipt.Status)
	assert.GreaterOrEqual(t, reader.polls, 2)
}

func TestWaitForReceiptHonorsContext(t *testing.T) {
	reader := &fakeReceiptReader{receipt: nil}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := waitForReceipt(ctx, reader, common.Hash{}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHexToBytes32(t *testing.T) {
	nonce := "0xab" + strings.Repeat("00", 31)
	decoded, err := HexToBytes32(nonce)
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), decoded[0])

	_, err = HexToBytes32("0x1234")
	assert.Error(t, err)
}
