package chain

const (
	// Escrow function names
	FunctionAuthorize = "authorize"
	FunctionCapture   = "capture"
	FunctionVoid      = "void"
	FunctionCharge    = "charge"
	FunctionGetHash   = "getHash"

	// ERC-3009 / ERC-20 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"
	FunctionBalanceOf                 = "balanceOf"

	// Multicall3
	FunctionAggregate3 = "aggregate3"

	// Transaction receipt status
	TxStatusSuccess = 1
	TxStatusFailed  = 0
)

// paymentInfoComponents is the ABI tuple layout of the escrow's PaymentInfo
// struct. Field order and widths must match the deployed contract exactly;
// getHash is the canonical source of session identity.
const paymentInfoComponents = `{
	"name": "paymentInfo",
	"type": "tuple",
	"components": [
		{"name": "operator", "type": "address"},
		{"name": "payer", "type": "address"},
		{"name": "receiver", "type": "address"},
		{"name": "token", "type": "address"},
		{"name": "maxAmount", "type": "uint120"},
		{"name": "preApprovalExpiry", "type": "uint48"},
		{"name": "authorizationExpiry", "type": "uint48"},
		{"name": "refundExpiry", "type": "uint48"},
		{"name": "minFeeBps", "type": "uint16"},
		{"name": "maxFeeBps", "type": "uint16"},
		{"name": "feeReceiver", "type": "address"},
		{"name": "salt", "type": "uint256"}
	]
}`

var (
	// EscrowABI covers every escrow entrypoint the facilitator invokes.
	EscrowABI = []byte(`[
		{
			"inputs": [
				` + paymentInfoComponents + `,
				{"name": "amount", "type": "uint256"},
				{"name": "tokenCollector", "type": "address"},
				{"name": "collectorData", "type": "bytes"}
			],
			"name": "authorize",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				` + paymentInfoComponents + `,
				{"name": "amount", "type": "uint256"},
				{"name": "feeBps", "type": "uint16"},
				{"name": "feeReceiver", "type": "address"}
			],
			"name": "capture",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				` + paymentInfoComponents + `
			],
			"name": "void",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				` + paymentInfoComponents + `,
				{"name": "amount", "type": "uint256"},
				{"name": "tokenCollector", "type": "address"},
				{"name": "collectorData", "type": "bytes"},
				{"name": "feeBps", "type": "uint16"},
				{"name": "feeReceiver", "type": "address"}
			],
			"name": "charge",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				` + paymentInfoComponents + `
			],
			"name": "getHash",
			"outputs": [{"name": "", "type": "bytes32"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// TransferWithAuthorizationABI is the EIP-3009 transfer entrypoint with
	// v,r,s signature components (EOA signatures).
	TransferWithAuthorizationABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// AuthorizationStateABI checks whether an EIP-3009 nonce has been consumed.
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// Multicall3ABI covers aggregate3, the failure-tolerant batch call.
	Multicall3ABI = []byte(`[
		{
			"inputs": [
				{
					"name": "calls",
					"type": "tuple[]",
					"components": [
						{"name": "target", "type": "address"},
						{"name": "allowFailure", "type": "bool"},
						{"name": "callData", "type": "bytes"}
					]
				}
			],
			"name": "aggregate3",
			"outputs": [
				{
					"name": "returnData",
					"type": "tuple[]",
					"components": [
						{"name": "success", "type": "bool"},
						{"name": "returnData", "type": "bytes"}
					]
				}
			],
			"stateMutability": "payable",
			"type": "function"
		}
	]`)
)
