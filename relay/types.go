// Package relay implements the request execution pipeline of the Hedera EVM
// JSON-RPC relay: transaction submission, call routing, block assembly and
// the validation services they share. Reads come from the mirror node, writes
// go to the consensus network through the SDK client.
package relay

import (
	"encoding/hex"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// TinybarToWeibarCoef converts the network's smallest unit into wei:
// 1 tinybar = 10^10 weibar.
var TinybarToWeibarCoef = big.NewInt(10_000_000_000)

var (
	// DefaultRootHash stands in for roots the backend cannot produce: the
	// state root always, and the receipts/transactions roots of empty blocks.
	DefaultRootHash = common.Hash{}

	// EmptyArrayHash is keccak256(rlp([])), the canonical sha3Uncles value.
	EmptyArrayHash = types.EmptyUncleHash

	// HTSPrecompileAddress hosts the token-service system contract; getCode
	// short-circuits it to the invalid-instruction byte.
	HTSPrecompileAddress = common.HexToAddress("0x0000000000000000000000000000000000000167")

	// InvalidEVMInstruction is returned as the "code" of precompiles.
	InvalidEVMInstruction = hexutil.Bytes{0xfe}

	zeroAddress = common.Address{}
)

// Redirect-proxy runtime bytecode returned as the code of token addresses;
// the token address is spliced between prefix and postfix.
const (
	redirectBytecodePrefix  = "6080604052348015600f57600080fd5b506000610167905077618dc65e"
	redirectBytecodePostfix = "600052366000602037600080366018016008845af43d806000803e8080156058578114605a573d6000f35b3d6000fd5b3d6000fd5ea2646970667358221220d8378feed472ba49a0005514ef7087017f707b45fb9bf56bb81bb93ff19a238b64736f6c634300080b0033"
)

// DeterministicDeploymentRawTx is the well-known pre-EIP-155 transaction of
// the deterministic deployment proxy; it is exempt from the gas-price floor.
const DeterministicDeploymentRawTx = "0xf8a58085174876e800830186a08080b853604580600e600039806000f350fe7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffe03601600081602082378035828234f58015156039578182fd5b8082525050506014600cf31ba02222222222222222222222222222222222222222222222222222222222222222a02222222222222222222222222222222222222222222222222222222222222222"

// RedirectBytecodeFor renders the token redirect-proxy bytecode for an
// address.
func RedirectBytecodeFor(address common.Address) hexutil.Bytes {
	encoded := redirectBytecodePrefix + hex.EncodeToString(address.Bytes()) + redirectBytecodePostfix
	raw, _ := hex.DecodeString(encoded)
	return raw
}

// RPCLog is the Ethereum-shaped log entry.
type RPCLog struct {
	Address          common.Address  `json:"address"`
	BlockHash        common.Hash     `json:"blockHash"`
	BlockNumber      hexutil.Uint64  `json:"blockNumber"`
	BlockTimestamp   hexutil.Uint64  `json:"blockTimestamp"`
	Data             hexutil.Bytes   `json:"data"`
	LogIndex         hexutil.Uint64  `json:"logIndex"`
	Removed          bool            `json:"removed"`
	Topics           []common.Hash   `json:"topics"`
	TransactionHash  common.Hash     `json:"transactionHash"`
	TransactionIndex hexutil.Uint64  `json:"transactionIndex"`
}

// RPCTransaction is the Ethereum-shaped transaction object, covering both
// regular results and pseudo-transactions synthesized from orphan logs.
type RPCTransaction struct {
	BlockHash            *common.Hash    `json:"blockHash"`
	BlockNumber          *hexutil.Big    `json:"blockNumber"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
	From                 common.Address  `json:"from"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	Hash                 common.Hash     `json:"hash"`
	Input                hexutil.Bytes   `json:"input"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	R                    *hexutil.Big    `json:"r"`
	S                    *hexutil.Big    `json:"s"`
	To                   *common.Address `json:"to"`
	TransactionIndex     *hexutil.Uint64 `json:"transactionIndex"`
	Type                 hexutil.Uint64  `json:"type"`
	V                    *hexutil.Big    `json:"v"`
	Value                *hexutil.Big    `json:"value"`
	AccessList           *types.AccessList `json:"accessList,omitempty"`
}

// RPCBlock is the Ethereum-shaped block. Transactions holds either hashes or
// full RPCTransaction objects depending on showDetails.
type RPCBlock struct {
	BaseFeePerGas    *hexutil.Big   `json:"baseFeePerGas"`
	Difficulty       hexutil.Uint64 `json:"difficulty"`
	ExtraData        hexutil.Bytes  `json:"extraData"`
	GasLimit         hexutil.Uint64 `json:"gasLimit"`
	GasUsed          hexutil.Uint64 `json:"gasUsed"`
	Hash             common.Hash    `json:"hash"`
	LogsBloom        hexutil.Bytes  `json:"logsBloom"`
	Miner            common.Address `json:"miner"`
	MixHash          common.Hash    `json:"mixHash"`
	Nonce            hexutil.Bytes  `json:"nonce"`
	Number           hexutil.Uint64 `json:"number"`
	ParentHash       common.Hash    `json:"parentHash"`
	ReceiptsRoot     common.Hash    `json:"receiptsRoot"`
	Sha3Uncles       common.Hash    `json:"sha3Uncles"`
	Size             hexutil.Uint64 `json:"size"`
	StateRoot        common.Hash    `json:"stateRoot"`
	Timestamp        hexutil.Uint64 `json:"timestamp"`
	TotalDifficulty  hexutil.Uint64 `json:"totalDifficulty"`
	Transactions     []interface{}  `json:"transactions"`
	TransactionsRoot common.Hash    `json:"transactionsRoot"`
	Uncles           []common.Hash  `json:"uncles"`
	Withdrawals      []interface{}  `json:"withdrawals"`
	WithdrawalsRoot  common.Hash    `json:"withdrawalsRoot"`
}

// RPCReceipt is the Ethereum-shaped transaction receipt. Synthetic receipts
// represent state changes visible only as emitted logs.
type RPCReceipt struct {
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	ContractAddress   *common.Address `json:"contractAddress"`
	CumulativeGasUsed hexutil.Uint64  `json:"cumulativeGasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	From              common.Address  `json:"from"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	Logs              []RPCLog        `json:"logs"`
	LogsBloom         hexutil.Bytes   `json:"logsBloom"`
	Root              *common.Hash    `json:"root,omitempty"`
	Status            hexutil.Uint64  `json:"status"`
	To                *common.Address `json:"to"`
	TransactionHash   common.Hash     `json:"transactionHash"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	Type              hexutil.Uint64  `json:"type"`
}

// IntrinsicGas computes the bare execution cost of call data: 21000 base,
// 4 per zero byte, 16 per non-zero byte.
func IntrinsicGas(data []byte) uint64 {
	gas := params.TxGas
	for _, b := range data {
		if b == 0 {
			gas += params.TxDataZeroGas
		} else {
			gas += params.TxDataNonZeroGasEIP2028
		}
	}
	return gas
}

// WeibarFromTinybar scales a tinybar amount into wei.
func WeibarFromTinybar(tinybars *big.Int) *big.Int {
	return new(big.Int).Mul(tinybars, TinybarToWeibarCoef)
}

// decodeRevertReason extracts the human-readable string from an
// Error(string) revert payload; anything else yields "".
func decodeRevertReason(dataHex string) string {
	raw, err := hexutil.Decode(dataHex)
	if err != nil || len(raw) < 4+32+32 {
		return ""
	}
	// Error(string) selector.
	if raw[0] != 0x08 || raw[1] != 0xc3 || raw[2] != 0x79 || raw[3] != 0xa0 {
		return ""
	}
	length := new(big.Int).SetBytes(raw[4+32 : 4+64]).Uint64()
	if uint64(len(raw)) < 4+64+length {
		return ""
	}
	reason := string(raw[4+64 : 4+64+length])
	if !utf8.ValidString(reason) {
		return ""
	}
	return reason
}

// hexBytes decodes mirror-node hex data, tolerating a missing prefix and
// malformed values.
func hexBytes(s string) hexutil.Bytes {
	if s == "" {
		return hexutil.Bytes{}
	}
	raw, err := hexutil.Decode(ensureHexPrefix(s))
	if err != nil {
		return hexutil.Bytes{}
	}
	return raw
}

// strip0x removes a hex prefix if present.
func strip0x(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
}

// hexOrZero parses a possibly-empty mirror-node hex quantity.
func hexOrZero(s string) *big.Int {
	if s == "" || s == "0x" {
		return new(big.Int)
	}
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return new(big.Int)
	}
	return v
}
