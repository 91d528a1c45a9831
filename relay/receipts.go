package relay

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/hashgraph/hedera-evm-relay/mirror"
)

// syntheticGasPrice marks pseudo-transactions materialized from orphan logs;
// no real submission carries this price.
var syntheticGasPrice = big.NewInt(0xfe)

// bloomFromLogs reconstructs a logs bloom from addresses and topics, used
// when the mirror node did not store one.
func bloomFromLogs(logs []RPCLog) types.Bloom {
	var bloom types.Bloom
	for _, entry := range logs {
		bloom.Add(entry.Address.Bytes())
		for _, topic := range entry.Topics {
			bloom.Add(topic.Bytes())
		}
	}
	return bloom
}

// resultBloom prefers the stored bloom and falls back to reconstruction.
func resultBloom(stored string, logs []RPCLog) types.Bloom {
	raw := strip0x(stored)
	if raw != "" {
		decoded, err := hexutil.Decode(ensureHexPrefix(stored))
		if err == nil && len(decoded) == types.BloomByteLength {
			return types.BytesToBloom(decoded)
		}
	}
	return bloomFromLogs(logs)
}

func resultStatus(result *mirror.ContractResult) uint64 {
	return hexOrZero(result.Status).Uint64()
}

func resultType(result *mirror.ContractResult) uint64 {
	if result.Type == nil {
		return 0
	}
	return uint64(*result.Type)
}

func resultTxIndex(result *mirror.ContractResult) uint64 {
	if result.TransactionIndex == nil {
		return 0
	}
	return uint64(*result.TransactionIndex)
}

// trieReceipt shapes one receipt for root derivation: the consensus encoding
// is RLP([status, cumulativeGasUsed, bloom, logs]) prefixed with the type
// byte for non-legacy envelopes.
func trieReceipt(txType, status, cumulativeGasUsed uint64, bloom types.Bloom, logs []RPCLog) *types.Receipt {
	typedLogs := make([]*types.Log, 0, len(logs))
	for _, entry := range logs {
		typedLogs = append(typedLogs, &types.Log{
			Address: entry.Address,
			Topics:  entry.Topics,
			Data:    entry.Data,
		})
	}
	return &types.Receipt{
		Type:              uint8(txType),
		Status:            status,
		CumulativeGasUsed: cumulativeGasUsed,
		Bloom:             bloom,
		Logs:              typedLogs,
	}
}

// ReceiptsRoot derives the Merkle-Patricia root over the block's receipts,
// ordered by transaction index. Empty blocks use the fixed default root, not
// the hash of an empty trie.
func ReceiptsRoot(receipts types.Receipts) common.Hash {
	if len(receipts) == 0 {
		return DefaultRootHash
	}
	return types.DeriveSha(receipts, trie.NewStackTrie(nil))
}

// makeRPCReceipt shapes a contract result into an Ethereum receipt.
func makeRPCReceipt(result *mirror.ContractResult, logs []RPCLog, effectiveGasPrice *big.Int) RPCReceipt {
	bloom := resultBloom(result.Bloom, logs)
	receipt := RPCReceipt{
		BlockHash:         toHash32(result.BlockHash),
		BlockNumber:       hexutil.Uint64(result.BlockNumber),
		CumulativeGasUsed: hexutil.Uint64(result.BlockGasUsed),
		EffectiveGasPrice: (*hexutil.Big)(effectiveGasPrice),
		From:              common.HexToAddress(result.From),
		GasUsed:           hexutil.Uint64(result.GasUsed),
		Logs:              logs,
		LogsBloom:         bloom.Bytes(),
		Status:            hexutil.Uint64(resultStatus(result)),
		TransactionHash:   common.HexToHash(result.Hash),
		TransactionIndex:  hexutil.Uint64(resultTxIndex(result)),
		Type:              hexutil.Uint64(resultType(result)),
	}
	if result.To != "" {
		to := common.HexToAddress(result.To)
		receipt.To = &to
	}
	// A successful create reports the new contract's address.
	if result.To == "" && len(result.CreatedContractIDs) > 0 && result.Address != "" {
		created := common.HexToAddress(result.Address)
		receipt.ContractAddress = &created
	}
	if logs == nil {
		receipt.Logs = []RPCLog{}
	}
	return receipt
}

// syntheticReceipt shapes a receipt for a transaction that exists only as
// emitted logs: successful, free, addressed to the emitting contract.
func syntheticReceipt(txHash common.Hash, logs []RPCLog) RPCReceipt {
	address := logs[0].Address
	bloom := bloomFromLogs(logs)
	return RPCReceipt{
		BlockHash:         logs[0].BlockHash,
		BlockNumber:       logs[0].BlockNumber,
		CumulativeGasUsed: 0,
		EffectiveGasPrice: (*hexutil.Big)(new(big.Int)),
		From:              address,
		GasUsed:           0,
		Logs:              logs,
		LogsBloom:         bloom.Bytes(),
		Status:            hexutil.Uint64(1),
		To:                &address,
		TransactionHash:   txHash,
		TransactionIndex:  logs[0].TransactionIndex,
		Type:              hexutil.Uint64(types.DynamicFeeTxType),
	}
}

// resultToRPCTransaction shapes a contract result into a transaction object.
// from and to are the resolved EVM addresses; result rows may carry entity
// aliases instead.
func resultToRPCTransaction(result *mirror.ContractResult, from, to string) RPCTransaction {
	blockHash := toHash32(result.BlockHash)
	blockNumber := (*hexutil.Big)(big.NewInt(result.BlockNumber))
	txIndex := hexutil.Uint64(resultTxIndex(result))
	txType := resultType(result)

	tx := RPCTransaction{
		BlockHash:        &blockHash,
		BlockNumber:      blockNumber,
		From:             common.HexToAddress(from),
		Gas:              hexutil.Uint64(result.GasLimit),
		GasPrice:         (*hexutil.Big)(hexOrZero(result.GasPrice)),
		Hash:             common.HexToHash(result.Hash),
		Input:            hexBytes(result.FunctionParameters),
		Nonce:            hexutil.Uint64(result.Nonce),
		R:                (*hexutil.Big)(hexOrZero(result.R)),
		S:                (*hexutil.Big)(hexOrZero(result.S)),
		TransactionIndex: &txIndex,
		Type:             hexutil.Uint64(txType),
		Value:            (*hexutil.Big)(weibarValue(result.Amount)),
	}
	if result.V != nil {
		tx.V = (*hexutil.Big)(big.NewInt(*result.V))
	} else {
		tx.V = (*hexutil.Big)(new(big.Int))
	}
	if to != "" {
		addr := common.HexToAddress(to)
		tx.To = &addr
	}
	if txType >= types.AccessListTxType && result.ChainID != "" && result.ChainID != "0x" {
		tx.ChainID = (*hexutil.Big)(hexOrZero(result.ChainID))
	}
	if txType >= types.DynamicFeeTxType {
		tx.MaxFeePerGas = (*hexutil.Big)(hexOrZero(result.MaxFeePerGas))
		tx.MaxPriorityFeePerGas = (*hexutil.Big)(hexOrZero(result.MaxPriorityFeePerGas))
	}
	return tx
}

// weibarValue converts a tinybar transfer amount into wei.
func weibarValue(tinybars int64) *big.Int {
	return WeibarFromTinybar(big.NewInt(tinybars))
}

// syntheticTransaction materializes a pseudo-transaction from an orphan log:
// a dynamic-fee envelope from and to the emitting contract, priced with the
// synthetic marker and carrying zero fees and signatures.
func syntheticTransaction(entry RPCLog, chainID *big.Int) RPCTransaction {
	blockHash := entry.BlockHash
	blockNumber := (*hexutil.Big)(new(big.Int).SetUint64(uint64(entry.BlockNumber)))
	txIndex := entry.TransactionIndex
	address := entry.Address
	zero := (*hexutil.Big)(new(big.Int))
	return RPCTransaction{
		BlockHash:            &blockHash,
		BlockNumber:          blockNumber,
		ChainID:              (*hexutil.Big)(chainID),
		From:                 address,
		Gas:                  hexutil.Uint64(0),
		GasPrice:             (*hexutil.Big)(syntheticGasPrice),
		Hash:                 entry.TransactionHash,
		Input:                hexutil.Bytes{},
		MaxFeePerGas:         zero,
		MaxPriorityFeePerGas: zero,
		Nonce:                0,
		R:                    zero,
		S:                    zero,
		To:                   &address,
		TransactionIndex:     &txIndex,
		Type:                 hexutil.Uint64(types.DynamicFeeTxType),
		V:                    zero,
		Value:                zero,
	}
}
