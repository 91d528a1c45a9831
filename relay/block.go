package relay

import (
	"context"
	"math/big"
	"net/url"
	"runtime"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/hashgraph/hedera-evm-relay/config"
	"github.com/hashgraph/hedera-evm-relay/mirror"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// Consensus outcomes that mark a result as rejected by network-specific
// validation rather than by EVM execution; such rows never surface as
// Ethereum transactions.
var hederaSpecificValidationResults = map[string]bool{
	"WRONG_NONCE":             true,
	"INVALID_PAYER_SIGNATURE": true,
}

func isRevertedDueToHederaSpecificValidation(result *mirror.ContractResult) bool {
	return hederaSpecificValidationResults[result.Result]
}

// BlockService assembles Ethereum blocks from mirror-node block records,
// contract results and logs. Assembly iterates over potentially hundreds of
// rows with per-row address resolution, so it runs on a bounded worker pool
// instead of the request path.
type BlockService struct {
	mirror MirrorReader
	common *CommonService
	cfg    *config.Config
	logger log.Logger

	workers chan struct{}
}

func NewBlockService(reader MirrorReader, common *CommonService, cfg *config.Config, logger log.Logger) *BlockService {
	return &BlockService{
		mirror:  reader,
		common:  common,
		cfg:     cfg,
		logger:  logger,
		workers: make(chan struct{}, runtime.NumCPU()),
	}
}

func (s *BlockService) acquireWorker(ctx context.Context) error {
	select {
	case s.workers <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BlockService) releaseWorker() { <-s.workers }

// blockRange fetches a block's contract results and logs in parallel.
func (s *BlockService) blockRange(ctx context.Context, block *mirror.Block, rd reqctx.RequestDetails) ([]mirror.ContractResult, []mirror.Log, error) {
	rangeParams := func() url.Values {
		params := url.Values{}
		params.Add("timestamp", "gte:"+block.Timestamp.From)
		params.Add("timestamp", "lte:"+block.Timestamp.To)
		params.Set("limit", "100")
		params.Set("order", "asc")
		return params
	}
	var results []mirror.ContractResult
	var logs []mirror.Log
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		results, err = s.mirror.GetContractResults(gctx, rangeParams(), rd)
		return err
	})
	g.Go(func() error {
		var err error
		logs, err = s.mirror.GetContractResultsLogs(gctx, rangeParams(), rd)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return results, logs, nil
}

// GetBlock assembles the Ethereum view of one block. Unknown blocks resolve
// to (nil, nil).
func (s *BlockService) GetBlock(ctx context.Context, hashOrNumber string, showDetails bool, rd reqctx.RequestDetails) (*RPCBlock, error) {
	block, err := s.common.GetHistoricalBlock(ctx, hashOrNumber, true, rd)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}
	if err := s.acquireWorker(ctx); err != nil {
		return nil, err
	}
	defer s.releaseWorker()
	return s.assemble(ctx, block, showDetails, rd)
}

func (s *BlockService) assemble(ctx context.Context, block *mirror.Block, showDetails bool, rd reqctx.RequestDetails) (*RPCBlock, error) {
	results, logs, err := s.blockRange(ctx, block, rd)
	if err != nil {
		return nil, err
	}
	if showDetails && len(results) >= s.cfg.TxCountMaxBlockRange {
		return nil, ErrMaxBlockSize(int64(len(results)))
	}

	rpcLogs := make([]RPCLog, 0, len(logs))
	logsByTx := make(map[common.Hash][]RPCLog)
	for _, entry := range logs {
		rpcLog := logToRPC(entry)
		rpcLogs = append(rpcLogs, rpcLog)
		logsByTx[rpcLog.TransactionHash] = append(logsByTx[rpcLog.TransactionHash], rpcLog)
	}

	var transactions []interface{}
	var receipts types.Receipts
	var totalGas uint64
	seen := make(map[common.Hash]bool)

	kept := make([]*mirror.ContractResult, 0, len(results))
	for i := range results {
		if isRevertedDueToHederaSpecificValidation(&results[i]) {
			continue
		}
		kept = append(kept, &results[i])
	}

	// Resolve every from/to pair in parallel before emitting in order.
	froms := make([]string, len(kept))
	tos := make([]string, len(kept))
	g, gctx := errgroup.WithContext(ctx)
	for i, result := range kept {
		i, result := i, result
		g.Go(func() error {
			froms[i] = s.common.ResolveEvmAddress(gctx, result.From, rd)
			return nil
		})
		g.Go(func() error {
			tos[i] = s.common.ResolveEvmAddress(gctx, result.To, rd)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, result := range kept {
		hash := common.HexToHash(result.Hash)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		if showDetails {
			transactions = append(transactions, resultToRPCTransaction(result, froms[i], tos[i]))
		} else {
			transactions = append(transactions, hash)
		}
		txLogs := logsByTx[hash]
		receipts = append(receipts, trieReceipt(resultType(result), resultStatus(result), uint64(result.BlockGasUsed), resultBloom(result.Bloom, txLogs), txLogs))
		totalGas += uint64(result.GasUsed)
	}

	// Orphan logs witness operations with no contract result, e.g. native
	// token transfers; they surface as synthetic transactions.
	for _, entry := range rpcLogs {
		hash := entry.TransactionHash
		if seen[hash] {
			continue
		}
		seen[hash] = true
		if showDetails {
			transactions = append(transactions, syntheticTransaction(entry, s.cfg.ChainID))
		} else {
			transactions = append(transactions, hash)
		}
		txLogs := logsByTx[hash]
		receipts = append(receipts, trieReceipt(types.DynamicFeeTxType, 1, 0, bloomFromLogs(txLogs), txLogs))
	}

	return s.shapeBlock(ctx, block, transactions, receipts, rpcLogs, rd), nil
}

func (s *BlockService) shapeBlock(ctx context.Context, block *mirror.Block, transactions []interface{}, receipts types.Receipts, logs []RPCLog, rd reqctx.RequestDetails) *RPCBlock {
	blockHash := toHash32(block.Hash)
	transactionsRoot := DefaultRootHash
	if len(transactions) > 0 {
		transactionsRoot = blockHash
	}
	baseFee := new(big.Int)
	if price, err := s.common.GasPrice(ctx, rd); err == nil {
		baseFee = price
	} else {
		s.logger.Debug("failed to fetch gas price for baseFeePerGas", "err", err, "requestId", rd.RequestID)
	}
	bloom := resultBloom(block.LogsBloom, logs)
	if transactions == nil {
		transactions = []interface{}{}
	}
	return &RPCBlock{
		BaseFeePerGas:    (*hexutil.Big)(baseFee),
		Difficulty:       1,
		ExtraData:        hexutil.Bytes{},
		GasLimit:         hexutil.Uint64(s.cfg.MaxGasPerSec),
		GasUsed:          hexutil.Uint64(block.GasUsed),
		Hash:             blockHash,
		LogsBloom:        bloom.Bytes(),
		Miner:            zeroAddress,
		MixHash:          common.Hash{},
		Nonce:            make(hexutil.Bytes, 8),
		Number:           hexutil.Uint64(block.Number),
		ParentHash:       toHash32(block.PreviousHash),
		ReceiptsRoot:     ReceiptsRoot(receipts),
		Sha3Uncles:       EmptyArrayHash,
		Size:             hexutil.Uint64(block.Size),
		StateRoot:        DefaultRootHash,
		Timestamp:        hexutil.Uint64(mirror.TimestampSeconds(block.Timestamp.From)),
		Transactions:     transactions,
		TransactionsRoot: transactionsRoot,
		Uncles:           []common.Hash{},
		Withdrawals:      []interface{}{},
		WithdrawalsRoot:  DefaultRootHash,
	}
}

// GetBlockReceipts returns every receipt of a block, synthetic ones included.
func (s *BlockService) GetBlockReceipts(ctx context.Context, hashOrNumber string, rd reqctx.RequestDetails) ([]RPCReceipt, error) {
	block, err := s.common.GetHistoricalBlock(ctx, hashOrNumber, true, rd)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}
	if err := s.acquireWorker(ctx); err != nil {
		return nil, err
	}
	defer s.releaseWorker()

	results, logs, err := s.blockRange(ctx, block, rd)
	if err != nil {
		return nil, err
	}
	effectiveGasPrice, err := s.common.GasPriceAt(ctx, block.Timestamp.From, rd)
	if err != nil {
		s.logger.Debug("failed to fetch historical gas price", "err", err, "requestId", rd.RequestID)
		effectiveGasPrice = new(big.Int)
	}

	logsByTx := make(map[common.Hash][]RPCLog)
	var order []common.Hash
	for _, entry := range logs {
		rpcLog := logToRPC(entry)
		if _, ok := logsByTx[rpcLog.TransactionHash]; !ok {
			order = append(order, rpcLog.TransactionHash)
		}
		logsByTx[rpcLog.TransactionHash] = append(logsByTx[rpcLog.TransactionHash], rpcLog)
	}

	receipts := make([]RPCReceipt, 0, len(results))
	seen := make(map[common.Hash]bool)
	for i := range results {
		result := &results[i]
		if isRevertedDueToHederaSpecificValidation(result) {
			continue
		}
		hash := common.HexToHash(result.Hash)
		seen[hash] = true
		receipts = append(receipts, makeRPCReceipt(result, logsByTx[hash], effectiveGasPrice))
	}
	for _, hash := range order {
		if seen[hash] {
			continue
		}
		receipts = append(receipts, syntheticReceipt(hash, logsByTx[hash]))
	}
	return receipts, nil
}

// GetBlockTransactionCount returns the mirror node's per-block transaction
// count without assembling the block.
func (s *BlockService) GetBlockTransactionCount(ctx context.Context, hashOrNumber string, rd reqctx.RequestDetails) (*hexutil.Uint64, error) {
	block, err := s.common.GetHistoricalBlock(ctx, hashOrNumber, true, rd)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}
	count := hexutil.Uint64(block.Count)
	return &count, nil
}
