package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	hedera "github.com/hashgraph/hedera-sdk-go/v2"
	"github.com/holiman/uint256"

	"github.com/hashgraph/hedera-evm-relay/config"
	"github.com/hashgraph/hedera-evm-relay/hbar"
	"github.com/hashgraph/hedera-evm-relay/keylock"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
	"github.com/hashgraph/hedera-evm-relay/sdkclient"
)

// asyncSubmissionTimeout bounds the detached continuation of an async
// sendRawTransaction; the client already has its hash.
const asyncSubmissionTimeout = 2 * time.Minute

var (
	submittedCounter = metrics.NewRegisteredCounter("relay/tx_submitted", nil)
	rejectedCounter  = metrics.NewRegisteredCounter("relay/tx_rejected", nil)
)

// TransactionService owns the submission pipeline and the transaction read
// surface.
type TransactionService struct {
	mirror    MirrorReader
	consensus ConsensusWriter
	common    *CommonService
	precheck  *Precheck
	governor  *hbar.Governor
	locks     keylock.KeyLock
	pool      *Pool
	cfg       *config.Config
	logger    log.Logger
}

func NewTransactionService(reader MirrorReader, writer ConsensusWriter, common *CommonService, precheck *Precheck, governor *hbar.Governor, locks keylock.KeyLock, pool *Pool, cfg *config.Config, logger log.Logger) *TransactionService {
	return &TransactionService{
		mirror:    reader,
		consensus: writer,
		common:    common,
		precheck:  precheck,
		governor:  governor,
		locks:     locks,
		pool:      pool,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *TransactionService) logsForTransaction(ctx context.Context, hash string, rd reqctx.RequestDetails) ([]RPCLog, error) {
	params := url.Values{}
	params.Set("transaction.hash", hash)
	logs, err := s.mirror.GetContractResultsLogs(ctx, params, rd)
	if err != nil {
		return nil, err
	}
	out := make([]RPCLog, 0, len(logs))
	for _, entry := range logs {
		out = append(out, logToRPC(entry))
	}
	return out, nil
}

// GetTransactionByHash resolves a transaction, synthesizing one from logs
// when the operation left no contract result.
func (s *TransactionService) GetTransactionByHash(ctx context.Context, hash common.Hash, rd reqctx.RequestDetails) (*RPCTransaction, error) {
	result, err := s.mirror.GetContractResult(ctx, hash.Hex(), rd)
	if err != nil {
		return nil, err
	}
	if result == nil {
		logs, err := s.logsForTransaction(ctx, hash.Hex(), rd)
		if err != nil || len(logs) == 0 {
			return nil, err
		}
		tx := syntheticTransaction(logs[0], s.cfg.ChainID)
		return &tx, nil
	}
	from := s.common.ResolveEvmAddress(ctx, result.From, rd)
	to := s.common.ResolveEvmAddress(ctx, result.To, rd)
	tx := resultToRPCTransaction(result, from, to)
	return &tx, nil
}

// GetTransactionReceipt resolves a receipt with the same synthetic fallback.
func (s *TransactionService) GetTransactionReceipt(ctx context.Context, hash common.Hash, rd reqctx.RequestDetails) (*RPCReceipt, error) {
	result, err := s.mirror.GetContractResult(ctx, hash.Hex(), rd)
	if err != nil {
		return nil, err
	}
	logs, err := s.logsForTransaction(ctx, hash.Hex(), rd)
	if err != nil {
		return nil, err
	}
	if result == nil {
		if len(logs) == 0 {
			return nil, nil
		}
		receipt := syntheticReceipt(hash, logs)
		return &receipt, nil
	}
	price := hexOrZero(result.GasPrice)
	if price.Sign() == 0 {
		price, err = s.common.GasPriceAt(ctx, result.Timestamp, rd)
		if err != nil {
			s.logger.Debug("failed to resolve historical gas price", "err", err, "requestId", rd.RequestID)
			price = new(big.Int)
		}
	}
	receipt := makeRPCReceipt(result, logs, price)
	return &receipt, nil
}

// GetTransactionByBlockAndIndex resolves the transaction at one index of a
// block identified by hash or number.
func (s *TransactionService) GetTransactionByBlockAndIndex(ctx context.Context, blockHashOrNumber string, index uint64, rd reqctx.RequestDetails) (*RPCTransaction, error) {
	block, err := s.common.GetHistoricalBlock(ctx, blockHashOrNumber, true, rd)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}
	params := url.Values{}
	params.Add("timestamp", "gte:"+block.Timestamp.From)
	params.Add("timestamp", "lte:"+block.Timestamp.To)
	params.Set("transaction.index", fmt.Sprintf("%d", index))
	params.Set("limit", "1")
	results, err := s.mirror.GetContractResults(ctx, params, rd)
	if err != nil {
		return nil, err
	}
	for i := range results {
		result := &results[i]
		if isRevertedDueToHederaSpecificValidation(result) {
			continue
		}
		from := s.common.ResolveEvmAddress(ctx, result.From, rd)
		to := s.common.ResolveEvmAddress(ctx, result.To, rd)
		tx := resultToRPCTransaction(result, from, to)
		return &tx, nil
	}
	return nil, nil
}

// GetTransactionCount returns the account nonce at a block tag. "pending"
// additionally counts this relay's in-flight submissions.
func (s *TransactionService) GetTransactionCount(ctx context.Context, address common.Address, blockTag string, rd reqctx.RequestDetails) (hexutil.Uint64, error) {
	tag := strings.ToLower(blockTag)
	if tag == "earliest" {
		return 0, nil
	}
	if isBlockTag(tag) {
		account, err := s.mirror.GetAccount(ctx, address.Hex(), rd)
		if err != nil {
			return 0, err
		}
		nonce := uint64(0)
		if account != nil {
			nonce = uint64(account.EthereumNonce)
		}
		if tag == "pending" {
			nonce += uint64(s.pool.PendingCount(ctx, strings.ToLower(address.Hex()), rd))
		}
		return hexutil.Uint64(nonce), nil
	}
	block, err := s.common.GetHistoricalBlock(ctx, blockTag, true, rd)
	if err != nil {
		return 0, err
	}
	if block == nil {
		return 0, ErrUnknownBlock(blockTag)
	}
	account, err := s.mirror.GetAccountAt(ctx, address.Hex(), block.Timestamp.To, rd)
	if err != nil {
		return 0, err
	}
	if account == nil {
		return 0, nil
	}
	return hexutil.Uint64(account.EthereumNonce), nil
}

// SendRawTransaction runs the submission pipeline: parse, pool, serialize per
// sender, validate, submit and reconcile against the mirror node.
func (s *TransactionService) SendRawTransaction(ctx context.Context, rawHex string, rd reqctx.RequestDetails) (common.Hash, error) {
	parsed, err := ParseTransaction(rawHex, s.cfg.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	sender := strings.ToLower(parsed.From.Hex())
	s.pool.Add(ctx, sender, parsed.Tx.Nonce(), parsed.Hash().Hex(), rd)

	session := s.locks.Acquire(ctx, sender, rd)
	release := func(ctx context.Context) {
		if session != "" {
			s.locks.Release(ctx, sender, session, rd)
		}
		s.pool.Remove(ctx, sender, parsed.Tx.Nonce(), rd)
	}

	gasPrice, err := s.common.GasPrice(ctx, rd)
	if err != nil {
		release(ctx)
		return common.Hash{}, err
	}
	if err := s.precheck.Verify(ctx, parsed, gasPrice, rd); err != nil {
		release(ctx)
		rejectedCounter.Inc(1)
		return common.Hash{}, err
	}

	if s.cfg.UseAsyncTxProcessing {
		// The client gets the hash now; the remainder runs detached with
		// its own deadline, observable only via logs and the mirror node.
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), asyncSubmissionTimeout)
			defer cancel()
			defer release(dctx)
			if _, err := s.submitAndReconcile(dctx, parsed, sender, gasPrice, rd); err != nil {
				s.logger.Warn("async transaction submission failed",
					"hash", parsed.Hash().Hex(), "from", sender, "err", err, "requestId", rd.RequestID)
			}
		}()
		return parsed.Hash(), nil
	}

	hash, err := s.submitAndReconcileWithRelease(ctx, parsed, sender, gasPrice, release, rd)
	return hash, err
}

func (s *TransactionService) submitAndReconcileWithRelease(ctx context.Context, parsed *ParsedTransaction, sender string, gasPrice *big.Int, release func(context.Context), rd reqctx.RequestDetails) (common.Hash, error) {
	released := false
	defer func() {
		if !released {
			release(ctx)
		}
	}()
	txID, fileID, submitErr := s.submit(ctx, parsed, sender, gasPrice, rd)
	// The consensus network has the submission (or definitively rejected
	// it); the next sender transaction can proceed.
	release(ctx)
	released = true
	s.cleanupFile(fileID, rd)
	return s.finalize(ctx, parsed, txID, submitErr, rd)
}

func (s *TransactionService) submitAndReconcile(ctx context.Context, parsed *ParsedTransaction, sender string, gasPrice *big.Int, rd reqctx.RequestDetails) (common.Hash, error) {
	txID, fileID, submitErr := s.submit(ctx, parsed, sender, gasPrice, rd)
	s.cleanupFile(fileID, rd)
	return s.finalize(ctx, parsed, txID, submitErr, rd)
}

// cleanupFile schedules the HFS file delete, detached from the request.
// Failures are logged inside the SDK client and never surface to the caller.
func (s *TransactionService) cleanupFile(fileID *hedera.FileID, rd reqctx.RequestDetails) {
	if fileID == nil {
		return
	}
	id := *fileID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.consensus.DeleteFile(ctx, id, rd)
	}()
}

// submit performs the consensus-node submission, offloading oversized call
// data to HFS first. The returned file id is non-nil whenever a file was
// created, success or not, so the caller always schedules the delete.
func (s *TransactionService) submit(ctx context.Context, parsed *ParsedTransaction, sender string, gasPrice *big.Int, rd reqctx.RequestDetails) (hedera.TransactionID, *hedera.FileID, error) {
	raw := parsed.RawBytes
	data := parsed.Tx.Data()
	var fileID *hedera.FileID

	if len(data) > s.cfg.FileAppendChunkSize && !s.cfg.JumboTxEnabled {
		rate, err := s.mirror.GetNetworkExchangeRate(ctx, "", rd)
		if err != nil {
			return hedera.TransactionID{}, nil, err
		}
		estimated := sdkclient.EstimateFileTransactionsFee(len(data), s.cfg.FileAppendChunkSize, rate.CurrentRate)
		if s.governor.ShouldLimit(ctx, "TransactionService", "eth_sendRawTransaction", sender, estimated, rd) {
			return hedera.TransactionID{}, nil, ErrHbarRateLimitExceeded()
		}
		fileID, err = s.consensus.CreateFile(ctx, data, rd)
		if err != nil {
			return hedera.TransactionID{}, fileID, err
		}
		raw, err = stripCallData(parsed.Tx)
		if err != nil {
			return hedera.TransactionID{}, fileID, err
		}
	}

	gasPriceTinybars := new(big.Int).Div(gasPrice, TinybarToWeibarCoef)
	maxFeeTinybars := new(big.Int).Mul(gasPriceTinybars, new(big.Int).SetUint64(s.cfg.MaxTransactionFeeThreshold)).Int64()
	var gasAllowanceTinybars int64
	if to := parsed.Tx.To(); to != nil && s.cfg.IsPaymaster(to.Hex()) {
		gasAllowanceTinybars = maxFeeTinybars
	}

	txID, err := s.consensus.SubmitEthereumTransaction(ctx, raw, fileID, maxFeeTinybars, gasAllowanceTinybars, rd)
	if err == nil {
		submittedCounter.Inc(1)
		s.recordExpense(txID, sender, rd)
	}
	return txID, fileID, err
}

// recordExpense settles the governor's books with the observed cost once the
// record is queryable; detached, the submission result does not wait on it.
func (s *TransactionService) recordExpense(txID hedera.TransactionID, sender string, rd reqctx.RequestDetails) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		record, err := s.consensus.GetTransactionRecordMetrics(ctx, txID, rd)
		if err != nil {
			s.logger.Debug("failed to fetch transaction record metrics", "txId", txID.String(), "err", err)
			return
		}
		s.governor.AddExpense(ctx, record.CostTinybars, "eth_sendRawTransaction", sender, rd)
	}()
}

// finalize classifies the submission outcome and reconciles against the
// mirror node.
func (s *TransactionService) finalize(ctx context.Context, parsed *ParsedTransaction, txID hedera.TransactionID, submitErr error, rd reqctx.RequestDetails) (common.Hash, error) {
	var carried error
	if submitErr != nil {
		rejected, reconcile := s.classify(ctx, parsed, submitErr, rd)
		if !reconcile {
			rejectedCounter.Inc(1)
			return common.Hash{}, rejected
		}
		carried = rejected
	}
	hash, err := s.reconcile(ctx, txID, rd)
	if err == nil {
		return hash, nil
	}
	if carried != nil {
		return common.Hash{}, carried
	}
	return common.Hash{}, err
}

// classify sorts a consensus submission error into a client-facing rejection
// or a post-execution outcome whose record the mirror node will still carry.
// The second return is true when reconciliation should proceed.
func (s *TransactionService) classify(ctx context.Context, parsed *ParsedTransaction, submitErr error, rd reqctx.RequestDetails) (error, bool) {
	var precheckErr hedera.ErrHederaPreCheckStatus
	if errors.As(submitErr, &precheckErr) {
		status := precheckErr.Status.String()
		if status == "WRONG_NONCE" {
			return s.disambiguateNonce(ctx, parsed, rd), false
		}
		return ErrTransactionRejected(status, precheckErr.Error()), false
	}
	var receiptErr hedera.ErrHederaReceiptStatus
	if errors.As(submitErr, &receiptErr) {
		// The transaction executed; its record carries the Ethereum hash.
		return ErrTransactionRejected(receiptErr.Status.String(), receiptErr.Error()), true
	}
	return submitErr, false
}

// disambiguateNonce turns WRONG_NONCE into NONCE_TOO_LOW or NONCE_TOO_HIGH
// using the mirror node's view of the account.
func (s *TransactionService) disambiguateNonce(ctx context.Context, parsed *ParsedTransaction, rd reqctx.RequestDetails) error {
	account, err := s.mirror.GetAccount(ctx, parsed.From.Hex(), rd)
	if err != nil || account == nil {
		return ErrTransactionRejected("WRONG_NONCE", "")
	}
	accountNonce := uint64(account.EthereumNonce)
	if parsed.Tx.Nonce() < accountNonce {
		return ErrNonceTooLow(parsed.Tx.Nonce(), accountNonce)
	}
	return ErrNonceTooHigh(parsed.Tx.Nonce(), accountNonce)
}

// reconcile polls the mirror node for the submitted transaction's contract
// result with exponential backoff and returns its Ethereum hash.
func (s *TransactionService) reconcile(ctx context.Context, txID hedera.TransactionID, rd reqctx.RequestDetails) (common.Hash, error) {
	mirrorID := sdkclient.MirrorTransactionID(txID)
	if mirrorID == "" || txID.AccountID == nil {
		return common.Hash{}, ErrInternal("submission returned a malformed transaction id")
	}
	delay := s.cfg.SendRawTxRetryDelay
	for attempt := 0; attempt <= s.cfg.SendRawTxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return common.Hash{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		result, err := s.mirror.GetContractResult(ctx, mirrorID, rd)
		if err != nil {
			s.logger.Debug("mirror reconciliation attempt failed", "txId", mirrorID, "attempt", attempt, "err", err, "requestId", rd.RequestID)
			continue
		}
		if result != nil && result.Hash != "" {
			return common.HexToHash(result.Hash), nil
		}
	}
	return common.Hash{}, ErrInternal("transaction record not yet available for " + mirrorID)
}

// stripCallData re-encodes a transaction with empty call data; the consensus
// node reads the payload from the attached HFS file instead.
func stripCallData(tx *types.Transaction) ([]byte, error) {
	v, r, sig := tx.RawSignatureValues()
	var inner types.TxData
	switch tx.Type() {
	case types.LegacyTxType:
		inner = &types.LegacyTx{
			Nonce: tx.Nonce(), GasPrice: tx.GasPrice(), Gas: tx.Gas(),
			To: tx.To(), Value: tx.Value(),
			V: v, R: r, S: sig,
		}
	case types.AccessListTxType:
		inner = &types.AccessListTx{
			ChainID: tx.ChainId(), Nonce: tx.Nonce(), GasPrice: tx.GasPrice(),
			Gas: tx.Gas(), To: tx.To(), Value: tx.Value(), AccessList: tx.AccessList(),
			V: v, R: r, S: sig,
		}
	case types.DynamicFeeTxType:
		inner = &types.DynamicFeeTx{
			ChainID: tx.ChainId(), Nonce: tx.Nonce(),
			GasTipCap: tx.GasTipCap(), GasFeeCap: tx.GasFeeCap(),
			Gas: tx.Gas(), To: tx.To(), Value: tx.Value(), AccessList: tx.AccessList(),
			V: v, R: r, S: sig,
		}
	case types.SetCodeTxType:
		to := zeroAddress
		if tx.To() != nil {
			to = *tx.To()
		}
		inner = &types.SetCodeTx{
			ChainID: uint256.MustFromBig(tx.ChainId()), Nonce: tx.Nonce(),
			GasTipCap: uint256.MustFromBig(tx.GasTipCap()), GasFeeCap: uint256.MustFromBig(tx.GasFeeCap()),
			Gas: tx.Gas(), To: to, Value: uint256.MustFromBig(tx.Value()),
			AccessList: tx.AccessList(), AuthList: tx.SetCodeAuthorizations(),
			V: uint256.MustFromBig(v), R: uint256.MustFromBig(r), S: uint256.MustFromBig(sig),
		}
	default:
		return nil, ErrUnsupportedTransactionType()
	}
	return types.NewTx(inner).MarshalBinary()
}
