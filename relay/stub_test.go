package relay

import (
	"context"
	"math/big"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/log"
	hedera "github.com/hashgraph/hedera-sdk-go/v2"

	"github.com/hashgraph/hedera-evm-relay/cache"
	"github.com/hashgraph/hedera-evm-relay/config"
	"github.com/hashgraph/hedera-evm-relay/keylock"
	"github.com/hashgraph/hedera-evm-relay/mirror"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
	"github.com/hashgraph/hedera-evm-relay/sdkclient"
)

// stubMirror implements MirrorReader with overridable behaviors; unset
// behaviors resolve to "not found".
type stubMirror struct {
	latestBlock     func() (*mirror.Block, error)
	block           func(string) (*mirror.Block, error)
	contractResults func(url.Values) ([]mirror.ContractResult, error)
	contractResult  func(string) (*mirror.ContractResult, error)
	logs            func(url.Values) ([]mirror.Log, error)
	logsByAddress   func(string, url.Values) ([]mirror.Log, error)
	postCall        func(mirror.ContractCallRequest) (*mirror.ContractCallResponse, error)
	account         func(string) (*mirror.Account, error)
	accountAt       func(string, string) (*mirror.Account, error)
	contract        func(string) (*mirror.Contract, error)
	token           func(string) (*mirror.Token, error)
	entity          func(string) (*mirror.Entity, error)
	fees            func(string) (*mirror.NetworkFees, error)
	exchangeRate    func(string) (*mirror.ExchangeRate, error)
	state           func(string, string, string) ([]mirror.ContractStateEntry, error)
}

func (m *stubMirror) GetLatestBlock(ctx context.Context, rd reqctx.RequestDetails) (*mirror.Block, error) {
	if m.latestBlock != nil {
		return m.latestBlock()
	}
	return nil, &mirror.ClientError{StatusCode: 404}
}

func (m *stubMirror) GetBlock(ctx context.Context, hashOrNumber string, rd reqctx.RequestDetails) (*mirror.Block, error) {
	if m.block != nil {
		return m.block(hashOrNumber)
	}
	return nil, nil
}

func (m *stubMirror) GetContractResults(ctx context.Context, params url.Values, rd reqctx.RequestDetails) ([]mirror.ContractResult, error) {
	if m.contractResults != nil {
		return m.contractResults(params)
	}
	return nil, nil
}

func (m *stubMirror) GetContractResult(ctx context.Context, hashOrID string, rd reqctx.RequestDetails) (*mirror.ContractResult, error) {
	if m.contractResult != nil {
		return m.contractResult(hashOrID)
	}
	return nil, nil
}

func (m *stubMirror) GetContractResultsLogs(ctx context.Context, params url.Values, rd reqctx.RequestDetails) ([]mirror.Log, error) {
	if m.logs != nil {
		return m.logs(params)
	}
	return nil, nil
}

func (m *stubMirror) GetContractResultsLogsByAddress(ctx context.Context, address string, params url.Values, rd reqctx.RequestDetails) ([]mirror.Log, error) {
	if m.logsByAddress != nil {
		return m.logsByAddress(address, params)
	}
	return nil, nil
}

func (m *stubMirror) PostContractCall(ctx context.Context, call mirror.ContractCallRequest, rd reqctx.RequestDetails) (*mirror.ContractCallResponse, error) {
	if m.postCall != nil {
		return m.postCall(call)
	}
	return &mirror.ContractCallResponse{Result: "0x"}, nil
}

func (m *stubMirror) GetAccount(ctx context.Context, idOrAddress string, rd reqctx.RequestDetails) (*mirror.Account, error) {
	if m.account != nil {
		return m.account(idOrAddress)
	}
	return nil, nil
}

func (m *stubMirror) GetAccountAt(ctx context.Context, idOrAddress, timestamp string, rd reqctx.RequestDetails) (*mirror.Account, error) {
	if m.accountAt != nil {
		return m.accountAt(idOrAddress, timestamp)
	}
	return nil, nil
}

func (m *stubMirror) GetContract(ctx context.Context, idOrAddress string, rd reqctx.RequestDetails) (*mirror.Contract, error) {
	if m.contract != nil {
		return m.contract(idOrAddress)
	}
	return nil, nil
}

func (m *stubMirror) GetToken(ctx context.Context, tokenID string, rd reqctx.RequestDetails) (*mirror.Token, error) {
	if m.token != nil {
		return m.token(tokenID)
	}
	return nil, nil
}

func (m *stubMirror) ResolveEntity(ctx context.Context, address string, rd reqctx.RequestDetails) (*mirror.Entity, error) {
	if m.entity != nil {
		return m.entity(address)
	}
	return nil, nil
}

func (m *stubMirror) GetNetworkFees(ctx context.Context, timestamp string, rd reqctx.RequestDetails) (*mirror.NetworkFees, error) {
	if m.fees != nil {
		return m.fees(timestamp)
	}
	return &mirror.NetworkFees{Fees: []mirror.NetworkFee{{Gas: 71, TransactionType: "EthereumTransaction"}}}, nil
}

func (m *stubMirror) GetNetworkExchangeRate(ctx context.Context, timestamp string, rd reqctx.RequestDetails) (*mirror.ExchangeRate, error) {
	if m.exchangeRate != nil {
		return m.exchangeRate(timestamp)
	}
	return &mirror.ExchangeRate{CurrentRate: mirror.Rate{CentEquivalent: 12, HbarEquivalent: 1}}, nil
}

func (m *stubMirror) GetContractStateByAddressAndSlot(ctx context.Context, address, slot, timestamp string, rd reqctx.RequestDetails) ([]mirror.ContractStateEntry, error) {
	if m.state != nil {
		return m.state(address, slot, timestamp)
	}
	return nil, nil
}

// stubConsensus implements ConsensusWriter with overridable behaviors.
type stubConsensus struct {
	submit     func([]byte, *hedera.FileID, int64, int64) (hedera.TransactionID, error)
	createFile func([]byte) (*hedera.FileID, error)
	deleteFile func(hedera.FileID)
	record     func(hedera.TransactionID) (*sdkclient.TransactionRecordMetrics, error)
	call       func(string, []byte, uint64) ([]byte, error)
}

func (c *stubConsensus) SubmitEthereumTransaction(ctx context.Context, rawTx []byte, callDataFileID *hedera.FileID, maxFeeTinybars, gasAllowanceTinybars int64, rd reqctx.RequestDetails) (hedera.TransactionID, error) {
	if c.submit != nil {
		return c.submit(rawTx, callDataFileID, maxFeeTinybars, gasAllowanceTinybars)
	}
	return testTransactionID(), nil
}

func (c *stubConsensus) CreateFile(ctx context.Context, callData []byte, rd reqctx.RequestDetails) (*hedera.FileID, error) {
	if c.createFile != nil {
		return c.createFile(callData)
	}
	return &hedera.FileID{File: 4242}, nil
}

func (c *stubConsensus) DeleteFile(ctx context.Context, fileID hedera.FileID, rd reqctx.RequestDetails) {
	if c.deleteFile != nil {
		c.deleteFile(fileID)
	}
}

func (c *stubConsensus) GetTransactionRecordMetrics(ctx context.Context, txID hedera.TransactionID, rd reqctx.RequestDetails) (*sdkclient.TransactionRecordMetrics, error) {
	if c.record != nil {
		return c.record(txID)
	}
	return &sdkclient.TransactionRecordMetrics{TransactionID: txID.String(), Status: "SUCCESS"}, nil
}

func (c *stubConsensus) CallContract(ctx context.Context, to string, data []byte, gas uint64, rd reqctx.RequestDetails) ([]byte, error) {
	if c.call != nil {
		return c.call(to, data, gas)
	}
	return []byte{0x01}, nil
}

func (c *stubConsensus) OperatorAddress() string {
	return "0x0000000000000000000000000000000000000384"
}

func testTransactionID() hedera.TransactionID {
	accountID, _ := hedera.AccountIDFromString("0.0.902")
	return hedera.NewTransactionIDWithValidStart(accountID, time.Unix(1_700_000_000, 0))
}

func testConfig() *config.Config {
	return &config.Config{
		ChainID:                    big.NewInt(0x12a),
		EthCallCacheTTL:            time.Second,
		EthGetCodeCacheTTL:         time.Hour,
		EthBlockNumberCacheTTL:     time.Second,
		EthGetLogsBlockRangeLimit:  1000,
		MaxBlockRange:              5,
		TxCountMaxBlockRange:       4000,
		MaxGasPerSec:               15_000_000,
		GasPriceTinyBarBuffer:      10_000_000_000,
		FileAppendChunkSize:        config.DefaultFileAppendChunkSize,
		FileAppendMaxChunks:        config.DefaultFileAppendMaxChunks,
		SendRawTxRetries:           2,
		SendRawTxRetryDelay:        time.Millisecond,
		CallDataSizeLimit:          config.DefaultCallDataSizeLimit,
		TransactionSizeLimit:       config.DefaultTransactionSizeLimit,
		MaxTransactionFeeThreshold: config.DefaultMaxTransactionFeeThreshold,
		HbarLimits:                 config.HbarLimits{Enabled: false},
		LockTTL:                    time.Second,
		LockAcquisitionTimeout:     2 * time.Second,
		FilterAPIEnabled:           true,
		FilterTTL:                  time.Minute,
	}
}

func newTestLocks(cfg *config.Config) keylock.KeyLock {
	return keylock.NewLocalKeyLock(cfg.LockTTL, cfg.LockAcquisitionTimeout, log.Root())
}

func testRelay(cfg *config.Config, reader MirrorReader, writer ConsensusWriter) *Relay {
	store := cache.NewLRUCache(1000, time.Minute, log.Root())
	locks := newTestLocks(cfg)
	return NewWithBackends(cfg, reader, writer, store, locks, log.Root())
}
