package relay

import (
	"context"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/log"
	hedera "github.com/hashgraph/hedera-sdk-go/v2"

	"github.com/hashgraph/hedera-evm-relay/cache"
	"github.com/hashgraph/hedera-evm-relay/config"
	"github.com/hashgraph/hedera-evm-relay/hbar"
	"github.com/hashgraph/hedera-evm-relay/keylock"
	"github.com/hashgraph/hedera-evm-relay/mirror"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
	"github.com/hashgraph/hedera-evm-relay/sdkclient"
)

// MirrorReader is the read capability set the relay core depends on. The
// mirror HTTP client implements it; tests inject stubs.
type MirrorReader interface {
	GetLatestBlock(ctx context.Context, rd reqctx.RequestDetails) (*mirror.Block, error)
	GetBlock(ctx context.Context, hashOrNumber string, rd reqctx.RequestDetails) (*mirror.Block, error)
	GetContractResults(ctx context.Context, params url.Values, rd reqctx.RequestDetails) ([]mirror.ContractResult, error)
	GetContractResult(ctx context.Context, hashOrID string, rd reqctx.RequestDetails) (*mirror.ContractResult, error)
	GetContractResultsLogs(ctx context.Context, params url.Values, rd reqctx.RequestDetails) ([]mirror.Log, error)
	GetContractResultsLogsByAddress(ctx context.Context, address string, params url.Values, rd reqctx.RequestDetails) ([]mirror.Log, error)
	PostContractCall(ctx context.Context, call mirror.ContractCallRequest, rd reqctx.RequestDetails) (*mirror.ContractCallResponse, error)
	GetAccount(ctx context.Context, idOrAddress string, rd reqctx.RequestDetails) (*mirror.Account, error)
	GetAccountAt(ctx context.Context, idOrAddress, timestamp string, rd reqctx.RequestDetails) (*mirror.Account, error)
	GetContract(ctx context.Context, idOrAddress string, rd reqctx.RequestDetails) (*mirror.Contract, error)
	GetToken(ctx context.Context, tokenID string, rd reqctx.RequestDetails) (*mirror.Token, error)
	ResolveEntity(ctx context.Context, address string, rd reqctx.RequestDetails) (*mirror.Entity, error)
	GetNetworkFees(ctx context.Context, timestamp string, rd reqctx.RequestDetails) (*mirror.NetworkFees, error)
	GetNetworkExchangeRate(ctx context.Context, timestamp string, rd reqctx.RequestDetails) (*mirror.ExchangeRate, error)
	GetContractStateByAddressAndSlot(ctx context.Context, address, slot, timestamp string, rd reqctx.RequestDetails) ([]mirror.ContractStateEntry, error)
}

// ConsensusWriter is the write capability set: everything that costs the
// operator money goes through here.
type ConsensusWriter interface {
	SubmitEthereumTransaction(ctx context.Context, rawTx []byte, callDataFileID *hedera.FileID, maxFeeTinybars, gasAllowanceTinybars int64, rd reqctx.RequestDetails) (hedera.TransactionID, error)
	CreateFile(ctx context.Context, callData []byte, rd reqctx.RequestDetails) (*hedera.FileID, error)
	DeleteFile(ctx context.Context, fileID hedera.FileID, rd reqctx.RequestDetails)
	GetTransactionRecordMetrics(ctx context.Context, txID hedera.TransactionID, rd reqctx.RequestDetails) (*sdkclient.TransactionRecordMetrics, error)
	CallContract(ctx context.Context, to string, data []byte, gas uint64, rd reqctx.RequestDetails) ([]byte, error)
	OperatorAddress() string
}

// Relay bundles the services behind the JSON-RPC surface. Construct it once
// per process and share it across requests.
type Relay struct {
	cfg    *config.Config
	logger log.Logger

	Cache    cache.Client
	Locks    keylock.KeyLock
	Governor *hbar.Governor

	Common       *CommonService
	Contracts    *ContractService
	Blocks       *BlockService
	Transactions *TransactionService
	Filters      *FilterService
}

// New wires a relay from configuration, constructing the upstream clients and
// selecting the cache and lock backends.
func New(cfg *config.Config, logger log.Logger) (*Relay, error) {
	mirrorClient := mirror.NewClient(cfg.MirrorNodeURL, cfg.SDKRequestTimeout, cfg.MirrorNodeRetries, cfg.MirrorNodeRetryDelay, logger)
	consensus, err := sdkclient.NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	local := cache.NewLRUCache(10_000, 5*time.Minute, logger)
	var store cache.Client = local
	var locks keylock.KeyLock = keylock.NewLocalKeyLock(cfg.LockTTL, cfg.LockAcquisitionTimeout, logger)
	if cfg.RedisEnabled {
		shared, err := cache.NewRedisCache(cfg.RedisURL, 5*time.Minute, logger)
		if err != nil {
			return nil, err
		}
		store = cache.NewFallbackCache(shared, local, logger)
		locks = keylock.NewRedisKeyLock(shared.Underlying(), cfg.LockTTL, cfg.LockAcquisitionTimeout, logger)
	}

	return NewWithBackends(cfg, mirrorClient, consensus, store, locks, logger), nil
}

// NewWithBackends wires a relay over injected upstream and storage backends.
func NewWithBackends(cfg *config.Config, reader MirrorReader, writer ConsensusWriter, store cache.Client, locks keylock.KeyLock, logger log.Logger) *Relay {
	governor := hbar.NewGovernor(store, cfg.HbarLimits, logger)
	common := NewCommonService(reader, store, cfg, logger)
	contracts := NewContractService(reader, writer, store, common, cfg, logger)
	blocks := NewBlockService(reader, common, cfg, logger)
	precheck := NewPrecheck(reader, common, cfg, logger)
	pool := NewPool(store, logger)
	transactions := NewTransactionService(reader, writer, common, precheck, governor, locks, pool, cfg, logger)
	filters := NewFilterService(store, common, cfg, logger)
	return &Relay{
		cfg:          cfg,
		logger:       logger,
		Cache:        store,
		Locks:        locks,
		Governor:     governor,
		Common:       common,
		Contracts:    contracts,
		Blocks:       blocks,
		Transactions: transactions,
		Filters:      filters,
	}
}

// Config exposes the relay configuration to the API layer.
func (r *Relay) Config() *config.Config { return r.cfg }
