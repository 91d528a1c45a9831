// Package ethapi exposes the relay's JSON-RPC surface: the eth_, net_ and
// web3_ namespaces registered on the go-ethereum RPC server.
package ethapi

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/hashgraph/hedera-evm-relay/mirror"
	"github.com/hashgraph/hedera-evm-relay/ratelimit"
	"github.com/hashgraph/hedera-evm-relay/relay"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// Backend bundles what every namespace handler needs: the relay services, the
// per-IP limiter and the advertised client version.
type Backend struct {
	relay   *relay.Relay
	limiter *ratelimit.Limiter
	version string
	logger  log.Logger
}

func NewBackend(r *relay.Relay, limiter *ratelimit.Limiter, version string, logger log.Logger) *Backend {
	return &Backend{relay: r, limiter: limiter, version: version, logger: logger}
}

// guard resolves the request details attached by the HTTP layer and applies
// the per-IP method quota.
func (b *Backend) guard(ctx context.Context, method string) (reqctx.RequestDetails, error) {
	rd := reqctx.FromContext(ctx)
	if rd.RequestID == "" {
		rd = reqctx.New("")
	}
	if b.limiter != nil && b.limiter.ShouldLimit(ctx, rd.IPAddress, method, rd) {
		return rd, relay.ErrIPRateLimitExceeded(method)
	}
	return rd, nil
}

// normalize maps internal failures to the stable JSON-RPC error taxonomy at
// the API edge. Errors that already carry a code pass through untouched.
func (b *Backend) normalize(err error) error {
	if err == nil || relay.IsJSONRPCError(err) {
		return err
	}
	var ce *mirror.ClientError
	if errors.As(err, &ce) {
		return relay.ErrMirrorNodeUpstreamFail()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return relay.ErrRequestTimeout()
	}
	return relay.ErrInternal(err.Error())
}

// EthAPI serves the eth_ namespace.
type EthAPI struct {
	b *Backend
}

func NewEthAPI(b *Backend) *EthAPI { return &EthAPI{b: b} }

func (api *EthAPI) ChainId(ctx context.Context) (*hexutil.Big, error) {
	if _, err := api.b.guard(ctx, "eth_chainId"); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(api.b.relay.Config().ChainID), nil
}

func (api *EthAPI) BlockNumber(ctx context.Context) (hexutil.Uint64, error) {
	rd, err := api.b.guard(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	num, err := api.b.relay.Common.LatestBlockNumber(ctx, rd)
	if err != nil {
		return 0, api.b.normalize(err)
	}
	return hexutil.Uint64(num), nil
}

func (api *EthAPI) GasPrice(ctx context.Context) (*hexutil.Big, error) {
	rd, err := api.b.guard(ctx, "eth_gasPrice")
	if err != nil {
		return nil, err
	}
	price, err := api.b.relay.Common.GasPrice(ctx, rd)
	if err != nil {
		return nil, api.b.normalize(err)
	}
	return (*hexutil.Big)(price), nil
}

func (api *EthAPI) MaxPriorityFeePerGas(ctx context.Context) (*hexutil.Big, error) {
	if _, err := api.b.guard(ctx, "eth_maxPriorityFeePerGas"); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(new(big.Int)), nil
}

// Syncing always reports false: the relay serves whatever the mirror node has.
func (api *EthAPI) Syncing(ctx context.Context) (interface{}, error) {
	if _, err := api.b.guard(ctx, "eth_syncing"); err != nil {
		return nil, err
	}
	return false, nil
}

func (api *EthAPI) Mining(ctx context.Context) (bool, error) {
	if _, err := api.b.guard(ctx, "eth_mining"); err != nil {
		return false, err
	}
	return false, nil
}

func (api *EthAPI) Hashrate(ctx context.Context) (hexutil.Uint64, error) {
	if _, err := api.b.guard(ctx, "eth_hashrate"); err != nil {
		return 0, err
	}
	return 0, nil
}

// Accounts is always empty: the relay holds no user keys.
func (api *EthAPI) Accounts(ctx context.Context) ([]common.Address, error) {
	if _, err := api.b.guard(ctx, "eth_accounts"); err != nil {
		return nil, err
	}
	return []common.Address{}, nil
}

func (api *EthAPI) Coinbase(ctx context.Context) (common.Address, error) {
	return common.Address{}, relay.ErrUnsupportedMethod("eth_coinbase")
}

func (api *EthAPI) SendTransaction(ctx context.Context, args relay.TransactionArgs) (common.Hash, error) {
	return common.Hash{}, relay.ErrUnsupportedMethod("eth_sendTransaction")
}

func (api *EthAPI) GetBalance(ctx context.Context, address common.Address, blockParam string) (*hexutil.Big, error) {
	rd, err := api.b.guard(ctx, "eth_getBalance")
	if err != nil {
		return nil, err
	}
	balance, err := api.b.relay.Contracts.GetBalance(ctx, address, blockParam, rd)
	return balance, api.b.normalize(err)
}

func (api *EthAPI) GetCode(ctx context.Context, address common.Address, blockParam string) (hexutil.Bytes, error) {
	rd, err := api.b.guard(ctx, "eth_getCode")
	if err != nil {
		return nil, err
	}
	code, err := api.b.relay.Contracts.GetCode(ctx, address, blockParam, rd)
	return code, api.b.normalize(err)
}

func (api *EthAPI) GetStorageAt(ctx context.Context, address common.Address, slot string, blockParam string) (hexutil.Bytes, error) {
	rd, err := api.b.guard(ctx, "eth_getStorageAt")
	if err != nil {
		return nil, err
	}
	value, err := api.b.relay.Contracts.GetStorageAt(ctx, address, slot, blockParam, rd)
	return value, api.b.normalize(err)
}

func (api *EthAPI) Call(ctx context.Context, args relay.TransactionArgs, blockParam *string) (hexutil.Bytes, error) {
	rd, err := api.b.guard(ctx, "eth_call")
	if err != nil {
		return nil, err
	}
	block := ""
	if blockParam != nil {
		block = *blockParam
	}
	result, err := api.b.relay.Contracts.Call(ctx, args, block, rd)
	return result, api.b.normalize(err)
}

func (api *EthAPI) EstimateGas(ctx context.Context, args relay.TransactionArgs, blockParam *string) (hexutil.Uint64, error) {
	rd, err := api.b.guard(ctx, "eth_estimateGas")
	if err != nil {
		return 0, err
	}
	estimate, err := api.b.relay.Contracts.EstimateGas(ctx, args, rd)
	return estimate, api.b.normalize(err)
}

func (api *EthAPI) SendRawTransaction(ctx context.Context, input hexutil.Bytes) (common.Hash, error) {
	rd, err := api.b.guard(ctx, "eth_sendRawTransaction")
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := api.b.relay.Transactions.SendRawTransaction(ctx, hexutil.Encode(input), rd)
	return hash, api.b.normalize(err)
}

func (api *EthAPI) GetTransactionByHash(ctx context.Context, hash common.Hash) (*relay.RPCTransaction, error) {
	rd, err := api.b.guard(ctx, "eth_getTransactionByHash")
	if err != nil {
		return nil, err
	}
	tx, err := api.b.relay.Transactions.GetTransactionByHash(ctx, hash, rd)
	return tx, api.b.normalize(err)
}

func (api *EthAPI) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*relay.RPCReceipt, error) {
	rd, err := api.b.guard(ctx, "eth_getTransactionReceipt")
	if err != nil {
		return nil, err
	}
	receipt, err := api.b.relay.Transactions.GetTransactionReceipt(ctx, hash, rd)
	return receipt, api.b.normalize(err)
}

func (api *EthAPI) GetTransactionCount(ctx context.Context, address common.Address, blockParam string) (hexutil.Uint64, error) {
	rd, err := api.b.guard(ctx, "eth_getTransactionCount")
	if err != nil {
		return 0, err
	}
	count, err := api.b.relay.Transactions.GetTransactionCount(ctx, address, blockParam, rd)
	return count, api.b.normalize(err)
}

func (api *EthAPI) GetTransactionByBlockNumberAndIndex(ctx context.Context, blockParam string, index hexutil.Uint64) (*relay.RPCTransaction, error) {
	rd, err := api.b.guard(ctx, "eth_getTransactionByBlockNumberAndIndex")
	if err != nil {
		return nil, err
	}
	tx, err := api.b.relay.Transactions.GetTransactionByBlockAndIndex(ctx, blockParam, uint64(index), rd)
	return tx, api.b.normalize(err)
}

func (api *EthAPI) GetTransactionByBlockHashAndIndex(ctx context.Context, hash common.Hash, index hexutil.Uint64) (*relay.RPCTransaction, error) {
	rd, err := api.b.guard(ctx, "eth_getTransactionByBlockHashAndIndex")
	if err != nil {
		return nil, err
	}
	tx, err := api.b.relay.Transactions.GetTransactionByBlockAndIndex(ctx, hash.Hex(), uint64(index), rd)
	return tx, api.b.normalize(err)
}

func (api *EthAPI) GetBlockByNumber(ctx context.Context, blockParam string, fullTx bool) (*relay.RPCBlock, error) {
	rd, err := api.b.guard(ctx, "eth_getBlockByNumber")
	if err != nil {
		return nil, err
	}
	block, err := api.b.relay.Blocks.GetBlock(ctx, blockParam, fullTx, rd)
	return block, api.b.normalize(err)
}

func (api *EthAPI) GetBlockByHash(ctx context.Context, hash common.Hash, fullTx bool) (*relay.RPCBlock, error) {
	rd, err := api.b.guard(ctx, "eth_getBlockByHash")
	if err != nil {
		return nil, err
	}
	block, err := api.b.relay.Blocks.GetBlock(ctx, hash.Hex(), fullTx, rd)
	return block, api.b.normalize(err)
}

func (api *EthAPI) GetBlockTransactionCountByNumber(ctx context.Context, blockParam string) (*hexutil.Uint64, error) {
	rd, err := api.b.guard(ctx, "eth_getBlockTransactionCountByNumber")
	if err != nil {
		return nil, err
	}
	count, err := api.b.relay.Blocks.GetBlockTransactionCount(ctx, blockParam, rd)
	return count, api.b.normalize(err)
}

func (api *EthAPI) GetBlockTransactionCountByHash(ctx context.Context, hash common.Hash) (*hexutil.Uint64, error) {
	rd, err := api.b.guard(ctx, "eth_getBlockTransactionCountByHash")
	if err != nil {
		return nil, err
	}
	count, err := api.b.relay.Blocks.GetBlockTransactionCount(ctx, hash.Hex(), rd)
	return count, api.b.normalize(err)
}

func (api *EthAPI) GetBlockReceipts(ctx context.Context, blockParam string) ([]relay.RPCReceipt, error) {
	rd, err := api.b.guard(ctx, "eth_getBlockReceipts")
	if err != nil {
		return nil, err
	}
	receipts, err := api.b.relay.Blocks.GetBlockReceipts(ctx, blockParam, rd)
	return receipts, api.b.normalize(err)
}

func (api *EthAPI) GetLogs(ctx context.Context, criteria relay.LogFilter) ([]relay.RPCLog, error) {
	rd, err := api.b.guard(ctx, "eth_getLogs")
	if err != nil {
		return nil, err
	}
	logs, err := api.b.relay.Common.GetLogs(ctx, criteria, rd)
	return logs, api.b.normalize(err)
}

func (api *EthAPI) NewFilter(ctx context.Context, criteria relay.LogFilter) (string, error) {
	rd, err := api.b.guard(ctx, "eth_newFilter")
	if err != nil {
		return "", err
	}
	id, err := api.b.relay.Filters.NewFilter(ctx, criteria, rd)
	return id, api.b.normalize(err)
}

func (api *EthAPI) NewBlockFilter(ctx context.Context) (string, error) {
	rd, err := api.b.guard(ctx, "eth_newBlockFilter")
	if err != nil {
		return "", err
	}
	id, err := api.b.relay.Filters.NewBlockFilter(ctx, rd)
	return id, api.b.normalize(err)
}

func (api *EthAPI) NewPendingTransactionFilter(ctx context.Context) (string, error) {
	return "", relay.ErrUnsupportedMethod("eth_newPendingTransactionFilter")
}

func (api *EthAPI) GetFilterLogs(ctx context.Context, id string) ([]relay.RPCLog, error) {
	rd, err := api.b.guard(ctx, "eth_getFilterLogs")
	if err != nil {
		return nil, err
	}
	logs, err := api.b.relay.Filters.GetFilterLogs(ctx, id, rd)
	return logs, api.b.normalize(err)
}

func (api *EthAPI) GetFilterChanges(ctx context.Context, id string) (interface{}, error) {
	rd, err := api.b.guard(ctx, "eth_getFilterChanges")
	if err != nil {
		return nil, err
	}
	changes, err := api.b.relay.Filters.GetFilterChanges(ctx, id, rd)
	return changes, api.b.normalize(err)
}

func (api *EthAPI) UninstallFilter(ctx context.Context, id string) (bool, error) {
	rd, err := api.b.guard(ctx, "eth_uninstallFilter")
	if err != nil {
		return false, err
	}
	ok, err := api.b.relay.Filters.UninstallFilter(ctx, id, rd)
	return ok, api.b.normalize(err)
}

// Uncles do not exist on this network.

func (api *EthAPI) GetUncleByBlockHashAndIndex(ctx context.Context, hash common.Hash, index hexutil.Uint64) (interface{}, error) {
	return nil, nil
}

func (api *EthAPI) GetUncleByBlockNumberAndIndex(ctx context.Context, blockParam string, index hexutil.Uint64) (interface{}, error) {
	return nil, nil
}

func (api *EthAPI) GetUncleCountByBlockHash(ctx context.Context, hash common.Hash) (hexutil.Uint64, error) {
	return 0, nil
}

func (api *EthAPI) GetUncleCountByBlockNumber(ctx context.Context, blockParam string) (hexutil.Uint64, error) {
	return 0, nil
}

// NetAPI serves the net_ namespace.
type NetAPI struct {
	b *Backend
}

func NewNetAPI(b *Backend) *NetAPI { return &NetAPI{b: b} }

// Version is the decimal chain id, per convention.
func (api *NetAPI) Version(ctx context.Context) (string, error) {
	if _, err := api.b.guard(ctx, "net_version"); err != nil {
		return "", err
	}
	return api.b.relay.Config().ChainID.String(), nil
}

func (api *NetAPI) Listening(ctx context.Context) (bool, error) {
	if _, err := api.b.guard(ctx, "net_listening"); err != nil {
		return false, err
	}
	return false, nil
}

func (api *NetAPI) PeerCount(ctx context.Context) (hexutil.Uint64, error) {
	if _, err := api.b.guard(ctx, "net_peerCount"); err != nil {
		return 0, err
	}
	return 0, nil
}

// Web3API serves the web3_ namespace.
type Web3API struct {
	b *Backend
}

func NewWeb3API(b *Backend) *Web3API { return &Web3API{b: b} }

func (api *Web3API) ClientVersion(ctx context.Context) (string, error) {
	if _, err := api.b.guard(ctx, "web3_clientVersion"); err != nil {
		return "", err
	}
	return api.b.version, nil
}

func (api *Web3API) Sha3(ctx context.Context, input hexutil.Bytes) (hexutil.Bytes, error) {
	if _, err := api.b.guard(ctx, "web3_sha3"); err != nil {
		return nil, err
	}
	return crypto.Keccak256(input), nil
}
