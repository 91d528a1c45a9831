package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/hashgraph/hedera-evm-relay/cache"
	"github.com/hashgraph/hedera-evm-relay/config"
	"github.com/hashgraph/hedera-evm-relay/mirror"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

const (
	blockNumberCacheKey = cache.Prefix + "eth_blockNumber"
	gasPriceCacheKey    = cache.Prefix + "eth_gasPrice"

	gasPriceCacheTTL = time.Hour

	// Logs queries may span at most seven days of consensus time.
	maxTimestampRangeSeconds = 7 * 24 * 60 * 60

	// Nested topic filter arrays are capped to keep the fan-out bounded.
	maxTopicsPerPosition = 100

	ethereumTransactionFeeType = "EthereumTransaction"
)

// CommonService holds the lookups shared by every other service: block
// resolution, range validation, log queries and the network gas price.
type CommonService struct {
	mirror MirrorReader
	cache  cache.Client
	cfg    *config.Config
	logger log.Logger
}

func NewCommonService(reader MirrorReader, store cache.Client, cfg *config.Config, logger log.Logger) *CommonService {
	return &CommonService{mirror: reader, cache: store, cfg: cfg, logger: logger}
}

// LatestBlockNumber returns the newest block number, read through a
// short-lived cache entry.
func (s *CommonService) LatestBlockNumber(ctx context.Context, rd reqctx.RequestDetails) (int64, error) {
	if num, err := cache.GetJSON[int64](ctx, s.cache, blockNumberCacheKey, "eth_blockNumber", rd); err == nil {
		return num, nil
	}
	block, err := s.mirror.GetLatestBlock(ctx, rd)
	if err != nil {
		return 0, err
	}
	if err := cache.SetJSON(ctx, s.cache, blockNumberCacheKey, block.Number, "eth_blockNumber", s.cfg.EthBlockNumberCacheTTL, rd); err != nil {
		s.logger.Debug("failed to cache block number", "err", err, "requestId", rd.RequestID)
	}
	return block.Number, nil
}

// isBlockTag reports whether the parameter names a block symbolically rather
// than by number or hash.
func isBlockTag(s string) bool {
	switch s {
	case "latest", "pending", "safe", "finalized", "earliest", "":
		return true
	}
	return false
}

// GetHistoricalBlock resolves a block tag, number or hash to its mirror-node
// record. Unknown or out-of-tolerance blocks resolve to (nil, nil); callers
// decide whether that means an empty result or UNKNOWN_BLOCK.
//
// returnLatest guards contexts where "latest" is contradictory, e.g. the
// toBlock of a range whose fromBlock was already pinned.
func (s *CommonService) GetHistoricalBlock(ctx context.Context, tagOrHash string, returnLatest bool, rd reqctx.RequestDetails) (*mirror.Block, error) {
	tag := strings.ToLower(tagOrHash)
	if !returnLatest && (tag == "latest" || tag == "pending" || tag == "") {
		return nil, nil
	}
	switch tag {
	case "earliest":
		return s.mirror.GetBlock(ctx, "0", rd)
	case "latest", "pending", "safe", "finalized", "":
		return s.mirror.GetLatestBlock(ctx, rd)
	}

	hexPart := strip0x(tag)
	if len(hexPart) >= 32 {
		return s.mirror.GetBlock(ctx, tag, rd)
	}
	num, err := hexutil.DecodeUint64(tagOrHash)
	if err != nil {
		return nil, ErrInvalidParameter("blockNumber", fmt.Sprintf("%q is not a block number or hash", tagOrHash))
	}
	latest, err := s.LatestBlockNumber(ctx, rd)
	if err != nil {
		return nil, err
	}
	if int64(num) > latest {
		// A small tolerance absorbs mirror-node ingestion lag; anything
		// further ahead does not exist.
		if int64(num) > latest+s.cfg.MaxBlockRange {
			return nil, nil
		}
		return s.mirror.GetLatestBlock(ctx, rd)
	}
	return s.mirror.GetBlock(ctx, fmt.Sprintf("%d", num), rd)
}

// ValidateBlockRangeAndAddTimestamps resolves both range boundaries, enforces
// the range limits and appends the matching consensus-timestamp filters to
// params. A false return with nil error means a boundary does not exist and
// the query has an empty result.
func (s *CommonService) ValidateBlockRangeAndAddTimestamps(ctx context.Context, fromBlock, toBlock string, singleAddress bool, params url.Values, rd reqctx.RequestDetails) (bool, error) {
	if toBlock == "" {
		toBlock = "latest"
	}
	to, err := s.GetHistoricalBlock(ctx, toBlock, true, rd)
	if err != nil {
		return false, err
	}
	if to == nil {
		return false, nil
	}
	if fromBlock == "" {
		latest, err := s.LatestBlockNumber(ctx, rd)
		if err != nil {
			return false, err
		}
		if to.Number != latest {
			return false, ErrMissingFromBlock()
		}
		fromBlock = "latest"
	}
	from, err := s.GetHistoricalBlock(ctx, fromBlock, true, rd)
	if err != nil {
		return false, err
	}
	if from == nil {
		return false, nil
	}
	if from.Number > to.Number {
		return false, ErrInvalidBlockRange(fmt.Sprintf("fromBlock %d is after toBlock %d", from.Number, to.Number))
	}
	diff := mirror.TimestampSeconds(to.Timestamp.To) - mirror.TimestampSeconds(from.Timestamp.From)
	if diff > maxTimestampRangeSeconds {
		return false, ErrTimestampRangeTooLarge(
			hexutil.EncodeUint64(uint64(from.Number)), hexutil.EncodeUint64(uint64(to.Number)),
			from.Timestamp.From, to.Timestamp.To)
	}
	if !singleAddress && to.Number-from.Number > s.cfg.EthGetLogsBlockRangeLimit {
		return false, ErrRangeTooLarge(s.cfg.EthGetLogsBlockRangeLimit)
	}
	params.Add("timestamp", "gte:"+from.Timestamp.From)
	params.Add("timestamp", "lte:"+to.Timestamp.To)
	return true, nil
}

// LogFilter is the parsed eth_getLogs / eth_newFilter criteria. Each entry of
// Topics filters one topic position; nil matches anything at that position.
type LogFilter struct {
	BlockHash string
	FromBlock string
	ToBlock   string
	Address   []string
	Topics    [][]string
}

// UnmarshalJSON accepts the wire shape of filter criteria: address may be a
// single string or an array, each topic position a string, an array, or null.
func (f *LogFilter) UnmarshalJSON(data []byte) error {
	var raw struct {
		BlockHash string            `json:"blockHash"`
		FromBlock string            `json:"fromBlock"`
		ToBlock   string            `json:"toBlock"`
		Address   json.RawMessage   `json:"address"`
		Topics    []json.RawMessage `json:"topics"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.BlockHash = raw.BlockHash
	f.FromBlock = raw.FromBlock
	f.ToBlock = raw.ToBlock
	f.Address = nil
	if len(raw.Address) > 0 {
		var single string
		if err := json.Unmarshal(raw.Address, &single); err == nil {
			if single != "" {
				f.Address = []string{single}
			}
		} else if err := json.Unmarshal(raw.Address, &f.Address); err != nil {
			return fmt.Errorf("invalid address filter: %w", err)
		}
	}
	f.Topics = nil
	for _, position := range raw.Topics {
		if len(position) == 0 || string(position) == "null" {
			f.Topics = append(f.Topics, nil)
			continue
		}
		var single string
		if err := json.Unmarshal(position, &single); err == nil {
			f.Topics = append(f.Topics, []string{single})
			continue
		}
		var many []string
		if err := json.Unmarshal(position, &many); err != nil {
			return fmt.Errorf("invalid topic filter: %w", err)
		}
		f.Topics = append(f.Topics, many)
	}
	return nil
}

// MarshalJSON emits the same wire shape UnmarshalJSON accepts, so persisted
// filter criteria round-trip through the store.
func (f LogFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"blockHash": f.BlockHash,
		"fromBlock": f.FromBlock,
		"toBlock":   f.ToBlock,
		"address":   f.Address,
		"topics":    f.Topics,
	})
}

// normalizeTopic strips the leading zeros the mirror node does not store.
func normalizeTopic(topic string) string {
	trimmed := strings.TrimLeft(strip0x(strings.ToLower(topic)), "0")
	if trimmed == "" {
		trimmed = "0"
	}
	return "0x" + trimmed
}

func addTopicParams(params url.Values, topics [][]string) {
	for i, position := range topics {
		if i > 3 || position == nil {
			continue
		}
		if len(position) > maxTopicsPerPosition {
			position = position[:maxTopicsPerPosition]
		}
		name := fmt.Sprintf("topic%d", i)
		for _, topic := range position {
			params.Add(name, normalizeTopic(topic))
		}
	}
}

// GetLogs serves eth_getLogs: either a single block pinned by hash, or a
// validated block range. Multi-address queries fan out in parallel and merge.
func (s *CommonService) GetLogs(ctx context.Context, filter LogFilter, rd reqctx.RequestDetails) ([]RPCLog, error) {
	params := url.Values{}
	if filter.BlockHash != "" {
		block, err := s.GetHistoricalBlock(ctx, filter.BlockHash, true, rd)
		if err != nil {
			return nil, err
		}
		if block == nil {
			return []RPCLog{}, nil
		}
		params.Add("timestamp", "gte:"+block.Timestamp.From)
		params.Add("timestamp", "lte:"+block.Timestamp.To)
	} else {
		ok, err := s.ValidateBlockRangeAndAddTimestamps(ctx, filter.FromBlock, filter.ToBlock, len(filter.Address) == 1, params, rd)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []RPCLog{}, nil
		}
	}
	addTopicParams(params, filter.Topics)

	logs, err := s.fetchLogs(ctx, filter.Address, params, rd)
	if err != nil {
		return nil, err
	}
	out := make([]RPCLog, 0, len(logs))
	for _, entry := range logs {
		out = append(out, logToRPC(entry))
	}
	return out, nil
}

func (s *CommonService) fetchLogs(ctx context.Context, addresses []string, params url.Values, rd reqctx.RequestDetails) ([]mirror.Log, error) {
	switch len(addresses) {
	case 0:
		return s.mirror.GetContractResultsLogs(ctx, params, rd)
	case 1:
		return s.mirror.GetContractResultsLogsByAddress(ctx, addresses[0], params, rd)
	}
	results := make([][]mirror.Log, len(addresses))
	g, gctx := errgroup.WithContext(ctx)
	for i, address := range addresses {
		i, address := i, address
		g.Go(func() error {
			// Each goroutine needs its own copy; url.Values is a map.
			scoped := url.Values{}
			for k, v := range params {
				scoped[k] = append([]string(nil), v...)
			}
			logs, err := s.mirror.GetContractResultsLogsByAddress(gctx, address, scoped, rd)
			if err != nil {
				return err
			}
			results[i] = logs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var merged []mirror.Log
	for _, logs := range results {
		merged = append(merged, logs...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if cmp := mirror.CompareTimestamps(merged[i].Timestamp, merged[j].Timestamp); cmp != 0 {
			return cmp < 0
		}
		return merged[i].Index < merged[j].Index
	})
	return merged, nil
}

// toHash32 trims a mirror-node hash (which may carry 48 bytes) to the
// Ethereum 32-byte form.
func toHash32(s string) common.Hash {
	if len(s) > 66 {
		s = s[:66]
	}
	return common.HexToHash(s)
}

func logToRPC(entry mirror.Log) RPCLog {
	topics := make([]common.Hash, 0, len(entry.Topics))
	for _, t := range entry.Topics {
		topics = append(topics, common.HexToHash(t))
	}
	var txIndex hexutil.Uint64
	if entry.TransactionIndex != nil {
		txIndex = hexutil.Uint64(*entry.TransactionIndex)
	}
	return RPCLog{
		Address:          common.HexToAddress(entry.Address),
		BlockHash:        toHash32(entry.BlockHash),
		BlockNumber:      hexutil.Uint64(entry.BlockNumber),
		BlockTimestamp:   hexutil.Uint64(mirror.TimestampSeconds(entry.Timestamp)),
		Data:             hexBytes(entry.Data),
		LogIndex:         hexutil.Uint64(entry.Index),
		Removed:          false,
		Topics:           topics,
		TransactionHash:  common.HexToHash(entry.TransactionHash),
		TransactionIndex: txIndex,
	}
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

// GasPrice returns the network gas price in weibar, including the configured
// percentage buffer. The mirror-node fee schedule changes rarely, so the
// result is cached aggressively.
func (s *CommonService) GasPrice(ctx context.Context, rd reqctx.RequestDetails) (*big.Int, error) {
	if cached, err := cache.GetJSON[string](ctx, s.cache, gasPriceCacheKey, "eth_gasPrice", rd); err == nil {
		if price, ok := new(big.Int).SetString(cached, 10); ok {
			return price, nil
		}
	}
	tinybars, err := s.networkGasPriceTinybars(ctx, "", rd)
	if err != nil {
		return nil, err
	}
	price := WeibarFromTinybar(big.NewInt(tinybars))
	if s.cfg.GasPriceBufferPercent > 0 {
		buffer := new(big.Int).Mul(price, big.NewInt(s.cfg.GasPriceBufferPercent))
		price.Add(price, buffer.Div(buffer, big.NewInt(100)))
	}
	if err := cache.SetJSON(ctx, s.cache, gasPriceCacheKey, price.String(), "eth_gasPrice", gasPriceCacheTTL, rd); err != nil {
		s.logger.Debug("failed to cache gas price", "err", err, "requestId", rd.RequestID)
	}
	return price, nil
}

// GasPriceAt returns the unbuffered gas price in weibar at a consensus
// timestamp, used for the effectiveGasPrice of historical receipts.
func (s *CommonService) GasPriceAt(ctx context.Context, timestamp string, rd reqctx.RequestDetails) (*big.Int, error) {
	tinybars, err := s.networkGasPriceTinybars(ctx, timestamp, rd)
	if err != nil {
		return nil, err
	}
	return WeibarFromTinybar(big.NewInt(tinybars)), nil
}

// isLongZero reports whether the address is the 20-byte encoding of an
// entity number rather than a real EVM address.
func isLongZero(address string) bool {
	_, ok := mirror.TokenIDFromAddress(address)
	return ok
}

// ResolveEvmAddress maps mirror-node from/to values onto EVM addresses.
// Values that already look like real addresses pass through; long-zero
// encodings are resolved against the mirror node, falling back to the input.
func (s *CommonService) ResolveEvmAddress(ctx context.Context, address string, rd reqctx.RequestDetails) string {
	if address == "" || !isLongZero(address) {
		return address
	}
	entity, err := s.mirror.ResolveEntity(ctx, strings.ToLower(address), rd)
	if err != nil || entity == nil {
		return address
	}
	switch entity.Type {
	case mirror.EntityAccount:
		if entity.Account.EvmAddress != "" {
			return entity.Account.EvmAddress
		}
	case mirror.EntityContract:
		if entity.Contract.EvmAddress != "" {
			return entity.Contract.EvmAddress
		}
	}
	return address
}

func (s *CommonService) networkGasPriceTinybars(ctx context.Context, timestamp string, rd reqctx.RequestDetails) (int64, error) {
	fees, err := s.mirror.GetNetworkFees(ctx, timestamp, rd)
	if err != nil {
		return 0, err
	}
	for _, fee := range fees.Fees {
		if fee.TransactionType == ethereumTransactionFeeType {
			return fee.Gas, nil
		}
	}
	return 0, ErrInternal("no EthereumTransaction fee in network fee schedule")
}
