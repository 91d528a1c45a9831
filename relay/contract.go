package relay

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/hashgraph/hedera-evm-relay/cache"
	"github.com/hashgraph/hedera-evm-relay/config"
	"github.com/hashgraph/hedera-evm-relay/mirror"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// TransactionArgs is the caller-supplied shape of eth_call and
// eth_estimateGas requests.
type TransactionArgs struct {
	From                 *common.Address `json:"from"`
	To                   *common.Address `json:"to"`
	Gas                  *hexutil.Uint64 `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Value                *hexutil.Big    `json:"value"`
	Data                 *hexutil.Bytes  `json:"data"`
	Input                *hexutil.Bytes  `json:"input"`
}

// payload prefers input over data, the order wallets expect.
func (a *TransactionArgs) payload() []byte {
	if a.Input != nil {
		return *a.Input
	}
	if a.Data != nil {
		return *a.Data
	}
	return nil
}

// ContractService serves the EVM read surface: eth_call, eth_estimateGas,
// eth_getCode and eth_getStorageAt.
type ContractService struct {
	mirror    MirrorReader
	consensus ConsensusWriter
	cache     cache.Client
	common    *CommonService
	cfg       *config.Config
	logger    log.Logger

	selectors map[string]bool
}

func NewContractService(reader MirrorReader, writer ConsensusWriter, store cache.Client, common *CommonService, cfg *config.Config, logger log.Logger) *ContractService {
	selectors := make(map[string]bool, len(cfg.EthCallConsensusSelectors))
	for _, sel := range cfg.EthCallConsensusSelectors {
		selectors[strings.ToLower(strip0x(sel))] = true
	}
	return &ContractService{
		mirror:    reader,
		consensus: writer,
		cache:     store,
		common:    common,
		cfg:       cfg,
		logger:    logger,
		selectors: selectors,
	}
}

func (s *ContractService) gasCap(requested *hexutil.Uint64) uint64 {
	gas := uint64(config.DefaultTxGas)
	if requested != nil {
		gas = uint64(*requested)
	}
	if gas > s.cfg.MaxGasPerSec {
		gas = s.cfg.MaxGasPerSec
	}
	return gas
}

func (s *ContractService) routeToConsensus(data []byte) bool {
	if s.cfg.EthCallDefaultToConsensus {
		return true
	}
	if len(data) < 4 {
		return false
	}
	return s.selectors[hex.EncodeToString(data[:4])]
}

// Call executes a read-only EVM call, either against the mirror node's
// embedded EVM or, for the configured selector set, against a consensus node.
func (s *ContractService) Call(ctx context.Context, args TransactionArgs, blockParam string, rd reqctx.RequestDetails) (hexutil.Bytes, error) {
	if args.To == nil {
		return nil, ErrInvalidParameter("to", "missing recipient address")
	}
	data := args.payload()
	gas := s.gasCap(args.Gas)
	from := ""
	if args.From != nil {
		from = strings.ToLower(args.From.Hex())
	}
	if from == "" && args.Value != nil && args.Value.ToInt().Sign() > 0 {
		// Value-bearing calls need a payer; the operator stands in.
		from = s.consensus.OperatorAddress()
	}
	to := strings.ToLower(args.To.Hex())

	if s.routeToConsensus(data) {
		return s.consensusCall(ctx, from, to, data, gas, rd)
	}

	call := mirror.ContractCallRequest{
		To:       to,
		From:     from,
		Gas:      gas,
		Estimate: false,
	}
	if len(data) > 0 {
		call.Data = hexutil.Encode(data)
	}
	if args.Value != nil && args.Value.ToInt().Sign() > 0 {
		call.Value = args.Value.ToInt().String()
	}
	if blockParam != "" {
		call.Block = blockParam
	}
	result, err := s.mirror.PostContractCall(ctx, call, rd)
	if err != nil {
		return s.normalizeCallError(err)
	}
	return hexBytes(result.Result), nil
}

// normalizeCallError maps mirror-node call failures: reverts become
// CONTRACT_REVERT with the payload preserved, consensus-internal outcomes
// degrade to an empty result, everything else propagates.
func (s *ContractService) normalizeCallError(err error) (hexutil.Bytes, error) {
	var ce *mirror.ClientError
	if !errors.As(err, &ce) {
		return nil, err
	}
	switch {
	case ce.IsContractRevert():
		return nil, ErrContractRevert(ce.Detail(), ce.Data())
	case ce.IsFailInvalid(), ce.IsInvalidTransaction():
		return hexutil.Bytes{}, nil
	}
	return nil, err
}

func callCacheKey(from, to string, data []byte) string {
	sum := sha1.Sum(data)
	return cache.Prefix + "eth_call:" + from + "." + to + "." + hex.EncodeToString(sum[:])
}

func (s *ContractService) consensusCall(ctx context.Context, from, to string, data []byte, gas uint64, rd reqctx.RequestDetails) (hexutil.Bytes, error) {
	key := callCacheKey(from, to, data)
	if cached, err := s.cache.Get(ctx, key, "eth_call", rd); err == nil {
		return hexutil.Bytes(cached), nil
	}
	result, err := s.consensus.CallContract(ctx, to, data, gas, rd)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, result, "eth_call", s.cfg.EthCallCacheTTL, rd); err != nil {
		s.logger.Debug("failed to cache eth_call result", "err", err, "requestId", rd.RequestID)
	}
	return hexutil.Bytes(result), nil
}

// EstimateGas asks the mirror node for an estimate and degrades to static
// per-shape figures when the estimator is unavailable.
func (s *ContractService) EstimateGas(ctx context.Context, args TransactionArgs, rd reqctx.RequestDetails) (hexutil.Uint64, error) {
	data := args.payload()
	call := mirror.ContractCallRequest{
		Estimate: true,
		Gas:      s.gasCap(args.Gas),
	}
	if args.To != nil {
		call.To = strings.ToLower(args.To.Hex())
	}
	if args.From != nil {
		call.From = strings.ToLower(args.From.Hex())
	}
	if len(data) > 0 {
		call.Data = hexutil.Encode(data)
	}
	if args.Value != nil && args.Value.ToInt().Sign() > 0 {
		call.Value = args.Value.ToInt().String()
	}
	result, err := s.mirror.PostContractCall(ctx, call, rd)
	if err != nil {
		var ce *mirror.ClientError
		if errors.As(err, &ce) && ce.IsContractRevert() {
			return 0, ErrContractRevert(ce.Detail(), ce.Data())
		}
		s.logger.Debug("mirror node estimate failed, using static estimate", "err", err, "requestId", rd.RequestID)
		return s.staticEstimate(ctx, args, data, rd), nil
	}
	estimate := hexOrZero(result.Result)
	if !estimate.IsUint64() || estimate.Sign() == 0 {
		return s.staticEstimate(ctx, args, data, rd), nil
	}
	return hexutil.Uint64(estimate.Uint64()), nil
}

// staticEstimate mirrors the network's published figures: plain transfer,
// hollow-account creation, contract create, contract call.
func (s *ContractService) staticEstimate(ctx context.Context, args TransactionArgs, data []byte, rd reqctx.RequestDetails) hexutil.Uint64 {
	switch {
	case args.To == nil && len(data) > 0:
		return hexutil.Uint64(IntrinsicGas(data))
	case args.To != nil && len(data) == 0:
		if account, err := s.mirror.GetAccount(ctx, args.To.Hex(), rd); err == nil && account == nil {
			return hexutil.Uint64(config.DefaultHollowAccountCreationGas)
		}
		return hexutil.Uint64(IntrinsicGas(nil))
	case args.To != nil:
		return hexutil.Uint64(config.DefaultContractCallAverageGas)
	}
	return hexutil.Uint64(config.DefaultTxGas)
}

// Opcodes that make runtime bytecode mutable from the outside; code carrying
// them is served but never cached.
const (
	opCallCode     = 0xf2
	opDelegateCall = 0xf4
	opSelfDestruct = 0xff
)

// hasMutableOpcodes scans runtime bytecode, skipping PUSH immediates so data
// bytes cannot masquerade as opcodes.
func hasMutableOpcodes(code []byte) bool {
	for i := 0; i < len(code); i++ {
		op := code[i]
		if op >= 0x60 && op <= 0x7f { // PUSH1..PUSH32
			i += int(op - 0x5f)
			continue
		}
		switch op {
		case opCallCode, opDelegateCall, opSelfDestruct:
			return true
		}
	}
	return false
}

func codeCacheKey(address, blockParam string) string {
	return cache.Prefix + "getCode." + strings.ToLower(address) + "." + blockParam
}

// GetCode returns the runtime bytecode visible at an address. Precompiles
// short-circuit, tokens render as the redirect proxy, and contracts whose
// bytecode is immutable are cached.
func (s *ContractService) GetCode(ctx context.Context, address common.Address, blockParam string, rd reqctx.RequestDetails) (hexutil.Bytes, error) {
	if address == HTSPrecompileAddress {
		return InvalidEVMInstruction, nil
	}
	key := codeCacheKey(address.Hex(), blockParam)
	if cached, err := s.cache.Get(ctx, key, "eth_getCode", rd); err == nil {
		return hexutil.Bytes(cached), nil
	}

	block, err := s.common.GetHistoricalBlock(ctx, blockParam, true, rd)
	if err != nil {
		return nil, err
	}
	entity, err := s.mirror.ResolveEntity(ctx, strings.ToLower(address.Hex()), rd)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return hexutil.Bytes{}, nil
	}

	// An entity born after the requested block did not exist there yet.
	created := entityCreatedTimestamp(entity)
	if block == nil || (created != "" && mirror.CompareTimestamps(created, block.Timestamp.To) > 0) {
		return hexutil.Bytes{}, nil
	}

	switch entity.Type {
	case mirror.EntityToken:
		return RedirectBytecodeFor(address), nil
	case mirror.EntityContract:
		code := entity.Contract.RuntimeBytecode
		if code == "" || code == "0x" {
			return hexutil.Bytes{}, nil
		}
		raw, err := hexutil.Decode(ensureHexPrefix(code))
		if err != nil {
			return nil, fmt.Errorf("malformed runtime bytecode for %s: %w", address.Hex(), err)
		}
		if !hasMutableOpcodes(raw) {
			if err := s.cache.Set(ctx, key, raw, "eth_getCode", s.cfg.EthGetCodeCacheTTL, rd); err != nil {
				s.logger.Debug("failed to cache code", "err", err, "requestId", rd.RequestID)
			}
		}
		return raw, nil
	}
	return hexutil.Bytes{}, nil
}

func entityCreatedTimestamp(entity *mirror.Entity) string {
	switch entity.Type {
	case mirror.EntityContract:
		return entity.Contract.CreatedTimestamp
	case mirror.EntityAccount:
		return entity.Account.CreatedTimestamp
	}
	return ""
}

// GetStorageAt reads one storage slot at a block; absent slots are zero.
func (s *ContractService) GetStorageAt(ctx context.Context, address common.Address, slot string, blockParam string, rd reqctx.RequestDetails) (hexutil.Bytes, error) {
	block, err := s.common.GetHistoricalBlock(ctx, blockParam, true, rd)
	if err != nil {
		return nil, err
	}
	timestamp := ""
	if block != nil {
		timestamp = block.Timestamp.To
	}
	entries, err := s.mirror.GetContractStateByAddressAndSlot(ctx, strings.ToLower(address.Hex()), slot, timestamp, rd)
	if err != nil {
		return nil, err
	}
	zero := make(hexutil.Bytes, 32)
	if len(entries) == 0 {
		return zero, nil
	}
	value := hexOrZero(entries[0].Value)
	return hexutil.Bytes(common.BigToHash(value).Bytes()), nil
}

// GetBalance returns the account balance in weibar at the given block tag.
// The mirror node reports balances in tinybars.
func (s *ContractService) GetBalance(ctx context.Context, address common.Address, blockParam string, rd reqctx.RequestDetails) (*hexutil.Big, error) {
	var account *mirror.Account
	var err error
	if isBlockTag(strings.ToLower(blockParam)) {
		account, err = s.mirror.GetAccount(ctx, address.Hex(), rd)
	} else {
		block, berr := s.common.GetHistoricalBlock(ctx, blockParam, true, rd)
		if berr != nil {
			return nil, berr
		}
		if block == nil {
			return nil, ErrUnknownBlock(blockParam)
		}
		account, err = s.mirror.GetAccountAt(ctx, address.Hex(), block.Timestamp.To, rd)
	}
	if err != nil {
		return nil, err
	}
	if account == nil {
		return (*hexutil.Big)(new(big.Int)), nil
	}
	return (*hexutil.Big)(WeibarFromTinybar(big.NewInt(account.Balance.Balance))), nil
}
