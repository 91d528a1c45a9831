package relay

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/hashgraph/hedera-evm-relay/config"
	"github.com/hashgraph/hedera-evm-relay/mirror"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// ParsedTransaction is a decoded raw transaction with its recovered sender.
type ParsedTransaction struct {
	Tx       *types.Transaction
	From     common.Address
	RawBytes []byte
	RawHex   string
}

// Hash is the Ethereum transaction hash, keccak256 of the raw envelope.
func (p *ParsedTransaction) Hash() common.Hash { return p.Tx.Hash() }

// ParseTransaction decodes an RLP transaction envelope and recovers its
// sender. Blob transactions are not representable on the network and are
// rejected at the door.
func ParseTransaction(rawHex string, chainID *big.Int) (*ParsedTransaction, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(rawHex))
	if err != nil {
		return nil, ErrInvalidParameter(0, "expected a hex-encoded transaction: "+err.Error())
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, ErrInvalidParameter(0, "malformed transaction: "+err.Error())
	}
	if tx.Type() == types.BlobTxType {
		return nil, ErrUnsupportedTransactionType()
	}
	// Recover with the transaction's own chain id so a wrong-chain
	// submission fails the chain-id check, not sender recovery.
	signerChain := chainID
	if tx.ChainId() != nil && tx.ChainId().Sign() > 0 {
		signerChain = tx.ChainId()
	}
	from, err := types.Sender(types.LatestSignerForChainID(signerChain), tx)
	if err != nil {
		return nil, ErrInvalidParameter(0, "failed to recover sender: "+err.Error())
	}
	return &ParsedTransaction{Tx: tx, From: from, RawBytes: raw, RawHex: ensureHexPrefix(strings.ToLower(strip0x(rawHex)))}, nil
}

// EffectiveGasPrice is the price the sender offered: gasPrice for legacy
// transactions, maxFeePerGas + maxPriorityFeePerGas for dynamic-fee ones.
func (p *ParsedTransaction) EffectiveGasPrice() *big.Int {
	if p.Tx.Type() < types.DynamicFeeTxType {
		return p.Tx.GasPrice()
	}
	return new(big.Int).Add(p.Tx.GasFeeCap(), p.Tx.GasTipCap())
}

// Precheck validates a parsed transaction against the same rules the
// consensus node would apply, so obviously doomed submissions fail fast and
// free.
type Precheck struct {
	mirror MirrorReader
	common *CommonService
	cfg    *config.Config
	logger log.Logger
}

func NewPrecheck(reader MirrorReader, common *CommonService, cfg *config.Config, logger log.Logger) *Precheck {
	return &Precheck{mirror: reader, common: common, cfg: cfg, logger: logger}
}

// Verify runs the ordered checks. networkGasPrice is in weibar and already
// carries the configured percentage buffer.
func (p *Precheck) Verify(ctx context.Context, parsed *ParsedTransaction, networkGasPrice *big.Int, rd reqctx.RequestDetails) error {
	tx := parsed.Tx
	if err := p.checkSizes(parsed); err != nil {
		return err
	}
	if tx.Type() == types.BlobTxType {
		return ErrUnsupportedTransactionType()
	}
	if err := p.checkGasLimit(tx); err != nil {
		return err
	}
	if err := p.checkChainID(tx); err != nil {
		return err
	}
	if err := checkValue(tx.Value()); err != nil {
		return err
	}
	if err := p.checkGasPrice(parsed, networkGasPrice); err != nil {
		return err
	}
	sender, err := p.mirror.GetAccount(ctx, parsed.From.Hex(), rd)
	if err != nil {
		return err
	}
	if err := p.checkNonce(tx, sender); err != nil {
		return err
	}
	if err := p.checkBalance(parsed, sender); err != nil {
		return err
	}
	return p.checkReceiver(ctx, tx, rd)
}

func (p *Precheck) checkSizes(parsed *ParsedTransaction) error {
	if size := len(parsed.Tx.Data()); size > p.cfg.CallDataSizeLimit {
		return ErrCallDataSizeExceeded(p.cfg.CallDataSizeLimit, size)
	}
	if size := len(parsed.RawBytes); size > p.cfg.TransactionSizeLimit {
		return ErrTransactionSizeExceeded(p.cfg.TransactionSizeLimit, size)
	}
	return nil
}

func (p *Precheck) checkGasLimit(tx *types.Transaction) error {
	intrinsic := IntrinsicGas(tx.Data())
	if tx.Gas() < intrinsic {
		return ErrGasLimitTooLow(tx.Gas(), intrinsic)
	}
	if tx.Gas() > p.cfg.MaxTransactionFeeThreshold {
		return ErrGasLimitTooHigh(tx.Gas(), p.cfg.MaxTransactionFeeThreshold)
	}
	return nil
}

func (p *Precheck) checkChainID(tx *types.Transaction) error {
	// Pre-EIP-155 legacy transactions carry no chain id at all.
	if tx.Type() == types.LegacyTxType && !tx.Protected() {
		return nil
	}
	if tx.ChainId().Cmp(p.cfg.ChainID) != 0 {
		return ErrUnsupportedChainID(hexutil.EncodeBig(tx.ChainId()), hexutil.EncodeBig(p.cfg.ChainID))
	}
	return nil
}

// checkValue rejects amounts that cannot be represented in tinybars: negative
// values and positive values below one tinybar.
func checkValue(value *big.Int) error {
	if value.Sign() < 0 {
		return ErrValueTooLow()
	}
	if value.Sign() > 0 && value.Cmp(TinybarToWeibarCoef) < 0 {
		return ErrValueTooLow()
	}
	return nil
}

func (p *Precheck) checkGasPrice(parsed *ParsedTransaction, networkGasPrice *big.Int) error {
	if parsed.RawHex == DeterministicDeploymentRawTx {
		return nil
	}
	if to := parsed.Tx.To(); to != nil && p.cfg.IsPaymaster(to.Hex()) {
		return nil
	}
	offered := parsed.EffectiveGasPrice()
	tolerated := new(big.Int).Add(offered, big.NewInt(p.cfg.GasPriceTinyBarBuffer))
	if tolerated.Cmp(networkGasPrice) < 0 {
		return ErrGasPriceTooLow(offered, networkGasPrice)
	}
	return nil
}

func (p *Precheck) checkNonce(tx *types.Transaction, sender *mirror.Account) error {
	if sender == nil {
		return nil
	}
	if uint64(sender.EthereumNonce) > tx.Nonce() {
		return ErrNonceTooLow(tx.Nonce(), uint64(sender.EthereumNonce))
	}
	return nil
}

func (p *Precheck) checkBalance(parsed *ParsedTransaction, sender *mirror.Account) error {
	if sender == nil {
		return ErrInsufficientAccountBalance()
	}
	balance := WeibarFromTinybar(big.NewInt(sender.Balance.Balance))
	cost := new(big.Int).Mul(parsed.EffectiveGasPrice(), new(big.Int).SetUint64(parsed.Tx.Gas()))
	cost.Add(cost, parsed.Tx.Value())
	if balance.Cmp(cost) < 0 {
		return ErrInsufficientAccountBalance()
	}
	return nil
}

func (p *Precheck) checkReceiver(ctx context.Context, tx *types.Transaction, rd reqctx.RequestDetails) error {
	to := tx.To()
	if to == nil {
		return nil
	}
	receiver, err := p.mirror.GetAccount(ctx, to.Hex(), rd)
	if err != nil {
		return err
	}
	if receiver != nil && receiver.ReceiverSigRequired {
		return ErrReceiverSignatureRequired()
	}
	return nil
}
