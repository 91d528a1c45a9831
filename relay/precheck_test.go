package relay

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/hashgraph/hedera-evm-relay/mirror"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

var testKeyHex = "45a915e4d060149eb4365960e6a7a45f334393093061116b197e3240065ff2d8"

func signRawTx(t *testing.T, chainID *big.Int, txdata types.TxData) (*ParsedTransaction, string) {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("bad test key: %v", err)
	}
	tx := types.MustSignNewTx(key, types.LatestSignerForChainID(chainID), txdata)
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	rawHex := hexutil.Encode(raw)
	parsed, perr := ParseTransaction(rawHex, big.NewInt(0x12a))
	if perr != nil {
		t.Fatalf("parse failed: %v", perr)
	}
	return parsed, rawHex
}

func transferTxData(chainID *big.Int, nonce uint64, gas uint64, gasPrice, value *big.Int, data []byte) types.TxData {
	to := common.HexToAddress("0x000000000000000000000000000000000000beef")
	return &types.LegacyTx{Nonce: nonce, GasPrice: gasPrice, Gas: gas, To: &to, Value: value, Data: data}
}

func TestParseRecoversHashAndSender(t *testing.T) {
	chainID := big.NewInt(0x12a)
	key, _ := crypto.HexToECDSA(testKeyHex)
	wantFrom := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x000000000000000000000000000000000000beef")

	fixtures := []types.TxData{
		&types.LegacyTx{Nonce: 0, GasPrice: big.NewInt(710_000_000_000), Gas: 21000, To: &to, Value: big.NewInt(10_000_000_000)},
		&types.AccessListTx{ChainID: chainID, Nonce: 1, GasPrice: big.NewInt(710_000_000_000), Gas: 30000, To: &to, Value: new(big.Int)},
		&types.DynamicFeeTx{ChainID: chainID, Nonce: 2, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(710_000_000_000), Gas: 30000, To: &to, Value: new(big.Int)},
	}
	for i, txdata := range fixtures {
		parsed, rawHex := signRawTx(t, chainID, txdata)
		raw := hexutil.MustDecode(rawHex)
		if parsed.Hash() != crypto.Keccak256Hash(raw) {
			t.Fatalf("fixture %d: hash != keccak256(raw)", i)
		}
		if parsed.From != wantFrom {
			t.Fatalf("fixture %d: recovered %s, want %s", i, parsed.From.Hex(), wantFrom.Hex())
		}
	}
}

func richAccount(nonce int64) *mirror.Account {
	account := &mirror.Account{EthereumNonce: nonce}
	account.Balance.Balance = 5_000_000_000_000 // tinybars
	return account
}

func newTestPrecheck(account *mirror.Account) *Precheck {
	cfg := testConfig()
	m := &stubMirror{account: func(id string) (*mirror.Account, error) {
		return account, nil
	}}
	r := testRelay(cfg, m, &stubConsensus{})
	return NewPrecheck(m, r.Common, cfg, log.Root())
}

var testNetworkGasPrice = new(big.Int).Mul(big.NewInt(71), TinybarToWeibarCoef)

func TestPrecheckGasLimitBoundary(t *testing.T) {
	chainID := big.NewInt(0x12a)
	data := []byte{0, 0, 1, 2, 3}
	intrinsic := IntrinsicGas(data)
	p := newTestPrecheck(richAccount(0))
	rd := reqctx.New("10.0.0.1")

	parsed, _ := signRawTx(t, chainID, transferTxData(chainID, 0, intrinsic, testNetworkGasPrice, new(big.Int), data))
	if err := p.Verify(context.Background(), parsed, testNetworkGasPrice, rd); err != nil {
		t.Fatalf("gasLimit == intrinsic must pass, have %v", err)
	}

	parsed, _ = signRawTx(t, chainID, transferTxData(chainID, 0, intrinsic-1, testNetworkGasPrice, new(big.Int), data))
	err := p.Verify(context.Background(), parsed, testNetworkGasPrice, rd)
	if err == nil || !strings.Contains(err.Error(), "too low") {
		t.Fatalf("gasLimit == intrinsic-1 must fail, have %v", err)
	}
}

func TestPrecheckTransactionSizeBoundary(t *testing.T) {
	chainID := big.NewInt(0x12a)
	parsed, _ := signRawTx(t, chainID, transferTxData(chainID, 0, 21000, testNetworkGasPrice, new(big.Int), nil))
	rd := reqctx.New("10.0.0.1")

	p := newTestPrecheck(richAccount(0))
	p.cfg.TransactionSizeLimit = len(parsed.RawBytes)
	if err := p.Verify(context.Background(), parsed, testNetworkGasPrice, rd); err != nil {
		t.Fatalf("size == limit must pass, have %v", err)
	}

	p.cfg.TransactionSizeLimit = len(parsed.RawBytes) - 1
	err := p.Verify(context.Background(), parsed, testNetworkGasPrice, rd)
	if err == nil || !strings.Contains(err.Error(), "Transaction size") {
		t.Fatalf("size > limit must fail, have %v", err)
	}
}

func TestPrecheckChainID(t *testing.T) {
	wrongChain := big.NewInt(0x555)
	to := common.HexToAddress("0x000000000000000000000000000000000000beef")
	parsed, _ := signRawTx(t, wrongChain, &types.DynamicFeeTx{
		ChainID: wrongChain, Nonce: 0, GasTipCap: big.NewInt(1), GasFeeCap: testNetworkGasPrice, Gas: 21000, To: &to, Value: new(big.Int),
	})
	p := newTestPrecheck(richAccount(0))
	rd := reqctx.New("10.0.0.1")

	err := p.Verify(context.Background(), parsed, testNetworkGasPrice, rd)
	if err == nil || !strings.Contains(err.Error(), "ChainId") {
		t.Fatalf("wrong chain id must fail the chainId check, have %v", err)
	}
}

func TestPrecheckLegacyUnprotectedExempt(t *testing.T) {
	// Pre-EIP-155: signed with the homestead scheme, no chain id.
	to := common.HexToAddress("0x000000000000000000000000000000000000beef")
	key, _ := crypto.HexToECDSA(testKeyHex)
	tx := types.MustSignNewTx(key, types.HomesteadSigner{}, &types.LegacyTx{
		Nonce: 0, GasPrice: testNetworkGasPrice, Gas: 21000, To: &to, Value: new(big.Int),
	})
	raw, _ := tx.MarshalBinary()
	parsed, err := ParseTransaction(hexutil.Encode(raw), big.NewInt(0x12a))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	p := newTestPrecheck(richAccount(0))
	if err := p.Verify(context.Background(), parsed, testNetworkGasPrice, reqctx.New("10.0.0.1")); err != nil {
		t.Fatalf("unprotected legacy tx must be exempt from the chainId check, have %v", err)
	}
}

func TestPrecheckValueRepresentable(t *testing.T) {
	chainID := big.NewInt(0x12a)
	p := newTestPrecheck(richAccount(0))
	rd := reqctx.New("10.0.0.1")

	parsed, _ := signRawTx(t, chainID, transferTxData(chainID, 0, 21000, testNetworkGasPrice, big.NewInt(1), nil))
	err := p.Verify(context.Background(), parsed, testNetworkGasPrice, rd)
	if err == nil || !strings.Contains(err.Error(), "tinybar") {
		t.Fatalf("sub-tinybar value must fail, have %v", err)
	}

	for _, value := range []*big.Int{new(big.Int), big.NewInt(10_000_000_000)} {
		parsed, _ = signRawTx(t, chainID, transferTxData(chainID, 0, 21000, testNetworkGasPrice, value, nil))
		if err := p.Verify(context.Background(), parsed, testNetworkGasPrice, rd); err != nil {
			t.Fatalf("value %s must pass, have %v", value, err)
		}
	}
}

func TestPrecheckGasPriceFloor(t *testing.T) {
	chainID := big.NewInt(0x12a)
	low := new(big.Int).Mul(big.NewInt(5), TinybarToWeibarCoef)
	parsed, _ := signRawTx(t, chainID, transferTxData(chainID, 0, 21000, low, new(big.Int), nil))
	p := newTestPrecheck(richAccount(0))
	rd := reqctx.New("10.0.0.1")

	err := p.Verify(context.Background(), parsed, testNetworkGasPrice, rd)
	if err == nil || !strings.Contains(err.Error(), "Gas price") {
		t.Fatalf("below-floor gas price must fail, have %v", err)
	}

	// One tinybar of tolerance: 70 offered + 1 buffer covers the 71 floor.
	nearly := new(big.Int).Mul(big.NewInt(70), TinybarToWeibarCoef)
	parsed, _ = signRawTx(t, chainID, transferTxData(chainID, 0, 21000, nearly, new(big.Int), nil))
	if err := p.Verify(context.Background(), parsed, testNetworkGasPrice, rd); err != nil {
		t.Fatalf("gas price within the tinybar buffer must pass, have %v", err)
	}

	// Paymaster-subsidized recipients skip the floor entirely.
	p.cfg.PaymasterEnabled = true
	p.cfg.PaymasterWhitelist = []string{"*"}
	parsed, _ = signRawTx(t, chainID, transferTxData(chainID, 0, 21000, big.NewInt(0), new(big.Int), nil))
	if err := p.Verify(context.Background(), parsed, testNetworkGasPrice, rd); err != nil {
		t.Fatalf("paymaster recipient must be exempt, have %v", err)
	}
}

func TestPrecheckNonceTooLow(t *testing.T) {
	chainID := big.NewInt(0x12a)
	parsed, _ := signRawTx(t, chainID, transferTxData(chainID, 3, 21000, testNetworkGasPrice, new(big.Int), nil))
	p := newTestPrecheck(richAccount(5))
	err := p.Verify(context.Background(), parsed, testNetworkGasPrice, reqctx.New("10.0.0.1"))
	if err == nil || !strings.Contains(err.Error(), "Nonce too low") {
		t.Fatalf("stale nonce must fail, have %v", err)
	}
}

func TestPrecheckInsufficientBalance(t *testing.T) {
	chainID := big.NewInt(0x12a)
	parsed, _ := signRawTx(t, chainID, transferTxData(chainID, 0, 21000, testNetworkGasPrice, new(big.Int), nil))
	poor := &mirror.Account{}
	poor.Balance.Balance = 1
	p := newTestPrecheck(poor)
	err := p.Verify(context.Background(), parsed, testNetworkGasPrice, reqctx.New("10.0.0.1"))
	if err == nil || !strings.Contains(err.Error(), "Insufficient funds") {
		t.Fatalf("underfunded sender must fail, have %v", err)
	}
}

func TestPrecheckReceiverSignature(t *testing.T) {
	chainID := big.NewInt(0x12a)
	parsed, _ := signRawTx(t, chainID, transferTxData(chainID, 0, 21000, testNetworkGasPrice, new(big.Int), nil))
	account := richAccount(0)
	account.ReceiverSigRequired = true
	p := newTestPrecheck(account)
	err := p.Verify(context.Background(), parsed, testNetworkGasPrice, reqctx.New("10.0.0.1"))
	if err == nil || !strings.Contains(err.Error(), "signature") {
		t.Fatalf("receiver_sig_required must reject, have %v", err)
	}
}
