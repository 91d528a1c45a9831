package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	hedera "github.com/hashgraph/hedera-sdk-go/v2"

	"github.com/hashgraph/hedera-evm-relay/mirror"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

func resultForHash(hash string) func(string) (*mirror.ContractResult, error) {
	return func(string) (*mirror.ContractResult, error) {
		return &mirror.ContractResult{Hash: hash, Result: "SUCCESS"}, nil
	}
}

func TestSendRawTransactionReconciles(t *testing.T) {
	chainID := big.NewInt(0x12a)
	parsed, rawHex := signRawTx(t, chainID, transferTxData(chainID, 0, 21000, testNetworkGasPrice, new(big.Int), nil))

	m := &stubMirror{
		account:        func(string) (*mirror.Account, error) { return richAccount(0), nil },
		contractResult: resultForHash(parsed.Hash().Hex()),
	}
	r := testRelay(testConfig(), m, &stubConsensus{})

	hash, err := r.Transactions.SendRawTransaction(context.Background(), rawHex, reqctx.New("10.0.0.1"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if hash != parsed.Hash() {
		t.Fatalf("have %s, want %s", hash, parsed.Hash())
	}
}

// Concurrent submissions from one sender must reach the consensus node in
// arrival order, not interleaved.
func TestSendRawTransactionSerializesPerSender(t *testing.T) {
	chainID := big.NewInt(0x12a)
	first, firstRaw := signRawTx(t, chainID, transferTxData(chainID, 0, 21000, testNetworkGasPrice, new(big.Int), nil))
	_, secondRaw := signRawTx(t, chainID, transferTxData(chainID, 1, 21000, testNetworkGasPrice, new(big.Int), nil))

	var mu sync.Mutex
	var order []uint64
	consensus := &stubConsensus{submit: func(raw []byte, _ *hedera.FileID, _, _ int64) (hedera.TransactionID, error) {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			t.Errorf("submitted bytes do not decode: %v", err)
		}
		mu.Lock()
		order = append(order, tx.Nonce())
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		return testTransactionID(), nil
	}}
	m := &stubMirror{
		account:        func(string) (*mirror.Account, error) { return richAccount(0), nil },
		contractResult: resultForHash(first.Hash().Hex()),
	}
	r := testRelay(testConfig(), m, consensus)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := r.Transactions.SendRawTransaction(context.Background(), firstRaw, reqctx.New("10.0.0.1")); err != nil {
			t.Errorf("first send failed: %v", err)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		if _, err := r.Transactions.SendRawTransaction(context.Background(), secondRaw, reqctx.New("10.0.0.1")); err != nil {
			t.Errorf("second send failed: %v", err)
		}
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Fatalf("submission order %v, want [0 1]", order)
	}
}

// Oversized call data goes through HFS: a file is created, the stripped
// transaction is submitted, and the file is deleted even when the submission
// fails.
func TestSendRawTransactionOffloadsCallData(t *testing.T) {
	chainID := big.NewInt(0x12a)
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	_, rawHex := signRawTx(t, chainID, transferTxData(chainID, 0, IntrinsicGas(payload), testNetworkGasPrice, new(big.Int), payload))

	created := 0
	deleted := make(chan hedera.FileID, 1)
	consensus := &stubConsensus{
		createFile: func(data []byte) (*hedera.FileID, error) {
			created++
			if len(data) != len(payload) {
				t.Errorf("file carries %d bytes, want %d", len(data), len(payload))
			}
			return &hedera.FileID{File: 4242}, nil
		},
		submit: func(raw []byte, fileID *hedera.FileID, _, _ int64) (hedera.TransactionID, error) {
			if fileID == nil || fileID.File != 4242 {
				t.Errorf("submission must reference the created file, have %v", fileID)
			}
			tx := new(types.Transaction)
			if err := tx.UnmarshalBinary(raw); err != nil {
				t.Errorf("stripped bytes do not decode: %v", err)
			} else if len(tx.Data()) != 0 {
				t.Errorf("call data must be stripped, %d bytes remain", len(tx.Data()))
			}
			return hedera.TransactionID{}, errors.New("node unreachable")
		},
		deleteFile: func(id hedera.FileID) { deleted <- id },
	}
	cfg := testConfig()
	cfg.FileAppendChunkSize = 32
	m := &stubMirror{account: func(string) (*mirror.Account, error) { return richAccount(0), nil }}
	r := testRelay(cfg, m, consensus)

	_, err := r.Transactions.SendRawTransaction(context.Background(), rawHex, reqctx.New("10.0.0.1"))
	if err == nil {
		t.Fatalf("failed submission must surface")
	}
	if created != 1 {
		t.Fatalf("expected one file creation, have %d", created)
	}
	select {
	case id := <-deleted:
		if id.File != 4242 {
			t.Fatalf("deleted file %v, want 4242", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("file delete was never scheduled")
	}
}

func TestSendRawTransactionAsyncReturnsImmediately(t *testing.T) {
	chainID := big.NewInt(0x12a)
	parsed, rawHex := signRawTx(t, chainID, transferTxData(chainID, 0, 21000, testNetworkGasPrice, new(big.Int), nil))

	submitted := make(chan struct{})
	consensus := &stubConsensus{submit: func([]byte, *hedera.FileID, int64, int64) (hedera.TransactionID, error) {
		close(submitted)
		return testTransactionID(), nil
	}}
	cfg := testConfig()
	cfg.UseAsyncTxProcessing = true
	m := &stubMirror{
		account:        func(string) (*mirror.Account, error) { return richAccount(0), nil },
		contractResult: resultForHash(parsed.Hash().Hex()),
	}
	r := testRelay(cfg, m, consensus)

	hash, err := r.Transactions.SendRawTransaction(context.Background(), rawHex, reqctx.New("10.0.0.1"))
	if err != nil {
		t.Fatalf("async send failed: %v", err)
	}
	if hash != parsed.Hash() {
		t.Fatalf("async send must return the parsed hash, have %s", hash)
	}
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatalf("detached submission never ran")
	}
}

// WRONG_NONCE from the consensus node is disambiguated against the mirror
// node's account view.
func TestSendRawTransactionWrongNonce(t *testing.T) {
	chainID := big.NewInt(0x12a)
	parsed, rawHex := signRawTx(t, chainID, transferTxData(chainID, 3, 21000, testNetworkGasPrice, new(big.Int), nil))
	sender := strings.ToLower(parsed.From.Hex())

	consensus := &stubConsensus{submit: func([]byte, *hedera.FileID, int64, int64) (hedera.TransactionID, error) {
		return hedera.TransactionID{}, hedera.ErrHederaPreCheckStatus{TxID: testTransactionID(), Status: hedera.StatusWrongNonce}
	}}
	// The account advances between precheck and submission.
	senderCalls := 0
	m := &stubMirror{account: func(id string) (*mirror.Account, error) {
		if strings.ToLower(id) != sender {
			return nil, nil
		}
		senderCalls++
		if senderCalls == 1 {
			return richAccount(0), nil
		}
		return richAccount(5), nil
	}}
	r := testRelay(testConfig(), m, consensus)

	_, err := r.Transactions.SendRawTransaction(context.Background(), rawHex, reqctx.New("10.0.0.1"))
	if err == nil || !strings.Contains(err.Error(), "Nonce too low") {
		t.Fatalf("expected nonce-too-low, have %v", err)
	}
}

func TestGetTransactionByHashSynthetic(t *testing.T) {
	hash := common.HexToHash(fmt.Sprintf("0x%064x", 0xabcd))
	m := &stubMirror{logs: func(params url.Values) ([]mirror.Log, error) {
		if params["transaction.hash"] == nil {
			t.Errorf("lookup must filter by transaction.hash")
		}
		return []mirror.Log{blockLog(hash.Hex(), 0)}, nil
	}}
	r := testRelay(testConfig(), m, &stubConsensus{})

	tx, err := r.Transactions.GetTransactionByHash(context.Background(), hash, reqctx.New("10.0.0.1"))
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if tx == nil {
		t.Fatalf("orphan logs must synthesize a transaction")
	}
	if tx.Hash != hash {
		t.Fatalf("have %s, want %s", tx.Hash, hash)
	}
	if tx.To == nil || *tx.To != tx.From {
		t.Fatalf("synthetic transactions are self-sends, have from=%v to=%v", tx.From, tx.To)
	}
	if tx.GasPrice.ToInt().Int64() != 0xfe {
		t.Fatalf("synthetic gas price: have %s", tx.GasPrice.ToInt())
	}
}

func TestGetTransactionReceiptAbsent(t *testing.T) {
	r := testRelay(testConfig(), &stubMirror{}, &stubConsensus{})
	receipt, err := r.Transactions.GetTransactionReceipt(context.Background(), common.HexToHash(fmt.Sprintf("0x%064x", 1)), reqctx.New("10.0.0.1"))
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if receipt != nil {
		t.Fatalf("unknown transaction must resolve to nil, have %+v", receipt)
	}
}

func TestGetTransactionCountPending(t *testing.T) {
	address := common.HexToAddress("0x000000000000000000000000000000000000cafe")
	m := &stubMirror{account: func(string) (*mirror.Account, error) { return richAccount(4), nil }}
	r := testRelay(testConfig(), m, &stubConsensus{})
	rd := reqctx.New("10.0.0.1")
	ctx := context.Background()

	count, err := r.Transactions.GetTransactionCount(ctx, address, "latest", rd)
	if err != nil || uint64(count) != 4 {
		t.Fatalf("latest count: have %d err=%v", count, err)
	}

	sender := strings.ToLower(address.Hex())
	r.Transactions.pool.Add(ctx, sender, 4, "0x01", rd)
	r.Transactions.pool.Add(ctx, sender, 5, "0x02", rd)
	count, err = r.Transactions.GetTransactionCount(ctx, address, "pending", rd)
	if err != nil || uint64(count) != 6 {
		t.Fatalf("pending count: have %d err=%v", count, err)
	}

	count, err = r.Transactions.GetTransactionCount(ctx, address, "earliest", rd)
	if err != nil || count != 0 {
		t.Fatalf("earliest count: have %d err=%v", count, err)
	}
}
