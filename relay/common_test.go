package relay

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/hashgraph/hedera-evm-relay/mirror"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

func mkBlock(number int64, fromTs, toTs string) *mirror.Block {
	return &mirror.Block{
		Number:       number,
		Count:        0,
		Hash:         fmt.Sprintf("0x%064x", number+1),
		PreviousHash: fmt.Sprintf("0x%064x", number),
		Timestamp:    mirror.TimestampRange{From: fromTs, To: toTs},
	}
}

// numberedBlocks serves GetBlock by decimal number with one-second blocks.
func numberedBlocks(latest int64) *stubMirror {
	blockFor := func(n int64) *mirror.Block {
		return mkBlock(n,
			strconv.FormatInt(1_000_000+n*2, 10)+".000000000",
			strconv.FormatInt(1_000_000+n*2+1, 10)+".999999999")
	}
	return &stubMirror{
		latestBlock: func() (*mirror.Block, error) { return blockFor(latest), nil },
		block: func(id string) (*mirror.Block, error) {
			n, err := strconv.ParseInt(id, 10, 64)
			if err != nil || n > latest {
				return nil, nil
			}
			return blockFor(n), nil
		},
	}
}

func TestLatestBlockNumberCached(t *testing.T) {
	calls := 0
	m := &stubMirror{latestBlock: func() (*mirror.Block, error) {
		calls++
		return mkBlock(7, "1.0", "1.9"), nil
	}}
	r := testRelay(testConfig(), m, &stubConsensus{})
	rd := reqctx.New("10.0.0.1")

	for i := 0; i < 3; i++ {
		num, err := r.Common.LatestBlockNumber(context.Background(), rd)
		if err != nil {
			t.Fatalf("latest block number failed: %v", err)
		}
		if num != 7 {
			t.Fatalf("have block %d, want 7", num)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single upstream fetch, have %d", calls)
	}
}

func TestGetHistoricalBlockContradictionGuard(t *testing.T) {
	r := testRelay(testConfig(), numberedBlocks(100), &stubConsensus{})
	rd := reqctx.New("10.0.0.1")

	block, err := r.Common.GetHistoricalBlock(context.Background(), "latest", false, rd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if block != nil {
		t.Fatalf("latest with returnLatest=false must resolve to nil")
	}
}

func TestGetHistoricalBlockFutureTolerance(t *testing.T) {
	r := testRelay(testConfig(), numberedBlocks(100), &stubConsensus{})
	rd := reqctx.New("10.0.0.1")

	// Within MAX_BLOCK_RANGE of latest: served as the latest block.
	block, err := r.Common.GetHistoricalBlock(context.Background(), "0x67", true, rd) // 103
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if block == nil || block.Number != 100 {
		t.Fatalf("near-future block should resolve to latest, have %+v", block)
	}

	// Beyond the tolerance: does not exist.
	block, err = r.Common.GetHistoricalBlock(context.Background(), "0x6a", true, rd) // 106
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if block != nil {
		t.Fatalf("far-future block must resolve to nil, have %+v", block)
	}
}

func errCode(t *testing.T, err error) int {
	t.Helper()
	rpcErr, ok := err.(*JSONRPCError)
	if !ok {
		t.Fatalf("expected a JSON-RPC error, have %T: %v", err, err)
	}
	return rpcErr.Code
}

func TestValidateBlockRangeInverted(t *testing.T) {
	r := testRelay(testConfig(), numberedBlocks(100), &stubConsensus{})
	rd := reqctx.New("10.0.0.1")

	_, err := r.Common.ValidateBlockRangeAndAddTimestamps(context.Background(), "0xa", "0x5", false, url.Values{}, rd)
	if err == nil {
		t.Fatalf("inverted range must fail")
	}
	if errCode(t, err) != -32000 || !strings.Contains(err.Error(), "Invalid block range") {
		t.Fatalf("wrong error for inverted range: %v", err)
	}
}

func TestValidateBlockRangeTimestampCap(t *testing.T) {
	// Blocks a second apart, so a 700k-block range spans more than 7 days.
	m := numberedBlocks(1_000_000)
	r := testRelay(testConfig(), m, &stubConsensus{})
	rd := reqctx.New("10.0.0.1")

	_, err := r.Common.ValidateBlockRangeAndAddTimestamps(context.Background(), "0x0", "0x7a120", true, url.Values{}, rd) // 0..500000
	if err == nil {
		t.Fatalf("7-day cap must apply even to single-address queries")
	}
	if !strings.Contains(err.Error(), "7 days") {
		t.Fatalf("wrong error for timestamp cap: %v", err)
	}
}

func TestValidateBlockRangeBlockLimit(t *testing.T) {
	cfg := testConfig()
	cfg.EthGetLogsBlockRangeLimit = 10
	r := testRelay(cfg, numberedBlocks(100), &stubConsensus{})
	rd := reqctx.New("10.0.0.1")

	_, err := r.Common.ValidateBlockRangeAndAddTimestamps(context.Background(), "0x0", "0x14", false, url.Values{}, rd)
	if err == nil {
		t.Fatalf("block range limit must apply to multi-address queries")
	}
	if !strings.Contains(err.Error(), "maximum block range") {
		t.Fatalf("wrong error for range limit: %v", err)
	}

	// A single-address query may span the same range.
	params := url.Values{}
	ok, err := r.Common.ValidateBlockRangeAndAddTimestamps(context.Background(), "0x0", "0x14", true, params, rd)
	if err != nil || !ok {
		t.Fatalf("single-address range rejected: ok=%v err=%v", ok, err)
	}
	timestamps := params["timestamp"]
	if len(timestamps) != 2 || !strings.HasPrefix(timestamps[0], "gte:") || !strings.HasPrefix(timestamps[1], "lte:") {
		t.Fatalf("timestamp filters not added: %v", timestamps)
	}
}

func TestValidateBlockRangeMissingFrom(t *testing.T) {
	r := testRelay(testConfig(), numberedBlocks(100), &stubConsensus{})
	rd := reqctx.New("10.0.0.1")

	_, err := r.Common.ValidateBlockRangeAndAddTimestamps(context.Background(), "", "0x5", false, url.Values{}, rd)
	if err == nil || !strings.Contains(err.Error(), "without specifying fromBlock") {
		t.Fatalf("toBlock without fromBlock must fail, have %v", err)
	}

	// toBlock resolving to latest tolerates a missing fromBlock.
	if _, err := r.Common.ValidateBlockRangeAndAddTimestamps(context.Background(), "", "latest", false, url.Values{}, rd); err != nil {
		t.Fatalf("missing fromBlock with latest toBlock rejected: %v", err)
	}
}

func TestTopicNormalization(t *testing.T) {
	params := url.Values{}
	wide := make([]string, 150)
	for i := range wide {
		wide[i] = fmt.Sprintf("0x%064x", i+1)
	}
	addTopicParams(params, [][]string{
		{"0x000000000000000000000000000000000000000000000000000000000000dead"},
		nil,
		wide,
	})
	if got := params.Get("topic0"); got != "0xdead" {
		t.Fatalf("leading zeros must be stripped, have %q", got)
	}
	if params.Has("topic1") {
		t.Fatalf("nil position must not constrain")
	}
	if n := len(params["topic2"]); n != maxTopicsPerPosition {
		t.Fatalf("nested topic array must be capped at %d, have %d", maxTopicsPerPosition, n)
	}
}

func TestGetLogsMultiAddressMerge(t *testing.T) {
	m := numberedBlocks(100)
	m.logsByAddress = func(address string, params url.Values) ([]mirror.Log, error) {
		one := int64(1)
		if strings.HasSuffix(address, "aaaa") {
			return []mirror.Log{
				{Address: address, Timestamp: "1000002.5", Index: 1, TransactionHash: "0x01", TransactionIndex: &one},
				{Address: address, Timestamp: "1000002.10", Index: 0, TransactionHash: "0x02", TransactionIndex: &one},
			}, nil
		}
		return []mirror.Log{
			{Address: address, Timestamp: "1000002.5", Index: 0, TransactionHash: "0x03", TransactionIndex: &one},
		}, nil
	}
	r := testRelay(testConfig(), m, &stubConsensus{})
	rd := reqctx.New("10.0.0.1")

	logs, err := r.Common.GetLogs(context.Background(), LogFilter{
		FromBlock: "0x1",
		ToBlock:   "0x2",
		Address:   []string{"0x000000000000000000000000000000000000aaaa", "0x000000000000000000000000000000000000bbbb"},
	}, rd)
	if err != nil {
		t.Fatalf("getLogs failed: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 merged logs, have %d", len(logs))
	}
	// "1000002.10" is 0.010s, earlier than "1000002.5" (0.5s); equal
	// timestamps order by log index.
	if logs[0].LogIndex != 0 || logs[1].LogIndex != 0 || logs[2].LogIndex != 1 {
		t.Fatalf("logs not sorted by (timestamp, logIndex): %+v", logs)
	}
}

func TestGasPriceBufferedAndCached(t *testing.T) {
	cfg := testConfig()
	cfg.GasPriceBufferPercent = 10
	calls := 0
	m := &stubMirror{fees: func(string) (*mirror.NetworkFees, error) {
		calls++
		return &mirror.NetworkFees{Fees: []mirror.NetworkFee{{Gas: 71, TransactionType: "EthereumTransaction"}}}, nil
	}}
	r := testRelay(cfg, m, &stubConsensus{})
	rd := reqctx.New("10.0.0.1")

	want := new(big.Int).Mul(big.NewInt(71), TinybarToWeibarCoef)
	want.Add(want, new(big.Int).Div(new(big.Int).Mul(want, big.NewInt(10)), big.NewInt(100)))

	for i := 0; i < 2; i++ {
		price, err := r.Common.GasPrice(context.Background(), rd)
		if err != nil {
			t.Fatalf("gas price failed: %v", err)
		}
		if price.Cmp(want) != 0 {
			t.Fatalf("have %s, want %s", price, want)
		}
	}
	if calls != 1 {
		t.Fatalf("fee schedule should be fetched once, have %d", calls)
	}
}
