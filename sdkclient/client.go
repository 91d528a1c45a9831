// Package sdkclient wraps the Hedera SDK behind the narrow surface the relay
// needs: ethereum-transaction submission, the HFS file sequence for oversized
// call data, consensus queries and transaction-record lookups. It owns the
// deadline and attempt policy for every gRPC interaction.
package sdkclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	hedera "github.com/hashgraph/hedera-sdk-go/v2"
	sdklog "github.com/hashgraph/hedera-sdk-go/v2"

	"github.com/hashgraph/hedera-evm-relay/config"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

var (
	executeTransactionTimer = metrics.NewRegisteredTimer("sdk/execute_transaction", nil)
	executeQueryTimer       = metrics.NewRegisteredTimer("sdk/execute_query", nil)
)

// TransactionRecordMetrics is the cost/outcome summary of a submitted
// transaction, fed back into the HBAR governor.
type TransactionRecordMetrics struct {
	TransactionID string
	CostTinybars  int64
	Status        string
	GasUsed       uint64
}

// Client is the relay's consensus-network client. It is shared across
// requests; the underlying SDK client is internally thread-safe and retries
// across the configured node list.
type Client struct {
	sdk         *hedera.Client
	operatorKey hedera.PrivateKey
	deadline    time.Duration
	chunkSize   int
	maxChunks   int
	logger      log.Logger
}

// NewClient builds the SDK client from configuration. HederaNetwork is
// either a well-known network name or a JSON map of "host:port" to node
// account ids.
func NewClient(cfg *config.Config, logger log.Logger) (*Client, error) {
	sdk, err := clientForNetwork(cfg.HederaNetwork)
	if err != nil {
		return nil, err
	}
	operatorID, err := hedera.AccountIDFromString(cfg.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("sdk: invalid operator id: %w", err)
	}
	operatorKey, err := hedera.PrivateKeyFromString(cfg.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("sdk: invalid operator key: %w", err)
	}
	sdk.SetOperator(operatorID, operatorKey)
	requestTimeout := cfg.SDKRequestTimeout
	sdk.SetRequestTimeout(&requestTimeout)
	sdk.SetMaxAttempts(cfg.SDKMaxAttempts)
	sdk.SetLogLevel(sdkLogLevel(cfg.SDKLogLevel))

	deadline, deprecated := cfg.GrpcDeadline()
	if deprecated {
		logger.Warn("CONSENSUS_MAX_EXECUTION_TIME is deprecated, use SDK_GRPC_DEADLINE")
	}
	return &Client{
		sdk:         sdk,
		operatorKey: operatorKey,
		deadline:    deadline,
		chunkSize:   cfg.FileAppendChunkSize,
		maxChunks:   cfg.FileAppendMaxChunks,
		logger:      logger,
	}, nil
}

func clientForNetwork(network string) (*hedera.Client, error) {
	switch strings.ToLower(network) {
	case "mainnet":
		return hedera.ClientForMainnet(), nil
	case "testnet":
		return hedera.ClientForTestnet(), nil
	case "previewnet":
		return hedera.ClientForPreviewnet(), nil
	}
	var nodes map[string]string
	if err := json.Unmarshal([]byte(network), &nodes); err != nil {
		return nil, fmt.Errorf("sdk: HEDERA_NETWORK is neither a known network nor a node map: %w", err)
	}
	networkMap := make(map[string]hedera.AccountID, len(nodes))
	for endpoint, account := range nodes {
		id, err := hedera.AccountIDFromString(account)
		if err != nil {
			return nil, fmt.Errorf("sdk: invalid node account %q: %w", account, err)
		}
		networkMap[endpoint] = id
	}
	return hedera.ClientForNetwork(networkMap), nil
}

// sdkLogLevel maps SDK_LOG_LEVEL names onto the SDK's logger levels. Unknown
// names and the default "silent" disable SDK logging entirely.
func sdkLogLevel(name string) sdklog.LogLevel {
	switch strings.ToLower(name) {
	case "trace":
		return sdklog.LoggerLevelTrace
	case "debug":
		return sdklog.LoggerLevelDebug
	case "info":
		return sdklog.LoggerLevelInfo
	case "warn":
		return sdklog.LoggerLevelWarn
	case "error":
		return sdklog.LoggerLevelError
	}
	return sdklog.LoggerLevelDisabled
}

// Close shuts down the underlying SDK client.
func (c *Client) Close() error { return c.sdk.Close() }

// OperatorAddress returns the operator's 20-byte address form, used as the
// default `from` on value-bearing eth_call requests.
func (c *Client) OperatorAddress() string {
	return "0x" + c.sdk.GetOperatorAccountID().ToSolidityAddress()
}

func (c *Client) observeTransaction(name string, txID hedera.TransactionID, status string, err error, start time.Time, rd reqctx.RequestDetails) {
	executeTransactionTimer.UpdateSince(start)
	c.logger.Info("execute_transaction",
		"txConstructorName", name, "transactionId", txID.String(), "status", status,
		"err", err, "requestId", rd.RequestID)
}

// SubmitEthereumTransaction submits a raw RLP-encoded Ethereum transaction.
// When callDataFileID is set the inline call data was offloaded to HFS and
// the transaction body references the file instead.
func (c *Client) SubmitEthereumTransaction(ctx context.Context, rawTx []byte, callDataFileID *hedera.FileID, maxFeeTinybars, gasAllowanceTinybars int64, rd reqctx.RequestDetails) (hedera.TransactionID, error) {
	start := time.Now()
	tx := hedera.NewEthereumTransaction().
		SetEthereumData(rawTx).
		SetMaxTransactionFee(hedera.HbarFromTinybar(maxFeeTinybars))
	if callDataFileID != nil {
		tx.SetCallDataFileID(*callDataFileID)
	}
	if gasAllowanceTinybars > 0 {
		tx.SetMaxGasAllowanceHbar(hedera.HbarFromTinybar(gasAllowanceTinybars))
	}
	tx.SetGrpcDeadline(&c.deadline)
	resp, err := tx.Execute(c.sdk)
	status := "SUBMITTED"
	if err != nil {
		status = "FAILED"
	}
	c.observeTransaction("EthereumTransaction", resp.TransactionID, status, err, start, rd)
	if err != nil {
		return resp.TransactionID, err
	}
	return resp.TransactionID, nil
}

// CreateFile uploads call data to HFS: FileCreate with the first chunk,
// chunked FileAppend for the remainder, then a FileInfo query verifying the
// upload landed non-empty.
func (c *Client) CreateFile(ctx context.Context, callData []byte, rd reqctx.RequestDetails) (*hedera.FileID, error) {
	start := time.Now()
	first := callData
	if len(first) > c.chunkSize {
		first = callData[:c.chunkSize]
	}
	createResp, err := hedera.NewFileCreateTransaction().
		SetKeys(c.operatorKey.PublicKey()).
		SetContents(first).
		SetGrpcDeadline(&c.deadline).
		Execute(c.sdk)
	if err != nil {
		c.observeTransaction("FileCreateTransaction", createResp.TransactionID, "FAILED", err, start, rd)
		return nil, err
	}
	receipt, err := createResp.GetReceipt(c.sdk)
	if err != nil {
		c.observeTransaction("FileCreateTransaction", createResp.TransactionID, "FAILED", err, start, rd)
		return nil, err
	}
	fileID := receipt.FileID
	c.observeTransaction("FileCreateTransaction", createResp.TransactionID, receipt.Status.String(), nil, start, rd)
	if fileID == nil {
		return nil, fmt.Errorf("sdk: file create returned no file id")
	}

	if len(callData) > c.chunkSize {
		appendStart := time.Now()
		appendResp, err := hedera.NewFileAppendTransaction().
			SetFileID(*fileID).
			SetContents(callData[c.chunkSize:]).
			SetMaxChunkSize(c.chunkSize).
			SetMaxChunks(uint64(c.maxChunks)).
			SetGrpcDeadline(&c.deadline).
			Execute(c.sdk)
		if err != nil {
			c.observeTransaction("FileAppendTransaction", appendResp.TransactionID, "FAILED", err, appendStart, rd)
			return fileID, err
		}
		if _, err := appendResp.GetReceipt(c.sdk); err != nil {
			c.observeTransaction("FileAppendTransaction", appendResp.TransactionID, "FAILED", err, appendStart, rd)
			return fileID, err
		}
		c.observeTransaction("FileAppendTransaction", appendResp.TransactionID, "SUCCESS", nil, appendStart, rd)
	}

	queryStart := time.Now()
	info, err := hedera.NewFileInfoQuery().SetFileID(*fileID).Execute(c.sdk)
	executeQueryTimer.UpdateSince(queryStart)
	if err != nil {
		return fileID, err
	}
	if info.Size == 0 {
		return fileID, fmt.Errorf("sdk: uploaded call data file %s is empty", fileID.String())
	}
	return fileID, nil
}

// DeleteFile removes an HFS file created for oversized call data. Failures
// are logged, never raised: the file is orphaned, not leaked into a request.
func (c *Client) DeleteFile(ctx context.Context, fileID hedera.FileID, rd reqctx.RequestDetails) {
	start := time.Now()
	resp, err := hedera.NewFileDeleteTransaction().
		SetFileID(fileID).
		SetGrpcDeadline(&c.deadline).
		Execute(c.sdk)
	if err == nil {
		_, err = resp.GetReceipt(c.sdk)
	}
	c.observeTransaction("FileDeleteTransaction", resp.TransactionID, "DELETED", err, start, rd)
	if err != nil {
		c.logger.Warn("failed to delete call data file", "fileId", fileID.String(), "err", err, "requestId", rd.RequestID)
	}
}

// GetTransactionRecordMetrics queries the record of a submitted transaction
// for its observed cost and outcome.
func (c *Client) GetTransactionRecordMetrics(ctx context.Context, txID hedera.TransactionID, rd reqctx.RequestDetails) (*TransactionRecordMetrics, error) {
	start := time.Now()
	record, err := hedera.NewTransactionRecordQuery().SetTransactionID(txID).Execute(c.sdk)
	executeQueryTimer.UpdateSince(start)
	if err != nil {
		return nil, err
	}
	out := &TransactionRecordMetrics{
		TransactionID: txID.String(),
		CostTinybars:  record.TransactionFee.AsTinybar(),
		Status:        record.Receipt.Status.String(),
	}
	if result, err := record.GetContractExecuteResult(); err == nil {
		out.GasUsed = result.GasUsed
	}
	return out, nil
}

// CallContract executes a read-only contract call on the consensus network,
// the forced-consensus path of eth_call.
func (c *Client) CallContract(ctx context.Context, to string, data []byte, gas uint64, rd reqctx.RequestDetails) ([]byte, error) {
	contractID, err := hedera.ContractIDFromEvmAddress(0, 0, strings.TrimPrefix(to, "0x"))
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := hedera.NewContractCallQuery().
		SetContractID(contractID).
		SetGas(gas).
		SetFunctionParameters(data).
		Execute(c.sdk)
	executeQueryTimer.UpdateSince(start)
	c.logger.Info("execute_query", "query", "ContractCallQuery", "to", to, "gas", gas, "err", err, "requestId", rd.RequestID)
	if err != nil {
		return nil, err
	}
	return result.ContractCallResult, nil
}

// MirrorTransactionID converts an SDK transaction id into the mirror node's
// path form: 0.0.N@sss.nnnnnnnnn becomes 0.0.N-sss-nnnnnnnnn.
func MirrorTransactionID(txID hedera.TransactionID) string {
	s := txID.String()
	s = strings.Replace(s, "@", "-", 1)
	if idx := strings.LastIndex(s, "."); idx > strings.Index(s, "-") {
		s = s[:idx] + "-" + s[idx+1:]
	}
	return s
}
