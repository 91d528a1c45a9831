package relay

import (
	"fmt"
	"math/big"
)

// JSON-RPC application error codes surfaced by the relay.
const (
	codeServerError         = -32000
	codeTransactionRejected = -32003
	codeRequestTimeout      = -32010
	codeContractRevert      = -32015
	codeUpstreamFail        = -32020
	codeInvalidRequest      = -32600
	codeMethodNotFound      = -32601
	codeInvalidParameter    = -32602
	codeInternalError       = -32603
	codeIPRateLimit         = -32605
	codeHbarRateLimit       = -32606
)

// JSONRPCError is a JSON-RPC error with a stable application code and an
// optional data payload. It satisfies the rpc.Error and rpc.DataError
// interfaces of the RPC server.
type JSONRPCError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *JSONRPCError) Error() string          { return e.Message }
func (e *JSONRPCError) ErrorCode() int         { return e.Code }
func (e *JSONRPCError) ErrorData() interface{} { return e.Data }

// IsJSONRPCError reports whether err already carries a stable code and can
// pass the API edge untouched.
func IsJSONRPCError(err error) bool {
	_, ok := err.(*JSONRPCError)
	return ok
}

func ErrInvalidRequest(reason string) *JSONRPCError {
	return &JSONRPCError{Code: codeInvalidRequest, Message: "Invalid request: " + reason}
}

func ErrInvalidParameter(index interface{}, reason string) *JSONRPCError {
	return &JSONRPCError{Code: codeInvalidParameter, Message: fmt.Sprintf("Invalid parameter %v: %s", index, reason)}
}

func ErrUnsupportedMethod(method string) *JSONRPCError {
	return &JSONRPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("Method %s is not supported", method)}
}

func ErrInternal(reason string) *JSONRPCError {
	return &JSONRPCError{Code: codeInternalError, Message: "Internal error: " + reason}
}

func ErrRequestTimeout() *JSONRPCError {
	return &JSONRPCError{Code: codeRequestTimeout, Message: "Request timeout. Retry the request"}
}

func ErrUnknownBlock(reason string) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: "Unknown block: " + reason}
}

func ErrInvalidBlockRange(reason string) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: "Invalid block range: " + reason}
}

func ErrTimestampRangeTooLarge(fromBlock, toBlock string, fromTs, toTs string) *JSONRPCError {
	return &JSONRPCError{
		Code: codeServerError,
		Message: fmt.Sprintf("The provided fromBlock and toBlock contain timestamps that exceed the maximum allowed duration of 7 days (604800 seconds): fromBlock: %s (%s), toBlock: %s (%s)",
			fromBlock, fromTs, toBlock, toTs),
	}
}

func ErrRangeTooLarge(limit int64) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: fmt.Sprintf("Exceeded maximum block range: %d", limit)}
}

func ErrMissingFromBlock() *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: "Provided toBlock parameter without specifying fromBlock"}
}

func ErrMaxBlockSize(count int64) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: fmt.Sprintf("Exceeded max transactions that can be returned in a block: %d", count)}
}

func ErrUnsupportedTransactionType() *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: "Unsupported transaction type"}
}

func ErrCallDataSizeExceeded(limit, actual int) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: fmt.Sprintf("Call data size exceeded maximum of %d bytes, got %d", limit, actual)}
}

func ErrTransactionSizeExceeded(limit, actual int) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: fmt.Sprintf("Transaction size exceeded maximum of %d bytes, got %d", limit, actual)}
}

func ErrGasLimitTooLow(gasLimit, intrinsic uint64) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: fmt.Sprintf("Gas limit %d is too low; intrinsic gas is %d", gasLimit, intrinsic)}
}

func ErrGasLimitTooHigh(gasLimit, max uint64) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: fmt.Sprintf("Gas limit %d exceeds the block gas limit %d", gasLimit, max)}
}

func ErrUnsupportedChainID(got, want string) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: fmt.Sprintf("ChainId %s not supported. The correct chainId is %s", got, want)}
}

func ErrValueTooLow() *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: "Value below 10_000_000_000 wei which is 1 tinybar"}
}

func ErrGasPriceTooLow(gasPrice, networkGasPrice *big.Int) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: fmt.Sprintf("Gas price %s is below configured minimum gas price %s", gasPrice, networkGasPrice)}
}

func ErrNonceTooLow(txNonce, accountNonce uint64) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: fmt.Sprintf("Nonce too low. Provided nonce: %d, current nonce: %d", txNonce, accountNonce)}
}

func ErrNonceTooHigh(txNonce, accountNonce uint64) *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: fmt.Sprintf("Nonce too high. Provided nonce: %d, current nonce: %d", txNonce, accountNonce)}
}

func ErrInsufficientAccountBalance() *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: "Insufficient funds for transfer"}
}

func ErrReceiverSignatureRequired() *JSONRPCError {
	return &JSONRPCError{Code: codeServerError, Message: "Receiver account requires a signature to receive funds"}
}

func ErrTransactionRejected(status, message string) *JSONRPCError {
	return &JSONRPCError{Code: codeTransactionRejected, Message: fmt.Sprintf("Transaction rejected: %s. %s", status, message)}
}

// ErrContractRevert carries both the decoded revert reason and the raw
// ABI-encoded payload.
func ErrContractRevert(detail, data string) *JSONRPCError {
	message := "execution reverted"
	if reason := decodeRevertReason(data); reason != "" {
		message = fmt.Sprintf("execution reverted: %s", reason)
	} else if detail != "" {
		message = fmt.Sprintf("execution reverted: %s", detail)
	}
	return &JSONRPCError{Code: codeContractRevert, Message: message, Data: data}
}

func ErrIPRateLimitExceeded(method string) *JSONRPCError {
	return &JSONRPCError{Code: codeIPRateLimit, Message: "IP Rate limit exceeded on " + method}
}

func ErrHbarRateLimitExceeded() *JSONRPCError {
	return &JSONRPCError{Code: codeHbarRateLimit, Message: "HBAR Rate limit exceeded"}
}

func ErrMirrorNodeUpstreamFail() *JSONRPCError {
	return &JSONRPCError{Code: codeUpstreamFail, Message: "Mirror node upstream failure"}
}
