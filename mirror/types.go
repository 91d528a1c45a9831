package mirror

import (
	"strconv"
	"strings"
)

// TimestampRange is a mirror-node consensus-timestamp interval, each bound a
// "seconds.nanoseconds" string.
type TimestampRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Block is a mirror-node block record.
type Block struct {
	Count        int64          `json:"count"`
	GasUsed      int64          `json:"gas_used"`
	Hash         string         `json:"hash"`
	LogsBloom    string         `json:"logs_bloom"`
	Name         string         `json:"name"`
	Number       int64          `json:"number"`
	PreviousHash string         `json:"previous_hash"`
	Size         int64          `json:"size"`
	Timestamp    TimestampRange `json:"timestamp"`
}

// ContractResult is one row of /contracts/results. The detail endpoint
// returns the same shape with the signature and fee fields populated.
type ContractResult struct {
	Address              string   `json:"address"`
	Amount               int64    `json:"amount"`
	BlockGasUsed         int64    `json:"block_gas_used"`
	BlockHash            string   `json:"block_hash"`
	BlockNumber          int64    `json:"block_number"`
	Bloom                string   `json:"bloom"`
	CallResult           string   `json:"call_result"`
	ChainID              string   `json:"chain_id"`
	ContractID           string   `json:"contract_id"`
	CreatedContractIDs   []string `json:"created_contract_ids"`
	ErrorMessage         string   `json:"error_message"`
	From                 string   `json:"from"`
	FunctionParameters   string   `json:"function_parameters"`
	GasConsumed          int64    `json:"gas_consumed"`
	GasLimit             int64    `json:"gas_limit"`
	GasPrice             string   `json:"gas_price"`
	GasUsed              int64    `json:"gas_used"`
	Hash                 string   `json:"hash"`
	MaxFeePerGas         string   `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string   `json:"max_priority_fee_per_gas"`
	Nonce                int64    `json:"nonce"`
	R                    string   `json:"r"`
	Result               string   `json:"result"`
	S                    string   `json:"s"`
	Status               string   `json:"status"`
	Timestamp            string   `json:"timestamp"`
	To                   string   `json:"to"`
	TransactionIndex     *int64   `json:"transaction_index"`
	Type                 *int64   `json:"type"`
	V                    *int64   `json:"v"`
}

// Log is a mirror-node contract log row.
type Log struct {
	Address          string   `json:"address"`
	Bloom            string   `json:"bloom"`
	BlockHash        string   `json:"block_hash"`
	BlockNumber      int64    `json:"block_number"`
	ContractID       string   `json:"contract_id"`
	Data             string   `json:"data"`
	Index            int64    `json:"index"`
	RootContractID   string   `json:"root_contract_id"`
	Timestamp        string   `json:"timestamp"`
	Topics           []string `json:"topics"`
	TransactionHash  string   `json:"transaction_hash"`
	TransactionIndex *int64   `json:"transaction_index"`
}

// Account is a mirror-node account record.
type Account struct {
	Account             string `json:"account"`
	EvmAddress          string `json:"evm_address"`
	EthereumNonce       int64  `json:"ethereum_nonce"`
	ReceiverSigRequired bool   `json:"receiver_sig_required"`
	CreatedTimestamp    string `json:"created_timestamp"`
	Balance             struct {
		Balance   int64  `json:"balance"`
		Timestamp string `json:"timestamp"`
	} `json:"balance"`
}

// Contract is a mirror-node contract record.
type Contract struct {
	ContractID       string `json:"contract_id"`
	EvmAddress       string `json:"evm_address"`
	CreatedTimestamp string `json:"created_timestamp"`
	RuntimeBytecode  string `json:"runtime_bytecode"`
}

// Token is a mirror-node token record; only identity matters to the relay.
type Token struct {
	TokenID string `json:"token_id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
}

// NetworkFee is the gas price for one transaction type.
type NetworkFee struct {
	Gas             int64  `json:"gas"`
	TransactionType string `json:"transaction_type"`
}

// NetworkFees is the /network/fees response.
type NetworkFees struct {
	Fees      []NetworkFee `json:"fees"`
	Timestamp string       `json:"timestamp"`
}

// Rate is one half of the network exchange rate.
type Rate struct {
	CentEquivalent int64 `json:"cent_equivalent"`
	HbarEquivalent int64 `json:"hbar_equivalent"`
	ExpirationTime int64 `json:"expiration_time"`
}

// ExchangeRate is the /network/exchangerate response.
type ExchangeRate struct {
	CurrentRate Rate `json:"current_rate"`
	NextRate    Rate `json:"next_rate"`
}

// ContractStateEntry is one storage slot row.
type ContractStateEntry struct {
	Address   string `json:"address"`
	ContractID string `json:"contract_id"`
	Slot      string `json:"slot"`
	Timestamp string `json:"timestamp"`
	Value     string `json:"value"`
}

// ContractCallRequest is the POST /contracts/call payload.
type ContractCallRequest struct {
	Block    string `json:"block,omitempty"`
	Data     string `json:"data,omitempty"`
	Estimate bool   `json:"estimate"`
	From     string `json:"from,omitempty"`
	Gas      uint64 `json:"gas,omitempty"`
	GasPrice uint64 `json:"gasPrice,omitempty"`
	To       string `json:"to"`
	Value    string `json:"value,omitempty"`
}

// ContractCallResponse carries the hex result of a mirror-node call.
type ContractCallResponse struct {
	Result string `json:"result"`
}

// EntityType classifies what a 20-byte address resolves to on the network.
type EntityType string

const (
	EntityAccount  EntityType = "account"
	EntityContract EntityType = "contract"
	EntityToken    EntityType = "token"
)

// Entity is the result of resolving an address against the mirror node.
type Entity struct {
	Type     EntityType
	Account  *Account
	Contract *Contract
	Token    *Token
}

type links struct {
	Next string `json:"next"`
}

type blocksPage struct {
	Blocks []Block `json:"blocks"`
	Links  links   `json:"links"`
}

type contractResultsPage struct {
	Results []ContractResult `json:"results"`
	Links   links            `json:"links"`
}

type logsPage struct {
	Logs  []Log `json:"logs"`
	Links links `json:"links"`
}

type contractStatePage struct {
	State []ContractStateEntry `json:"state"`
	Links links                `json:"links"`
}

// TimestampSeconds truncates a "seconds.nanoseconds" consensus timestamp to
// whole seconds, the granularity of Ethereum block timestamps.
func TimestampSeconds(ts string) int64 {
	if idx := strings.IndexByte(ts, '.'); idx >= 0 {
		ts = ts[:idx]
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0
	}
	return sec
}

// CompareTimestamps orders two consensus timestamps, comparing the fractional
// parts numerically rather than lexically.
func CompareTimestamps(a, b string) int {
	as, af := splitTimestamp(a)
	bs, bf := splitTimestamp(b)
	switch {
	case as != bs:
		if as < bs {
			return -1
		}
		return 1
	case af != bf:
		if af < bf {
			return -1
		}
		return 1
	}
	return 0
}

func splitTimestamp(ts string) (int64, int64) {
	sec := TimestampSeconds(ts)
	var frac int64
	if idx := strings.IndexByte(ts, '.'); idx >= 0 {
		f := ts[idx+1:]
		for len(f) < 9 {
			f += "0"
		}
		frac, _ = strconv.ParseInt(f[:9], 10, 64)
	}
	return sec, frac
}
