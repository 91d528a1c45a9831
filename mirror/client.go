// Package mirror implements the retrying HTTP client for the mirror node,
// the read path for every historical query the relay serves.
package mirror

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

// maxPages bounds pagination loops so a pathological range cannot hold a
// request forever. A query still paginated after the cap errors out rather
// than returning a silently truncated result.
const maxPages = 20

func errTooManyPages(op string) error {
	return fmt.Errorf("mirror node: %s exceeded %d result pages, narrow the query range", op, maxPages)
}

// Client talks to one mirror-node REST endpoint. It is shared across
// requests and safe for concurrent use.
type Client struct {
	baseURL    string
	hc         *http.Client
	retries    int
	retryDelay time.Duration
	logger     log.Logger
}

// NewClient creates a mirror-node client. baseURL should point at the REST
// root; the /api/v1 suffix is appended when missing.
func NewClient(baseURL string, timeout time.Duration, retries int, retryDelay time.Duration, logger log.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/api/v1") {
		baseURL += "/api/v1"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		hc:         &http.Client{Timeout: timeout},
		retries:    retries,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

func parseError(statusCode int, body []byte) *ClientError {
	var envelope statusEnvelope
	_ = json.Unmarshal(body, &envelope)
	return &ClientError{StatusCode: statusCode, Messages: envelope.Status.Messages}
}

func retryable(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

// do executes one HTTP request with bounded retries on transient failures.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, op string, rd reqctx.RequestDetails) ([]byte, error) {
	start := time.Now()
	defer metrics.GetOrRegisterTimer("mirror/"+op, nil).UpdateSince(start)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Debug("mirror node request failed", "op", op, "attempt", attempt, "err", err, "requestId", rd.RequestID)
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode < 300 {
			return raw, nil
		}
		cerr := parseError(resp.StatusCode, raw)
		if retryable(resp.StatusCode) {
			lastErr = cerr
			c.logger.Debug("mirror node transient failure", "op", op, "status", resp.StatusCode, "attempt", attempt, "requestId", rd.RequestID)
			continue
		}
		return nil, cerr
	}
	return nil, fmt.Errorf("mirror node unreachable after %d attempts: %w", c.retries+1, lastErr)
}

func fetch[T any](ctx context.Context, c *Client, path, op string, rd reqctx.RequestDetails) (*T, error) {
	raw, err := c.do(ctx, http.MethodGet, path, nil, op, rd)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("mirror node: malformed %s response: %w", op, err)
	}
	return out, nil
}

// GetLatestBlock returns the newest block.
func (c *Client) GetLatestBlock(ctx context.Context, rd reqctx.RequestDetails) (*Block, error) {
	page, err := fetch[blocksPage](ctx, c, "/blocks?order=desc&limit=1", "getLatestBlock", rd)
	if err != nil {
		return nil, err
	}
	if len(page.Blocks) == 0 {
		return nil, &ClientError{StatusCode: 404}
	}
	return &page.Blocks[0], nil
}

// GetBlock resolves a block by number or 32-byte hash. Missing blocks return
// (nil, nil); other failures propagate.
func (c *Client) GetBlock(ctx context.Context, hashOrNumber string, rd reqctx.RequestDetails) (*Block, error) {
	block, err := fetch[Block](ctx, c, "/blocks/"+url.PathEscape(hashOrNumber), "getBlock", rd)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return block, nil
}

// GetContractResults lists contract results matching params, following
// pagination links.
func (c *Client) GetContractResults(ctx context.Context, params url.Values, rd reqctx.RequestDetails) ([]ContractResult, error) {
	path := "/contracts/results"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out []ContractResult
	for page := 0; path != "" && page < maxPages; page++ {
		result, err := fetch[contractResultsPage](ctx, c, strings.TrimPrefix(path, "/api/v1"), "getContractResults", rd)
		if err != nil {
			return nil, err
		}
		out = append(out, result.Results...)
		path = result.Links.Next
	}
	if path != "" {
		return nil, errTooManyPages("getContractResults")
	}
	return out, nil
}

// GetContractResult fetches one contract result by Ethereum hash or by
// mirror-node transaction id. Missing results return (nil, nil).
func (c *Client) GetContractResult(ctx context.Context, hashOrID string, rd reqctx.RequestDetails) (*ContractResult, error) {
	result, err := fetch[ContractResult](ctx, c, "/contracts/results/"+url.PathEscape(hashOrID), "getContractResult", rd)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetContractResultsLogs lists logs matching params, following pagination.
func (c *Client) GetContractResultsLogs(ctx context.Context, params url.Values, rd reqctx.RequestDetails) ([]Log, error) {
	path := "/contracts/results/logs"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out []Log
	for page := 0; path != "" && page < maxPages; page++ {
		result, err := fetch[logsPage](ctx, c, strings.TrimPrefix(path, "/api/v1"), "getContractResultsLogs", rd)
		if err != nil {
			return nil, err
		}
		out = append(out, result.Logs...)
		path = result.Links.Next
	}
	if path != "" {
		return nil, errTooManyPages("getContractResultsLogs")
	}
	return out, nil
}

// GetContractResultsLogsByAddress lists logs emitted by one contract.
func (c *Client) GetContractResultsLogsByAddress(ctx context.Context, address string, params url.Values, rd reqctx.RequestDetails) ([]Log, error) {
	path := "/contracts/" + url.PathEscape(address) + "/results/logs"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out []Log
	for page := 0; path != "" && page < maxPages; page++ {
		result, err := fetch[logsPage](ctx, c, strings.TrimPrefix(path, "/api/v1"), "getContractResultsLogsByAddress", rd)
		if err != nil {
			return nil, err
		}
		out = append(out, result.Logs...)
		path = result.Links.Next
	}
	if path != "" {
		return nil, errTooManyPages("getContractResultsLogsByAddress")
	}
	return out, nil
}

// PostContractCall executes or estimates a call against the mirror node EVM.
func (c *Client) PostContractCall(ctx context.Context, call ContractCallRequest, rd reqctx.RequestDetails) (*ContractCallResponse, error) {
	payload, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, http.MethodPost, "/contracts/call", payload, "contractCall", rd)
	if err != nil {
		return nil, err
	}
	out := new(ContractCallResponse)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("mirror node: malformed contractCall response: %w", err)
	}
	return out, nil
}

// GetAccount resolves an account by id, alias or EVM address. Missing
// accounts return (nil, nil).
func (c *Client) GetAccount(ctx context.Context, idOrAddress string, rd reqctx.RequestDetails) (*Account, error) {
	account, err := fetch[Account](ctx, c, "/accounts/"+url.PathEscape(idOrAddress)+"?transactions=false", "getAccount", rd)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccountAt resolves an account as of a consensus timestamp.
func (c *Client) GetAccountAt(ctx context.Context, idOrAddress, timestamp string, rd reqctx.RequestDetails) (*Account, error) {
	path := "/accounts/" + url.PathEscape(idOrAddress) + "?transactions=false&timestamp=" + url.QueryEscape(timestamp)
	account, err := fetch[Account](ctx, c, path, "getAccountAt", rd)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetContract resolves a contract by id or EVM address. Missing contracts
// return (nil, nil).
func (c *Client) GetContract(ctx context.Context, idOrAddress string, rd reqctx.RequestDetails) (*Contract, error) {
	contract, err := fetch[Contract](ctx, c, "/contracts/"+url.PathEscape(idOrAddress), "getContract", rd)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return contract, nil
}

// GetToken resolves a token by its 0.0.N id. Missing tokens return (nil, nil).
func (c *Client) GetToken(ctx context.Context, tokenID string, rd reqctx.RequestDetails) (*Token, error) {
	token, err := fetch[Token](ctx, c, "/tokens/"+url.PathEscape(tokenID), "getToken", rd)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}

// ResolveEntity classifies an EVM address as contract, account or token.
// Unresolvable addresses return (nil, nil).
func (c *Client) ResolveEntity(ctx context.Context, address string, rd reqctx.RequestDetails) (*Entity, error) {
	if contract, err := c.GetContract(ctx, address, rd); err != nil {
		return nil, err
	} else if contract != nil {
		return &Entity{Type: EntityContract, Contract: contract}, nil
	}
	if account, err := c.GetAccount(ctx, address, rd); err != nil {
		return nil, err
	} else if account != nil {
		return &Entity{Type: EntityAccount, Account: account}, nil
	}
	if tokenID, ok := TokenIDFromAddress(address); ok {
		if token, err := c.GetToken(ctx, tokenID, rd); err != nil {
			return nil, err
		} else if token != nil {
			return &Entity{Type: EntityToken, Token: token}, nil
		}
	}
	return nil, nil
}

// GetNetworkFees returns the gas fee schedule, optionally as of a timestamp.
func (c *Client) GetNetworkFees(ctx context.Context, timestamp string, rd reqctx.RequestDetails) (*NetworkFees, error) {
	path := "/network/fees"
	if timestamp != "" {
		path += "?timestamp=lte:" + url.QueryEscape(timestamp)
	}
	return fetch[NetworkFees](ctx, c, path, "getNetworkFees", rd)
}

// GetNetworkExchangeRate returns the HBAR/USD exchange rate.
func (c *Client) GetNetworkExchangeRate(ctx context.Context, timestamp string, rd reqctx.RequestDetails) (*ExchangeRate, error) {
	path := "/network/exchangerate"
	if timestamp != "" {
		path += "?timestamp=lte:" + url.QueryEscape(timestamp)
	}
	return fetch[ExchangeRate](ctx, c, path, "getNetworkExchangeRate", rd)
}

// GetContractStateByAddressAndSlot reads one storage slot, optionally at a
// historical timestamp.
func (c *Client) GetContractStateByAddressAndSlot(ctx context.Context, address, slot, timestamp string, rd reqctx.RequestDetails) ([]ContractStateEntry, error) {
	path := "/contracts/" + url.PathEscape(address) + "/state?slot=" + url.QueryEscape(slot)
	if timestamp != "" {
		path += "&timestamp=" + url.QueryEscape(timestamp)
	}
	page, err := fetch[contractStatePage](ctx, c, path, "getContractState", rd)
	if err != nil {
		return nil, err
	}
	return page.State, nil
}

// TokenIDFromAddress converts a long-zero EVM address into a 0.0.N token id.
// Non-long-zero addresses cannot name a token and return false.
func TokenIDFromAddress(address string) (string, bool) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(address), "0x"))
	if err != nil || len(raw) != 20 {
		return "", false
	}
	for _, b := range raw[:12] {
		if b != 0 {
			return "", false
		}
	}
	var num uint64
	for _, b := range raw[12:] {
		num = num<<8 | uint64(b)
	}
	return fmt.Sprintf("0.0.%d", num), true
}
