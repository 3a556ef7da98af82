// Package nearrpc is a minimal NEAR JSON-RPC 2.0 client:
// multi-endpoint fallback, transient-error retry on send_tx, and no
// retry on view calls.
package nearrpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/nearkit/wallet-host/internal/walleterr"
)

// transientMarkers is the one place that classifies an RPC error as
// transient; keep any change here mirrored in the client tests.
var transientMarkers = []string{
	"timeout", "server error", "too many requests", "429",
	"unavailable", "bad gateway", "gateway timeout",
}

func isTransient(statusCode int, body string) bool {
	if statusCode >= 500 {
		return true
	}
	if statusCode == 429 {
		return true
	}
	lower := strings.ToLower(body)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Client is the per-wallet-host singleton NEAR RPC client, invalidated
// and rebuilt on PM_SET_CONFIG.
type Client struct {
	endpoints []string
	http      *resty.Client
	log       zerolog.Logger
}

func New(endpoints []string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		endpoints: endpoints,
		http:      resty.New().SetTimeout(timeout),
		log:       log,
	}
}

// call performs one JSON-RPC call across endpoints in order, without
// retry. Used for view_* methods and block. It
// returns the last endpoint's HTTP status code alongside any error so
// callers needing transient-failure classification (callWithRetry) can
// inspect the real response instead of guessing from the error text.
func (c *Client) call(ctx context.Context, method string, params any, out any) (int, error) {
	var lastErr error
	var lastStatus int
	for i, endpoint := range c.endpoints {
		req := rpcRequest{JSONRPC: "2.0", ID: "wallet-host", Method: method, Params: params}

		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			SetHeader("Content-Type", "application/json").
			Post(endpoint)

		if err != nil {
			lastErr = err
			lastStatus = 0
			c.log.Warn().Err(err).Str("endpoint", endpoint).Str("method", method).Msg("rpc endpoint failed, trying next")
			continue
		}
		lastStatus = resp.StatusCode()

		var parsed rpcResponse
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			lastErr = fmt.Errorf("decode rpc response: %w", err)
			continue
		}
		if parsed.Error != nil {
			lastErr = fmt.Errorf("rpc error %d: %s", parsed.Error.Code, parsed.Error.Message)
			continue
		}

		if i > 0 {
			c.log.Info().Str("endpoint", endpoint).Int("fallback_index", i).Msg("rpc succeeded after fallback")
		}
		return lastStatus, json.Unmarshal(parsed.Result, out)
	}
	return lastStatus, fmt.Errorf("all rpc endpoints failed: %w", lastErr)
}

// callWithRetry wraps call with exponential backoff for transient
// failures, used only by SendTransaction: 5 attempts, 200*2^(n-1) ms
// base delay.
func (c *Client) callWithRetry(ctx context.Context, method string, params any, out any) error {
	attempts := 0
	op := func() error {
		attempts++
		status, err := c.call(ctx, method, params, out)
		if err == nil {
			return nil
		}
		if !isTransient(status, err.Error()) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(b, 4) // 5 attempts total

	err := backoff.Retry(op, bo)
	if err != nil {
		if attempts >= 5 {
			return walleterr.Wrap(walleterr.RPCTimeout, "send_tx retry budget exhausted", err.Error())
		}
		return walleterr.Wrap(walleterr.RPCTransient, "rpc call failed", err.Error())
	}
	return nil
}

// ViewAccessKey implements query{request_type:view_access_key}.
func (c *Client) ViewAccessKey(ctx context.Context, accountID, publicKey string) (uint64, error) {
	var result struct {
		Nonce uint64 `json:"nonce"`
	}
	params := map[string]any{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	}
	if _, err := c.call(ctx, "query", params, &result); err != nil {
		return 0, err
	}
	return result.Nonce, nil
}

// FinalBlock implements block{finality:'final'}.
func (c *Client) FinalBlock(ctx context.Context) (string, uint64, error) {
	var result struct {
		Header struct {
			Hash   string `json:"hash"`
			Height uint64 `json:"height"`
		} `json:"header"`
	}
	params := map[string]any{"finality": "final"}
	if _, err := c.call(ctx, "block", params, &result); err != nil {
		return "", 0, err
	}
	return result.Header.Hash, result.Header.Height, nil
}

// ViewAccount implements query{request_type:view_account}.
func (c *Client) ViewAccount(ctx context.Context, accountID string) (map[string]any, error) {
	var result map[string]any
	params := map[string]any{
		"request_type": "view_account",
		"finality":     "final",
		"account_id":   accountID,
	}
	if _, err := c.call(ctx, "query", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CallFunction implements query{request_type:call_function}, base64
// encoding args and decoding+JSON-parsing the byte-array result. On
// parse failure it strips enclosing quotes and returns the raw string.
func (c *Client) CallFunction(ctx context.Context, accountID, methodName string, args map[string]any) (any, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	argsB64 := base64.StdEncoding.EncodeToString(argsJSON)

	var result struct {
		Result []byte `json:"result"`
	}
	params := map[string]any{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   accountID,
		"method_name":  methodName,
		"args_base64":  argsB64,
	}
	if _, err := c.call(ctx, "query", params, &result); err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal(result.Result, &parsed); err != nil {
		s := strings.Trim(string(result.Result), `"`)
		return s, nil
	}
	return parsed, nil
}

// SendTransaction implements send_tx with wait_until and the transient
// retry policy.
func (c *Client) SendTransaction(ctx context.Context, signedTxBase64, waitUntil string) (string, error) {
	if waitUntil == "" {
		waitUntil = "EXECUTED_OPTIMISTIC"
	}
	var result struct {
		Transaction struct {
			Hash string `json:"hash"`
		} `json:"transaction"`
	}
	params := map[string]any{
		"signed_tx_base64": signedTxBase64,
		"wait_until":       waitUntil,
	}
	if err := c.callWithRetry(ctx, "send_tx", params, &result); err != nil {
		return "", walleterr.Wrap(walleterr.BroadcastFailed, "send_tx failed", err.Error())
	}
	return result.Transaction.Hash, nil
}
