/**
 * @description
 * Minimal Sui JSON-RPC client used to check that a subscription payment transaction
 * executed successfully on chain.
 */
package suiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// Client is a client for a Sui fullnode.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewClient creates a new Sui RPC client.
func NewClient(rpcURL string) *Client {
	return &Client{
		rpcURL:     strings.TrimSpace(rpcURL),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type transactionBlockResponse struct {
	Result *struct {
		Digest  string `json:"digest"`
		Effects *struct {
			Status struct {
				Status string `json:"status"`
				Error  string `json:"error,omitempty"`
			} `json:"status"`
		} `json:"effects"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

// VerifyTransaction reports whether the transaction digest executed successfully.
// An unknown digest is reported as not verified rather than as an error.
func (c *Client) VerifyTransaction(ctx context.Context, digest string) (bool, error) {
	status, err := c.TransactionStatus(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return false, nil
		}
		return false, err
	}
	return status == "success", nil
}

// TransactionStatus returns the effects status ("success" or "failure") of a transaction.
func (c *Client) TransactionStatus(ctx context.Context, digest string) (string, error) {
	digest = strings.TrimSpace(digest)
	if digest == "" {
		return "", fmt.Errorf("transaction digest is required")
	}
	if c.rpcURL == "" {
		return "", fmt.Errorf("sui rpc url is not configured")
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "sui_getTransactionBlock",
		Params:  []interface{}{digest, map[string]bool{"showEffects": true}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("sui rpc returned status %d", resp.StatusCode)
	}

	var response transactionBlockResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to parse sui rpc response: %w", err)
	}
	if response.Error != nil {
		// Fullnodes answer unknown digests with an RPC error rather than an empty result.
		if strings.Contains(strings.ToLower(response.Error.Message), "could not find") {
			return "", ErrTransactionNotFound
		}
		return "", fmt.Errorf("sui rpc error %d: %s", response.Error.Code, response.Error.Message)
	}
	if response.Result == nil || response.Result.Effects == nil {
		return "", ErrTransactionNotFound
	}
	return response.Result.Effects.Status.Status, nil
}
