// Package rpcchain implements settlement.Chain against an on-chain
// program endpoint speaking JSON-RPC over HTTP.
package rpcchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/errs"
	"github.com/LabsX402/phantom-paradox-sub002/internal/settlement"
)

// jsonRPCServerErrorLow/High bound the JSON-RPC 2.0 reserved "server
// error" code range. An error in this range means the node itself is
// unwell (overloaded, restarting) and is treated as transient; anything
// else is an application-level rejection of this specific payload
// (bad signature, hash mismatch) and is permanent.
const (
	jsonRPCServerErrorLow  = -32099
	jsonRPCServerErrorHigh = -32000
)

// Client submits settlement payloads to a JSON-RPC on-chain program
// endpoint. It implements settlement.Chain.
type Client struct {
	endpoint   string
	programID  string
	httpClient *http.Client
}

// New builds a Client bound to endpoint, targeting programID.
func New(endpoint, programID string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		programID:  programID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result struct {
		Signature      string `json:"signature"`
		AlreadyApplied bool   `json:"already_applied"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Submit sends payload to the settlement program as one instruction,
// keyed by idempotencyKey so the program can recognize and no-op a
// resubmission of an already-applied batch.
func (c *Client) Submit(ctx context.Context, idempotencyKey string, payload []byte) (string, error) {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      idempotencyKey,
		Method:  "submitSettlementBatch",
		Params: []interface{}{
			map[string]interface{}{
				"program_id":      c.programID,
				"idempotency_key": idempotencyKey,
				"payload":         payload,
			},
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errs.NewSettlementError(errs.SettlementErrTransientChain, fmt.Sprintf("rpc call failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return "", errs.NewSettlementError(errs.SettlementErrTransientChain, fmt.Sprintf("rpc endpoint returned status %d", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", errs.NewSettlementError(errs.SettlementErrPermanentChain, fmt.Sprintf("rpc endpoint returned status %d", resp.StatusCode))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return "", errs.NewSettlementError(errs.SettlementErrTransientChain, fmt.Sprintf("decode rpc response: %v", err))
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code >= jsonRPCServerErrorLow && rpcResp.Error.Code <= jsonRPCServerErrorHigh {
			return "", errs.NewSettlementError(errs.SettlementErrTransientChain,
				fmt.Sprintf("rpc server error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
		}
		return "", errs.NewSettlementError(errs.SettlementErrPermanentChain,
			fmt.Sprintf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
	}
	if rpcResp.Result.AlreadyApplied {
		return rpcResp.Result.Signature, settlement.ErrAlreadyApplied
	}
	return rpcResp.Result.Signature, nil
}
