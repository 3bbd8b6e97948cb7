package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/fx"

	"gigpay-core/pkg/config"
	"gigpay-core/pkg/errutil"
)

var Module = fx.Module("chain.adapter",
	fx.Provide(NewClient),
)

// Client talks JSON-RPC to the relayer node fronting the streaming contract.
type Client struct {
	rpcURL       string
	submitterKey string
	httpClient   *http.Client
}

type ClientParams struct {
	fx.In
	Config *config.Config
}

func NewClient(p ClientParams) Adapter {
	return &Client{
		rpcURL:       p.Config.Chain.RPCAddr,
		submitterKey: p.Config.Chain.SubmitterKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.submitterKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.submitterKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errutil.ExternalUnavailable("chain rpc unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errutil.ExternalUnavailable("chain rpc read failed", err)
	}

	if resp.StatusCode >= 500 {
		return nil, errutil.ExternalUnavailable(fmt.Sprintf("chain rpc returned %d", resp.StatusCode), nil)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

func (c *Client) SubmitTransfer(ctx context.Context, fromWallet, toWallet string, amountUsdc int64, idempotencyKey string) (string, error) {
	result, err := c.call(ctx, "submitTransfer", []interface{}{fromWallet, toWallet, amountUsdc, idempotencyKey})
	if err != nil {
		return "", err
	}

	var out struct {
		TxHash string `json:"txHash"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("unmarshal submitTransfer result: %w", err)
	}
	if out.TxHash == "" {
		return "", errutil.ExternalUnavailable("submitTransfer returned no tx hash", nil)
	}
	return out.TxHash, nil
}

func (c *Client) GetConfirmations(ctx context.Context, txHash string) (int64, error) {
	result, err := c.call(ctx, "getConfirmations", []interface{}{txHash})
	if err != nil {
		return 0, err
	}

	var count int64
	if err := json.Unmarshal(result, &count); err != nil {
		return 0, fmt.Errorf("unmarshal getConfirmations result: %w", err)
	}
	return count, nil
}

func (c *Client) GetStreamState(ctx context.Context, contractAddress string, streamID string) (*StreamState, error) {
	result, err := c.call(ctx, "getStreamState", []interface{}{contractAddress, streamID})
	if err != nil {
		return nil, err
	}

	var out struct {
		Released int64 `json:"released"`
		Claimed  int64 `json:"claimed"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("unmarshal getStreamState result: %w", err)
	}

	return &StreamState{ReleasedUsdc: out.Released, ClaimedUsdc: out.Claimed}, nil
}
