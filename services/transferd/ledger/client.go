package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client is the narrow surface transferd needs from the ledger node. A nil
// pointer with a nil error means "not present" for the read calls, and "not
// yet included" for TransactionReceipt.
type Client interface {
	ProductGet(ctx context.Context, productID string) (*ProductState, error)
	PendingTransfer(ctx context.Context, productID string) (*PendingState, error)
	ResolveIdentity(ctx context.Context, identity string) (string, error)
	IdentityOf(ctx context.Context, address string) (string, error)
	TransactionCount(ctx context.Context, address string) (uint64, error)
	EstimateGas(ctx context.Context, call Call) (uint64, error)
	SubmitTransaction(ctx context.Context, tx SignedTx) (string, error)
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	Events(ctx context.Context, afterSeq int64, limit int) ([]Event, error)
}

// RPCClient implements Client against the ledger node's JSON-RPC server.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient constructs a client for the node at baseURL.
func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCClient) ProductGet(ctx context.Context, productID string) (*ProductState, error) {
	var result *ProductState
	err := c.call(ctx, "produce_get", []interface{}{map[string]string{"id": productID}}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCClient) PendingTransfer(ctx context.Context, productID string) (*PendingState, error) {
	var result *PendingState
	err := c.call(ctx, "transfer_getPending", []interface{}{map[string]string{"productId": productID}}, &result)
	if err != nil {
		return nil, err
	}
	if result != nil && result.Quantity == 0 {
		return nil, nil
	}
	return result, nil
}

func (c *RPCClient) ResolveIdentity(ctx context.Context, identity string) (string, error) {
	var result struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "registry_resolve", []interface{}{map[string]string{"identity": identity}}, &result); err != nil {
		return "", err
	}
	return result.Address, nil
}

func (c *RPCClient) IdentityOf(ctx context.Context, address string) (string, error) {
	var result struct {
		Identity string `json:"identity"`
	}
	if err := c.call(ctx, "registry_identity", []interface{}{map[string]string{"address": address}}, &result); err != nil {
		return "", err
	}
	return result.Identity, nil
}

func (c *RPCClient) TransactionCount(ctx context.Context, address string) (uint64, error) {
	var result struct {
		Count uint64 `json:"count"`
	}
	if err := c.call(ctx, "tx_count", []interface{}{map[string]string{"address": address}}, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (c *RPCClient) EstimateGas(ctx context.Context, call Call) (uint64, error) {
	var result struct {
		Gas uint64 `json:"gas"`
	}
	if err := c.call(ctx, "tx_estimateGas", []interface{}{call}, &result); err != nil {
		return 0, err
	}
	return result.Gas, nil
}

func (c *RPCClient) SubmitTransaction(ctx context.Context, tx SignedTx) (string, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := c.call(ctx, "tx_submit", []interface{}{tx}, &result); err != nil {
		return "", err
	}
	return result.TxHash, nil
}

func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var result *Receipt
	err := c.call(ctx, "tx_receipt", []interface{}{map[string]string{"txHash": txHash}}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCClient) Events(ctx context.Context, afterSeq int64, limit int) ([]Event, error) {
	params := map[string]interface{}{
		"after": afterSeq,
	}
	if limit > 0 {
		params["limit"] = limit
	}
	var result []Event
	if err := c.call(ctx, "events_since", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("ledger rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || bytes.Equal(rpcResp.Result, []byte("null")) {
		return json.Unmarshal([]byte("null"), out)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

var _ Client = (*RPCClient)(nil)
