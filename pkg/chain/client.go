package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/wapod/pkg/log"
)

// NetTimeout bounds every chain RPC round trip. Calls that exceed it
// surface to the caller as timeouts.
const NetTimeout = 10 * time.Second

// SubmitOptions reserves the transaction parameters that are not part
// of the core submission path yet (mortality era, tip).
type SubmitOptions struct {
	Era uint64
	Tip uint64
}

// Client submits signed transactions to a chain node over JSON-RPC.
// The surface is deliberately narrow: connect once, submit, optionally
// wait for finality.
type Client struct {
	endpoint string
	signer   string
	http     *http.Client
	logger   zerolog.Logger
}

// Connect validates the endpoint within NetTimeout and returns a client
func Connect(ctx context.Context, endpoint, signer string) (*Client, error) {
	if signer == "" {
		return nil, fmt.Errorf("invalid signer")
	}

	c := &Client{
		endpoint: endpoint,
		signer:   signer,
		http:     &http.Client{Timeout: NetTimeout},
		logger:   log.WithComponent("chain"),
	}

	ctx, cancel := context.WithTimeout(ctx, NetTimeout)
	defer cancel()
	if _, err := c.call(ctx, "chain_getFinalizedHead", nil); err != nil {
		return nil, fmt.Errorf("connect to chain failed: %w", err)
	}
	c.logger.Info().Str("endpoint", endpoint).Msg("Connected to chain")
	return c, nil
}

// SubmitTx submits a signed transaction. With waitFinalized set, the
// call returns once the finalized head has advanced past the submission
// point, within NetTimeout per RPC round trip.
func (c *Client) SubmitTx(ctx context.Context, tx []byte, waitFinalized bool) error {
	return c.SubmitTxWithOptions(ctx, tx, waitFinalized, SubmitOptions{})
}

// SubmitTxWithOptions is SubmitTx with the reserved era/tip parameters
func (c *Client) SubmitTxWithOptions(ctx context.Context, tx []byte, waitFinalized bool, opts SubmitOptions) error {
	_ = opts

	before, err := c.finalizedHead(ctx)
	if err != nil && waitFinalized {
		return err
	}

	params := []any{"0x" + hex.EncodeToString(tx)}
	result, err := c.call(ctx, "author_submitExtrinsic", params)
	if err != nil {
		return fmt.Errorf("submit tx failed: %w", err)
	}
	c.logger.Debug().RawJSON("hash", result).Msg("Transaction submitted")

	if !waitFinalized {
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("tx failed: %w", ctx.Err())
		case <-ticker.C:
			head, err := c.finalizedHead(ctx)
			if err != nil {
				return err
			}
			if head != before {
				return nil
			}
		}
	}
}

func (c *Client) finalizedHead(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "chain_getFinalizedHead", nil)
	if err != nil {
		return "", fmt.Errorf("failed to read finalized head: %w", err)
	}
	var head string
	if err := json.Unmarshal(result, &head); err != nil {
		return "", fmt.Errorf("unexpected finalized head: %w", err)
	}
	return head, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed rpcResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("invalid rpc response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	return parsed.Result, nil
}
