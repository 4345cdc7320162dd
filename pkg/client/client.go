package client

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/wapod/pkg/prpc"
	"github.com/cuemby/wapod/pkg/types"
)

// Client drives a wapod worker's HTTP API. The CLI's admin verbs go
// through it.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for a worker's admin or user mount
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

// call performs one prpc method with binary-encoded records
func call[Req any, Resp any](c *Client, method string, req *Req) (*Resp, error) {
	frame, err := prpc.EncodeMessage(req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.http.Post(
		c.baseURL+"/prpc/"+method,
		"application/octet-stream",
		bytes.NewReader(frame),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s failed with status %d: %s", method, httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	resp := new(Resp)
	if err := prpc.DecodeMessage(body, resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return resp, nil
}

// Init starts a new worker session with an optional salt
func (c *Client) Init(salt []byte) (*prpc.InitResponse, error) {
	return call[prpc.InitRequest, prpc.InitResponse](c, "Admin.Init", &prpc.InitRequest{Salt: salt})
}

// Deploy uploads a manifest, replacing any incumbent at its address
func (c *Client) Deploy(manifest *types.Manifest) (*prpc.DeployResponse, error) {
	return call[prpc.DeployRequest, prpc.DeployResponse](c, "Admin.Deploy", &prpc.DeployRequest{Manifest: *manifest})
}

// Start starts a deployed instance
func (c *Client) Start(address string) error {
	_, err := call[prpc.AddressRequest, prpc.Empty](c, "Admin.Start", &prpc.AddressRequest{Address: address})
	return err
}

// Stop stops an instance; stopping a stopped instance is success
func (c *Client) Stop(address string) error {
	_, err := call[prpc.AddressRequest, prpc.Empty](c, "Admin.Stop", &prpc.AddressRequest{Address: address})
	return err
}

// Remove tears down an instance; unknown addresses are a no-op
func (c *Client) Remove(address string) error {
	_, err := call[prpc.AddressRequest, prpc.Empty](c, "Admin.Remove", &prpc.AddressRequest{Address: address})
	return err
}

// Metrics fetches the signed usage snapshot batch
func (c *Client) Metrics(addresses []string, nonce types.Bytes32) (*prpc.MetricsResponse, error) {
	return call[prpc.MetricsRequest, prpc.MetricsResponse](c, "Admin.Metrics", &prpc.MetricsRequest{
		Addresses: addresses,
		Nonce:     nonce,
	})
}

// Info fetches the worker summary
func (c *Client) Info() (*prpc.InfoResponse, error) {
	return call[prpc.Empty, prpc.InfoResponse](c, "Admin.Info", &prpc.Empty{})
}

// Exit asks the worker process to terminate
func (c *Client) Exit() error {
	_, err := call[prpc.Empty, prpc.Empty](c, "Admin.Exit", &prpc.Empty{})
	return err
}

// PutObject uploads a blob through the streaming object route
func (c *Client) PutObject(hash []byte, alg types.HashAlgorithm, body io.Reader) error {
	url := fmt.Sprintf("%s/object/%s?type=%s", c.baseURL, hex.EncodeToString(hash), alg)
	resp, err := c.http.Post(url, "application/octet-stream", body)
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("put object failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// GetObject downloads a blob by hash
func (c *Client) GetObject(hash []byte) ([]byte, error) {
	resp, err := c.http.Get(c.baseURL + "/object/" + hex.EncodeToString(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get object failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// PushQuery posts a raw query body and returns the instance's reply
func (c *Client) PushQuery(address string, payload []byte) ([]byte, error) {
	resp, err := c.http.Post(
		c.baseURL+"/push/query/"+address,
		"application/octet-stream",
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to push query: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
