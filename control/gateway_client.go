package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/guseggert/seco/rendezvous"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// GatewayClient talks to the JSON routes of instance gateways.
type GatewayClient struct {
	log *zap.SugaredLogger
	dir *rendezvous.Directory

	customizeRetryableClient func(*retryablehttp.Client)
}

type GatewayClientOption func(c *GatewayClient)

func WithGatewayClientLogger(l *zap.Logger) GatewayClientOption {
	return func(c *GatewayClient) {
		c.log = l.Named("gateway_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) GatewayClientOption {
	return func(c *GatewayClient) {
		c.customizeRetryableClient = f
	}
}

func NewGatewayClient(dir *rendezvous.Directory, opts ...GatewayClientOption) *GatewayClient {
	c := &GatewayClient{
		log: zap.NewNop().Sugar(),
		dir: dir,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// retryDial only retries requests that never reached the gateway, so a command is never run twice.
func retryDial(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial", nil
}

func (c *GatewayClient) httpClient(id string) (*http.Client, error) {
	ep, err := c.dir.Resolve(id)
	if errors.Is(err, rendezvous.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if err != nil {
		return nil, err
	}
	path, err := ep.GatewayPath()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = unixHTTPClient(path)
	retryClient.CheckRetry = retryDial
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.log}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	return retryClient.StandardClient(), nil
}

func (c *GatewayClient) do(ctx context.Context, id, method, path string, body io.Reader, v any) error {
	httpClient, err := c.httpClient(id)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+gatewayHost+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.Close = true

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("unexpected status code %d, error reading body: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Post runs args on the instance id and returns its whole output once it is done.
func (c *GatewayClient) Post(ctx context.Context, id string, args []string) (PostCommandResponse, error) {
	b, err := json.Marshal(PostCommandRequest{Args: args})
	if err != nil {
		return PostCommandResponse{}, fmt.Errorf("encoding request: %w", err)
	}
	var resp PostCommandResponse
	err = c.do(ctx, id, http.MethodPost, "/command", bytes.NewReader(b), &resp)
	return resp, err
}

// Instance describes the instance id as seen by its own gateway.
func (c *GatewayClient) Instance(ctx context.Context, id string) (InstanceResponse, error) {
	var resp InstanceResponse
	err := c.do(ctx, id, http.MethodGet, "/instance", nil, &resp)
	return resp, err
}
