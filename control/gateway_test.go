package control

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/seco/rendezvous"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// startGateway starts a listener and its gateway.
// WebSocket handlers outlive the HTTP server's Close, so nothing here logs to the test.
func startGateway(t *testing.T, dir *rendezvous.Directory, id string, h Handler) (*Listener, *Gateway) {
	l := NewListener(dir, id, h, WithPollInterval(20*time.Millisecond))
	require.NoError(t, l.Start())
	t.Cleanup(func() { assert.NoError(t, l.Stop()) })

	g := NewGateway(l, WithGatewayLogger(zap.NewNop()))
	require.NoError(t, g.Start())
	t.Cleanup(func() { assert.NoError(t, g.Stop()) })
	return l, g
}

func noRetries(r *retryablehttp.Client) {
	r.RetryMax = 0
}

func TestGatewayWebSocket(t *testing.T) {
	dir := newDirectory(t)
	dir.Log = nil
	startGateway(t, dir, "abc", echo)
	client := NewClient(dir, WithDialer(GatewayDialer()))

	cases := []struct {
		name string
		args []string
	}{
		{name: "no args", args: nil},
		{name: "one empty arg", args: []string{""}},
		{name: "several args", args: []string{"a", "b", "c"}},
		{name: "multiple chunks", args: []string{strings.Repeat("x", 200), strings.Repeat("y", 200)}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			viaGateway, err := send(context.Background(), client, "abc", c.args...)
			require.NoError(t, err)
			viaSocket, err := send(context.Background(), NewClient(dir), "abc", c.args...)
			require.NoError(t, err)

			assert.Equal(t, viaSocket.code, viaGateway.code)
			assert.Equal(t, viaSocket.output(), viaGateway.output())
			assert.Equal(t, byte(len(c.args)), viaGateway.code)
		})
	}
}

func TestGatewayPost(t *testing.T) {
	dir := newDirectory(t)
	dir.Log = nil
	startGateway(t, dir, "abc", echo)
	client := NewGatewayClient(dir)

	resp, err := client.Post(context.Background(), "abc", []string{"hello", " ", "world"})
	require.NoError(t, err)
	assert.Equal(t, PostCommandResponse{ExitCode: 3, Output: "hello world"}, resp)

	resp, err = client.Post(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, PostCommandResponse{ExitCode: 0, Output: ""}, resp)

	_, err = client.Post(context.Background(), "abc", []string{"a\x00b"})
	assert.ErrorContains(t, err, "unexpected status code 400")
}

func TestGatewayInstance(t *testing.T) {
	dir := newDirectory(t)
	dir.Log = nil
	l, g := startGateway(t, dir, "abc", echo)
	assert.Equal(t, l.Endpoint().Path+rendezvous.GatewaySuffix, g.Path())

	resp, err := NewGatewayClient(dir).Instance(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, InstanceResponse{ID: "abc", PID: os.Getpid(), Endpoint: l.Endpoint().Path}, resp)
}

func TestGatewayRawHTTP(t *testing.T) {
	dir := newDirectory(t)
	dir.Log = nil
	_, g := startGateway(t, dir, "abc", echo)
	httpClient := unixHTTPClient(g.Path())

	resp, err := httpClient.Post("http://"+gatewayHost+"/command", "application/json", bytes.NewBufferString(`{"Args": ["x", "y"]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	resp, err = httpClient.Post("http://"+gatewayHost+"/command", "application/json", bytes.NewBufferString(`not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGatewaySerializesWithListener(t *testing.T) {
	dir := newDirectory(t)
	dir.Log = nil
	var active, maxActive atomic.Int32
	startGateway(t, dir, "abc", HandlerFunc(func(ctx context.Context, args []string, out *Output) Result {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		return Exit(0)
	}))

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 3; i++ {
		group.Go(func() error {
			_, err := send(ctx, NewClient(dir), "abc")
			return err
		})
		group.Go(func() error {
			_, err := send(ctx, NewClient(dir, WithDialer(GatewayDialer())), "abc")
			return err
		})
		group.Go(func() error {
			_, err := NewGatewayClient(dir).Post(ctx, "abc", []string{"x"})
			return err
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestGatewayTerminate(t *testing.T) {
	dir := newDirectory(t)
	dir.Log = nil
	l, _ := startGateway(t, dir, "abc", HandlerFunc(func(ctx context.Context, args []string, out *Output) Result {
		out.WriteString("Exiting\n")
		return Result{Terminate: true}
	}))

	resp, err := NewGatewayClient(dir).Post(context.Background(), "abc", []string{"exit"})
	require.NoError(t, err)
	assert.Equal(t, "Exiting\n", resp.Output)

	select {
	case <-l.Terminated():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for termination")
	}
}

func TestGatewayLifecycle(t *testing.T) {
	dir := newDirectory(t)
	dir.Log = nil
	l := NewListener(dir, "abc", echo, WithPollInterval(20*time.Millisecond))
	g := NewGateway(l)

	assert.Error(t, g.Start())
	require.NoError(t, g.Stop())

	require.NoError(t, l.Start())
	defer l.Stop()
	require.NoError(t, g.Start())
	assert.ErrorIs(t, g.Start(), ErrAlreadyStarted)
	path := g.Path()
	assert.FileExists(t, path)

	require.NoError(t, g.Stop())
	require.NoError(t, g.Stop())
	_, err := os.Lstat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, g.Path())

	client := NewGatewayClient(dir, WithCustomizeRetryableClient(noRetries))
	_, err = client.Post(context.Background(), "abc", []string{"x"})
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = send(context.Background(), NewClient(dir, WithDialer(GatewayDialer())), "abc", "x")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestGatewayClientNotFound(t *testing.T) {
	dir := newDirectory(t)
	dir.Log = nil

	_, err := NewGatewayClient(dir).Instance(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, rendezvous.ErrNotFound)
}

func TestGatewayStopWaitsForCommand(t *testing.T) {
	cases := []struct {
		name string
		stop func(l *Listener, g *Gateway) error
	}{
		{
			name: "gateway first",
			stop: func(l *Listener, g *Gateway) error { return errors.Join(g.Stop(), l.Stop()) },
		},
		{
			name: "listener first",
			stop: func(l *Listener, g *Gateway) error { return errors.Join(l.Stop(), g.Stop()) },
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := newDirectory(t)
			dir.Log = nil
			started := make(chan struct{})
			var finished atomic.Bool
			l, g := startGateway(t, dir, "abc", HandlerFunc(func(ctx context.Context, args []string, out *Output) Result {
				close(started)
				time.Sleep(200 * time.Millisecond)
				out.WriteString("slow")
				finished.Store(true)
				return Exit(0)
			}))

			sent := make(chan error, 1)
			go func() {
				_, err := send(context.Background(), NewClient(dir, WithDialer(GatewayDialer())), "abc")
				sent <- err
			}()
			<-started

			require.NoError(t, c.stop(l, g))
			assert.True(t, finished.Load(), "stopped while the handler was running")
			require.NoError(t, <-sent)
		})
	}
}

func TestGatewayRestart(t *testing.T) {
	dir := newDirectory(t)
	dir.Log = nil
	l, g := startGateway(t, dir, "abc", echo)
	require.NoError(t, g.Stop())

	// a stopped gateway can be started again
	require.NoError(t, g.Start())
	resp, err := send(context.Background(), NewClient(dir, WithDialer(GatewayDialer())), "abc", "x")
	require.NoError(t, err)
	assert.Equal(t, "x", resp.output())
	require.NoError(t, g.Stop())
	require.NoError(t, l.Stop())
}
