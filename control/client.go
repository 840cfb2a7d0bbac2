package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/guseggert/seco/rendezvous"
	"github.com/guseggert/seco/wire"
	"go.uber.org/zap"
)

// ErrUnreachable is returned when no session could be established with an instance.
// Errors from resolving an instance that doesn't exist wrap both ErrUnreachable and rendezvous.ErrNotFound.
var ErrUnreachable = errors.New("instance unreachable")

// DialFunc connects to an endpoint.
type DialFunc func(ctx context.Context, ep rendezvous.Endpoint) (net.Conn, error)

func dialUnix(ctx context.Context, ep rendezvous.Endpoint) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", ep.Path)
}

// Client sends commands to listeners in a rendezvous directory.
type Client struct {
	log         *zap.SugaredLogger
	dir         *rendezvous.Directory
	dial        DialFunc
	readTimeout time.Duration
	waitTimeout time.Duration
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.log = l.Named("client").Sugar()
	}
}

// WithClientReadTimeout bounds how long the client waits for each read of the response. Zero disables it.
func WithClientReadTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = d
	}
}

// WithWaitTimeout makes Send wait up to d for the instance to appear instead of failing right away.
func WithWaitTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitTimeout = d
	}
}

func WithDialer(f DialFunc) ClientOption {
	return func(c *Client) {
		c.dial = f
	}
}

func NewClient(dir *rendezvous.Directory, opts ...ClientOption) *Client {
	c := &Client{
		log:         zap.NewNop().Sugar(),
		dir:         dir,
		dial:        dialUnix,
		readTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send sends args to the instance id and returns its exit code. An empty id targets the only running instance.
// Each output chunk is passed to onChunk in order, before Send returns. onChunk may be nil.
func (c *Client) Send(ctx context.Context, id string, args []string, onChunk func(chunk []byte)) (byte, error) {
	cmd, err := wire.EncodeCommand(args)
	if err != nil {
		return 0, fmt.Errorf("encoding command: %w", err)
	}
	if onChunk == nil {
		onChunk = func([]byte) {}
	}

	ep, err := c.resolve(ctx, id)
	if errors.Is(err, rendezvous.ErrNotFound) {
		return 0, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if err != nil {
		return 0, err
	}

	log := c.log.With("Endpoint", ep.Path)
	log.Debugw("dialing", "Args", args)
	conn, err := c.dial(ctx, ep)
	if err != nil {
		return 0, fmt.Errorf("%w: connecting to %s: %w", ErrUnreachable, ep.Path, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write(cmd); err != nil {
		return 0, c.sessionError(ctx, "sending command", err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			log.Debugf("closing write side: %s", err)
		}
	}

	code, err := wire.ReadStream(&deadlineReader{conn: conn, timeout: c.readTimeout}, onChunk)
	if err != nil {
		return 0, c.sessionError(ctx, "reading response", err)
	}
	log.Debugf("got exit code %d", code)
	return code, nil
}

func (c *Client) resolve(ctx context.Context, id string) (rendezvous.Endpoint, error) {
	if c.waitTimeout <= 0 {
		return c.dir.Resolve(id)
	}
	ctx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()
	ep, err := c.dir.Wait(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		return ep, fmt.Errorf("%w after waiting %s: %w", rendezvous.ErrNotFound, c.waitTimeout, err)
	}
	return ep, err
}

// sessionError prefers the context's error, since cancellation surfaces as a closed conn.
func (c *Client) sessionError(ctx context.Context, doing string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", doing, ctx.Err())
	}
	return fmt.Errorf("%s: %w", doing, err)
}

type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(p)
}

// Send sends args to the instance id in dir using a default client.
func Send(ctx context.Context, dir *rendezvous.Directory, id string, args []string, onChunk func(chunk []byte)) (byte, error) {
	return NewClient(dir).Send(ctx, id, args, onChunk)
}
