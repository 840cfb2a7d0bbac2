package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/seco/rendezvous"
	"github.com/guseggert/seco/wire"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// gatewayHost is the placeholder host of gateway URLs. Gateway connections are always dialed to a socket path, so
// it is never resolved.
const gatewayHost = "seco"

type PostCommandRequest struct {
	Args []string
}

type PostCommandResponse struct {
	ExitCode int
	Output   string
}

type InstanceResponse struct {
	ID       string
	PID      int
	Endpoint string
}

// Gateway serves a listener's handler over HTTP on a Unix socket next to the listener's endpoint.
type Gateway struct {
	log      *zap.SugaredLogger
	listener *Listener

	mut      sync.Mutex
	server   *http.Server
	path     string
	done     chan struct{}
	stopping bool
	// exchanges counts commands in flight, which hijacked WebSocket conns keep running past server.Close.
	exchanges sync.WaitGroup
}

type GatewayOption func(g *Gateway)

func WithGatewayLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		g.log = l.Named("gateway").Sugar()
	}
}

func NewGateway(l *Listener, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		log:      zap.NewNop().Sugar(),
		listener: l,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Path returns the path of the gateway socket, or "" if the gateway isn't running.
func (g *Gateway) Path() string {
	g.mut.Lock()
	defer g.mut.Unlock()
	return g.path
}

// Start binds the gateway socket. The listener must already be running.
func (g *Gateway) Start() error {
	g.mut.Lock()
	defer g.mut.Unlock()
	if g.server != nil {
		return ErrAlreadyStarted
	}
	ep := g.listener.Endpoint()
	if ep.Path == "" {
		return errors.New("starting gateway: listener is not running")
	}

	path := ep.Path + rendezvous.GatewaySuffix
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale gateway socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}

	router := httprouter.New()
	router.GET("/command", g.commandWS)
	router.POST("/command", g.command)
	router.GET("/instance", g.instance)

	server := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Errorf("serving gateway: %s", err)
		}
	}()

	g.server = server
	g.path = path
	g.done = done
	g.log.Infow("gateway listening", "Path", path)
	return nil
}

// Stop closes the gateway, waits for commands in flight to finish, and removes its socket.
// Calling Stop on a gateway that isn't running does nothing.
func (g *Gateway) Stop() error {
	g.mut.Lock()
	if g.server == nil || g.stopping {
		g.mut.Unlock()
		return nil
	}
	g.stopping = true
	server, path, done := g.server, g.path, g.done
	g.mut.Unlock()

	err := server.Close()
	<-done
	g.exchanges.Wait()
	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		err = errors.Join(err, fmt.Errorf("removing gateway socket: %w", rmErr))
	}

	g.mut.Lock()
	g.server = nil
	g.path = ""
	g.stopping = false
	g.mut.Unlock()
	return err
}

// begin registers a command exchange, or reports false if the gateway is stopping.
func (g *Gateway) begin() bool {
	g.mut.Lock()
	defer g.mut.Unlock()
	if g.server == nil || g.stopping {
		return false
	}
	g.exchanges.Add(1)
	return true
}

// commandWS runs the socket protocol inside WebSocket binary messages.
func (g *Gateway) commandWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !g.begin() {
		http.Error(w, "gateway is stopping", http.StatusServiceUnavailable)
		return
	}
	defer g.exchanges.Done()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		g.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	g.log.Debug("accepted WebSocket conn")
	conn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
	g.listener.serveConn(r.Context(), conn)
}

// command is a buffered variant of the socket protocol, which takes the args in a JSON body and sends all of the
// output in the response.
func (g *Gateway) command(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !g.begin() {
		http.Error(w, "gateway is stopping", http.StatusServiceUnavailable)
		return
	}
	defer g.exchanges.Done()

	var req PostCommandRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Args == nil {
		req.Args = []string{}
	}
	if _, err := wire.EncodeCommand(req.Args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log := g.log.With("Conn", uuid.NewString())
	log.Debugw("received command", "Args", req.Args)

	frames := &bytes.Buffer{}
	out := newOutput(frames, 0)
	res := g.listener.handle(r.Context(), log, req.Args, out)
	// a bytes.Buffer never fails, so neither can the exit frame
	_ = out.Close(res.ExitCode)

	output := &bytes.Buffer{}
	code, err := wire.ReadStream(frames, func(chunk []byte) { output.Write(chunk) })
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	b, err := json.Marshal(PostCommandResponse{ExitCode: int(code), Output: output.String()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)

	if res.Terminate {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		g.listener.terminate()
	}
}

func (g *Gateway) instance(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ep := g.listener.Endpoint()
	b, err := json.Marshal(InstanceResponse{
		ID:       g.listener.ID(),
		PID:      ep.PID,
		Endpoint: ep.Path,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func unixHTTPClient(path string) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", path)
			},
		},
	}
}

// GatewayDialer returns a DialFunc which reaches instances through their gateway's WebSocket route instead of
// their socket.
func GatewayDialer() DialFunc {
	return func(ctx context.Context, ep rendezvous.Endpoint) (net.Conn, error) {
		path, err := ep.GatewayPath()
		if err != nil {
			return nil, err
		}
		wsConn, _, err := websocket.Dial(ctx, "ws://"+gatewayHost+"/command", &websocket.DialOptions{
			HTTPClient:      unixHTTPClient(path),
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
		}
		return websocket.NetConn(ctx, wsConn, websocket.MessageBinary), nil
	}
}
