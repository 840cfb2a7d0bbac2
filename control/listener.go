package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/seco/rendezvous"
	"github.com/guseggert/seco/wire"
	"go.uber.org/zap"
)

var ErrAlreadyStarted = errors.New("listener already started")

// Listener serves commands on an endpoint in a rendezvous directory.
type Listener struct {
	log     *zap.SugaredLogger
	dir     *rendezvous.Directory
	id      string
	pid     int
	handler Handler

	pollInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	// handleMut serializes handler invocations, including the ones coming through a Gateway.
	handleMut sync.Mutex

	mut      sync.Mutex
	ln       *net.UnixListener
	endpoint rendezvous.Endpoint
	done     chan struct{}
	stopping chan struct{}
	running  atomic.Bool

	// terminated is replaced by Start once it has been closed, guarded by mut.
	terminated chan struct{}
}

type Option func(l *Listener)

func WithLogger(l *zap.Logger) Option {
	return func(lis *Listener) {
		lis.log = l.Named("listener").Sugar()
	}
}

// WithPollInterval sets how often the accept loop checks whether it has been stopped.
func WithPollInterval(d time.Duration) Option {
	return func(l *Listener) {
		l.pollInterval = d
	}
}

// WithReadTimeout bounds how long a client may take to send its command.
func WithReadTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.readTimeout = d
	}
}

// WithWriteTimeout bounds each frame written to a client.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.writeTimeout = d
	}
}

// WithPID keys the endpoint by pid instead of the current process id.
// The pid must belong to a live process or discovery will skip the endpoint.
func WithPID(pid int) Option {
	return func(l *Listener) {
		l.pid = pid
	}
}

// NewListener constructs a listener for the instance id. An empty id defaults to the process id.
func NewListener(dir *rendezvous.Directory, id string, handler Handler, opts ...Option) *Listener {
	l := &Listener{
		log:          zap.NewNop().Sugar(),
		dir:          dir,
		id:           id,
		pid:          os.Getpid(),
		handler:      handler,
		pollInterval: 500 * time.Millisecond,
		readTimeout:  5 * time.Second,
		writeTimeout: 5 * time.Second,
		terminated:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.id == "" {
		l.id = strconv.Itoa(l.pid)
	}
	return l
}

func (l *Listener) ID() string { return l.id }

// Endpoint returns the registered endpoint, or the zero Endpoint if the listener isn't running.
func (l *Listener) Endpoint() rendezvous.Endpoint {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.endpoint
}

// Terminated is closed once a handler has asked for the process to shut down and its response has been delivered.
// Restarting the listener after that gives it a fresh channel.
func (l *Listener) Terminated() <-chan struct{} {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.terminated
}

// Start binds the endpoint and starts accepting connections in the background.
// Setup errors are returned before anything is accepting.
func (l *Listener) Start() error {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.ln != nil {
		return ErrAlreadyStarted
	}

	ep, ln, err := l.dir.Register(l.pid, l.id)
	if err != nil {
		return fmt.Errorf("registering endpoint: %w", err)
	}
	l.ln = ln
	l.endpoint = ep
	l.done = make(chan struct{})
	l.running.Store(true)
	select {
	case <-l.terminated:
		l.terminated = make(chan struct{})
	default:
	}

	go l.acceptLoop(ln, l.done)

	l.log.Infow("listening", "ID", ep.ID, "Path", ep.Path)
	return nil
}

// Stop stops accepting, waits for the accept loop to exit, and removes the endpoint from the directory.
// A handler that is running, including one reached through a Gateway, is allowed to finish first.
// Calling Stop on a listener that isn't running does nothing, and concurrent calls wait for the first one.
func (l *Listener) Stop() error {
	l.mut.Lock()
	if l.ln == nil {
		l.mut.Unlock()
		return nil
	}
	if l.stopping != nil {
		stopping := l.stopping
		l.mut.Unlock()
		<-stopping
		return nil
	}
	stopping := make(chan struct{})
	l.stopping = stopping
	ln, ep, done := l.ln, l.endpoint, l.done
	l.running.Store(false)
	l.mut.Unlock()

	<-done
	// drain a handler still running for a gateway exchange
	l.handleMut.Lock()
	l.handleMut.Unlock()

	var errs []error
	if err := ln.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing listener: %w", err))
	}
	if err := l.dir.Unregister(ep); err != nil {
		errs = append(errs, fmt.Errorf("unregistering endpoint: %w", err))
	}
	l.log.Infow("stopped", "ID", ep.ID)

	l.mut.Lock()
	l.ln = nil
	l.endpoint = rendezvous.Endpoint{}
	l.stopping = nil
	l.mut.Unlock()
	close(stopping)
	return errors.Join(errs...)
}

func (l *Listener) acceptLoop(ln *net.UnixListener, done chan struct{}) {
	defer close(done)
	for l.running.Load() {
		if err := ln.SetDeadline(time.Now().Add(l.pollInterval)); err != nil {
			l.log.Errorf("setting accept deadline, no longer accepting: %s", err)
			return
		}
		conn, err := ln.AcceptUnix()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warnf("accepting connection: %s", err)
			time.Sleep(min(l.pollInterval, 50*time.Millisecond))
			continue
		}
		l.serveConn(context.Background(), conn)
	}
}

// serveConn runs one exchange on conn and closes it.
func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	log := l.log.With("Conn", uuid.NewString())

	var res Result
	defer func() {
		if res.Terminate {
			l.terminate()
		}
	}()
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debugf("closing conn: %s", err)
		}
	}()

	args, err := l.readCommand(conn)
	if err != nil {
		log.Debugf("dropping conn: %s", err)
		return
	}
	log.Debugw("received command", "Args", args)

	out := newOutput(conn, l.writeTimeout)
	res = l.handle(ctx, log, args, out)
	if out.Closed() {
		log.Debug("handler sent its own exit code")
	}
	if err := out.Close(res.ExitCode); err != nil {
		log.Debugf("sending response: %s", err)
		return
	}
	log.Debugw("finished command", "ExitCode", res.ExitCode, "Terminate", res.Terminate)
}

// readCommand reads the command with a single bounded read. A client that sends nothing and closes its side
// sends the empty command.
func (l *Listener) readCommand(conn net.Conn) ([]string, error) {
	if l.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, wire.MaxCommandLength)
	n, err := conn.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading command: %w", err)
	}
	args, err := wire.DecodeCommand(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("decoding command: %w", err)
	}
	return args, nil
}

// handle invokes the handler, converting a panic into a failure exit code.
func (l *Listener) handle(ctx context.Context, log *zap.SugaredLogger, args []string, out *Output) (res Result) {
	l.handleMut.Lock()
	defer l.handleMut.Unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handler panicked on %q: %v", args, r)
			res = Result{ExitCode: ExitFailure}
		}
	}()
	return l.handler.Handle(ctx, args, out)
}

func (l *Listener) terminate() {
	l.mut.Lock()
	defer l.mut.Unlock()
	select {
	case <-l.terminated:
	default:
		l.log.Info("handler requested termination")
		close(l.terminated)
	}
}
