// Package servers implements the TCP protocol surfaces feeding the
// global bus: the newline-delimited JSON protocol, the boblight ASCII
// protocol and the length-framed binary transport with pluggable
// codecs.
package servers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/scheerer/ambilightd/internal/auth"
	"github.com/scheerer/ambilightd/internal/bus"
	"github.com/scheerer/ambilightd/internal/effects"
	"github.com/scheerer/ambilightd/internal/instance"
	"github.com/scheerer/ambilightd/internal/logging"
)

var logger = logging.New("servers")

// defaultIdleTimeout applies when the options leave the idle timeout
// unset.
const defaultIdleTimeout = 120 * time.Second

// Options carries the listener settings shared by every protocol
// server.
type Options struct {
	BindAddress string
	Port        uint16
	IdleTimeout time.Duration
}

func (o Options) addr() string {
	return net.JoinHostPort(o.BindAddress, fmt.Sprintf("%d", o.Port))
}

func (o Options) idleTimeout() time.Duration {
	if o.IdleTimeout > 0 {
		return o.IdleTimeout
	}
	return defaultIdleTimeout
}

// Deps bundles the subsystems a protocol connection talks to.
type Deps struct {
	Bus       *bus.Bus
	Instances *instance.Manager
	Registry  *effects.Registry
	Auth      auth.Validator
}

// handlerFunc serves one accepted connection until it returns. The
// connection is closed by the caller.
type handlerFunc func(ctx context.Context, conn net.Conn)

// tcpServer is the accept scaffold shared by all protocol servers. It
// spawns one goroutine per connection and tracks them for shutdown.
type tcpServer struct {
	name    string
	opts    Options
	handler handlerFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func newTCPServer(name string, opts Options, handler handlerFunc) *tcpServer {
	return &tcpServer{
		name:    name,
		opts:    opts,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the listening socket and begins accepting. A bind failure
// is returned to the caller; it is the only unrecoverable error here.
func (s *tcpServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.addr())
	if err != nil {
		return fmt.Errorf("bind %s server on %s: %w", s.name, s.opts.addr(), err)
	}

	acceptCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = listener
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(acceptCtx, listener)

	logger.Infow("server listening", "protocol", s.name, "addr", listener.Addr().String())
	return nil
}

func (s *tcpServer) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnw("accept failed", "protocol", s.name, "error", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()

			logger.Debugw("connection opened",
				"protocol", s.name, "remote", conn.RemoteAddr().String())
			s.handler(ctx, conn)
			logger.Debugw("connection closed",
				"protocol", s.name, "remote", conn.RemoteAddr().String())
		}()
	}
}

// Addr reports the bound listener address, nil before Start.
func (s *tcpServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every live connection, then waits for
// the connection goroutines to drain.
func (s *tcpServer) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.Infow("server stopped", "protocol", s.name)
}

// resolveInstance picks the selected instance, falling back to the
// lowest running id when the connection never selected one.
func resolveInstance(deps Deps, selected int32, hasSelection bool) (*instance.Instance, error) {
	if hasSelection {
		return deps.Instances.Instance(selected)
	}
	ids := deps.Instances.IDs()
	if len(ids) == 0 {
		return nil, instance.ErrUnknownInstance
	}
	return deps.Instances.Instance(ids[0])
}
