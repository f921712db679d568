package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/wireserv/internal/observability"
	"github.com/danmuck/wireserv/internal/quota"
)

var ErrServerStopped = errors.New("server: stopped")

// Config is the server-wide tuning surface.
type Config struct {
	// MaxRequestSize bounds the memory estimate of a single request and is
	// the capacity of the shared memory limiter.
	MaxRequestSize int64
	// Keepalive toggles TCP keepalive on accepted sockets.
	Keepalive bool
}

func DefaultConfig() Config {
	return Config{
		MaxRequestSize: 32 << 20,
		Keepalive:      true,
	}
}

// Server terminates framed wire-protocol connections. All accept loops and
// connection process loops run under one lifetime barrier so Stop can wait
// for quiescence.
type Server struct {
	cfg     Config
	handler Handler
	quota   quota.Limiter
	probe   *observability.Probe
	limiter *MemoryLimiter
	conns   *connRegistry

	mu        sync.Mutex
	listeners []net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg Config, handler Handler, q quota.Limiter, probe *observability.Probe) *Server {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	if q == nil {
		q = quota.NewManager(quota.Config{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		quota:   q,
		probe:   probe,
		limiter: NewMemoryLimiter(cfg.MaxRequestSize, probe),
		conns:   newConnRegistry(),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// Listen binds one address, plaintext or TLS per the listener config, and
// starts its accept loop. It returns the bound address so callers binding
// port zero can discover the port.
func (s *Server) Listen(lc ListenerConfig) (net.Addr, error) {
	if err := lc.Validate(); err != nil {
		return nil, err
	}
	if s.ctx.Err() != nil {
		return nil, ErrServerStopped
	}

	var ln net.Listener
	var err error
	if lc.TLS.Enabled {
		var cfg *tls.Config
		cfg, err = lc.tlsConfig()
		if err != nil {
			return nil, err
		}
		ln, err = tls.Listen("tcp", lc.Addr, cfg)
	} else {
		ln, err = net.Listen("tcp", lc.Addr)
	}
	if err != nil {
		return nil, err
	}
	log.Debug().Str("addr", ln.Addr().String()).Bool("tls", lc.TLS.Enabled).
		Msg("listening")

	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return ln.Addr(), nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Msg("accept failed")
			continue
		}
		s.configureSocket(nc)

		c := newConnection(s, nc)
		s.conns.add(c)
		s.probe.ConnectionEstablished()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.run(s.ctx)
		}()
	}
}

// configureSocket disables Nagle buffering and applies the keepalive
// setting. For TLS connections the options land on the underlying TCP
// socket.
func (s *Server) configureSocket(nc net.Conn) {
	raw := nc
	if tc, ok := raw.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(s.cfg.Keepalive)
	}
}

// ActiveConnections reports the number of live connections.
func (s *Server) ActiveConnections() int {
	return s.conns.len()
}

// Stop aborts all accept loops, force-closes every live connection and
// blocks until every loop has drained. It is idempotent, and every caller
// blocks until the shutdown completes.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		listeners := s.listeners
		s.mu.Unlock()
		log.Debug().Int("listeners", len(listeners)).
			Int("connections", s.conns.len()).Msg("stopping server")

		for _, ln := range listeners {
			_ = ln.Close()
		}
		s.cancel()
		s.conns.shutdownAll()
		s.wg.Wait()
		close(s.stopped)
	})
	<-s.stopped
}
