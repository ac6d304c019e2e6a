package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/tftpd/internal/config"
	"github.com/energizer-project/tftpd/internal/engine"
	"github.com/energizer-project/tftpd/internal/protocol"
)

// TCPListener accepts client connections and runs a frame decoder and a
// protocol engine for each of them on its own goroutine.
type TCPListener struct {
	cfg   *config.Config
	deps  engine.Deps
	conns *ConnectionRegistry

	mu       sync.Mutex
	listener net.Listener
	nextID   atomic.Int64
	wg       sync.WaitGroup
}

// NewTCPListener creates a listener. deps.Conns is replaced by the
// listener's own connection registry.
func NewTCPListener(cfg *config.Config, deps engine.Deps) *TCPListener {
	conns := NewConnectionRegistry()
	deps.Conns = conns
	return &TCPListener{
		cfg:   cfg,
		deps:  deps,
		conns: conns,
	}
}

// Connections returns the registry of open connections.
func (l *TCPListener) Connections() *ConnectionRegistry {
	return l.conns
}

// Start binds the configured address and serves until ctx is cancelled.
func (l *TCPListener) Start(ctx context.Context) error {
	addr := l.cfg.ListenAddr()

	// SO_REUSEADDR allows immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", addr, err)
	}

	return l.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Stop is called.
func (l *TCPListener) Serve(ctx context.Context, ln net.Listener) error {
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	for {
		rawConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info().Msg("TCP listener stopping")
				return nil
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(ctx, rawConn)
		}()
	}
}

// Addr returns the bound address, or nil before Serve.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// handleConnection runs the read loop of one client until the peer goes
// away or disconnects with DISC.
func (l *TCPListener) handleConnection(ctx context.Context, rawConn net.Conn) {
	id := int(l.nextID.Add(1))
	remote := rawConn.RemoteAddr().String()

	conn := NewConnection(id, rawConn)
	l.conns.Register(conn)
	defer l.conns.Unregister(id)

	l.deps.Metrics.ConnectionOpened()
	defer l.deps.Metrics.ConnectionClosed()

	logger := log.With().
		Str("component", "tcp_handler").
		Int("conn_id", id).
		Str("remote", remote).
		Logger()
	logger.Info().Msg("client connected")

	eng := engine.New(id, remote, l.deps)
	defer eng.Close(context.WithoutCancel(ctx))

	decoder := protocol.NewFrameDecoder()
	reader := bufio.NewReader(conn)

	for {
		b, err := reader.ReadByte()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Info().Msg("client closed connection")
			case conn.IsClosed() || ctx.Err() != nil:
				logger.Debug().Msg("connection closed by server")
			default:
				logger.Warn().Err(err).Msg("read error, closing connection")
			}
			return
		}

		frame, err := decoder.Feed(b)
		if err != nil {
			l.deps.Metrics.FrameError()
			logger.Warn().Err(err).Msg("frame rejected")
			if werr := conn.Write(protocol.BuildError(protocol.ErrNotDefined, err.Error())); werr != nil {
				return
			}
			continue
		}
		if frame == nil {
			continue
		}

		eng.Process(ctx, frame)
		if eng.ShouldTerminate() {
			logger.Info().Msg("client disconnected")
			return
		}
	}
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to finish.
func (l *TCPListener) Stop() error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	l.conns.CloseAll()
	l.wg.Wait()
	return err
}
