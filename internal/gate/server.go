package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rpggio/outpost/internal/transport"
)

const handshakeTimeout = 5 * time.Second

// ServerOptions configures a Server.
type ServerOptions struct {
	Addr    string
	AuthKey string
	Logger  *slog.Logger
}

// Server accepts gate sessions over TCP.
type Server struct {
	handler  *Handler
	registry *Registry
	addr     string
	authKey  string
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// NewServer creates a server dispatching to handler. The handler's
// broadcasts go to registry.
func NewServer(handler *Handler, registry *Registry, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	handler.SetBroadcaster(registry)
	return &Server{
		handler:  handler,
		registry: registry,
		addr:     opts.Addr,
		authKey:  opts.AuthKey,
		logger:   opts.Logger,
	}
}

// Listen binds the listener. It is called by Serve when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx ends, then closes every session and
// waits for in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("gate listening", "addr", ln.Addr().String(), "auth", s.authKey != "")

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.registry.CloseAll()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("gate accept failed", "error", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.registry.CloseAll()
	s.conns.Wait()
	s.logger.Info("gate stopped")
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess := newSession(conn)
	defer sess.Close()
	logger := s.logger.With("session_id", sess.ID())

	if s.authKey != "" {
		if !s.authenticate(sess, logger) {
			return
		}
	}

	s.registry.add(sess)
	defer s.registry.remove(sess)
	logger.Debug("session opened", "remote", conn.RemoteAddr().String())

	// Disconnects cancel waiting callers only; accepted writes still finish.
	connCtx, cancel := context.WithCancel(transport.WithSessionID(ctx, sess.ID()))
	defer cancel()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		body, err := transport.GateFramer.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				_ = sess.Send(errorResponse(transport.NewID(), err, nil))
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("session read failed", "error", err)
			}
			break
		}

		req, err := transport.ParseRequest(body)
		if err != nil {
			_ = sess.Send(errorResponse(transport.NewID(), err, nil))
			continue
		}
		if req.CorrelationID == "" {
			req.CorrelationID = transport.NewID()
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			reqCtx := transport.WithCorrelationID(connCtx, req.CorrelationID)
			resp := s.handler.Handle(reqCtx, req)
			if err := sess.Send(resp); err != nil {
				logger.Debug("response not delivered", "correlation_id", req.CorrelationID, "error", err)
			}
		}()
	}
	cancel()
	logger.Debug("session closed")
}

// authenticate checks the AUTH handshake frame.
func (s *Server) authenticate(sess *Session, logger *slog.Logger) bool {
	_ = sess.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	body, err := transport.GateFramer.ReadFrame(sess.conn)
	_ = sess.conn.SetReadDeadline(time.Time{})
	if err != nil {
		logger.Debug("handshake read failed", "error", err)
		return false
	}

	req, err := transport.CheckHandshake(body, s.authKey)
	id := req.CorrelationID
	if id == "" {
		id = transport.NewID()
	}
	if err != nil {
		logger.Warn("gate handshake rejected", "remote", sess.conn.RemoteAddr().String())
		requestsTotal.WithLabelValues(string(transport.TypeAuth), string(transport.CodeUnauthorized)).Inc()
		_ = sess.Send(transport.NewError(id, transport.CodeUnauthorized, transport.ErrUnauthorized.Error(), nil))
		return false
	}
	resp, err := transport.NewResult(id, map[string]string{"session_id": sess.ID()})
	if err != nil {
		return false
	}
	return sess.Send(resp) == nil
}
