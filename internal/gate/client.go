package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rpggio/outpost/internal/transport"
)

// DefaultDialTimeout bounds how long a client waits for the gate.
const DefaultDialTimeout = 2 * time.Second

// ClientOptions configures a Client.
type ClientOptions struct {
	Addr        string
	AuthKey     string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Client multiplexes requests over one gate connection. It never returns a
// Go error for an unreachable gate: callers get a SERVICE_UNAVAILABLE
// response instead.
type Client struct {
	addr        string
	authKey     string
	dialTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan transport.Response
	closed  bool

	writeMu       sync.Mutex
	notifications chan transport.Notification
}

// NewClient creates a client. It connects lazily on the first request.
func NewClient(opts ClientOptions) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		addr:          opts.Addr,
		authKey:       opts.AuthKey,
		dialTimeout:   opts.DialTimeout,
		logger:        opts.Logger,
		pending:       map[string]chan transport.Response{},
		notifications: make(chan transport.Notification, 64),
	}
}

// Notifications delivers NOTIFY messages. Notifications arriving while the
// channel is full are dropped.
func (c *Client) Notifications() <-chan transport.Notification {
	return c.notifications
}

// Submit sends a request of type t with payload and waits for its response.
func (c *Client) Submit(ctx context.Context, t transport.MessageType, payload any) transport.Response {
	req := transport.Request{Type: t, CorrelationID: transport.NewID()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return transport.NewError(req.CorrelationID, transport.CodeValidation, fmt.Sprintf("encoding payload: %v", err), nil)
		}
		req.Payload = raw
	}
	return c.Send(ctx, req)
}

// Send forwards req and waits for the response with the same correlationId.
func (c *Client) Send(ctx context.Context, req transport.Request) transport.Response {
	if req.CorrelationID == "" {
		req.CorrelationID = transport.NewID()
	}
	id := req.CorrelationID

	conn, err := c.connect(ctx)
	if err != nil {
		return transport.Unavailable(id, err.Error())
	}

	ch := make(chan transport.Response, 1)
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return transport.Unavailable(id, "connection lost")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = transport.GateFramer.WriteJSON(conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, fmt.Errorf("sending request: %w", err))
		return <-ch
	}

	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return transport.Unavailable(id, "no response: "+ctx.Err().Error())
	}
}

// connect returns the live connection, dialing and authenticating if needed.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("gate client closed")
	}
	if c.conn != nil {
		return c.conn, nil
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("gate unreachable at %s: %w", c.addr, err)
	}
	if c.authKey != "" {
		if err := c.handshake(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	c.conn = conn
	go c.readLoop(conn)
	c.logger.Debug("gate connected", "addr", c.addr)
	return conn, nil
}

func (c *Client) handshake(conn net.Conn) error {
	id := transport.NewID()
	payload, _ := json.Marshal(transport.AuthPayload{Token: c.authKey})
	_ = conn.SetDeadline(time.Now().Add(c.dialTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := transport.GateFramer.WriteJSON(conn, transport.Request{Type: transport.TypeAuth, Payload: payload, CorrelationID: id}); err != nil {
		return fmt.Errorf("gate handshake: %w", err)
	}
	body, err := transport.GateFramer.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("gate handshake: %w", err)
	}
	resp, _, err := transport.DecodeInbound(body)
	if err != nil || resp == nil {
		return fmt.Errorf("gate handshake: unexpected reply")
	}
	if !resp.Success {
		return fmt.Errorf("gate handshake: %s", resp.Error)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		body, err := transport.GateFramer.ReadFrame(conn)
		if err != nil {
			c.drop(conn, fmt.Errorf("connection lost: %w", err))
			return
		}
		resp, note, err := transport.DecodeInbound(body)
		if err != nil {
			c.logger.Warn("discarding malformed gate message", "error", err)
			continue
		}
		if note != nil {
			select {
			case c.notifications <- *note:
			default:
				c.logger.Debug("notification dropped", "event", note.Payload.Event)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.CorrelationID]
		delete(c.pending, resp.CorrelationID)
		c.mu.Unlock()
		if ok {
			ch <- *resp
		}
	}
}

// drop discards conn and resolves every pending request with
// SERVICE_UNAVAILABLE.
func (c *Client) drop(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = map[string]chan transport.Response{}
	c.mu.Unlock()

	_ = conn.Close()
	for id, ch := range pending {
		ch <- transport.Unavailable(id, cause.Error())
	}
	if len(pending) > 0 {
		c.logger.Warn("gate connection lost", "pending", len(pending), "error", cause)
	}
}

// Close disconnects. Pending requests resolve with SERVICE_UNAVAILABLE.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.drop(conn, fmt.Errorf("gate client closed"))
	}
	return nil
}
