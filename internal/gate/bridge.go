package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rpggio/outpost/internal/transport"
)

// Bridge is a browser native-messaging host. It reads little-endian framed
// requests from in, forwards them to the gate, and writes responses and
// notifications to out.
type Bridge struct {
	client *Client
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	writeMu sync.Mutex
}

// NewBridge creates a bridge over client.
func NewBridge(client *Client, in io.Reader, out io.Writer, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bridge{client: client, in: in, out: out, logger: logger}
}

// Run forwards frames until in reaches EOF or ctx ends. In-flight requests
// finish before Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.forwardNotifications(ctx)
	}()

	var inflight sync.WaitGroup
	var runErr error
	for {
		body, err := transport.NativeFramer.ReadFrame(b.in)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				runErr = fmt.Errorf("reading native message: %w", err)
			}
			break
		}
		req, err := transport.ParseRequest(body)
		if err != nil {
			b.write(errorResponse(transport.NewID(), err, nil))
			continue
		}
		if req.CorrelationID == "" {
			req.CorrelationID = transport.NewID()
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			start := time.Now()
			resp := b.client.Send(ctx, req)
			if elapsed := time.Since(start); elapsed > LatencyHint(req.Type) {
				b.logger.Warn("slow gate response", "type", req.Type, "elapsed", elapsed)
			}
			b.write(resp)
		}()
	}

	inflight.Wait()
	cancel()
	wg.Wait()
	return runErr
}

func (b *Bridge) forwardNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-b.client.Notifications():
			b.write(n)
		}
	}
}

func (b *Bridge) write(v any) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := transport.NativeFramer.WriteJSON(b.out, v); err != nil {
		b.logger.Warn("writing native message", "error", err)
	}
}
