// Package central talks to the shared relational store.
package central

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrUnreachable marks network failures: refused, reset, timed out.
	ErrUnreachable = errors.New("central store unreachable")

	// ErrStructural marks failures retrying cannot fix: bad credentials or
	// a schema mismatch.
	ErrStructural = errors.New("central store rejected the client")
)

// PushResult reports the per-row outcome of a push, keyed by local id.
type PushResult struct {
	Accepted map[int64]string `json:"accepted"`
	Rejected map[int64]string `json:"rejected"`
}

func newPushResult() PushResult {
	return PushResult{Accepted: map[int64]string{}, Rejected: map[int64]string{}}
}

// Classify wraps err with ErrUnreachable or ErrStructural when it is one.
// Other errors are returned unchanged and count as transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrStructural) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"), strings.HasPrefix(pgErr.Code, "42"), pgErr.Code == "3D000":
			return fmt.Errorf("%w: %w", ErrStructural, err)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03":
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr),
		errors.As(err, &netErr),
		pgconn.Timeout(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return err
}
