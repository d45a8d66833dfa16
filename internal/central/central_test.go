package central

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"refused", fmt.Errorf("pulling: %w", syscall.ECONNREFUSED), ErrUnreachable},
		{"net op", opErr, ErrUnreachable},
		{"eof", io.ErrUnexpectedEOF, ErrUnreachable},
		{"deadline", context.DeadlineExceeded, ErrUnreachable},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, ErrUnreachable},
		{"bad password", &pgconn.PgError{Code: "28P01"}, ErrStructural},
		{"missing table", &pgconn.PgError{Code: "42P01"}, ErrStructural},
		{"missing database", &pgconn.PgError{Code: "3D000"}, ErrStructural},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.ErrorIs(t, got, tt.want)
			require.ErrorIs(t, got, tt.err, "the cause stays reachable")
		})
	}
}

func TestClassify_Transient(t *testing.T) {
	require.NoError(t, Classify(nil))

	serialization := &pgconn.PgError{Code: "40001"}
	got := Classify(serialization)
	require.Same(t, error(serialization), got)
	require.False(t, errors.Is(got, ErrUnreachable))
	require.False(t, errors.Is(got, ErrStructural))

	wrapped := Classify(Classify(syscall.ECONNREFUSED))
	require.ErrorIs(t, wrapped, ErrUnreachable)
}
