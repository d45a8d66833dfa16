// Package testserver runs a complete agent in-process for end-to-end tests:
// local store, write queue, gate listener, sync engine and an in-memory
// central.
package testserver

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rpggio/outpost/internal/central"
	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/session"
	"github.com/rpggio/outpost/internal/domain/target"
	"github.com/rpggio/outpost/internal/gate"
	"github.com/rpggio/outpost/internal/queue"
	"github.com/rpggio/outpost/internal/sqlite"
	"github.com/rpggio/outpost/internal/syncer"
	"github.com/rpggio/outpost/internal/transport"
	"github.com/stretchr/testify/require"
)

// Default identities seeded into the in-memory central.
const (
	OperatorID = "OPR_1"
	AccountID  = "ACT_1"
	Account    = "agency_one"
)

// Options configures New.
type Options struct {
	AuthKey string
	// DBPath defaults to a file in t.TempDir(). Use ":memory:" for a
	// private in-memory store.
	DBPath string
	// Central replaces the in-memory central the engine talks to.
	Central syncer.Central
}

// TestServer is a running agent.
type TestServer struct {
	Addr     string
	DB       *sqlite.DB
	Store    *sqlite.Store
	Queue    *queue.Queue
	Sessions *session.Service
	Activity *activity.Service
	Central  *central.Memory
	Engine   *syncer.Engine
	Registry *gate.Registry

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

// New starts an agent on a loopback port. It stops when the test ends.
func New(t *testing.T, opts Options) *TestServer {
	t.Helper()
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(t.TempDir(), "outpost.db")
	}

	db, err := sqlite.Open(opts.DBPath, sqlite.Options{})
	require.NoError(t, err)
	store := sqlite.NewStore(db)

	q := queue.New(256, nil)
	q.Start()

	sessions := session.NewService(session.NewFileStore(filepath.Join(t.TempDir(), "session.json")), OperatorID, nil)
	require.NoError(t, sessions.Open())

	mem := central.NewMemory()
	mem.AddOperator(OperatorID)
	mem.PutAccount(target.Account{ID: AccountID, Username: Account, OperatorID: OperatorID, Status: "active"})
	var c syncer.Central = mem
	if opts.Central != nil {
		c = opts.Central
	}

	activities := activity.NewService(store, safety.NewEvaluator(store, nil), nil)
	engine := syncer.New(c, store, store, q, syncer.Options{
		PullInterval: time.Hour,
		PushInterval: time.Hour,
		BatchSize:    50,
		RetryBase:    10 * time.Millisecond,
		RetryMax:     100 * time.Millisecond,
	})

	registry := gate.NewRegistry(nil)
	handler := gate.NewHandler(gate.Services{
		Activity:   activities,
		References: store,
		Sessions:   sessions,
		Sync:       engine,
	}, q, nil)
	server := gate.NewServer(handler, registry, gate.ServerOptions{Addr: "127.0.0.1:0", AuthKey: opts.AuthKey})
	require.NoError(t, server.Listen())
	engine.SetBroadcaster(registry)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &TestServer{
		Addr:     server.Addr().String(),
		DB:       db,
		Store:    store,
		Queue:    q,
		Sessions: sessions,
		Activity: activities,
		Central:  mem,
		Engine:   engine,
		Registry: registry,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { ts.done <- server.Serve(ctx) }()

	t.Cleanup(func() {
		ts.Stop()
		q.Close()
		_ = db.Close()
	})
	return ts
}

// Stop closes the gate and waits for in-flight requests. It is idempotent.
func (ts *TestServer) Stop() {
	ts.stopOnce.Do(func() {
		ts.cancel()
		<-ts.done
	})
}

// Client returns a gate client for the server. It is closed when the test ends.
func (ts *TestServer) Client(t *testing.T, authKey string) *gate.Client {
	t.Helper()
	client := gate.NewClient(gate.ClientOptions{Addr: ts.Addr, AuthKey: authKey, DialTimeout: time.Second})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// HTTP serves /health, /status and /metrics for the agent.
func (ts *TestServer) HTTP(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(transport.NewServer(statusFunc(func(ctx context.Context) (any, error) {
		return ts.Engine.Report(ctx)
	}), nil))
	t.Cleanup(srv.Close)
	return srv
}

// AddRule seeds a rule in central and pulls it into the local cache.
func (ts *TestServer) AddRule(t *testing.T, rule safety.Rule) {
	t.Helper()
	ts.Central.PutRule(rule)
	require.NoError(t, ts.Engine.Pull(context.Background()))
}

type statusFunc func(ctx context.Context) (any, error)

func (f statusFunc) Status(ctx context.Context) (any, error) { return f(ctx) }
