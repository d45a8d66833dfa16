package gate

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/session"
	"github.com/rpggio/outpost/internal/queue"
	"github.com/rpggio/outpost/internal/sqlite"
	"github.com/rpggio/outpost/internal/transport"
	"github.com/stretchr/testify/require"
)

type stack struct {
	store    *sqlite.Store
	sessions *session.Service
	queue    *queue.Queue
	handler  *Handler
	events   *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (l *eventLog) Broadcast(event string, data any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.data = append(l.data, data)
}

func newStack(t *testing.T) *stack {
	t.Helper()
	db, err := sqlite.Open(":memory:", sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := sqlite.NewStore(db)

	q := queue.New(64, nil)
	q.Start()
	t.Cleanup(q.Close)

	sessions := session.NewService(session.NewFileStore(filepath.Join(t.TempDir(), "session.json")), "OPR_1", nil)
	require.NoError(t, sessions.Open())

	activities := activity.NewService(store, safety.NewEvaluator(store, nil), nil)
	handler := NewHandler(Services{
		Activity:   activities,
		References: store,
		Sessions:   sessions,
	}, q, nil)
	events := &eventLog{}
	handler.SetBroadcaster(events)

	return &stack{store: store, sessions: sessions, queue: q, handler: handler, events: events}
}

func (s *stack) addBlockRule(t *testing.T, threshold int) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.store.UpsertRules(context.Background(), []safety.Rule{{
		ID: "RUL_cap", Kind: safety.KindFrequencyCap, Threshold: threshold, Window: time.Hour,
		Severity: safety.SeverityBlock, Active: true, LastModified: now,
	}}, now))
}

func request(t *testing.T, typ transport.MessageType, payload any) transport.Request {
	t.Helper()
	req := transport.Request{Type: typ, CorrelationID: transport.NewID()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		req.Payload = raw
	}
	return req
}

func decodeData(t *testing.T, resp transport.Response, out any) {
	t.Helper()
	require.NotEmpty(t, resp.Data)
	require.NoError(t, json.Unmarshal(resp.Data, out))
}
