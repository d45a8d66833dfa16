package central

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
)

// Event is a pushed activity as the central store holds it.
type Event struct {
	ID        string
	ClientKey string
	Kind      activity.Kind
	Account   string
	Operator  string
	Target    string
	Details   json.RawMessage
	Message   *string
	CreatedAt time.Time
}

// Memory is an in-process central store with the same push and pull
// semantics as Postgres. Tests and offline demos use it.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	err       error
	operators map[string]bool
	accounts  map[string]target.Account
	rules     map[string]safety.Rule
	targets   map[string]target.Target
	events    map[string]Event
	pushes    int
	last      time.Time
}

// NewMemory creates an empty in-memory central store.
func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		operators: map[string]bool{},
		accounts:  map[string]target.Account{},
		rules:     map[string]safety.Rule{},
		targets:   map[string]target.Target{},
		events:    map[string]Event{},
	}
}

// SetClock replaces the time source used for last_modified stamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetError makes every call fail with err until cleared with nil.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// AddOperator registers an active operator.
func (m *Memory) AddOperator(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operators[id] = true
}

// PutAccount stores an account, stamping LastModified when unset.
func (m *Memory) PutAccount(a target.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.LastModified.IsZero() {
		a.LastModified = m.stamp()
	}
	if a.Status == "" {
		a.Status = "active"
	}
	m.accounts[a.Username] = a
}

// PutRule stores a rule, stamping LastModified when unset.
func (m *Memory) PutRule(r safety.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.LastModified.IsZero() {
		r.LastModified = m.stamp()
	}
	m.rules[r.ID] = r
}

// PutTarget stores a target, stamping LastModified when unset.
func (m *Memory) PutTarget(t target.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.LastModified.IsZero() {
		t.LastModified = m.stamp()
	}
	if t.CentralID == "" {
		t.CentralID = newID("TAR")
	}
	m.targets[t.Username] = t
}

// Target returns the stored target.
func (m *Memory) Target(username string) (target.Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[username]
	return t, ok
}

// Events returns pushed events ordered by creation time.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientKey < out[j].ClientKey
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Pushes returns the number of PushActivities calls that reached the store.
func (m *Memory) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

// Ping reports the injected error, if any.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Memory) PullAccounts(ctx context.Context, since time.Time) ([]target.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []target.Account
	for _, a := range m.accounts {
		if a.LastModified.After(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified.Before(out[j].LastModified) })
	return out, nil
}

func (m *Memory) PullRules(ctx context.Context, since time.Time) ([]safety.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []safety.Rule
	for _, r := range m.rules {
		if r.LastModified.After(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified.Before(out[j].LastModified) })
	return out, nil
}

func (m *Memory) PullTargets(ctx context.Context, since time.Time) ([]target.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []target.Target
	for _, t := range m.targets {
		if t.LastModified.After(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified.Before(out[j].LastModified) })
	return out, nil
}

// PushActivities applies the batch atomically: on an injected error
// nothing is stored.
func (m *Memory) PushActivities(ctx context.Context, batch []activity.Envelope) (PushResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return PushResult{}, m.err
	}
	m.pushes++

	result := newPushResult()
	for _, env := range batch {
		rec := env.Record
		if existing, ok := m.events[rec.ClientKey]; ok {
			result.Accepted[rec.LocalID] = existing.ID
			continue
		}
		if reason := m.validate(rec); reason != "" {
			result.Rejected[rec.LocalID] = reason
			continue
		}

		ev := Event{
			ID:        newID("ELG"),
			ClientKey: rec.ClientKey,
			Kind:      rec.Kind,
			Account:   rec.Account,
			Operator:  rec.Operator,
			Target:    rec.Target,
			Details:   rec.Details,
			CreatedAt: rec.CreatedAt,
		}
		if env.Outreach != nil {
			ev.Message = env.Outreach.Message
		}
		m.events[rec.ClientKey] = ev
		m.applyEffects(rec)
		result.Accepted[rec.LocalID] = ev.ID
	}
	return result, nil
}

func (m *Memory) validate(rec activity.Record) string {
	if !rec.Kind.Valid() {
		return fmt.Sprintf("unknown kind %q", rec.Kind)
	}
	if _, ok := m.accounts[rec.Account]; !ok {
		return fmt.Sprintf("unknown account %q", rec.Account)
	}
	active, ok := m.operators[rec.Operator]
	if !ok {
		return fmt.Sprintf("unknown operator %q", rec.Operator)
	}
	if !active {
		return fmt.Sprintf("operator %q is inactive", rec.Operator)
	}
	if rec.Kind == activity.KindStatusChange {
		var change activity.StatusChangeDetails
		if rec.Target == "" || json.Unmarshal(rec.Details, &change) != nil || !change.Status.Valid() {
			return "status change without a valid status"
		}
	}
	return ""
}

func (m *Memory) applyEffects(rec activity.Record) {
	if rec.Target == "" {
		return
	}
	t, ok := m.targets[rec.Target]
	if !ok {
		t = target.Target{
			Username:     rec.Target,
			CentralID:    newID("TAR"),
			Status:       target.StatusColdNoReply,
			OwnerAccount: rec.Account,
		}
	}
	switch rec.Kind {
	case activity.KindOutreach:
		if t.Status == target.StatusColdNoReply {
			t.Status = target.StatusContacted
			t.LastModified = m.stamp()
		}
	case activity.KindStatusChange:
		var change activity.StatusChangeDetails
		_ = json.Unmarshal(rec.Details, &change)
		t.Status = change.Status
		if change.Notes != nil {
			t.Notes = *change.Notes
		}
		t.Excluded = t.Excluded || change.Status == target.StatusExcluded
		t.LastModified = m.stamp()
	}
	if t.LastModified.IsZero() {
		t.LastModified = m.stamp()
	}
	m.targets[rec.Target] = t
}

// stamp returns a strictly increasing microsecond timestamp.
func (m *Memory) stamp() time.Time {
	now := m.now().UTC().Truncate(time.Microsecond)
	if !now.After(m.last) {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now
	return now
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
