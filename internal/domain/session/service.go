package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Store persists session state.
type Store interface {
	Load() (*State, error)
	Save(state State) error
	Migrate() (bool, error)
}

// Service owns the operator's in-memory session and persists changes.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
}

// NewService creates a session service. operatorID, when set, overrides the
// stored operator.
func NewService(store Store, operatorID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
		state:  State{Version: CurrentVersion, OperatorID: operatorID},
	}
}

// Open loads stored state, migrating an older file first.
func (s *Service) Open() error {
	configured := s.state.OperatorID

	state, err := s.store.Load()
	if errors.Is(err, ErrMigrationRequired) {
		if _, merr := s.store.Migrate(); merr != nil {
			return fmt.Errorf("migrating session state: %w", merr)
		}
		s.logger.Info("session state migrated", "version", CurrentVersion)
		state, err = s.store.Load()
	}
	if errors.Is(err, ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = *state
	if configured != "" {
		s.state.OperatorID = configured
	}
	return nil
}

// Current returns a copy of the session state.
func (s *Service) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.state
	out.KnownAccounts = append([]string(nil), s.state.KnownAccounts...)
	return out
}

// OperatorID returns the configured or stored operator.
func (s *Service) OperatorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.OperatorID
}

// SwitchAccount makes account active and persists the change.
func (s *Service) SwitchAccount(account string) (Switch, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return Switch{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	next.KnownAccounts = append([]string(nil), s.state.KnownAccounts...)
	sw := Switch{Old: next.ActiveAccount, New: account}
	next.ActiveAccount = account
	next.remember(account)
	next.UpdatedAt = s.now().UTC()
	next.Version = CurrentVersion

	if err := s.store.Save(next); err != nil {
		return Switch{}, fmt.Errorf("saving session state: %w", err)
	}
	s.state = next
	return sw, nil
}
