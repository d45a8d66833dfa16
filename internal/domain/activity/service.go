package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpggio/outpost/internal/domain/safety"
	"github.com/rpggio/outpost/internal/domain/target"
)

// Service runs the capture pipeline: validate, evaluate, append.
// Write methods must be called from the single-writer queue so that the
// safety check and the append observe the same history.
type Service struct {
	repo      Repository
	evaluator Evaluator
	keys      *KeySource
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a new activity service.
func NewService(repo Repository, evaluator Evaluator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		repo:      repo,
		evaluator: evaluator,
		keys:      NewKeySource(),
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// OutreachRequest asks to log one outreach action.
type OutreachRequest struct {
	Account  string
	Operator string
	Target   string
	Message  string
	Excluded bool
	// Force writes the record even on a BLOCK verdict.
	Force  bool
	SentAt time.Time
}

// StatusChangeRequest asks to change a target's status.
type StatusChangeRequest struct {
	Account  string
	Operator string
	Target   string
	Status   target.Status
	Notes    *string
}

// AccountSwitchRequest reports an ActiveAccountChanged(old, new) transition.
type AccountSwitchRequest struct {
	Operator string
	Old      string
	New      string
}

// CaptureResult describes the outcome of a write request.
type CaptureResult struct {
	LocalID   int64          `json:"local_id,omitempty"`
	ClientKey string         `json:"client_key,omitempty"`
	Verdict   safety.Verdict `json:"verdict"`
	Written   bool           `json:"written"`
	Forced    bool           `json:"forced,omitempty"`
	Redacted  bool           `json:"redacted,omitempty"`
}

// Preview is a read-only verdict for a prospective outreach.
type Preview struct {
	Verdict  safety.Verdict `json:"verdict"`
	Target   *target.Target `json:"target,omitempty"`
	Redacted bool           `json:"redacted"`
}

// LogOutreach evaluates and stores an outreach action.
// A BLOCK verdict without Force returns the verdict and ErrSafetyBlock.
func (s *Service) LogOutreach(ctx context.Context, req OutreachRequest) (*CaptureResult, error) {
	if err := ValidateOutreach(req); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	account := NormalizeUsername(req.Account)
	targetName := NormalizeUsername(req.Target)
	message := NormalizeMessage(req.Message)

	verdict, err := s.evaluator.Evaluate(ctx, safety.Request{
		AccountID:  account,
		OperatorID: req.Operator,
		Kind:       string(KindOutreach),
		Now:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating safety rules: %w", err)
	}

	result := &CaptureResult{Verdict: verdict}
	if verdict.Blocked() && !req.Force {
		s.logger.Info("outreach blocked", "account", account, "target", targetName, "reason", verdict.Reason())
		return result, ErrSafetyBlock
	}

	cached, err := s.repo.GetTarget(ctx, targetName)
	if err != nil {
		return nil, fmt.Errorf("loading target: %w", err)
	}
	redacted := req.Excluded || cached.IsExcluded()

	sentAt := req.SentAt.UTC()
	if req.SentAt.IsZero() {
		sentAt = now
	}
	detail := &OutreachDetail{SentAt: sentAt}
	if !redacted {
		detail.Message = &message
	}

	details, err := json.Marshal(OutreachDetails{
		Verdict:  verdict.Level.String(),
		Forced:   verdict.Blocked(),
		Reasons:  verdict.Reasons,
		Redacted: redacted,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding details: %w", err)
	}

	rec := &Record{
		ClientKey: s.keys.Next(now),
		Kind:      KindOutreach,
		Account:   account,
		Operator:  req.Operator,
		Target:    targetName,
		Details:   details,
		CreatedAt: now,
	}
	id, err := s.repo.AppendActivity(ctx, rec, detail)
	if err != nil {
		return nil, fmt.Errorf("appending outreach: %w", err)
	}

	result.LocalID = id
	result.ClientKey = rec.ClientKey
	result.Written = true
	result.Forced = verdict.Blocked()
	result.Redacted = redacted
	s.logger.Debug("outreach captured", "local_id", id, "account", account, "target", targetName, "verdict", verdict.Level.String())
	return result, nil
}

// UpdateTargetStatus records a status change and applies it to the target cache.
func (s *Service) UpdateTargetStatus(ctx context.Context, req StatusChangeRequest) (*CaptureResult, error) {
	if err := ValidateStatusChange(req); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	targetName := NormalizeUsername(req.Target)

	cached, err := s.repo.GetTarget(ctx, targetName)
	if err != nil {
		return nil, fmt.Errorf("loading target: %w", err)
	}
	var previous target.Status
	if cached != nil {
		previous = cached.Status
	}

	details, err := json.Marshal(StatusChangeDetails{Status: req.Status, Previous: previous, Notes: req.Notes})
	if err != nil {
		return nil, fmt.Errorf("encoding details: %w", err)
	}
	rec := &Record{
		ClientKey: s.keys.Next(now),
		Kind:      KindStatusChange,
		Account:   NormalizeUsername(req.Account),
		Operator:  req.Operator,
		Target:    targetName,
		Details:   details,
		CreatedAt: now,
	}
	id, err := s.repo.ApplyStatusChange(ctx, rec, target.Edit{
		Username: targetName,
		Status:   req.Status,
		Notes:    req.Notes,
		At:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("applying status change: %w", err)
	}
	return &CaptureResult{LocalID: id, ClientKey: rec.ClientKey, Verdict: safety.Verdict{Level: safety.LevelPass}, Written: true}, nil
}

// SwitchAccount records an ActiveAccountChanged event as a system record.
func (s *Service) SwitchAccount(ctx context.Context, req AccountSwitchRequest) (*CaptureResult, error) {
	if err := ValidateAccountSwitch(req); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	details, err := json.Marshal(AccountChangedDetails{
		Event: EventActiveAccountChanged,
		Old:   NormalizeUsername(req.Old),
		New:   NormalizeUsername(req.New),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding details: %w", err)
	}
	rec := &Record{
		ClientKey: s.keys.Next(now),
		Kind:      KindSystem,
		Account:   NormalizeUsername(req.New),
		Operator:  req.Operator,
		Details:   details,
		CreatedAt: now,
	}
	id, err := s.repo.AppendActivity(ctx, rec, nil)
	if err != nil {
		return nil, fmt.Errorf("appending account switch: %w", err)
	}
	s.logger.Info("active account changed", "old", req.Old, "new", req.New, "operator", req.Operator)
	return &CaptureResult{LocalID: id, ClientKey: rec.ClientKey, Verdict: safety.Verdict{Level: safety.LevelPass}, Written: true}, nil
}

// Preflight returns the verdict an outreach would receive now, without writing.
func (s *Service) Preflight(ctx context.Context, account, operator, targetName string) (*Preview, error) {
	account = NormalizeUsername(account)
	if err := validateUsername("account", account); err != nil {
		return nil, err
	}
	verdict, err := s.evaluator.Evaluate(ctx, safety.Request{
		AccountID:  account,
		OperatorID: operator,
		Kind:       string(KindOutreach),
		Now:        s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating safety rules: %w", err)
	}
	preview := &Preview{Verdict: verdict}
	if targetName = NormalizeUsername(targetName); targetName != "" {
		cached, err := s.repo.GetTarget(ctx, targetName)
		if err != nil {
			return nil, fmt.Errorf("loading target: %w", err)
		}
		preview.Target = cached
		preview.Redacted = cached.IsExcluded()
	}
	return preview, nil
}

// GetRecentActivity lists activity records with filtering.
func (s *Service) GetRecentActivity(ctx context.Context, opts ListOptions) ([]Record, error) {
	return s.repo.List(ctx, opts)
}
