package safety

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Reader provides the cached rules and activity history the evaluator reads.
type Reader interface {
	ActiveRules(ctx context.Context, accountID, operatorID string) ([]Rule, error)
	OutreachTimes(ctx context.Context, accountID string, since time.Time) ([]time.Time, error)
}

// Request describes a proposed activity.
type Request struct {
	AccountID  string
	OperatorID string
	Kind       string
	Now        time.Time
}

// Evaluator loads rules and history and applies Decide.
type Evaluator struct {
	reader Reader
	logger *slog.Logger
}

// NewEvaluator creates a new evaluator over the given reader.
func NewEvaluator(reader Reader, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Evaluator{reader: reader, logger: logger}
}

// Evaluate returns the verdict for a proposed activity. It never writes.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Verdict, error) {
	if req.Kind != ThrottledKind {
		return Verdict{Level: LevelPass}, nil
	}

	rules, err := e.reader.ActiveRules(ctx, req.AccountID, req.OperatorID)
	if err != nil {
		return Verdict{}, fmt.Errorf("loading rules: %w", err)
	}
	rules = Applicable(rules, req.AccountID, req.OperatorID)
	if len(rules) == 0 {
		return Verdict{Level: LevelPass}, nil
	}

	var widest time.Duration
	for _, r := range rules {
		if r.Window > widest {
			widest = r.Window
		}
	}
	history, err := e.reader.OutreachTimes(ctx, req.AccountID, req.Now.Add(-widest))
	if err != nil {
		return Verdict{}, fmt.Errorf("loading history: %w", err)
	}

	verdict := Decide(rules, history, req.Kind, req.Now)
	if verdict.Level != LevelPass {
		e.logger.Debug("safety rule triggered", "account", req.AccountID, "level", verdict.Level.String(), "reason", verdict.Reason())
	}
	return verdict, nil
}

// Decide applies rules to the outreach timestamps of one account.
// Rules must already be filtered with Applicable.
func Decide(rules []Rule, history []time.Time, kind string, now time.Time) Verdict {
	verdict := Verdict{Level: LevelPass}
	if kind != ThrottledKind {
		return verdict
	}

	for _, rule := range rules {
		triggered, reason := check(rule, history, now)
		if !triggered {
			continue
		}
		if lvl := LevelFor(rule.Severity); lvl > verdict.Level {
			verdict.Level = lvl
		}
		verdict.Reasons = append(verdict.Reasons, reason)
		verdict.RuleIDs = append(verdict.RuleIDs, rule.ID)
	}
	return verdict
}

func check(rule Rule, history []time.Time, now time.Time) (bool, string) {
	switch rule.Kind {
	case KindFrequencyCap:
		since := now.Add(-rule.Window)
		count := 0
		for _, ts := range history {
			if !ts.Before(since) {
				count++
			}
		}
		if count >= rule.Threshold {
			return true, fmt.Sprintf("frequency cap reached: %d/%d in %s", count, rule.Threshold, rule.Window)
		}
	case KindIntervalSpacing:
		var last time.Time
		for _, ts := range history {
			if ts.After(last) {
				last = ts
			}
		}
		if last.IsZero() {
			return false, ""
		}
		if elapsed := now.Sub(last); elapsed < rule.Window {
			return true, fmt.Sprintf("interval spacing: last outreach %s ago, minimum %s", elapsed.Truncate(time.Second), rule.Window)
		}
	}
	return false, ""
}

type scope int

const (
	scopeGlobal scope = iota
	scopeOperator
	scopeAccount
)

// Applicable filters rules to the active ones that target the account or
// operator. For each rule kind only the most specific scope present is kept:
// account over operator over global.
func Applicable(rules []Rule, accountID, operatorID string) []Rule {
	best := make(map[RuleKind]scope)
	matched := make([]Rule, 0, len(rules))
	scopes := make([]scope, 0, len(rules))

	for _, r := range rules {
		if !r.Active {
			continue
		}
		s, ok := scopeOf(r, accountID, operatorID)
		if !ok {
			continue
		}
		matched = append(matched, r)
		scopes = append(scopes, s)
		if cur, seen := best[r.Kind]; !seen || s > cur {
			best[r.Kind] = s
		}
	}

	out := make([]Rule, 0, len(matched))
	for i, r := range matched {
		if scopes[i] == best[r.Kind] {
			out = append(out, r)
		}
	}
	return out
}

func scopeOf(r Rule, accountID, operatorID string) (scope, bool) {
	if r.AccountScope != nil && *r.AccountScope != accountID {
		return 0, false
	}
	if r.OperatorScope != nil && *r.OperatorScope != operatorID {
		return 0, false
	}
	switch {
	case r.AccountScope != nil:
		return scopeAccount, true
	case r.OperatorScope != nil:
		return scopeOperator, true
	default:
		return scopeGlobal, true
	}
}
