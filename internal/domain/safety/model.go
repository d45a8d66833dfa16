package safety

import (
	"fmt"
	"strings"
	"time"
)

// RuleKind identifies how a rule measures recent activity.
type RuleKind string

const (
	KindFrequencyCap    RuleKind = "frequency_cap"
	KindIntervalSpacing RuleKind = "interval_spacing"
)

// Severity is the verdict level a triggered rule produces.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// ThrottledKind is the activity kind rules apply to.
const ThrottledKind = "outreach"

// Rule is a cached copy of a centrally managed safety rule.
type Rule struct {
	ID            string        `json:"id"`
	Kind          RuleKind      `json:"kind"`
	Threshold     int           `json:"threshold"`
	Window        time.Duration `json:"window"`
	Severity      Severity      `json:"severity"`
	AccountScope  *string       `json:"account_scope,omitempty"`
	OperatorScope *string       `json:"operator_scope,omitempty"`
	Active        bool          `json:"active"`
	LastModified  time.Time     `json:"last_modified"`
}

// Level orders verdicts: Pass < Warn < Block.
type Level int

const (
	LevelPass Level = iota
	LevelWarn
	LevelBlock
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "WARN"
	case LevelBlock:
		return "BLOCK"
	default:
		return "PASS"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	switch string(text) {
	case "PASS":
		*l = LevelPass
	case "WARN":
		*l = LevelWarn
	case "BLOCK":
		*l = LevelBlock
	default:
		return fmt.Errorf("unknown verdict level %q", text)
	}
	return nil
}

// LevelFor maps a rule severity to the verdict level it produces.
func LevelFor(s Severity) Level {
	if s == SeverityBlock {
		return LevelBlock
	}
	return LevelWarn
}

// Verdict is the outcome of evaluating a proposed activity.
type Verdict struct {
	Level   Level    `json:"level"`
	Reasons []string `json:"reasons,omitempty"`
	RuleIDs []string `json:"rule_ids,omitempty"`
}

// Reason joins all triggered rule messages.
func (v Verdict) Reason() string {
	return strings.Join(v.Reasons, " | ")
}

func (v Verdict) Blocked() bool { return v.Level == LevelBlock }
