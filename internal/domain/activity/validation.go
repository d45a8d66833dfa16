package activity

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	maxUsernameLen = 30
	maxMessageLen  = 1000
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_](?:[a-zA-Z0-9._]{0,28}[a-zA-Z0-9_])?$`)

// ValidUsername reports whether name is an acceptable account or target handle.
func ValidUsername(name string) bool {
	if name == "" || len(name) > maxUsernameLen {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return usernamePattern.MatchString(name)
}

// NormalizeUsername trims whitespace and a leading "@".
func NormalizeUsername(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "@")
}

// NormalizeMessage returns the NFC form of a message.
func NormalizeMessage(msg string) string {
	return norm.NFC.String(msg)
}

func validateMessage(msg string) error {
	if strings.ContainsRune(msg, 0) {
		return invalid("message", "contains null byte")
	}
	if !utf8.ValidString(msg) {
		return invalid("message", "not valid UTF-8")
	}
	if n := utf8.RuneCountInString(msg); n > maxMessageLen {
		return invalid("message", "exceeds 1000 characters")
	}
	return nil
}

func validateOperator(operator string) error {
	if strings.TrimSpace(operator) == "" {
		return invalid("operator", "required")
	}
	return nil
}

func validateUsername(field, name string) error {
	if name == "" {
		return invalid(field, "required")
	}
	if !ValidUsername(name) {
		return invalid(field, "not a valid username")
	}
	return nil
}

// ValidateOutreach checks an outreach request before it is queued.
func ValidateOutreach(req OutreachRequest) error {
	if err := validateOperator(req.Operator); err != nil {
		return err
	}
	if err := validateUsername("account", NormalizeUsername(req.Account)); err != nil {
		return err
	}
	if err := validateUsername("target", NormalizeUsername(req.Target)); err != nil {
		return err
	}
	return validateMessage(NormalizeMessage(req.Message))
}

// ValidateStatusChange checks a target status update before it is queued.
func ValidateStatusChange(req StatusChangeRequest) error {
	if err := validateOperator(req.Operator); err != nil {
		return err
	}
	if err := validateUsername("account", NormalizeUsername(req.Account)); err != nil {
		return err
	}
	if err := validateUsername("target", NormalizeUsername(req.Target)); err != nil {
		return err
	}
	if !req.Status.Valid() {
		return invalid("status", "unknown status")
	}
	if req.Notes != nil {
		if err := validateMessage(*req.Notes); err != nil {
			return invalid("notes", err.(*ValidationError).Reason)
		}
	}
	return nil
}

// ValidateAccountSwitch checks an account switch before it is queued.
func ValidateAccountSwitch(req AccountSwitchRequest) error {
	if err := validateOperator(req.Operator); err != nil {
		return err
	}
	if err := validateUsername("new", NormalizeUsername(req.New)); err != nil {
		return err
	}
	if old := NormalizeUsername(req.Old); old != "" && !ValidUsername(old) {
		return invalid("old", "not a valid username")
	}
	return nil
}
