package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ValidationError reports every invalid draft field at once so callers can
// render all messages together, not just the first failure.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "invalid draft: " + strings.Join(parts, "; ")
}

// DuplicatePairError signals a (system, environment) pair already selected on
// the draft.
type DuplicatePairError struct {
	System      string
	Environment string
}

func (e DuplicatePairError) Error() string {
	return fmt.Sprintf("pair %s/%s already selected", e.System, e.Environment)
}

// InvalidKeyError signals an access key with no pending validation bound to it.
type InvalidKeyError struct {
	Key string
}

func (e InvalidKeyError) Error() string {
	return fmt.Sprintf("access key %s not found", e.Key)
}

// EditWindowExpiredError signals a mutation attempt on a concluded session
// past the edit window.
type EditWindowExpiredError struct {
	EndTime time.Time
	Window  time.Duration
}

func (e EditWindowExpiredError) Error() string {
	return fmt.Sprintf("edit window of %s expired (concluded at %s)", e.Window, e.EndTime.Format(time.RFC3339))
}

var (
	ErrEmptySelection             = errors.New("at least one system/environment pair is required")
	ErrEmptyFieldSet              = errors.New("at least one checklist field is required")
	ErrMissingFieldName           = errors.New("field name is required")
	ErrIncompleteValidation       = errors.New("every item needs a status and at least one item needs evidence")
	ErrMissingSignature           = errors.New("signature name is required")
	ErrMissingAuditorConfirmation = errors.New("auditor confirmation is required")
	ErrSessionReadOnly            = errors.New("session is concluded; reopen it within the edit window to modify")
	ErrEvidenceTooLarge           = errors.New("evidence file exceeds the configured size limit")
)
