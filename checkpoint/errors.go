package checkpoint

import "errors"

// Kind is a stable category for programmatic error handling.
type Kind string

const (
	KindConfig Kind = "Config"
	// KindIntegrity covers a failed integrity precondition. Nothing was
	// mutated.
	KindIntegrity Kind = "Integrity"
	// KindVerify covers a failed archive digest check during rollback.
	// Nothing was mutated.
	KindVerify Kind = "Verify"
	KindNotFound Kind = "NotFound"
	KindInternal Kind = "Internal"
)

// Error is the checkpoint subsystem's structured error type.
type Error struct {
	Kind    Kind
	RuleID  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newError(kind Kind, ruleID, msg string) error {
	return &Error{Kind: kind, RuleID: ruleID, Message: msg}
}

func wrapError(kind Kind, ruleID, msg string, cause error) error {
	if cause == nil {
		return newError(kind, ruleID, msg)
	}
	return &Error{Kind: kind, RuleID: ruleID, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
