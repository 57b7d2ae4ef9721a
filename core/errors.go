package core

import "github.com/pkg/errors"

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

// Kind is a stable machine-readable failure category. Callers can branch on it
// instead of parsing error messages: "your password is wrong" and "upstream
// unreachable" must be distinguishable at the request boundary.
type Kind string

const (
	KindConfig             Kind = "config"              // missing/invalid source configuration
	KindBadInput           Kind = "bad_input"           // malformed caller input (dates, params)
	KindCredentialsInvalid Kind = "credentials_invalid" // upstream rejected the stored credentials
	KindSessionExpired     Kind = "session_expired"     // stored session cookies no longer valid
	KindUpstream           Kind = "upstream"            // provider unreachable or non-2xx
	KindNotFound           Kind = "not_found"
)

type KindError struct {
	Kind Kind
	Err  error
}

func NewKindError(kind Kind, msg string) error {
	return &KindError{Kind: kind, Err: errors.New(msg)}
}

func WrapKind(kind Kind, err error, msg string) error {
	return &KindError{Kind: kind, Err: errors.Wrap(err, msg)}
}

func (err KindError) Error() string {
	return err.Err.Error()
}

func (err KindError) Unwrap() error {
	return err.Err
}

// ErrKind reports the Kind of err, or "" if err carries none.
func ErrKind(err error) Kind {
	if kerr, ok := errors.Cause(err).(*KindError); ok {
		return kerr.Kind
	}
	return ""
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
