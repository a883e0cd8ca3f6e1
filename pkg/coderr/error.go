package coderr

import (
	"fmt"

	"github.com/pkg/errors"
)

// CodeError is an error with an extra method Code().
type CodeError interface {
	error
	Code() Code
}

var _ CodeError = &codeError{}

// codeError is the leaf error in the chain, i.e. the one generated in this codebase.
type codeError struct {
	code Code
	msg  string
}

func (e *codeError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *codeError) Code() Code {
	return e.code
}

func NewCodeError(code Code, msg string) CodeError {
	return &codeError{code: code, msg: msg}
}

// Newf builds a fresh CodeError with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &codeError{code: code, msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first CodeError in err's chain, or Internal if there is none.
// A nil error has no code and yields 0.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var cerr CodeError
	if errors.As(err, &cerr) {
		return cerr.Code()
	}
	return Internal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// EqualsByValue checks whether the cause of `err` is the expectErr.
func EqualsByValue(err error, expectErr error) bool {
	return errors.Is(errors.Cause(err), expectErr)
}
