// Package cachierr defines the typed error taxonomy shared by every
// resolver, each carrying a human-friendly message plus an optional
// solution hint and docs link.
package cachierr

import "fmt"

// Kind discriminates the error taxonomy for CLI exit-code mapping.
type Kind string

const (
	KindPackageRejected   Kind = "PackageRejected"
	KindUnsupported       Kind = "UnsupportedFeature"
	KindPackageManager    Kind = "PackageManagerError"
	KindFetch             Kind = "FetchError"
	KindUnexpectedFormat  Kind = "UnexpectedFormat"
	KindInvalidInput      Kind = "InvalidInput"
	KindPathOutsideRoot   Kind = "PathOutsideRoot"
)

// Error is the common shape for every taxonomy member: a message, an
// optional actionable solution, and an optional docs URL.
type Error struct {
	Kind     Kind
	Message  string
	Solution string
	Docs     string
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Solution != "" {
		msg += " (solution: " + e.Solution + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// ExitCode maps the error kind to the CLI exit-code convention:
// invalid usage/input validation is 2, everything else is 1.
func (e *Error) ExitCode() int {
	switch e.Kind {
	case KindPackageRejected, KindUnsupported, KindInvalidInput:
		return 2
	default:
		return 1
	}
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// PackageRejected reports an input package failing a precondition: a
// missing lockfile, an unpinned version, a bad hash, an invalid sdist.
func PackageRejected(format string, args ...any) *Error { return newf(KindPackageRejected, format, args...) }

// Unsupported reports a deliberately unimplemented feature: an unknown VCS
// scheme, file:// in pip, lockfile-version 4+, a non-git repo remote.
func Unsupported(format string, args ...any) *Error { return newf(KindUnsupported, format, args...) }

// PackageManager reports a required subprocess failing or returning
// malformed data.
func PackageManager(format string, args ...any) *Error { return newf(KindPackageManager, format, args...) }

// Fetch reports a network-level failure after retries are exhausted.
func Fetch(format string, args ...any) *Error { return newf(KindFetch, format, args...) }

// UnexpectedFormat reports an input that parses but violates the format's
// documented grammar.
func UnexpectedFormat(format string, args ...any) *Error { return newf(KindUnexpectedFormat, format, args...) }

// InvalidInput reports CLI or config input failing schema validation.
func InvalidInput(format string, args ...any) *Error { return newf(KindInvalidInput, format, args...) }

// WithSolution attaches a one-line actionable hint.
func (e *Error) WithSolution(solution string) *Error {
	e.Solution = solution
	return e
}

// WithDocs attaches a docs URL.
func (e *Error) WithDocs(docs string) *Error {
	e.Docs = docs
	return e
}

// WithCause attaches the underlying error for Unwrap/errors.Is chains.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}
