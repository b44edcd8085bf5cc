package database

import (
	"errors"
	"regexp"
	"strings"

	"modernc.org/sqlite"
)

var (
	ErrForeignKey      = errors.New("foreign key constraint failed")
	ErrUniqueViolation = errors.New("unique constraint violated")
	ErrNotNull         = errors.New("not null constraint failed")
	ErrCheckConstraint = errors.New("check constraint failed")
	ErrConstraint      = errors.New("constraint failed")
)

// SQLite extended result codes for constraint violations. Anything in this
// set surfaces to clients as a bad request; other SQLite failures are
// internal.
const (
	codeConstraint           = 19
	codeConstraintCheck      = 275
	codeConstraintCommitHook = 531
	codeConstraintForeignKey = 787
	codeConstraintFunction   = 1043
	codeConstraintNotNull    = 1299
	codeConstraintPrimaryKey = 1555
	codeConstraintTrigger    = 1811
	codeConstraintUnique     = 2067
	codeConstraintRowID      = 2579
	codeConstraintDataType   = 3091
)

// ConstraintError is a classified SQLite constraint violation.
type ConstraintError struct {
	Type    string
	Table   string
	Column  string
	Message string
	Cause   error
}

func (e *ConstraintError) Error() string {
	return e.Message
}

func (e *ConstraintError) Unwrap() error {
	return e.Cause
}

var (
	uniquePattern  = regexp.MustCompile(`UNIQUE constraint failed: ([^\s]+)`)
	notNullPattern = regexp.MustCompile(`NOT NULL constraint failed: ([^\s]+)`)
)

// ClassifyError maps SQLite constraint failures to *ConstraintError so the
// HTTP layer can answer 400 with a short tag. Everything else passes
// through untouched and surfaces as internal.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		if ce := classifyCode(se.Code(), err); ce != nil {
			return ce
		}
		return err
	}

	// Fallback on the message for errors that lost their code in wrapping.
	if strings.Contains(err.Error(), "constraint failed") {
		return classifyMessage(err)
	}
	return err
}

func classifyCode(code int, cause error) *ConstraintError {
	switch code {
	case codeConstraintForeignKey:
		return &ConstraintError{Type: "foreign_key", Cause: ErrForeignKey, Message: "db constraint: foreign key"}
	case codeConstraintUnique, codeConstraintPrimaryKey, codeConstraintRowID:
		return withColumns(&ConstraintError{Type: "unique", Cause: ErrUniqueViolation, Message: "db constraint: unique"}, cause, uniquePattern)
	case codeConstraintNotNull:
		return withColumns(&ConstraintError{Type: "not_null", Cause: ErrNotNull, Message: "db constraint: not null"}, cause, notNullPattern)
	case codeConstraintCheck, codeConstraintFunction, codeConstraintDataType:
		return &ConstraintError{Type: "check", Cause: ErrCheckConstraint, Message: "db constraint: check"}
	case codeConstraint, codeConstraintCommitHook, codeConstraintTrigger:
		return &ConstraintError{Type: "constraint", Cause: ErrConstraint, Message: "db constraint"}
	default:
		if code%256 == codeConstraint {
			return &ConstraintError{Type: "constraint", Cause: ErrConstraint, Message: "db constraint"}
		}
		return nil
	}
}

func classifyMessage(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return &ConstraintError{Type: "foreign_key", Cause: ErrForeignKey, Message: "db constraint: foreign key"}
	case uniquePattern.MatchString(msg):
		return withColumns(&ConstraintError{Type: "unique", Cause: ErrUniqueViolation, Message: "db constraint: unique"}, err, uniquePattern)
	case notNullPattern.MatchString(msg):
		return withColumns(&ConstraintError{Type: "not_null", Cause: ErrNotNull, Message: "db constraint: not null"}, err, notNullPattern)
	case strings.Contains(msg, "CHECK constraint failed"):
		return &ConstraintError{Type: "check", Cause: ErrCheckConstraint, Message: "db constraint: check"}
	default:
		return &ConstraintError{Type: "constraint", Cause: ErrConstraint, Message: "db constraint"}
	}
}

func withColumns(ce *ConstraintError, cause error, pattern *regexp.Regexp) *ConstraintError {
	if matches := pattern.FindStringSubmatch(cause.Error()); len(matches) == 2 {
		parts := strings.Split(matches[1], ".")
		if len(parts) == 2 {
			ce.Table = parts[0]
			ce.Column = parts[1]
		}
	}
	return ce
}

// IsConstraintError reports whether err is a classified constraint failure.
func IsConstraintError(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// AsConstraintError unwraps err to a *ConstraintError if possible.
func AsConstraintError(err error) *ConstraintError {
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
