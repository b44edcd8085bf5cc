package records

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/watzon/quarry/internal/database"
	"github.com/watzon/quarry/internal/rules"
)

// Error is the record-API error taxonomy surfaced through HTTP.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

type ErrorKind int

const (
	// KindAPINotFound: no record API with that name is configured.
	KindAPINotFound ErrorKind = iota
	// KindAPIRequiresTable: the operation needs a table, the API binds a view.
	KindAPIRequiresTable
	// KindRecordNotFound: the addressed record does not exist.
	KindRecordNotFound
	// KindForbidden: ACL or access rule denied the request.
	KindForbidden
	// KindBadRequest: malformed input or a constraint violation.
	KindBadRequest
	// KindInternal: everything else.
	KindInternal
)

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status maps the error kind to its HTTP status.
func (e *Error) Status() int {
	switch e.Kind {
	case KindAPINotFound, KindAPIRequiresTable:
		return http.StatusMethodNotAllowed
	case KindRecordNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errAPINotFound(name string) *Error {
	return &Error{Kind: KindAPINotFound, Message: fmt.Sprintf("record API %q not found", name)}
}

func errRequiresTable(name string) *Error {
	return &Error{Kind: KindAPIRequiresTable, Message: fmt.Sprintf("record API %q requires a table", name)}
}

func errRecordNotFound() *Error {
	return &Error{Kind: KindRecordNotFound, Message: "record not found"}
}

func errForbidden() *Error {
	return &Error{Kind: KindForbidden, Message: "forbidden"}
}

func errBadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func errInternal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Cause: cause}
}

// wrapDBError folds database failures into the taxonomy: constraint
// violations are the caller's fault, everything else is internal. Rule
// denials map to forbidden so evaluation failures never leak.
func wrapDBError(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, rules.ErrAccessDenied) {
		return errForbidden()
	}

	if ce := database.AsConstraintError(err); ce != nil {
		return &Error{Kind: KindBadRequest, Message: ce.Message, Cause: ce}
	}

	return errInternal(err)
}
