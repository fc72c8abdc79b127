// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package docdb

import "fmt"

// errKind is the error taxonomy the Adapter implementations map their
// failures onto. HTTP status codes, the in-memory adapter's conditions, and
// the embedded adapter's open, read, and per-document write failures all
// funnel into one of these so callers can use the Is* helpers regardless of
// which backend is in play. The embedded adapter returns bbolt's own error
// unchanged when a local-doc, attachment, or meta-table write or a
// transaction commit fails, and the encoding/json error when a stored local
// doc does not decode; the Is* predicates report false for those.
type errKind int

const (
	kindNotFound errKind = iota
	kindConflict
	kindBadRequest
	kindUnauthorized
	kindForbidden
	kindInvalidRev
	kindMissingID
	kindDatabaseExists
	kindDatabaseError
	kindIO
	kindJSON
)

// Err is the concrete error type the Adapter implementations and Database
// use for taxonomy failures. Reason carries a human-readable detail; Kind is what the Is*
// predicates below inspect.
type Err struct {
	Kind   errKind
	Reason string
}

func (e *Err) Error() string {
	if e.Reason == "" {
		return e.label()
	}
	return fmt.Sprintf("%s: %s", e.label(), e.Reason)
}

func (e *Err) label() string {
	switch e.Kind {
	case kindNotFound:
		return "not_found"
	case kindConflict:
		return "conflict"
	case kindBadRequest:
		return "bad_request"
	case kindUnauthorized:
		return "unauthorized"
	case kindForbidden:
		return "forbidden"
	case kindInvalidRev:
		return "invalid_rev"
	case kindMissingID:
		return "missing_id"
	case kindDatabaseExists:
		return "database_exists"
	case kindDatabaseError:
		return "database_error"
	case kindIO:
		return "io_error"
	case kindJSON:
		return "json_error"
	default:
		return "error"
	}
}

func newErr(kind errKind, format string, a ...any) error {
	return &Err{Kind: kind, Reason: fmt.Sprintf(format, a...)}
}

func ErrNotFound(format string, a ...any) error       { return newErr(kindNotFound, format, a...) }
func ErrConflict(format string, a ...any) error       { return newErr(kindConflict, format, a...) }
func ErrBadRequest(format string, a ...any) error     { return newErr(kindBadRequest, format, a...) }
func ErrUnauthorized(format string, a ...any) error   { return newErr(kindUnauthorized, format, a...) }
func ErrForbidden(format string, a ...any) error      { return newErr(kindForbidden, format, a...) }
func ErrInvalidRev(format string, a ...any) error     { return newErr(kindInvalidRev, format, a...) }
func ErrMissingID(format string, a ...any) error      { return newErr(kindMissingID, format, a...) }
func ErrDatabaseExists(format string, a ...any) error { return newErr(kindDatabaseExists, format, a...) }
func ErrDatabaseError(format string, a ...any) error  { return newErr(kindDatabaseError, format, a...) }
func ErrIO(format string, a ...any) error             { return newErr(kindIO, format, a...) }
func ErrJSON(format string, a ...any) error           { return newErr(kindJSON, format, a...) }

func kindOf(err error) (errKind, bool) {
	if err == nil {
		return 0, false
	}
	e, ok := err.(*Err)
	if !ok {
		return 0, false
	}
	return e.Kind, true
}

func IsNotFound(err error) bool       { k, ok := kindOf(err); return ok && k == kindNotFound }
func IsConflict(err error) bool       { k, ok := kindOf(err); return ok && k == kindConflict }
func IsBadRequest(err error) bool     { k, ok := kindOf(err); return ok && k == kindBadRequest }
func IsUnauthorized(err error) bool   { k, ok := kindOf(err); return ok && k == kindUnauthorized }
func IsForbidden(err error) bool      { k, ok := kindOf(err); return ok && k == kindForbidden }
func IsInvalidRev(err error) bool     { k, ok := kindOf(err); return ok && k == kindInvalidRev }
func IsMissingID(err error) bool      { k, ok := kindOf(err); return ok && k == kindMissingID }
func IsDatabaseExists(err error) bool { k, ok := kindOf(err); return ok && k == kindDatabaseExists }
func IsDatabaseError(err error) bool  { k, ok := kindOf(err); return ok && k == kindDatabaseError }
func IsIOError(err error) bool        { k, ok := kindOf(err); return ok && k == kindIO }
func IsJSONError(err error) bool      { k, ok := kindOf(err); return ok && k == kindJSON }
