// Package pkg holds utilities shared across the relay.
// This file defines the domain-level sentinel errors.
//
// Services wrap these with fmt.Errorf("%w: ...") and callers match them
// with errors.Is, never by comparing strings:
//
//	if errors.Is(err, pkg.ErrNotFound) { ... }
package pkg

import "errors"

// Domain-level errors.
// The relay dispatcher maps them to an ack kind and a localized message
// (see PublicError); the wrapped detail is only ever logged.
var (
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrBadRequest  = errors.New("bad request")
	ErrCapacity    = errors.New("capacity reached")
	ErrBanned      = errors.New("banned")
	ErrRateLimited = errors.New("rate limited")
	ErrInternal    = errors.New("internal error")
)

// Error kinds reported to clients in ack payloads.
const (
	KindValidation   = "validation"
	KindUnauthorized = "unauthorized"
	KindCapacity     = "capacity"
	KindNotFound     = "not_found"
	KindBanned       = "banned"
	KindRateLimited  = "rate_limited"
	KindInternal     = "internal"
)

// PublicError maps an error to the kind and i18n key that may be shown to
// a client. Unknown errors collapse to KindInternal so nothing from the
// error chain leaks.
//
// Unknown and malformed session codes both arrive as ErrNotFound and share
// one key.
func PublicError(err error) (kind, key string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return KindValidation, "errors.validation"
	case errors.Is(err, ErrForbidden):
		return KindUnauthorized, "errors.unauthorized"
	case errors.Is(err, ErrCapacity):
		return KindCapacity, "errors.capacity"
	case errors.Is(err, ErrNotFound):
		return KindNotFound, "errors.sessionUnavailable"
	case errors.Is(err, ErrBanned):
		return KindBanned, "errors.banned"
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited, "errors.rateLimited"
	default:
		return KindInternal, "errors.internal"
	}
}
