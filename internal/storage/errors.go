package storage

import (
	"errors"
	"net/http"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/retry"
)

// Error is a store failure that retrying cannot fix.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string   { return e.Msg }
func (e *Error) StatusCode() int { return e.Code }

var (
	ErrNotFound         = &Error{Code: http.StatusNotFound, Msg: "record not found"}
	ErrAlreadyExists    = &Error{Code: http.StatusConflict, Msg: "record already exists"}
	ErrPermissionDenied = &Error{Code: http.StatusForbidden, Msg: "permission denied"}
)

// Postgres SQLSTATE codes that are never transient.
const (
	pqUniqueViolation       = "23505"
	pqInsufficientPrivilege = "42501"
	pqCheckViolation        = "23514"
)

// IsRetryable extends retry.DefaultRetryable with the store's own
// permanent failures.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNotFound) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation, pqInsufficientPrivilege, pqCheckViolation:
			return false
		}
	}
	return retry.DefaultRetryable(err)
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return errors.Join(ErrAlreadyExists, err)
		case pqInsufficientPrivilege:
			return errors.Join(ErrPermissionDenied, err)
		}
	}
	return err
}
