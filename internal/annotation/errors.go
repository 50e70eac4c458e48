package annotation

import (
	"errors"
	"fmt"

	"cellucid/annotation/internal/rbac"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
)

// ValidationError rejects malformed input. Unknown ids are validation errors
// with NotFound set so transports can tell them apart.
type ValidationError struct {
	Field    string
	Message  string
	NotFound bool
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + " " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.NotFound && target == ErrNotFound)
}

// AuthorizationError rejects a caller lacking the required role or ownership.
type AuthorizationError struct {
	User    string
	Action  rbac.Action
	Message string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s may not %s: %s", displayUser(e.User), e.Action, e.Message)
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrForbidden
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func notFound(field, id string) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("%q does not exist", id), NotFound: true}
}

func forbidden(actor Actor, action rbac.Action, message string) *AuthorizationError {
	return &AuthorizationError{User: actor.Username, Action: action, Message: message}
}

func displayUser(user string) string {
	if user == "" {
		return "anonymous user"
	}
	return user
}
