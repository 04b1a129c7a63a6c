package session

import (
	"errors"
)

var ErrNoIdentity = errors.New("backend did not report who is logged in")

// AuthError is returned by Login and Register. Its message is what the
// backend said, ready to be shown to the user.
type AuthError struct {
	Message string
	// Status is the HTTP status of the rejection, 0 for transport failures.
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

type statusCoder interface {
	StatusCode() int
}

func newAuthError(err error) *AuthError {
	authErr := &AuthError{Message: err.Error(), Err: err}
	var sc statusCoder
	if errors.As(err, &sc) {
		authErr.Status = sc.StatusCode()
	}
	return authErr
}
