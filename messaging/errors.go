package messaging

import "errors"

var (
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrWeakPassword     = errors.New("password needs at least 8 characters with a letter and a digit")
	ErrEmailNotVerified = errors.New("email address not verified")
	ErrAccountNotFound  = errors.New("account record not found")
	ErrAlreadySignedIn  = errors.New("already signed in")
	ErrNotSignedIn      = errors.New("not signed in")
)
