// Package push delivers notifications through the push gateway using OAuth access tokens
// minted from a service account.
package push

import "errors"

var (
	ErrCredentialUnavailable = errors.New("push: credential unavailable")
	ErrRefreshFailure        = errors.New("push: access token refresh failed")
	ErrTargetTokenInvalid    = errors.New("push: target token invalid")
	ErrUnauthorized          = errors.New("push: unauthorized")
	ErrTransient             = errors.New("push: transient failure")
)
