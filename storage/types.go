package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Preference names used by the client.
const (
	PrefSharedKey       = "AES_KEY"
	PrefSessionToken    = "session_token"
	PrefAccessToken     = "fcm_token"
	PrefTokenExpiration = "token_expiration"
	PrefUserID          = "userID"
	PrefName            = "name"
	PrefEmail           = "email"
	PrefDeviceToken     = "device_fcm_token"
	PrefSignedIn        = "isSignedIn"
	PrefCredential      = "auth_credential"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// RateLimitState is the persisted counter for one identity and action.
type RateLimitState struct {
	Identity    string
	Action      string
	WindowStart int64
	Count       int
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID          int64
	EventType   string
	Identity    *string
	Counterpart *string
	Details     string
	Severity    string
	Timestamp   int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	Identity      string
	Counterpart   string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func validateRateLimitKey(identity, action string) error {
	if identity == "" {
		return errors.New("rate limit identity is required")
	}
	if action == "" {
		return errors.New("rate limit action is required")
	}
	return nil
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
