package credstore

import "errors"

var (
	// ErrDuplicateUser indicates a registration collided with an existing
	// account holding the same normalized email.
	ErrDuplicateUser = errors.New("credstore.duplicate_user")
	// ErrUserNotFound indicates no row matched the lookup.
	ErrUserNotFound = errors.New("credstore.user_not_found")
	// ErrInvalidCredentials covers wrong password, unknown email, and
	// password-less (social-only) accounts alike, so callers cannot enumerate
	// which of the three happened.
	ErrInvalidCredentials = errors.New("credstore.invalid_credentials")
	// ErrClientNotFound indicates no client registration matched the id.
	ErrClientNotFound = errors.New("credstore.client_not_found")
	// ErrEmailRequired indicates a registration without an email address.
	ErrEmailRequired = errors.New("credstore.email_required")
	// ErrUnsupportedDialect indicates no GORM dialector matches the URL scheme.
	ErrUnsupportedDialect = errors.New("credstore.unsupported_dialect")
)
