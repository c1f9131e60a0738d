package connect

import "errors"

var (
	// ErrInvalidClient indicates the client_id is not provisioned.
	ErrInvalidClient = errors.New("connect.invalid_client")
	// ErrUnauthorizedRedirect indicates the redirect URI is not on the
	// client's allow-list. Checked before authentication so an unregistered
	// redirect cannot even probe login state.
	ErrUnauthorizedRedirect = errors.New("connect.unauthorized_redirect")
	// ErrNeedsLogin is a control-flow signal, not a failure: the request is
	// valid but no authenticated principal is present, so the caller should
	// run an interactive login and retry the same request.
	ErrNeedsLogin = errors.New("connect.needs_login")
	// ErrUnsupportedResponseType indicates a response_type other than "code".
	ErrUnsupportedResponseType = errors.New("connect.unsupported_response_type")
	// ErrInvalidClientCredentials indicates the client secret check failed.
	ErrInvalidClientCredentials = errors.New("connect.invalid_client_credentials")
	// ErrInvalidOrExpiredCode covers codes that never existed, expired, or
	// were already redeemed. The cases are indistinguishable by design.
	ErrInvalidOrExpiredCode = errors.New("connect.invalid_or_expired_code")
	// ErrCodeBindingMismatch indicates the code was issued to a different
	// client or redirect URI than the one redeeming it.
	ErrCodeBindingMismatch = errors.New("connect.code_binding_mismatch")
	// ErrTemporaryUnavailable indicates a store or cache timeout. Retrying is
	// sensible; the definitive errors above are not retryable.
	ErrTemporaryUnavailable = errors.New("connect.temporary_unavailable")
)

// OAuth 2.0 wire error codes used in HTTP responses.
const (
	WireErrorInvalidRequest       = "invalid_request"
	WireErrorInvalidClient        = "invalid_client"
	WireErrorInvalidGrant         = "invalid_grant"
	WireErrorUnauthorizedClient   = "unauthorized_client"
	WireErrorUnsupportedGrantType = "unsupported_grant_type"
	WireErrorServerError          = "server_error"
	WireErrorTemporarilyUnavail   = "temporarily_unavailable"
)
