package chatwire

import "fmt"

// APIError is the error body returned by the REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// AuthError means the bearer credential is missing, expired, or rejected.
// Callers should treat it as a signal to re-authenticate.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

// NetworkError is a transport-level failure (dial, timeout, connection drop).
// Transient; retry with backoff or fall back to polling.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// FetchError is a failed REST read. The store that issued it keeps its
// last-known state.
type FetchError struct {
	Path string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError is a locally rejected input; nothing was sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ServerRejection is a non-2xx REST response with a decoded error body.
// State is not mutated when one is returned.
type ServerRejection struct {
	Status int
	API    *APIError
}

func (e *ServerRejection) Error() string {
	if e.API != nil {
		return fmt.Sprintf("server rejected (%d): %s", e.Status, e.API.Error())
	}
	return fmt.Sprintf("server rejected (%d)", e.Status)
}

func (e *ServerRejection) Unwrap() error {
	if e.API == nil {
		return nil
	}
	return e.API
}

// duplicateCodes are server rejections that read as "already done" and must be
// reported as informational outcomes, not hard failures.
var duplicateCodes = map[string]bool{
	"ALREADY_EXISTS":       true,
	"ALREADY_MEMBER":       true,
	"DUPLICATE_REQUEST":    true,
	"REQUEST_ALREADY_SENT": true,
}

func isDuplicateRejection(err *APIError) bool {
	return err != nil && duplicateCodes[err.Code]
}
