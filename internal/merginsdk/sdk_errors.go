package merginsdk

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
)

// ErrorKind classifies request failures so callers can branch on them
// without inspecting HTTP status codes.
type ErrorKind string

const (
	KindAuthRequired    ErrorKind = "auth_required"    // no or expired token
	KindAuthFailed      ErrorKind = "auth_failed"      // bad credentials
	KindNotFound        ErrorKind = "not_found"        // project gone server-side
	KindVersionMismatch ErrorKind = "version_mismatch" // push raced a concurrent push
	KindNetwork         ErrorKind = "network"          // transport error or timeout, retryable
	KindServerError     ErrorKind = "server_error"     // 5xx, retryable
	KindRequestError    ErrorKind = "request_error"    // other 4xx
)

var (
	ErrNoAuthToken = errors.New("mergin: no auth token")
)

// ClientError is a failed API call with the parsed server detail message.
type ClientError struct {
	Kind   ErrorKind
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mergin: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("mergin: %s: %s (%d): %s", e.Op, e.Kind, e.Status, e.Detail)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Kind returns the classification of err, or "" when err is not a ClientError.
func Kind(err error) ErrorKind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func IsNotFound(err error) bool        { return Kind(err) == KindNotFound }
func IsVersionMismatch(err error) bool { return Kind(err) == KindVersionMismatch }
func IsAuthError(err error) bool {
	k := Kind(err)
	return k == KindAuthRequired || k == KindAuthFailed
}

// Retryable reports whether the failure is transient per the retry policy
// (transport errors, timeouts and 5xx responses).
func Retryable(err error) bool {
	k := Kind(err)
	return k == KindNetwork || k == KindServerError
}

func kindFromStatus(status int) ErrorKind {
	switch {
	case status == 401:
		return KindAuthRequired
	case status == 403:
		return KindAuthFailed
	case status == 404:
		return KindNotFound
	case status == 409:
		return KindVersionMismatch
	case status >= 500:
		return KindServerError
	default:
		return KindRequestError
	}
}

// extractServerError pulls the `detail` field out of an error response body.
// When the body is not JSON or has no detail, the raw body is returned.
func extractServerError(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return string(body)
}

// handleAPIError converts a response/transport error pair into a ClientError.
// Returns nil when the request succeeded.
func handleAPIError(resp *req.Response, requestErr error, op string) error {
	if requestErr != nil {
		return &ClientError{Kind: KindNetwork, Op: op, Err: requestErr}
	}

	if resp.IsErrorState() {
		body := []byte(resp.String())
		return &ClientError{
			Kind:   kindFromStatus(resp.GetStatusCode()),
			Op:     op,
			Status: resp.GetStatusCode(),
			Detail: extractServerError(body),
		}
	}

	return nil
}
