package orchestrator

import (
	"fmt"
	"net/http"

	"github.com/livechat/internal/credentials"
)

// User-facing messages for locally decided outcomes
const (
	MsgAborted      = "Generation aborted"
	MsgRateLimited  = "You have reached the daily limit of requests. Please try again tomorrow or Use your own API key."
	MsgGenericError = "Something went wrong. Please try again."
)

// MissingCredentialError is returned by Submit when the chat mode needs a
// credential that is not available under the current policy
type MissingCredentialError struct {
	Kind credentials.Kind
	Mode string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("%s is required to use %s", e.Kind.DisplayName(), e.Mode)
}

// HTTPError is a non-200 response from the completion server
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
}

// RateLimited reports whether the server refused the request for quota reasons
func (e *HTTPError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}
