package caldav

import (
	"errors"
	"fmt"
	"strings"
)

// AuthError means the server rejected the source's credentials. The
// source is unusable until the process restarts with fixed credentials.
type AuthError struct {
	Source string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("caldav %s: authentication failed: %v", e.Source, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// DiscoveryError means listing the calendar collections failed and no
// previously discovered set is available to fall back on.
type DiscoveryError struct {
	Source string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("caldav %s: collection discovery failed: %v", e.Source, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// FetchError means every collection of the source failed to answer the
// event query. Single-collection failures degrade to partial results
// and never surface as FetchError.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("caldav %s: fetch failed: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// isUnauthorized sniffs the HTTP status out of a go-webdav client error.
// The client surfaces non-2xx responses as formatted errors rather than
// a typed status, so the status code is matched textually.
func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized")
}
