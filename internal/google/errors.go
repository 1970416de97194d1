package google

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// Sentinel errors for the remote failure modes the engine reacts to.
// Anything else is treated as transient and propagated as a failed pass.
var (
	// ErrSyncTokenExpired means the presented sync token was rejected (HTTP
	// 410). The caller must clear the stored token and fall back to a full
	// sync; retrying with the same token will never succeed.
	ErrSyncTokenExpired = errors.New("sync token expired")

	// ErrNotFound means the calendar or watched resource is gone or access
	// was revoked (HTTP 404).
	ErrNotFound = errors.New("remote resource not found")

	// ErrUnauthorized means the access credential was rejected (HTTP 401).
	// Credential refresh happens in the client factory on the next attempt.
	ErrUnauthorized = errors.New("remote credential unauthorized")
)

func translateAPIError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusGone:
			return fmt.Errorf("%w: %s", ErrSyncTokenExpired, apiErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		}
	}
	return err
}
