package whitebit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"position-manager/internal/core"
)

// ErrReadOnly is returned for private endpoints when the client was built
// without credentials. It carries core.ErrUnauthorized so the trade breaker
// trips on the first write attempt.
var ErrReadOnly = fmt.Errorf("whitebit client is read-only (no credentials): %w", core.ErrUnauthorized)

// classifyAPIError joins the raw API error with sentinel kinds the engine
// branches on. Transport-level status codes decide transience; message text
// covers the business rejections the API reports with generic codes.
func classifyAPIError(apiErr APIError) error {
	kinds := make([]error, 0, 2)

	switch {
	case apiErr.Status == http.StatusTooManyRequests:
		kinds = append(kinds, core.ErrRateLimited)
	case apiErr.Status >= 500:
		kinds = append(kinds, core.ErrExchangeUnavailable)
	case apiErr.Status == http.StatusUnauthorized, apiErr.Status == http.StatusForbidden:
		kinds = append(kinds, core.ErrUnauthorized)
	}

	msg := strings.ToLower(apiErr.Message)
	for _, fieldErrs := range apiErr.Errors {
		for _, e := range fieldErrs {
			msg += " " + strings.ToLower(e)
		}
	}
	switch {
	case strings.Contains(msg, "balance"):
		kinds = appendKind(kinds, core.ErrInsufficientBalance)
	case strings.Contains(msg, "order not found"), strings.Contains(msg, "unexecuted order was not found"):
		kinds = appendKind(kinds, core.ErrOrderNotFound)
	case strings.Contains(msg, "market is not available"), strings.Contains(msg, "market not found"):
		kinds = appendKind(kinds, core.ErrMarketNotFound)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"), strings.Contains(msg, "nonce"):
		kinds = appendKind(kinds, core.ErrUnauthorized)
	case apiErr.Status == http.StatusUnprocessableEntity:
		kinds = appendKind(kinds, core.ErrOrderRejected)
	}

	if len(kinds) == 0 {
		return apiErr
	}
	return errors.Join(append([]error{apiErr}, kinds...)...)
}

func appendKind(kinds []error, kind error) []error {
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if err == nil || !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
