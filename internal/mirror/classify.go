package mirror

import (
	"errors"
	"strings"

	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/model"
)

// ClassifyErr maps a per-account buy failure to a stable reason.
func ClassifyErr(err error) model.FailureReason {
	if err == nil {
		return model.ReasonNone
	}
	var apiErr *deriv.APIError
	if !errors.As(err, &apiErr) {
		return model.ReasonNetwork
	}

	switch apiErr.Code {
	case "InvalidToken", "AuthorizationRequired", "InvalidAppID", "PermissionDenied":
		return model.ReasonInvalidToken
	case "InsufficientBalance":
		return model.ReasonInsufficientBalance
	case "MarketIsClosed", "TradingIsDisabled", "OfferingsValidationError":
		if apiErr.Code == "OfferingsValidationError" && !strings.Contains(strings.ToLower(apiErr.Message), "closed") {
			return model.ReasonRejected
		}
		return model.ReasonMarketClosed
	}

	l := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(l, "token"):
		return model.ReasonInvalidToken
	case strings.Contains(l, "insufficient"):
		return model.ReasonInsufficientBalance
	case strings.Contains(l, "market is") && strings.Contains(l, "closed"):
		return model.ReasonMarketClosed
	default:
		return model.ReasonRejected
	}
}
