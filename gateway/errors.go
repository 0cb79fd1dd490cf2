package gateway

import (
	"errors"

	"tradegate/internal/order"
	"tradegate/internal/ratelimit"
	"tradegate/internal/rest"
	"tradegate/internal/risk"
	"tradegate/internal/signing"
	"tradegate/internal/stream"
)

// Errors callers can match with errors.Is.
var (
	ErrInvalidCredentials = signing.ErrInvalidCredentials
	ErrRateLimited        = ratelimit.ErrRateLimited
	ErrRiskLimitExceeded  = risk.ErrRiskLimitExceeded
	ErrConnectionLost     = stream.ErrConnectionLost
	ErrAmbiguous          = rest.ErrAmbiguous
	ErrNoReferencePrice   = order.ErrNoReferencePrice
	ErrUnknownOrder       = order.ErrUnknownOrder
	ErrDuplicateOrder     = order.ErrDuplicateOrder
	ErrTestUnsupported    = order.ErrTestUnsupported

	ErrClosed   = errors.New("gateway closed")
	ErrNotPaper = errors.New("operation requires the paper environment")
	ErrLiveOnly = errors.New("operation requires a live environment")
)

// Typed errors callers can match with errors.As.
type (
	APIError            = rest.APIError
	ProtocolError       = rest.ProtocolError
	RateLimitedError    = rest.RateLimitedError
	OrderError          = order.OrderError
	AmbiguousOrderError = order.AmbiguousOrderError
	RiskLimitError      = risk.LimitError
)
