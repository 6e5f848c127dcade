package binder

import "errors"

// Common binding errors
var (
	ErrNotApplicable        = errors.New("binder not applicable to request")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrMissingContentType   = errors.New("missing content type")
	ErrBodyTooLarge         = errors.New("request body too large")
	ErrFailedToParseJSON    = errors.New("failed to parse JSON request body")
	ErrFailedToParsePath    = errors.New("failed to parse path parameters")
)
