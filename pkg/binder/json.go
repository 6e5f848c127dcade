package binder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// DefaultMaxJSONSize is the default maximum size for JSON request bodies (1MB).
const DefaultMaxJSONSize = 1 << 20

// JSON creates a JSON body binder. Unknown fields are ignored so older and
// newer clients can share an endpoint; trailing data after the object is not.
//
// Example:
//
//	r.Post("/cancel-subscription", handler.Wrap(h,
//		handler.WithBinders[CancelRequest](binder.JSON()),
//	))
func JSON() func(r *http.Request, v any) error {
	return JSONWithLimit(DefaultMaxJSONSize)
}

// JSONWithLimit is JSON with a custom body size cap in bytes.
func JSONWithLimit(limit int64) func(r *http.Request, v any) error {
	return func(r *http.Request, v any) error {
		if err := r.Context().Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrFailedToParseJSON, err)
		}

		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			return fmt.Errorf("%w: expected application/json", ErrMissingContentType)
		}
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			return fmt.Errorf("%w: got %s, expected application/json", ErrUnsupportedMediaType, contentType)
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			return fmt.Errorf("%w: failed to read request body: %v", ErrFailedToParseJSON, err)
		}
		if int64(len(body)) > limit {
			return fmt.Errorf("%w: max %d bytes", ErrBodyTooLarge, limit)
		}

		decoder := json.NewDecoder(bytes.NewReader(body))
		if err := decoder.Decode(v); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: empty body", ErrFailedToParseJSON)
			}
			return fmt.Errorf("%w: %v", ErrFailedToParseJSON, err)
		}

		var extra json.RawMessage
		if err := decoder.Decode(&extra); !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: unexpected data after JSON object", ErrFailedToParseJSON)
		}
		return nil
	}
}
