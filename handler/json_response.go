package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// ErrorBody is the failure envelope written for every error response.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type jsonResponse struct {
	status   int
	body     any
	envelope bool
}

func (j jsonResponse) Render(w http.ResponseWriter, r *http.Request) error {
	payload, err := json.Marshal(j.body)
	if err != nil {
		return err
	}
	if j.envelope {
		payload = withSuccess(payload)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(j.status)
	_, err = w.Write(append(payload, '\n'))
	return err
}

// withSuccess merges "success":true into a JSON object. Non-object payloads
// are nested under "data".
func withSuccess(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	switch {
	case bytes.Equal(trimmed, []byte("null")), bytes.Equal(trimmed, []byte("{}")):
		return []byte(`{"success":true}`)
	case len(trimmed) > 0 && trimmed[0] == '{':
		out := make([]byte, 0, len(trimmed)+16)
		out = append(out, `{"success":true,`...)
		return append(out, trimmed[1:]...)
	default:
		out := make([]byte, 0, len(trimmed)+26)
		out = append(out, `{"success":true,"data":`...)
		out = append(out, trimmed...)
		return append(out, '}')
	}
}

// JSONOption configures a JSON response.
type JSONOption func(*jsonResponse)

// WithJSONStatus sets a custom HTTP status code.
func WithJSONStatus(status int) JSONOption {
	return func(r *jsonResponse) {
		r.status = status
	}
}

// WithoutEnvelope writes v as is, without the success flag.
func WithoutEnvelope() JSONOption {
	return func(r *jsonResponse) {
		r.envelope = false
	}
}

// JSON renders v as a JSON object with "success":true merged into it.
//
// Example:
//
//	return handler.JSON(struct {
//		Tiers []TierView `json:"tiers"`
//	}{tiers})
//	// {"success":true,"tiers":[...]}
func JSON(v any, opts ...JSONOption) Response {
	r := &jsonResponse{status: http.StatusOK, body: v, envelope: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// errorResponse defers to the configured ErrorHandler when returned through
// Wrap, so every failure is classified and logged in one place.
type errorResponse struct {
	err error
}

// Render is used only outside Wrap; it classifies HTTPError values and
// treats anything else as an internal error.
func (e errorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return writeError(w, classify(e.err, nil))
}

// Error returns a Response that reports err through the ErrorHandler.
func Error(err error) Response {
	if err == nil {
		err = ErrInternalServerError
	}
	return errorResponse{err: err}
}

func writeError(w http.ResponseWriter, he HTTPError) error {
	payload, err := json.Marshal(ErrorBody{Error: he.Key, Message: he.text()})
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(he.Code)
	_, err = w.Write(append(payload, '\n'))
	return err
}
