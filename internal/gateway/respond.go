package gateway

import (
	"encoding/json"
	"net/http"

	"keyfront/internal/errx"
)

// writeJSON writes a success envelope: {success: true, data: v}.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-keyfront-trace-id", traceIDFrom(r.Context()))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errx.Envelope{Success: true, Data: v})
}

// writeError writes an error envelope, stamping the request's trace ID
// onto the error (spec §7 propagation policy) whether or not err is an
// *errx.Error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := errx.As(err)
	if !ok {
		e = errx.Keyfront.Wrap(errx.InternalError, err)
	}
	e = e.WithTraceID(traceIDFrom(r.Context()))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-keyfront-trace-id", e.TraceID)
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errx.Envelope{Success: false, Error: e})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errx.Keyfront.New(errx.ValidationFailed).WithDetail("reason", "missing body")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errx.Keyfront.NewWithMessage(errx.ValidationFailed, "malformed JSON body")
	}
	return nil
}
