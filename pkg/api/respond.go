package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/cuemby/bay/pkg/bayerr"
	"github.com/cuemby/bay/pkg/log"
)

func unauthorized(msg string) *bayerr.Error { return bayerr.Unauthorized(msg) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// errorEnvelope is the wire shape of every error response (§7).
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// writeError shapes any error into {error:{code,message,details,request_id}}
// per §7.1. A bare (non-*bayerr.Error) error is logged and never lets its
// message reach the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := requestIDFrom(r.Context())

	be, ok := bayerr.As(err)
	if !ok {
		log.WithComponent("api").Error().Err(err).Str("request_id", requestID).Msg("unhandled error")
		be = bayerr.Internal("an internal error occurred")
	}

	writeJSON(w, be.HTTPStatus, errorEnvelope{Error: errorBody{
		Code:      be.Code,
		Message:   be.Message,
		Details:   be.Details,
		RequestID: requestID,
	}})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil // empty body: leave v at its zero value
		}
		return bayerr.Validation("invalid request body").Wrap(err)
	}
	return nil
}
