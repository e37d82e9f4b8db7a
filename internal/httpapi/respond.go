package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
)

// errorBody is the JSON form of every error response.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and wire code. 5xx errors are logged with the cause;
// the body only carries the message.
func writeError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	status := perr.HTTPStatus(err)
	wire := perr.WireFrom(err)
	reqID := middleware.GetReqID(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("requestId", reqID).Str("path", r.URL.Path).Msg("request failed")
		if _, ok := perr.As(err); !ok {
			wire.Message = http.StatusText(status)
		}
	}
	writeJSON(w, status, errorBody{Code: wire.Code, Message: wire.Message, RequestID: reqID})
}
