package http

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/apperr"
	"github.com/tradepulse/engine/pkg/logger"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses. The
// code in the body is the stable contract; the message is advisory.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.Code(err)

	status := http.StatusInternalServerError
	switch code {
	case "unauthorized":
		status = http.StatusUnauthorized
	case "bad_request":
		status = http.StatusBadRequest
	case "conflict":
		status = http.StatusConflict
	case "not_found":
		status = http.StatusNotFound
	case "invalid_state":
		status = http.StatusUnprocessableEntity
	case "deferred":
		status = http.StatusAccepted
	case "upstream_unavailable":
		status = http.StatusServiceUnavailable
	}

	var body errorBody
	body.Error.Code = code
	if status == http.StatusInternalServerError {
		// Never leak internals to webhook callers
		body.Error.Message = "internal error"
		logger.Error("request failed", zap.Error(err))
	} else {
		body.Error.Message = err.Error()
	}

	writeJSON(w, status, body)
}
