package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-tts/internal/catalog"
)

const (
	KindInvalidRequest = "invalid_request_error"
	KindNotFound       = "not_found_error"
	KindAPI            = "api_error"
)

// Error is a client-facing failure. Anything else reaching writeError is
// masked as an internal error.
type Error struct {
	Status  int
	Kind    string
	Message string
	Param   string
}

func (e *Error) Error() string { return e.Message }

func invalidRequest(msg, param string) *Error {
	return &Error{Status: http.StatusBadRequest, Kind: KindInvalidRequest, Message: msg, Param: param}
}

// errBackend is what clients see for any engine failure.
var errBackend = &Error{Status: http.StatusInternalServerError, Kind: KindAPI, Message: "Backend processing error"}

var errInternal = &Error{Status: http.StatusInternalServerError, Kind: KindAPI, Message: "Internal server error"}

type errorBody struct {
	Error errorDetails `json:"error"`
}

type errorDetails struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// toAPIError maps err onto the whitelist of client-facing errors.
func toAPIError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var verr *catalog.Error
	if errors.As(err, &verr) {
		return invalidRequest(verr.Message, verr.Param)
	}
	return errInternal
}

func envelope(e *Error) errorBody {
	body := errorBody{Error: errorDetails{Message: e.Message, Type: e.Kind}}
	if e.Param != "" {
		param := e.Param
		body.Error.Param = &param
	}
	return body
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	apiErr := toAPIError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		log.Error("request failed", slogError(err))
	} else {
		log.Debug("request rejected", slog.String("reason", apiErr.Message))
	}
	writeJSON(w, apiErr.Status, envelope(apiErr))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
