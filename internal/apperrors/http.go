package apperrors

import (
	"encoding/json"
	"net/http"
)

// HTTPErrorResponse is the JSON envelope the control-surface adapter
// returns for any error response, matching the shape the teacher's
// internal/server tests decode: {"error": {"code": "...", "message": "..."}}.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

type HTTPErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// httpStatus maps a Kind to the HTTP status code the adapter should use.
func httpStatus(k Kind) int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindConfiguration:
		return http.StatusBadRequest
	case KindReadinessTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithError writes err as an HTTPErrorResponse with the status
// derived from its Kind.
func RespondWithError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(kind))
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: HTTPErrorBody{Code: string(kind), Message: err.Error()},
	})
}
