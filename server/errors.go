package server

import (
	"encoding/json"
	"net/http"

	"nftlend/coordinator"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// httpStatus maps the coordinator's stable domain codes onto HTTP statuses.
// The domain code travels in the body so clients never have to reverse this
// mapping.
func httpStatus(code string) int {
	switch code {
	case "INVALID_REQUEST":
		return http.StatusBadRequest
	case "UNAUTHORIZED":
		return http.StatusForbidden
	case "NOT_FOUND":
		return http.StatusNotFound
	case "BUSY", "LOAN_CLOSED":
		return http.StatusConflict
	case "INSUFFICIENT_FUNDS", "COST_TOO_HIGH":
		return http.StatusPaymentRequired
	case "NOT_ELIGIBLE", "REJECTED":
		return http.StatusUnprocessableEntity
	case "UNREACHABLE":
		return http.StatusBadGateway
	case "INDETERMINATE":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	code := coordinator.Code(err)
	writeError(w, httpStatus(code), code, err.Error())
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "INVALID_REQUEST", message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if message == "" {
		message = http.StatusText(status)
	}
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
