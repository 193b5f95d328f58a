package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/a-essam23/studyhub/pkg/apperror"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    apperror.Code `json:"code"`
	Message string        `json:"message"`
}

// WriteError answers a rejected handshake with the status for err's code
// and a body the client turns back into a typed error.
func WriteError(w http.ResponseWriter, err error) {
	code := apperror.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperror.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: code.UserMessage()}})
}
