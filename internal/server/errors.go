package server

import (
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/sqlit/sqlit/internal/dberr"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps stable error codes onto HTTP statuses.
func statusFor(code dberr.Code) int {
	switch code {
	case dberr.CodeInvalidRequest:
		return http.StatusBadRequest
	case dberr.CodeUnauthorized, dberr.CodeAttestationFailed, dberr.CodeTEERequired:
		return http.StatusForbidden
	case dberr.CodeNotFound:
		return http.StatusNotFound
	case dberr.CodeAlreadyExists, dberr.CodeWriteOnReplica, dberr.CodeReplicationLag, dberr.CodeWALChain:
		return http.StatusConflict
	case dberr.CodeRateLimited:
		return http.StatusTooManyRequests
	case dberr.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders any error as the JSON envelope. Unclassified
// errors become internal storage errors and are logged server-side
// without leaking detail to the client.
func writeError(w http.ResponseWriter, err error) {
	var derr *dberr.Error
	if !errors.As(err, &derr) {
		log.WithFields(log.Fields{"err": err}).Error("server: unclassified error")
		derr = dberr.Storage(err, "internal error")
	}
	status := statusFor(derr.Code)
	if status == http.StatusInternalServerError {
		log.WithFields(log.Fields{"err": derr}).Error("server: request failed")
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    string(derr.Code),
		Message: derr.Message,
		Details: derr.Details,
	}})
}
