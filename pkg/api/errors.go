package api

import (
	"net/http"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
)

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

var statusByCode = map[merrors.ErrorCode]int{
	merrors.ErrCodeInvalidInput:       http.StatusBadRequest,
	merrors.ErrCodeUnauthorized:       http.StatusUnauthorized,
	merrors.ErrCodeNotFound:           http.StatusNotFound,
	merrors.ErrCodeConflict:           http.StatusConflict,
	merrors.ErrCodeWorkspaceNotReady:  http.StatusConflict,
	merrors.ErrCodeRateLimited:        http.StatusTooManyRequests,
	merrors.ErrCodeBridgeConnection:   http.StatusBadGateway,
	merrors.ErrCodeBridgeProtocol:     http.StatusBadGateway,
	merrors.ErrCodeWorkspaceProvision: http.StatusInternalServerError,
	merrors.ErrCodeStoreIO:            http.StatusInternalServerError,
	merrors.ErrCodeInternal:           http.StatusInternalServerError,
}

// httpStatus maps an error to its response status. Errors outside the
// taxonomy are internal.
func httpStatus(err error) (int, merrors.ErrorCode) {
	code := merrors.GetCode(err)
	if status, ok := statusByCode[code]; ok {
		return status, code
	}
	return http.StatusInternalServerError, merrors.ErrCodeInternal
}

func writeError(w http.ResponseWriter, err error) {
	status, code := httpStatus(err)
	writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:    string(code),
		Message: merrors.Message(err),
	}})
}
