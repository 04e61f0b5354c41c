package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MuriData/zk-ceremony-coordinator/pkg/ceremony"
)

// httpStatus maps a taxonomy Code onto the HTTP status a REST caller expects,
// independent of the gRPC mapping ceremony.Error.GRPCCode already carries.
var httpStatus = map[ceremony.Code]int{
	ceremony.CodeUnauthenticated:     http.StatusUnauthorized,
	ceremony.CodeForbidden:           http.StatusForbidden,
	ceremony.CodeNotFound:            http.StatusNotFound,
	ceremony.CodePreconditionFailed:  http.StatusPreconditionFailed,
	ceremony.CodeConflict:            http.StatusConflict,
	ceremony.CodeInvalidInput:        http.StatusBadRequest,
	ceremony.CodeUpstreamUnavailable: http.StatusServiceUnavailable,
	ceremony.CodeDeadlineExceeded:    http.StatusGatewayTimeout,
	ceremony.CodeInternal:            http.StatusInternalServerError,
}

// respondError writes err as an ErrorResponse with the status its taxonomy
// Code maps to. Handlers call this exactly once and return afterwards.
func respondError(c *gin.Context, err error) {
	code := ceremony.CodeOf(err)
	status, ok := httpStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, ErrorResponse{Code: string(code), Message: err.Error()})
}
