package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeTicketNotFound     = 1001
	CodeInvalidTransition  = 1002
	CodeInsufficientCredit = 1003
	CodeStorageConflict    = 1004
	CodeCodeNotFound       = 1005
	CodeCodeExpired        = 1006
	CodeCodeRedeemed       = 1007
	CodeCodeNotOwned       = 1008
	CodeSignatureInvalid   = 1009
	CodeGatewayRejected    = 1010
	CodeGatewayTimeout     = 1011
	CodeGatewayUnavailable = 1012
	CodeAmountNotAllowed   = 1013
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
