package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess         = 0
	CodeParamError      = 400
	CodeUnauthorized    = 401
	CodeForbidden       = 403
	CodeNotFound        = 404
	CodeTooManyRequests = 429
	CodeServerError     = 500
	CodeBusinessError   = 1000
)

const (
	CodeCardNotFound           = 1001
	CodeTransactionNotFound    = 1002
	CodeRechargeNotFound       = 1003
	CodeCardStatusInvalid      = 1004
	CodeAlreadyInState         = 1005
	CodeAlreadyProcessing      = 1006
	CodeAlreadyProcessed       = 1007
	CodeCardAlreadyAssigned    = 1008
	CodeSystemBusy             = 1009
	CodeConcurrentModification = 1010
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

func NotFound(c *gin.Context, code int, message string) {
	Error(c, code, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}

// TooManyRequests 限流，使用 HTTP 429 便于网关识别
func TooManyRequests(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, Response{
		Code:    CodeTooManyRequests,
		Message: "请求过于频繁，请稍后再试",
	})
}
