package http

import "net/http"

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// 预定义的响应码
const (
	CodeSuccess      = 0     // 成功
	CodeError        = -1    // 通用错误
	CodeInvalidParam = 10001 // 参数错误
	CodeUnauthorized = 10002 // 未授权
	CodeForbidden    = 10003 // 禁止访问
	CodeNotFound     = 10004 // 资源不存在
	CodeServerError  = 10005 // 服务器内部错误
	CodeConflict     = 10006 // 状态冲突（已在排队/已在房间）
	CodeUnavailable  = 10007 // 依赖服务不可用
	CodePrecondition = 10008 // 前置条件不满足（未建立长连接）
	CodeBadGateway   = 10009 // 外部服务调用失败
)

// 预定义的响应消息
const (
	MsgSuccess      = "success"
	MsgInvalidParam = "invalid parameters"
	MsgUnauthorized = "unauthorized"
	MsgForbidden    = "forbidden"
	MsgNotFound     = "not found"
	MsgServerError  = "internal server error"
)

func newResponse(code int, message string, data any) *Response {
	return &Response{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Success 成功响应
func (c *Context) Success(data any) {
	c.JSON(http.StatusOK, newResponse(CodeSuccess, MsgSuccess, data))
}

// Fail 以指定 HTTP 状态码和业务码返回错误
func (c *Context) Fail(status, code int, message string) {
	c.JSON(status, newResponse(code, message, nil))
}

// BadRequest 400 错误请求
func (c *Context) BadRequest(message string) {
	if message == "" {
		message = MsgInvalidParam
	}
	c.Fail(http.StatusBadRequest, CodeInvalidParam, message)
}

// Unauthorized 401 未授权
func (c *Context) Unauthorized(message string) {
	if message == "" {
		message = MsgUnauthorized
	}
	c.Fail(http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden 403 禁止访问
func (c *Context) Forbidden(message string) {
	if message == "" {
		message = MsgForbidden
	}
	c.Fail(http.StatusForbidden, CodeForbidden, message)
}

// NotFound 404 资源不存在
func (c *Context) NotFound(message string) {
	if message == "" {
		message = MsgNotFound
	}
	c.Fail(http.StatusNotFound, CodeNotFound, message)
}

// InternalServerError 500 服务器内部错误
func (c *Context) InternalServerError(message string) {
	if message == "" {
		message = MsgServerError
	}
	c.Fail(http.StatusInternalServerError, CodeServerError, message)
}
