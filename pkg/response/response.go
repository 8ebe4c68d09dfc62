package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every API reply uses.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// AppError is an error that already knows how it should be reported over
// HTTP. Err keeps the underlying cause for errors.Is checks and logging.
type AppError struct {
	HTTPStatus int
	Message    string
	Err        error
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.HTTPStatus)
}

func (e *AppError) Unwrap() error { return e.Err }

// Wrap attaches an HTTP status to err, using err's text as the message.
func Wrap(status int, err error) *AppError {
	return &AppError{HTTPStatus: status, Message: err.Error(), Err: err}
}

func NewBadRequest(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusBadRequest, Message: msg}
}

func NewUnauthorized(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusUnauthorized, Message: msg}
}

func NewForbidden(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusForbidden, Message: msg}
}

func NewNotFound(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusNotFound, Message: msg}
}

func NewConflict(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusConflict, Message: msg}
}

func NewUnprocessable(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusUnprocessableEntity, Message: msg}
}

func NewServerError(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusInternalServerError, Message: msg}
}

// Success sends a 200 with data.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "ok", Data: data})
}

// Created sends a 201 with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Code: 0, Message: "created", Data: data})
}

// Accepted sends a 202; used when work was queued rather than done.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{Code: 0, Message: "accepted", Data: data})
}

// Error reports err. An *AppError anywhere in the chain decides the status;
// anything else is a 500.
func Error(c *gin.Context, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		abort(c, appErr.HTTPStatus, appErr.Error())
		return
	}
	abort(c, http.StatusInternalServerError, err.Error())
}

func BadRequest(c *gin.Context, msg string) {
	abort(c, http.StatusBadRequest, msg)
}

func Unauthorized(c *gin.Context, msg string) {
	abort(c, http.StatusUnauthorized, msg)
}

func Forbidden(c *gin.Context, msg string) {
	abort(c, http.StatusForbidden, msg)
}

func NotFound(c *gin.Context, msg string) {
	abort(c, http.StatusNotFound, msg)
}

func ServerError(c *gin.Context, msg string) {
	abort(c, http.StatusInternalServerError, msg)
}

// abort writes the error envelope and stops the handler chain. The status
// doubles as the application code.
func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Response{Code: status, Message: msg})
}
