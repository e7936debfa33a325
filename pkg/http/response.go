package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler registers routes on the server.
type Handler interface {
	RegisterRoutes(e *echo.Echo)
}

// Envelope wraps every JSON body.
type Envelope struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorBody is the data of an error envelope.
type ErrorBody struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// Page is the data of a list response.
type Page struct {
	Rows  interface{} `json:"rows"`
	Total int64       `json:"total"`
}

func respond(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, Envelope{Status: status, Message: http.StatusText(status), Data: data})
}

// OK writes data with 200.
func OK(c echo.Context, data interface{}) error { return respond(c, http.StatusOK, data) }

// List writes a page of rows with 200.
func List(c echo.Context, rows interface{}, total int64) error {
	return respond(c, http.StatusOK, Page{Rows: rows, Total: total})
}

// NoContent writes 204.
func NoContent(c echo.Context) error { return c.NoContent(http.StatusNoContent) }

// Fail writes err as an error envelope. Errors that are not *Error become a
// generic 500.
func Fail(c echo.Context, err error) error {
	e := AsError(err)
	env := Envelope{
		Status:  e.Status,
		Message: http.StatusText(e.Status),
		Data:    ErrorBody{Code: e.Code, Message: e.Message, Details: e.Details},
	}
	if env.Message == "" {
		env.Message = e.Code
	}
	return c.JSON(e.Status, env)
}
