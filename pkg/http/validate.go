package http

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var (
	validate   = newValidator()
	oneofToken = regexp.MustCompile(`'[^']*'|\S+`)
)

// oneofOptions splits a oneof param, honouring single-quoted options.
func oneofOptions(param string) []string {
	opts := oneofToken.FindAllString(param, -1)
	for i, o := range opts {
		opts[i] = strings.Trim(o, "'")
	}
	return opts
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by the name clients send.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "query", "param"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	return v
}

// Bind decodes the request into req, applies `default` tags and validates
// it. Failures come back as a 400 *Error listing each bad field.
func Bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg = fmt.Sprint(he.Message)
		}
		return BadRequest("malformed request: %s", msg)
	}
	if err := defaults.Set(req); err != nil {
		return Internal("apply defaults").Wrap(err)
	}
	if err := validate.StructCtx(c.Request().Context(), req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return BadRequest("%s", err.Error())
		}
		e := NewError(http.StatusBadRequest, "ERR_VALIDATION", "request validation failed")
		for _, fe := range verrs {
			e.Details = append(e.Details, FieldError{
				Field:   fe.Field(),
				Rule:    fe.Tag(),
				Param:   fe.Param(),
				Message: describe(fe),
			})
		}
		return e
	}
	return nil
}

func describe(fe validator.FieldError) string {
	f, p := fe.Field(), fe.Param()
	unit := ""
	if k := fe.Kind(); k == reflect.String {
		unit = " characters"
	} else if k == reflect.Slice || k == reflect.Array {
		unit = " items"
	}
	switch fe.Tag() {
	case "required":
		return f + " is required"
	case "min", "gte":
		if unit == "" {
			return fmt.Sprintf("%s must be at least %s", f, p)
		}
		return fmt.Sprintf("%s must have at least %s%s", f, p, unit)
	case "max", "lte":
		if unit == "" {
			return fmt.Sprintf("%s must be at most %s", f, p)
		}
		return fmt.Sprintf("%s must have at most %s%s", f, p, unit)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", f, strings.Join(oneofOptions(p), ", "))
	case "url", "uri":
		return f + " must be a URL"
	default:
		return fmt.Sprintf("%s failed %q", f, fe.Tag())
	}
}
