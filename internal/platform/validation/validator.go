// Package validation plugs go-playground/validator into echo.
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var messages = map[string]string{
	"required":    "is required",
	"min":         "must be at least %s",
	"max":         "must be at most %s",
	"datetime":    "must match layout %s",
	"excludesall": "must not contain any of %s",
	"oneof":       "must be one of %s",
}

// Validator implements echo.Validator. Field names in messages are the JSON
// names of the failing fields.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{v: v}
}

// Validate returns a 400 echo.HTTPError listing every failing field.
func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
			"error":   "invalid_slot_request",
			"message": err.Error(),
		})
	}
	return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
		"error":   "invalid_slot_request",
		"message": Format(verrs),
	})
}

// Format renders validation errors as "field message, field message".
func Format(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := messages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		if strings.Contains(msg, "%s") {
			msg = strings.Replace(msg, "%s", fe.Param(), 1)
		}
		parts = append(parts, fe.Field()+" "+msg)
	}
	return strings.Join(parts, ", ")
}
