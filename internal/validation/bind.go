package validation

import (
	"errors"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// Error is returned by the bind helpers; Fields is keyed by JSON/URI field namespace.
type Error struct {
	Msg    string
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string { return e.Msg + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// BindAndValidate binds the JSON body into `out` and runs validation.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		return &Error{Msg: "invalid request body", Err: err}
	}
	return validate(out, v)
}

// BindURIAndValidate binds path parameters into `out` and runs validation.
func BindURIAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindUri(out); err != nil {
		return &Error{Msg: "invalid path parameters", Err: err}
	}
	return validate(out, v)
}

func validate(out interface{}, v *validatorv10.Validate) error {
	if err := v.Struct(out); err != nil {
		return &Error{Msg: "validation failed", Fields: validationErrorsToMap(err), Err: err}
	}
	return nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.StructNamespace()] = fe.Tag()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}
