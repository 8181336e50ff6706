// Package bind decodes and validates JSON request bodies, reporting failures
// through the wrapper.
//
//	var req CheckRequest
//	if !bind.JSON(r, &req) {
//	    return
//	}
package bind

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nhalm/ratewindow/wrapper"
)

// MaxBodySize caps request bodies read by JSON.
const MaxBodySize = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
}

// JSON decodes the request body into dest and validates its struct tags.
// It returns false after setting a wrapper error when either step fails.
// Unknown fields and trailing data are rejected.
func JSON(r *http.Request, dest any) bool {
	body := http.MaxBytesReader(nil, r.Body, MaxBodySize)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dest); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			wrapper.SetError(r, wrapper.ErrPayloadTooLarge.With("Request body too large"))
		} else {
			wrapper.SetError(r, wrapper.ErrBadRequest.With("Invalid JSON request body"))
		}
		return false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		wrapper.SetError(r, wrapper.ErrBadRequest.With("Request body must hold a single JSON object"))
		return false
	}

	if err := validate.Struct(dest); err != nil {
		wrapper.SetError(r, validationError(err))
		return false
	}
	return true
}

// validationError reports the first failing field.
func validationError(err error) *wrapper.Error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return wrapper.ErrBadRequest.With(err.Error())
	}
	e := errs[0]
	return wrapper.ErrBadRequest.WithParam(e.Field()+" "+message(e.Tag(), e.Param()), e.Field())
}

func message(tag, param string) string {
	switch tag {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + param + " characters"
	case "excludesall":
		return "must not contain any of " + strconv.Quote(param)
	default:
		if param != "" {
			return "failed " + tag + "=" + param
		}
		return "failed " + tag
	}
}
