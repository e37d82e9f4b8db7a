// Package validate wraps a shared go-playground validator instance
package validate

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
)

var (
	once sync.Once
	v    *validator.Validate
)

// Get returns the process-wide validator; field names in messages prefer json tags
func Get() *validator.Validate {
	once.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
	})
	return v
}

// Struct validates s and converts failures into a single KindValidation error
func Struct(s any) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return perr.Wrap(err, perr.KindInvalidArgument, "validation could not run")
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, describe(fe))
	}
	return perr.New(perr.KindValidation, strings.Join(parts, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fe.Field() + " must be one of [" + fe.Param() + "]"
	case "max", "lte":
		return fe.Field() + " must be at most " + fe.Param()
	case "min", "gte", "gt":
		return fe.Field() + " is below the minimum (" + fe.Tag() + "=" + fe.Param() + ")"
	default:
		return fe.Field() + " failed " + fe.Tag()
	}
}
