package chatapi

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names so messages match the request body.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage turns a validator error into a short client-facing message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+": required")
		case "max":
			parts = append(parts, fmt.Sprintf("%s: at most %s characters", fe.Field(), fe.Param()))
		case "gt":
			parts = append(parts, fmt.Sprintf("%s: must be greater than %s", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fe.Field()+": invalid")
		}
	}
	return strings.Join(parts, "; ")
}
