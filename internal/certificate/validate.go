package certificate

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const notBlankTag = "notblank"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// report JSON field names rather than Go struct names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		if str, ok := fl.Field().Interface().(string); ok {
			return strings.TrimSpace(str) != ""
		}
		return false
	})
	v.RegisterStructValidation(payloadStructValidation, Payload{})
	return v
}

// ExpectedTotal is the aggregate score for the given section scores.
func ExpectedTotal(s Scores) int {
	return int(math.Round(float64(s.Listening+s.Structure+s.Reading) * 10 / 3))
}

func payloadStructValidation(sl validator.StructLevel) {
	p, ok := sl.Current().Interface().(Payload)
	if !ok {
		return
	}
	if p.Total != ExpectedTotal(p.Scores) {
		sl.ReportError(p.Total, "total", "Total", "total_matches_scores", "")
	}
}

// ValidationError lists the offending payload fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "invalid certificate payload: " + strings.Join(parts, "; ")
}

// ValidatePayload checks a payload before it is published.
func ValidatePayload(p Payload) error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("validate payload: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = describe(fe)
	}
	return &ValidationError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case notBlankTag, "required":
		return "this field cannot be blank"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "datetime":
		return "must be a date formatted as " + fe.Param()
	case "total_matches_scores":
		return "does not match the section scores"
	default:
		return "is invalid"
	}
}
