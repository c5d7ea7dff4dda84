package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"briefing/internal/types"
)

// Validator checks decoded request DTOs against their validate tags and
// reports failures as AppErrors naming JSON fields.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator that reports json tag names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{v: v}
}

// ValidateStruct returns nil when s passes. The first failing field picks the
// code: a missing value is ErrCodeValidationMissingField, a bad email is
// ErrCodeValidationInvalidEmail, anything else ErrCodeValidationPayload.
// Every failing field is listed in details.
func (val *Validator) ValidateStruct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return types.NewAppError(types.ErrCodeValidationPayload, "invalid request", err)
	}

	fields := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
	}

	first := fieldErrs[0]
	code := types.ErrCodeValidationPayload
	msg := "invalid value for " + first.Field()
	switch first.Tag() {
	case "required":
		code, msg = types.ErrCodeValidationMissingField, first.Field()+" is required"
	case "email":
		code, msg = types.ErrCodeValidationInvalidEmail, first.Field()+" must be a valid email address"
	}
	return types.NewAppErrorWithDetails(code, msg, err, map[string]any{"fields": fields})
}
