package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"eventrelay/internal/types"
)

// Validator wraps go-playground/validator and registers the domain tags used
// by admin query parameters.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator with the custom tags registered.
//
//   - outcome: empty or a known types.Outcome.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("outcome", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || types.Outcome(s).Valid()
	})
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct runs the struct's validate tags. Failures are returned as a
// validation_invalid_filter AppError whose details map each offending field
// to the rule it broke.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to validate request", err)
	}

	details := make(map[string]any, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		details[fe.Field()] = rule
		fields = append(fields, fe.Field())
	}
	return types.NewAppError(
		types.ErrCodeValidationInvalidFilter,
		"invalid query parameter: "+strings.Join(fields, ", "),
		err,
	).WithDetails(details)
}
