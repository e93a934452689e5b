package ingest

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Field limits. The struct tags on Request mirror these.
const (
	MaxEventNameLength      = 64
	MaxStatusLength         = 16
	MaxLevelLength          = 32
	MaxSessionIDLength      = 128
	MaxChannelLength        = 32
	MaxIdempotencyKeyLength = 255
)

// Rules reported by ValidationError, in the order Ingest checks them.
const (
	RuleLevelRequired    = "level required for risk_detected"
	RuleInvalidEventTime = "invalid eventTime"
	RuleInvalidMetadata  = "invalid metadata"
	RuleKeyTooLong       = "idempotency key too long"
)

// ValidationError is a client error naming the violated rule. It is never
// worth retrying.
type ValidationError struct {
	Rule string
}

func (e *ValidationError) Error() string {
	return e.Rule
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return v
}

// checkSchema applies the struct tags and reports the first violation using
// the JSON field name.
func checkSchema(req Request) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Rule: err.Error()}
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return &ValidationError{Rule: fe.Field() + " required"}
	case "max":
		return &ValidationError{Rule: fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param())}
	default:
		return &ValidationError{Rule: fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())}
	}
}
