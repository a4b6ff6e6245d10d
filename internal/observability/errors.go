package observability

import (
	"errors"
	"fmt"

	"github.com/coachpo/execguard/errs"
)

// ErrorFields renders err as log fields, lifting the code, reasons and retryability of a
// structured envelope when one is present in the chain.
func ErrorFields(err error) []Field {
	if err == nil {
		return nil
	}
	fields := []Field{{Key: "error", Value: err}}
	var envelope *errs.E
	if !errors.As(err, &envelope) || envelope == nil {
		return fields
	}
	fields = append(fields,
		Field{Key: "error_code", Value: string(envelope.Code)},
		Field{Key: "retryable", Value: envelope.Code.Retryable()},
	)
	if envelope.Component != "" {
		fields = append(fields, Field{Key: "error_component", Value: envelope.Component})
	}
	if len(envelope.Reasons) > 0 {
		fields = append(fields, Field{Key: "reasons", Value: envelope.Reasons})
	}
	return fields
}

// AggregateErrors joins non-nil errors into one, logs them once with their codes and returns the result.
func AggregateErrors(operation string, errList []error, fields ...Field) error {
	filtered := make([]error, 0, len(errList))
	messages := make([]string, 0, len(errList))
	codes := make([]string, 0, len(errList))
	for _, err := range errList {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
		if code := errs.CodeOf(err); code != "" {
			codes = append(codes, string(code))
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	logFields := make([]Field, 0, len(fields)+4)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(filtered)},
		Field{Key: "errors", Value: messages},
	)
	if len(codes) > 0 {
		logFields = append(logFields, Field{Key: "error_codes", Value: codes})
	}
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
