package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var descriptorValidator = newDescriptorValidator()

func newDescriptorValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("task_operation", ValidateOperation); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("task_payload", ValidatePayload); err != nil {
		panic(err)
	}
	return v
}

var ValidateOperation validator.Func = func(fl validator.FieldLevel) bool {
	return Operation(fl.Field().String()).Valid()
}

// ValidatePayload accepts any non-null JSON document
var ValidatePayload validator.Func = func(fl validator.FieldLevel) bool {
	raw := bytes.TrimSpace(fl.Field().Bytes())
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false
	}
	return json.Valid(raw)
}

var ValidateModel validator.Func = func(fl validator.FieldLevel) bool {
	return IsModel(fl.Field().String())
}

var ValidateQueueNameField validator.Func = func(fl validator.FieldLevel) bool {
	return queueNamePattern.MatchString(fl.Field().String())
}

var ValidateStatus validator.Func = func(fl validator.FieldLevel) bool {
	_, err := ParseTaskStatus(fl.Field().String())
	return err == nil
}

// Validate rejects malformed descriptors before anything is persisted
func (d TaskDescriptor) Validate() error {
	err := descriptorValidator.Struct(d)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errval.Wrap(errval.KindValidation, "invalid task descriptor", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			problems = append(problems, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "task_operation":
			problems = append(problems, fmt.Sprintf("operation %q is not supported", fe.Value()))
		case "task_payload":
			problems = append(problems, "payload must be a non-null JSON value")
		default:
			problems = append(problems, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}

	return errval.Validation("invalid task descriptor: %s", strings.Join(problems, "; "))
}

func ValidateQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return errval.Validation("invalid queue name %q: use 1-64 letters, digits, '_' or '-'", name)
	}
	return nil
}

func (r SeatRequest) Validate() error {
	if err := descriptorValidator.Struct(r); err != nil {
		return errval.Wrap(errval.KindValidation, "invalid seat request: student_id and section_id must be positive and term is required", err)
	}
	return nil
}
