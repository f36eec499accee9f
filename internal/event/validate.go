package event

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks that the update is complete enough to apply. Every failure
// wraps ErrMalformed.
func (u Update) Validate() error {
	if u.decodeErr != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, u.decodeErr)
	}
	if err := structErr(validate.Struct(u)); err != nil {
		return err
	}
	if u.Payload.Type() != u.Type {
		return fmt.Errorf("%w: payload %s does not match type %s", ErrMalformed, u.Payload.Type(), u.Type)
	}
	if u.Type.IsMessage() && u.Nonce == "" {
		return fmt.Errorf("%w: %s without nonce", ErrMalformed, u.Type)
	}
	if (u.Type == TypeMessageAdd || u.Type == TypeConfirmation) && u.SenderID == "" {
		return fmt.Errorf("%w: %s without sender", ErrMalformed, u.Type)
	}
	return structErr(validate.Struct(u.Payload))
}

func structErr(err error) error {
	if err == nil {
		return nil
	}
	var vErrs validator.ValidationErrors
	if errors.As(err, &vErrs) {
		first := vErrs[0]
		return fmt.Errorf("%w: field %s failed %q", ErrMalformed, first.Namespace(), first.Tag())
	}
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}
