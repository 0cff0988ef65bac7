// Package validator wraps go-playground/validator for request DTOs.
package validator

import "github.com/go-playground/validator/v10"

// Validator checks `validate` struct tags.
type Validator struct {
	v *validator.Validate
}

// New creates a Validator with required-struct checks on nested structs.
func New() *Validator {
	return &Validator{
		v: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Struct validates a struct based on validation tags.
func (val *Validator) Struct(s interface{}) error {
	return val.v.Struct(s)
}
