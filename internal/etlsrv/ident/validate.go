package ident

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// V returns the shared validator with the pgident tag registered.
func V() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterValidation("pgident", identValidator)
		validate.RegisterValidation("pgidents", identListValidator)
	})
	return validate
}

// identValidator checks a string field with Valid.
func identValidator(fl validator.FieldLevel) bool {
	return Valid(fl.Field().String())
}

// identListValidator checks every element of a []string field.
func identListValidator(fl validator.FieldLevel) bool {
	names, ok := fl.Field().Interface().([]string)
	if !ok {
		return false
	}
	for _, n := range names {
		if !Valid(n) {
			return false
		}
	}
	return true
}
