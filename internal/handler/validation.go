package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// formatValidationErrors maps each failing field to the tag it failed.
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		out := make(map[string]string, len(validationErrors))
		for _, e := range validationErrors {
			out[e.Namespace()] = e.Tag()
		}
		return out
	}
	return nil
}
