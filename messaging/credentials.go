package messaging

import (
	"errors"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var credentialValidator = newCredentialValidator()

type signInForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8,password"`
}

func newCredentialValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		var letter, digit bool
		for _, r := range fl.Field().String() {
			switch {
			case unicode.IsLetter(r):
				letter = true
			case unicode.IsDigit(r):
				digit = true
			}
		}
		return letter && digit
	})
	return v
}

// validateCredentials trims and checks the sign-in form before anything reaches the provider.
func validateCredentials(email, password string) (string, string, error) {
	form := signInForm{Email: strings.TrimSpace(email), Password: strings.TrimSpace(password)}

	err := credentialValidator.Struct(form)
	if err == nil {
		return form.Email, form.Password, nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Email" {
		return "", "", ErrInvalidEmail
	}
	return "", "", ErrWeakPassword
}
