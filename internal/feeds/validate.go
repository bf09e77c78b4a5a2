package feeds

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Field limits for feed metadata.
const (
	MaxNameLength        = 64
	MaxDescriptionLength = 280
)

var feedValidate *validator.Validate

func init() {
	feedValidate = validator.New()
	_ = feedValidate.RegisterValidation("singleline", validateSingleLine)
}

func validateSingleLine(fl validator.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), "\r\n")
}

type feedInput struct {
	Name        string `validate:"required,max=64,singleline"`
	Description string `validate:"max=280"`
}

// checkInput trims and validates user supplied metadata.
func checkInput(name, description string) (string, string, error) {
	in := feedInput{Name: strings.TrimSpace(name), Description: strings.TrimSpace(description)}
	if err := feedValidate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return "", "", fmt.Errorf("%w: %s", ErrInvalidFeed, describe(verrs[0]))
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}
	return in.Name, in.Description, nil
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "singleline":
		return field + " must be a single line"
	}
	return field + " is invalid"
}
