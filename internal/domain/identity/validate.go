package identity

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxUsernameLength = 39

var validate = NewValidator()

// NewValidator returns a validator with the "codehost_username" tag
// registered alongside the built-in ones such as "eth_addr".
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("codehost_username", func(fl validator.FieldLevel) bool {
		return ValidUsername(fl.Field().String())
	})
	return v
}

// ValidUsername reports whether s has the shape of a code-host login:
// alphanumerics and single inner hyphens, at most 39 characters.
func ValidUsername(s string) bool {
	if s == "" || len(s) > maxUsernameLength {
		return false
	}
	if strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") || strings.Contains(s, "--") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

func validateUsername(username string) error {
	if err := validate.Var(username, "required,codehost_username"); err != nil {
		return fmt.Errorf("%w: username %q", ErrInvalidIdentifier, username)
	}
	return nil
}

func validateWallet(address string) error {
	if err := validate.Var(address, "required,eth_addr"); err != nil {
		return fmt.Errorf("%w: wallet address %q", ErrInvalidIdentifier, address)
	}
	return nil
}
