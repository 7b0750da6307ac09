package validation

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

type defaultValidator struct{ v *validator.Validate }

func (d *defaultValidator) Validate(i interface{}) error {
	return d.v.Struct(i)
}

var (
	sharedOnce sync.Once
	shared     *validator.Validate
)

func instance() *validator.Validate {
	sharedOnce.Do(func() {
		shared = validator.New(validator.WithRequiredStructEnabled())
		shared.RegisterTagNameFunc(jsonTagName)
	})
	return shared
}

// New returns an echo.Validator implementation.
func New() echo.Validator {
	return &defaultValidator{v: instance()}
}

// Struct validates v against its validate tags.
func Struct(v any) error {
	return instance().Struct(v)
}

// IsEmail reports whether addr is a syntactically valid mailbox address.
func IsEmail(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" || len(addr) > 254 {
		return false
	}
	return instance().Var(addr, "email") == nil
}
