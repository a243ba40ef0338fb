package validation

import (
	"regexp"

	validatorv10 "github.com/go-playground/validator/v10"
)

// resource ids are uuids or slugs; nothing that could smuggle key separators
var resourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// New returns a configured validator with the custom tags registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// resource_id guards ids that end up in storage keys (e.g. owner#<user>#<course>)
	_ = v.RegisterValidation("resource_id", func(fl validatorv10.FieldLevel) bool {
		return resourceIDPattern.MatchString(fl.Field().String())
	})

	return v
}

// ValidResourceID applies the resource_id rule to a single value, e.g. a caller id header.
func ValidResourceID(id string) bool {
	return resourceIDPattern.MatchString(id)
}
