package validation

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxCityLength is the longest accepted city name, in characters.
const MaxCityLength = 100

// ErrCityEmpty is returned when the city is empty or whitespace-only after trim.
var ErrCityEmpty = errors.New("city name is required")

// ErrCityTooLong is returned when the city exceeds MaxCityLength characters.
var ErrCityTooLong = errors.New("city name too long")

// ValidateCity trims the input and enforces the length bounds. The result is
// otherwise passed through untouched: it is an opaque identifier for the
// upstream provider and the store, both of which bind it as a parameter.
func ValidateCity(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrCityEmpty
	}
	if utf8.RuneCountInString(s) > MaxCityLength {
		return "", ErrCityTooLong
	}
	return s, nil
}
