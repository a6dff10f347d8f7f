package validation

import (
	"errors"
	"strings"
)

// ErrStationEmpty is returned when station is empty or whitespace-only after trim.
var ErrStationEmpty = errors.New("station is required")

// ErrStationLength is returned when station is not 3 or 4 characters long.
var ErrStationLength = errors.New("station must be 3 or 4 characters")

// ErrStationInvalidChars is returned when station is not a letter followed by letters or digits.
var ErrStationInvalidChars = errors.New("station must be a letter followed by letters or digits")

const (
	minStationLen = 3
	maxStationLen = 4
)

// ValidateStation trims and upper-cases the input and checks it looks like an
// ICAO station identifier (EHGR, KJFK, K1G4). Returns the normalized station
// or an error suitable for 400 INVALID_STATION responses.
func ValidateStation(input string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(input))
	if s == "" {
		return "", ErrStationEmpty
	}
	if len(s) < minStationLen || len(s) > maxStationLen {
		return "", ErrStationLength
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return "", ErrStationInvalidChars
		}
	}
	return s, nil
}
