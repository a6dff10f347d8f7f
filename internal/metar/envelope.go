package metar

import (
	"errors"
	"regexp"
	"strings"
)

// ErrEnvelopeFormat is returned when a bulletin has no "timestamp, whitespace, body" layout.
var ErrEnvelopeFormat = errors.New("metar pattern not found in NOAA data")

// envelopeRe matches "2024/06/01 12:20\n<report>". The body may span lines.
var envelopeRe = regexp.MustCompile(`(?s)^([0-9/]+ [0-9:]+)\s+(.*)$`)

// Envelope is a NOAA bulletin split into its issuance timestamp and report body.
type Envelope struct {
	IssuedAt string
	Body     string
}

// ExtractEnvelope strips trailing line terminators from raw and splits it
// into timestamp and body.
func ExtractEnvelope(raw string) (Envelope, error) {
	raw = strings.TrimRight(raw, "\r\n")
	m := envelopeRe.FindStringSubmatch(raw)
	if m == nil {
		return Envelope{}, ErrEnvelopeFormat
	}
	return Envelope{IssuedAt: m[1], Body: m[2]}, nil
}
