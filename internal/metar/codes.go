package metar

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCode is returned by Lookup for a code absent from the observation table.
var ErrUnknownCode = errors.New("unknown phenomenon code")

type observation struct {
	code        string
	description string
}

// observations maps 2-letter weather codes to their description. Each
// description ends with a space so consecutive codes read as a phrase.
var observations = []observation{
	{"MI", "Shallow "},
	{"BL", "Blowing "},
	{"BC", "Patches "},
	{"SH", "Showers "},
	{"PR", "Partials "},
	{"DR", "Drifting "},
	{"TS", "Thunderstorm "},
	{"FZ", "Freezing "},
	{"DZ", "Drizzle "},
	{"IC", "Ice Crystals "},
	{"UP", "Unknown "},
	{"RA", "Rain "},
	{"PL", "Ice Pellets "},
	{"SN", "Snow "},
	{"GR", "Hail "},
	{"SG", "Snow Grains "},
	{"GS", "Small hail/snow pellets "},
	{"BR", "Mist "},
	{"SA", "Sand "},
	{"FU", "Smoke "},
	{"HZ", "Haze "},
	{"FG", "Fog "},
	{"VA", "Volcanic Ash "},
	{"PY", "Spray "},
	{"DU", "Widespread Dust "},
	{"SQ", "Squall "},
	{"FC", "Funnel Cloud "},
	{"SS", "Sand storm "},
	{"DS", "Dust storm "},
	{"PO", "Well developed dust/sand swirls "},
	{"VC", "Vicinity "},
}

var observationIndex = func() map[string]string {
	idx := make(map[string]string, len(observations))
	for _, o := range observations {
		if _, dup := idx[o.code]; dup {
			panic("metar: duplicate observation code " + o.code)
		}
		idx[o.code] = o.description
	}
	return idx
}()

// AlternationPattern returns every observation code joined with "|", in
// table order, for use inside a regular expression group.
func AlternationPattern() string {
	codes := make([]string, len(observations))
	for i, o := range observations {
		codes[i] = o.code
	}
	return strings.Join(codes, "|")
}

// Lookup returns the description for an exact 2-character code.
func Lookup(code string) (string, error) {
	desc, ok := observationIndex[code]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCode, code)
	}
	return desc, nil
}
