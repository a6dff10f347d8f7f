// Package presentation renders decoded reports for people.
package presentation

import (
	"fmt"
	"io"
	"math"

	"github.com/kjstillabower/metar-service/internal/models"
)

var compassPoints = [16]string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

const notAvailable = "n/a"

// CompassPoint buckets a heading in degrees into one of 16 compass points.
func CompassPoint(degrees int) string {
	n := ((degrees*4 + 45) / 90) % 16
	if n < 0 {
		n += 16
	}
	return compassPoints[n]
}

// FormatPressure scales the fixed-point value and appends the unit,
// e.g. {2992 "Hg 2} -> `29.92 "Hg`.
func FormatPressure(p models.Pressure) string {
	v := float64(p.Value) / math.Pow10(p.FractionalDigits)
	return fmt.Sprintf("%.*f %s", p.FractionalDigits, v, p.Unit)
}

// Write prints the report as labelled lines. Groups missing from the report
// print as n/a.
func Write(w io.Writer, r *models.Report) error {
	ew := &errWriter{w: w}

	if r.Station != nil {
		ew.printf("Station       : %s\n", *r.Station)
	} else {
		ew.printf("Station       : %s\n", notAvailable)
	}

	if r.Time != nil {
		ew.printf("Day           : %d\n", r.Time.Day)
		ew.printf("Time          : %02d:%02d UTC\n", r.Time.Time/100, r.Time.Time%100)
	} else {
		ew.printf("Day           : %s\n", notAvailable)
		ew.printf("Time          : %s\n", notAvailable)
	}

	if wind := r.Wind; wind != nil {
		if wind.IsVariable() {
			ew.printf("Wind direction: Variable\n")
		} else {
			ew.printf("Wind direction: %d (%s)\n", wind.Direction, CompassPoint(wind.Direction))
		}
		ew.printf("Wind speed    : %d %s\n", wind.Speed, wind.Unit)
		ew.printf("Wind gust     : %d %s\n", wind.Gust, wind.Unit)
	} else {
		ew.printf("Wind direction: %s\n", notAvailable)
		ew.printf("Wind speed    : %s\n", notAvailable)
		ew.printf("Wind gust     : %s\n", notAvailable)
	}

	if r.Visibility != nil {
		ew.printf("Visibility    : %d %s\n", r.Visibility.Value, r.Visibility.Unit)
	} else {
		ew.printf("Visibility    : %s\n", notAvailable)
	}

	if r.Temperature != nil {
		ew.printf("Temperature   : %d C\n", r.Temperature.Temperature)
		ew.printf("Dewpoint      : %d C\n", r.Temperature.Dewpoint)
	} else {
		ew.printf("Temperature   : %s\n", notAvailable)
		ew.printf("Dewpoint      : %s\n", notAvailable)
	}

	if r.Pressure != nil {
		ew.printf("Pressure      : %s\n", FormatPressure(*r.Pressure))
	} else {
		ew.printf("Pressure      : %s\n", notAvailable)
	}

	ew.printf("Clouds        : ")
	if len(r.CloudLayers) == 0 {
		ew.printf("\n")
	}
	for i, c := range r.CloudLayers {
		if i > 0 {
			ew.printf("%15s ", " ")
		}
		ew.printf("%s at %d00 ft\n", c.Type, c.Altitude)
	}

	ew.printf("Phenomena     : ")
	if len(r.Phenomena) == 0 {
		ew.printf("\n")
	}
	for i, p := range r.Phenomena {
		if i > 0 {
			ew.printf("%15s ", " ")
		}
		ew.printf("%s\n", p)
	}

	return ew.err
}

// errWriter stops writing after the first error.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...interface{}) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
