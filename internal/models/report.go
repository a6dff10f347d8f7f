package models

import "time"

// VariableDirection marks a wind reported as VRB instead of a compass heading.
const VariableDirection = -1

// Pressure units as they appear in a decoded report.
const (
	UnitHectopascal = "hPa"
	UnitInchesHg    = "\"Hg"
)

// Report is a decoded METAR. Single-valued groups are nil until the first
// matching token sets them; they are never overwritten afterwards.
type Report struct {
	Station     *string          `json:"station,omitempty"`
	Time        *ObservationTime `json:"time,omitempty"`
	Wind        *Wind            `json:"wind,omitempty"`
	Visibility  *Visibility      `json:"visibility,omitempty"`
	Temperature *Temperature     `json:"temperature,omitempty"`
	Pressure    *Pressure        `json:"pressure,omitempty"`
	CloudLayers []CloudLayer     `json:"cloudLayers"`
	Phenomena   []string         `json:"phenomena"`
}

// NewReport returns a report with every group unset.
func NewReport() *Report {
	return &Report{
		CloudLayers: []CloudLayer{},
		Phenomena:   []string{},
	}
}

// ObservationTime is the DDHHMMZ group: day of month and HHMM in UTC.
type ObservationTime struct {
	Day  int `json:"day"`
	Time int `json:"time"`
}

type Wind struct {
	Direction int    `json:"direction"` // degrees, or VariableDirection
	Speed     int    `json:"speed"`
	Gust      int    `json:"gust"` // equals Speed when no gust group was reported
	Unit      string `json:"unit"`
}

// IsVariable reports whether the wind was reported as VRB.
func (w Wind) IsVariable() bool {
	return w.Direction == VariableDirection
}

type Visibility struct {
	Value int    `json:"value"`
	Unit  string `json:"unit"` // "SM" or "M"
}

// Temperature holds the combined temperature/dewpoint group in degrees Celsius.
type Temperature struct {
	Temperature int `json:"temperature"`
	Dewpoint    int `json:"dewpoint"`
}

// Pressure is a fixed-point altimeter setting. Divide Value by
// 10^FractionalDigits for display.
type Pressure struct {
	Value            int    `json:"value"`
	Unit             string `json:"unit"`
	FractionalDigits int    `json:"fractionalDigits"`
}

// CloudLayer is one sky-cover group; Altitude is in hundreds of feet.
type CloudLayer struct {
	Type     string `json:"type"`
	Altitude int    `json:"altitude"`
}

// Observation is a fetched and decoded station report as served, cached and published.
type Observation struct {
	Station   string    `json:"station"`
	IssuedAt  string    `json:"issuedAt"`
	Raw       string    `json:"raw"`
	Report    *Report   `json:"report"`
	Unmatched []string  `json:"unmatched,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
	Stale     bool      `json:"stale,omitempty"` // Indicates data served from stale cache
}
