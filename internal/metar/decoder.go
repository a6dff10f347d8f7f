package metar

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kjstillabower/metar-service/internal/models"
)

// MaxStationLength is the longest station identifier kept in a report.
const MaxStationLength = 10

const cavokDescription = "Ceiling and visibility OK"

var (
	stationRe     = regexp.MustCompile(`^([A-Z]+)$`)
	dayTimeRe     = regexp.MustCompile(`^([0-9]{2})([0-9]{4})Z$`)
	windRe        = regexp.MustCompile(`^(VRB|[0-9]{3})([0-9]{2})(G[0-9]+)?(KT)$`)
	visibilityRe  = regexp.MustCompile(`^([0-9]+)(SM)?$`)
	temperatureRe = regexp.MustCompile(`^(M?)([0-9]+)/(M?)([0-9]+)$`)
	pressureRe    = regexp.MustCompile(`^([QA])([0-9]+)$`)
	cloudRe       = regexp.MustCompile(`^(SKC|FEW|SCT|BKN|OVC)([0-9]{3})$`)

	// phenomenaRe matches an optional intensity followed by one or more
	// table codes, e.g. "-SHRA" or "+TSRAGR".
	phenomenaRe = regexp.MustCompile(`^([+-]?)((?:` + AlternationPattern() + `)+)$`)
)

// TokenError records a token that matched a rule's pattern but could not be
// applied, for example an unknown phenomenon code or a numeric overflow.
type TokenError struct {
	Token string
	Rule  string
	Err   error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token %q (%s): %v", e.Token, e.Rule, e.Err)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// Diagnostics lists the tokens a decode pass did not use.
type Diagnostics struct {
	Unmatched []string
	Rejected  []*TokenError
}

// Result is a decoded bulletin.
type Result struct {
	Envelope    Envelope
	Report      *models.Report
	Diagnostics *Diagnostics
}

// rule is one grammar classifier. unset is nil for rules that accumulate.
type rule struct {
	name  string
	unset func(r *models.Report) bool
	apply func(d *Decoder, token string, r *models.Report) (bool, error)
}

// rules are tried in this order for every token; order is significant.
var rules = []rule{
	{"station", func(r *models.Report) bool { return r.Station == nil }, (*Decoder).station},
	{"day_time", func(r *models.Report) bool { return r.Time == nil }, (*Decoder).dayTime},
	{"wind", func(r *models.Report) bool { return r.Wind == nil }, (*Decoder).wind},
	{"visibility", func(r *models.Report) bool { return r.Visibility == nil }, (*Decoder).visibility},
	{"temperature", func(r *models.Report) bool { return r.Temperature == nil }, (*Decoder).temperature},
	{"pressure", func(r *models.Report) bool { return r.Pressure == nil }, (*Decoder).pressure},
	{"cloud", nil, (*Decoder).cloud},
	{"phenomena", nil, (*Decoder).phenomena},
}

// Decoder turns report bodies into models.Report values. It holds no
// per-report state and is safe for concurrent use.
type Decoder struct {
	logger *zap.Logger
}

// NewDecoder returns a Decoder that traces classification at debug level.
// A nil logger disables tracing.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// DecodeBulletin extracts the report from a raw NOAA bulletin and decodes it.
func (d *Decoder) DecodeBulletin(raw string) (*Result, error) {
	env, err := ExtractEnvelope(raw)
	if err != nil {
		return nil, err
	}
	report, diag := d.Decode(env.Body)
	return &Result{Envelope: env, Report: report, Diagnostics: diag}, nil
}

// Decode tokenizes body and decodes it.
func (d *Decoder) Decode(body string) (*models.Report, *Diagnostics) {
	return d.DecodeTokens(Tokenize(body))
}

// DecodeTokens runs every token through the grammar in a single pass.
func (d *Decoder) DecodeTokens(tokens []string) (*models.Report, *Diagnostics) {
	report := models.NewReport()
	diag := &Diagnostics{}
	for _, token := range tokens {
		d.analyse(token, report, diag)
	}
	return report, diag
}

func (d *Decoder) analyse(token string, report *models.Report, diag *Diagnostics) {
	d.logger.Debug("parsing token", zap.String("token", token))
	for _, r := range rules {
		if r.unset != nil && !r.unset(report) {
			continue
		}
		matched, err := r.apply(d, token, report)
		if err != nil {
			tokErr := &TokenError{Token: token, Rule: r.name, Err: err}
			d.logger.Debug("rejected token", zap.String("token", token), zap.String("rule", r.name), zap.Error(err))
			diag.Rejected = append(diag.Rejected, tokErr)
			return
		}
		if matched {
			return
		}
	}
	d.logger.Debug("unmatched token", zap.String("token", token))
	diag.Unmatched = append(diag.Unmatched, token)
}

func (d *Decoder) station(token string, r *models.Report) (bool, error) {
	m := stationRe.FindStringSubmatch(token)
	if m == nil {
		return false, nil
	}
	station := m[1]
	if len(station) > MaxStationLength {
		station = station[:MaxStationLength]
	}
	r.Station = &station
	d.logger.Debug("found station", zap.String("station", station))
	return true, nil
}

func (d *Decoder) dayTime(token string, r *models.Report) (bool, error) {
	m := dayTimeRe.FindStringSubmatch(token)
	if m == nil {
		return false, nil
	}
	day, err := strconv.Atoi(m[1])
	if err != nil {
		return true, err
	}
	hhmm, err := strconv.Atoi(m[2])
	if err != nil {
		return true, err
	}
	r.Time = &models.ObservationTime{Day: day, Time: hhmm}
	d.logger.Debug("found day/time", zap.Int("day", day), zap.Int("time", hhmm))
	return true, nil
}

func (d *Decoder) wind(token string, r *models.Report) (bool, error) {
	m := windRe.FindStringSubmatch(token)
	if m == nil {
		return false, nil
	}
	direction := models.VariableDirection
	if m[1] != "VRB" {
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return true, err
		}
		direction = v
	}
	speed, err := strconv.Atoi(m[2])
	if err != nil {
		return true, err
	}
	gust := speed
	if m[3] != "" {
		gust, err = strconv.Atoi(m[3][1:])
		if err != nil {
			return true, err
		}
	}
	r.Wind = &models.Wind{Direction: direction, Speed: speed, Gust: gust, Unit: m[4]}
	d.logger.Debug("found wind",
		zap.Int("direction", direction), zap.Int("speed", speed), zap.Int("gust", gust), zap.String("unit", m[4]))
	return true, nil
}

func (d *Decoder) visibility(token string, r *models.Report) (bool, error) {
	m := visibilityRe.FindStringSubmatch(token)
	if m == nil {
		return false, nil
	}
	value, err := strconv.Atoi(m[1])
	if err != nil {
		return true, err
	}
	unit := "M"
	if m[2] != "" {
		unit = m[2]
	}
	r.Visibility = &models.Visibility{Value: value, Unit: unit}
	d.logger.Debug("found visibility", zap.Int("value", value), zap.String("unit", unit))
	return true, nil
}

func (d *Decoder) temperature(token string, r *models.Report) (bool, error) {
	m := temperatureRe.FindStringSubmatch(token)
	if m == nil {
		return false, nil
	}
	temp, err := signedValue(m[1], m[2])
	if err != nil {
		return true, err
	}
	dewp, err := signedValue(m[3], m[4])
	if err != nil {
		return true, err
	}
	r.Temperature = &models.Temperature{Temperature: temp, Dewpoint: dewp}
	d.logger.Debug("found temperature", zap.Int("temperature", temp), zap.Int("dewpoint", dewp))
	return true, nil
}

// signedValue parses digits, negated when the METAR minus marker "M" is present.
func signedValue(sign, digits string) (int, error) {
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, err
	}
	if sign == "M" {
		v = -v
	}
	return v, nil
}

func (d *Decoder) pressure(token string, r *models.Report) (bool, error) {
	m := pressureRe.FindStringSubmatch(token)
	if m == nil {
		return false, nil
	}
	value, err := strconv.Atoi(m[2])
	if err != nil {
		return true, err
	}
	p := &models.Pressure{Value: value, Unit: models.UnitHectopascal}
	if m[1] == "A" {
		p.Unit = models.UnitInchesHg
		p.FractionalDigits = 2
	}
	r.Pressure = p
	d.logger.Debug("found pressure", zap.Int("value", value), zap.String("unit", p.Unit))
	return true, nil
}

func (d *Decoder) cloud(token string, r *models.Report) (bool, error) {
	m := cloudRe.FindStringSubmatch(token)
	if m == nil {
		return false, nil
	}
	altitude, err := strconv.Atoi(m[2])
	if err != nil {
		return true, err
	}
	r.CloudLayers = append(r.CloudLayers, models.CloudLayer{Type: m[1], Altitude: altitude})
	d.logger.Debug("found cloud layer", zap.String("type", m[1]), zap.Int("altitude", altitude))
	return true, nil
}

func (d *Decoder) phenomena(token string, r *models.Report) (bool, error) {
	// CAVOK is five letters and cannot be expressed with the 2-letter table.
	if strings.Contains(token, "CAVOK") {
		r.Phenomena = append(r.Phenomena, cavokDescription)
		d.logger.Debug("found phenomena", zap.String("phenomena", cavokDescription))
		return true, nil
	}
	m := phenomenaRe.FindStringSubmatch(token)
	if m == nil {
		return false, nil
	}
	desc, err := describePhenomena(m[1], m[2])
	if err != nil {
		return true, err
	}
	r.Phenomena = append(r.Phenomena, desc)
	d.logger.Debug("found phenomena", zap.String("phenomena", desc))
	return true, nil
}

// describePhenomena expands a run of 2-letter codes into words, e.g.
// ("-", "SHRA") -> "Light Showers Rain".
func describePhenomena(intensity, codes string) (string, error) {
	var b strings.Builder
	switch intensity {
	case "-":
		b.WriteString("Light ")
	case "+":
		b.WriteString("Heavy ")
	}
	if len(codes)%2 != 0 {
		return "", fmt.Errorf("%w: odd-length group %q", ErrUnknownCode, codes)
	}
	for i := 0; i < len(codes); i += 2 {
		desc, err := Lookup(codes[i : i+2])
		if err != nil {
			return "", err
		}
		b.WriteString(desc)
	}
	return strings.TrimSuffix(b.String(), " "), nil
}
