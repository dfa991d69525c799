// Package mains works out which mains hum frequency the notch filter
// should reject, guessing from the local timezone when asked to.
package mains

import (
	"fmt"
	"strconv"
	"strings"

	tz "github.com/medama-io/go-timezone-country"
	"github.com/thlib/go-timezone-local/tzlocal"
)

// Auto selects detection from the local timezone
const Auto = "auto"

// Fallback is used when nothing better is known. It matches the notch
// default of the voice preset.
const Fallback = 60.0

// Result is a resolved hum frequency and where it came from
type Result struct {
	Hz       float64
	Timezone string
	Country  string
	Source   string
}

// Resolve turns a --hum setting ("50", "60" or "auto") into a frequency
func Resolve(setting string) (Result, error) {
	setting = strings.TrimSpace(strings.ToLower(setting))
	if setting == "" || setting == Auto {
		return Detect(), nil
	}

	hz, err := strconv.ParseFloat(strings.TrimSuffix(setting, "hz"), 64)
	if err != nil || (hz != 50 && hz != 60) {
		return Result{}, fmt.Errorf("invalid hum frequency %q: want 50, 60 or auto", setting)
	}
	return Result{Hz: hz, Source: "flag"}, nil
}

// Detect guesses the hum frequency from the runtime timezone
func Detect() Result {
	zone, err := tzlocal.RuntimeTZ()
	if err != nil {
		return Result{Hz: Fallback, Source: "fallback"}
	}
	return ForTimezone(zone)
}

// ForTimezone guesses the hum frequency for an IANA timezone
func ForTimezone(zone string) Result {
	res := Result{Hz: Fallback, Timezone: zone, Source: "fallback"}

	// no country behind these
	if zone == "UTC" || zone == "GMT" || strings.HasPrefix(zone, "Etc/") {
		return res
	}

	countries, err := tz.NewTimezoneCountryMap()
	if err != nil {
		return res
	}
	country, err := countries.GetCountry(zone)
	if err != nil {
		return res
	}

	res.Country = country
	res.Source = "timezone"
	res.Hz = 50
	if sixtyHertz[country] {
		res.Hz = 60
	}
	return res
}

// sixtyHertz lists the countries on 60 Hz mains. Japan is split by region
// and stays at 50 with the Tokyo grid.
var sixtyHertz = map[string]bool{
	"United States":       true,
	"Canada":              true,
	"Mexico":              true,
	"Belize":              true,
	"Costa Rica":          true,
	"El Salvador":         true,
	"Guatemala":           true,
	"Honduras":            true,
	"Nicaragua":           true,
	"Panama":              true,
	"Bahamas":             true,
	"Barbados":            true,
	"Cayman Islands":      true,
	"Cuba":                true,
	"Dominican Republic":  true,
	"Haiti":               true,
	"Jamaica":             true,
	"Puerto Rico":         true,
	"Trinidad and Tobago": true,
	"U.S. Virgin Islands": true,
	"Brazil":              true,
	"Colombia":            true,
	"Ecuador":             true,
	"Guyana":              true,
	"Peru":                true,
	"Suriname":            true,
	"Venezuela":           true,
	"South Korea":         true,
	"Taiwan":              true,
	"Philippines":         true,
	"Saudi Arabia":        true,
	"Guam":                true,
	"American Samoa":      true,
	"Marshall Islands":    true,
	"Micronesia":          true,
	"Palau":               true,
}
