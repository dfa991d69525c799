// Package device classifies the host into a device class and hands out the
// DSP constants tuned for it.
package device

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/0xlemi/pitchpro/internal/dsp"
)

// Class is a device class with its own microphone characteristics
type Class string

const (
	Tablet  Class = "tablet"
	Phone   Class = "phone"
	Desktop Class = "desktop"
)

// EnvClass overrides detection when set to a valid class
const EnvClass = "PITCHPRO_DEVICE_CLASS"

// ParseClass parses a class name
func ParseClass(s string) (Class, error) {
	switch c := Class(strings.ToLower(strings.TrimSpace(s))); c {
	case Tablet, Phone, Desktop:
		return c, nil
	default:
		return "", fmt.Errorf("unknown device class %q", s)
	}
}

// Profile holds the constants tuned for a device class. It is immutable.
type Profile struct {
	Class            Class   `json:"deviceClass"`
	Sensitivity      float64 `json:"sensitivity"`
	VolumeDivisor    float64 `json:"volumeDivisor"`
	GainCompensation float64 `json:"gainCompensation"`
	NoiseThreshold   float64 `json:"noiseThreshold"`
	SmoothingFactor  float64 `json:"smoothingFactor"`
	NoiseGate        float64 `json:"noiseGate"`
}

// VolumeParams returns the volume mapping constants of the profile
func (p Profile) VolumeParams() dsp.VolumeParams {
	return dsp.VolumeParams{
		GainCompensation: p.GainCompensation,
		Divisor:          p.VolumeDivisor,
		NoiseThreshold:   p.NoiseThreshold,
	}
}

// ForClass returns the profile of c; unknown classes get the desktop profile
func ForClass(c Class) Profile {
	switch c {
	case Tablet:
		return Profile{
			Class:            Tablet,
			Sensitivity:      7.0,
			VolumeDivisor:    4,
			GainCompensation: 1.5,
			NoiseThreshold:   12,
			SmoothingFactor:  0.2,
			NoiseGate:        0.01,
		}
	case Phone:
		return Profile{
			Class:            Phone,
			Sensitivity:      3.0,
			VolumeDivisor:    4,
			GainCompensation: 1.5,
			NoiseThreshold:   12,
			SmoothingFactor:  0.2,
			NoiseGate:        0.015,
		}
	default:
		return Profile{
			Class:            Desktop,
			Sensitivity:      1.0,
			VolumeDivisor:    6,
			GainCompensation: 1.0,
			NoiseThreshold:   15,
			SmoothingFactor:  0.2,
			NoiseGate:        0.02,
		}
	}
}

// Hints describe the host as seen by the detection heuristics
type Hints struct {
	UserAgent string
	Platform  string
	Touch     bool

	// Screen size in points, 0 when unknown
	ScreenWidth  int
	ScreenHeight int
}

// tabletMinSide is the shortest screen side of the smallest tablets
const tabletMinSide = 768

// Detect classifies the host
func Detect(h Hints) Class {
	ua := strings.ToLower(h.UserAgent)
	platform := strings.ToLower(h.Platform)

	switch {
	case strings.Contains(ua, "ipad"):
		return Tablet
	// desktop class Safari on iPad reports itself as a Mac
	case strings.Contains(ua, "macintosh") && h.Touch:
		return Tablet
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipod"):
		return Phone
	case strings.Contains(ua, "android"):
		if strings.Contains(ua, "mobile") {
			return Phone
		}
		return Tablet
	case platform == "ios" || platform == "android" || strings.Contains(ua, "mobile"):
		return classifyByScreen(h)
	}
	return Desktop
}

// classifyByScreen splits mobile hosts that do not say what they are
func classifyByScreen(h Hints) Class {
	short := h.ScreenWidth
	if h.ScreenHeight > 0 && (short == 0 || h.ScreenHeight < short) {
		short = h.ScreenHeight
	}
	if short >= tabletMinSide {
		return Tablet
	}
	return Phone
}

var (
	mu      sync.Mutex
	current *Profile
)

// Current returns the process wide profile, computed once from EnvClass
// or the runtime platform.
func Current() Profile {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		p := ForClass(detectHost())
		current = &p
	}
	return *current
}

// Override pins the process wide profile to class c
func Override(c Class) Profile {
	mu.Lock()
	defer mu.Unlock()
	p := ForClass(c)
	current = &p
	return p
}

func detectHost() Class {
	if c, err := ParseClass(os.Getenv(EnvClass)); err == nil {
		return c
	}
	return Detect(Hints{Platform: runtime.GOOS})
}
