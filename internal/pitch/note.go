package pitch

import (
	"fmt"
	"math"
)

// Reference tuning
const (
	A4Frequency = 440.0
	A4MIDI      = 69
)

// SilenceName is the note name of the silence reading
const SilenceName = "--"

// All note names in chromatic order
var noteNames = []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Note represents a musical note
type Note struct {
	Name      string  // e.g., "A", "A#", "B"
	Octave    int     // e.g., 4 for middle C (C4)
	MIDI      int     // MIDI note number, 69 for A4
	Frequency float64 // Frequency in Hz
	Cents     float64 // Cents deviation from perfect pitch (-50 to +50)
}

// String returns the scientific pitch name, e.g. "A4"
func (n Note) String() string {
	if n.Name == "" {
		return SilenceName
	}
	return fmt.Sprintf("%s%d", n.Name, n.Octave)
}

// FrequencyToNote converts a frequency to the nearest equal tempered note
// (A4 = 440Hz). Non-positive frequencies return the zero Note.
func FrequencyToNote(frequency float64) Note {
	if frequency <= 0 {
		return Note{}
	}

	midi := FrequencyToMIDI(frequency)
	rounded := math.Round(midi)
	m := int(rounded)

	return Note{
		Name:      noteNames[((m%12)+12)%12],
		Octave:    m/12 - 1,
		MIDI:      m,
		Frequency: frequency,
		Cents:     100 * (midi - rounded),
	}
}

// FrequencyToMIDI returns the fractional MIDI number of frequency
func FrequencyToMIDI(frequency float64) float64 {
	return A4MIDI + 12*math.Log2(frequency/A4Frequency)
}

// MIDIToFrequency returns the equal tempered frequency of a MIDI number
func MIDIToFrequency(midi int) float64 {
	return A4Frequency * math.Pow(2, float64(midi-A4MIDI)/12)
}
