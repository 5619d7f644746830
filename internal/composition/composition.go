// Package composition checks that a requested combination of audio layers is
// legal. The rules are pure predicates over the layer flags; they run at
// submission time and again defensively before a worker renders.
package composition

import (
	"errors"

	"audio-render-pipeline/internal/models"
)

// Rule violations, first violation wins. The messages are part of the wire
// contract callers display to users.
var (
	ErrNoLayers            = errors.New("at least one audio layer must be enabled")
	ErrBackgroundNoVoice   = errors.New("background audio requires voice")
	ErrSolfeggioAlone      = errors.New("solfeggio tone cannot be used alone")
	ErrBinauralAlone       = errors.New("binaural beat cannot be used alone")
)

// Validate applies the layer-combination rules in order and returns the
// first violation, or nil when the composition is legal.
func Validate(layers models.AudioLayers) error {
	voice := layers.Voice.Enabled
	background := layers.Background.Enabled
	solfeggio := layers.Solfeggio.Enabled
	binaural := layers.Binaural.Enabled

	if !voice && !background && !solfeggio && !binaural {
		return ErrNoLayers
	}
	if background && !voice {
		return ErrBackgroundNoVoice
	}
	if solfeggio && !voice && !background && !binaural {
		return ErrSolfeggioAlone
	}
	if binaural && !voice && !background && !solfeggio {
		return ErrBinauralAlone
	}
	return nil
}
