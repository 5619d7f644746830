package models

import "encoding/json"

// Job types accepted by the pipeline.
const (
	JobTypeRender  = "render"
	JobTypePreview = "preview"
	JobTypeExport  = "export"
)

// Voice providers.
const (
	VoiceProviderOpenAI     = "openai"
	VoiceProviderElevenLabs = "elevenlabs"
	VoiceProviderUploaded   = "uploaded"
)

// Binaural bands, named after the brainwave ranges they target.
const (
	BandDelta = "delta"
	BandTheta = "theta"
	BandAlpha = "alpha"
	BandBeta  = "beta"
	BandGamma = "gamma"
)

// SolfeggioFrequencies is the closed set of supported tone frequencies in Hz.
var SolfeggioFrequencies = []int{174, 285, 396, 417, 528, 639, 741, 852, 963}

// ValidSolfeggioFrequency reports whether hz is one of the fixed tones.
func ValidSolfeggioFrequency(hz int) bool {
	for _, f := range SolfeggioFrequencies {
		if hz == f {
			return true
		}
	}
	return false
}

// Per-layer gain defaults in dB.
const (
	DefaultVoiceGain      = -1.0
	DefaultBackgroundGain = -10.0
	DefaultSolfeggioGain  = -16.0
	DefaultBinauralGain   = -18.0
)

// VoiceLayer describes the spoken/TTS layer.
type VoiceLayer struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider,omitempty" validate:"omitempty,oneof=openai elevenlabs uploaded"`
	VoiceID  string `json:"voiceId,omitempty"`
}

// BackgroundLayer references a background music track.
type BackgroundLayer struct {
	Enabled bool   `json:"enabled"`
	TrackID string `json:"trackId,omitempty"`
}

// SolfeggioLayer describes an optional fixed-frequency tone.
type SolfeggioLayer struct {
	Enabled   bool `json:"enabled"`
	Frequency int  `json:"frequency,omitempty"`
}

// BinauralLayer describes a binaural beat: two carriers offset by the beat
// frequency, one per stereo channel.
type BinauralLayer struct {
	Enabled   bool    `json:"enabled"`
	Band      string  `json:"band,omitempty" validate:"omitempty,oneof=delta theta alpha beta gamma"`
	BeatHz    float64 `json:"beatHz,omitempty" validate:"omitempty,gte=0.1,lte=100"`
	CarrierHz float64 `json:"carrierHz,omitempty" validate:"omitempty,gte=50,lte=1000"`
}

// LayerGains holds per-layer loudness in dB. Bounds keep the mix out of
// clipping on the high end and audibility on the low end.
type LayerGains struct {
	Voice      float64 `json:"voice" validate:"gte=-30,lte=10"`
	Background float64 `json:"background" validate:"gte=-30,lte=10"`
	Solfeggio  float64 `json:"solfeggio" validate:"gte=-30,lte=10"`
	Binaural   float64 `json:"binaural" validate:"gte=-30,lte=10"`
}

// DefaultGains returns the documented per-layer defaults.
func DefaultGains() LayerGains {
	return LayerGains{
		Voice:      DefaultVoiceGain,
		Background: DefaultBackgroundGain,
		Solfeggio:  DefaultSolfeggioGain,
		Binaural:   DefaultBinauralGain,
	}
}

// AudioLayers is the composition descriptor: four independently toggleable
// layers plus their gains. Legal combinations are checked by the
// composition package.
type AudioLayers struct {
	Voice      VoiceLayer      `json:"voice"`
	Background BackgroundLayer `json:"background"`
	Solfeggio  SolfeggioLayer  `json:"solfeggio"`
	Binaural   BinauralLayer   `json:"binaural"`
	Gains      LayerGains      `json:"gains"`
}

// UnmarshalJSON seeds the gain defaults before decoding, so a request that
// omits gains (or individual gain fields) mixes at the documented levels
// instead of 0 dB.
func (l *AudioLayers) UnmarshalJSON(data []byte) error {
	type plain AudioLayers
	decoded := plain{Gains: DefaultGains()}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*l = AudioLayers(decoded)
	return nil
}

// Loop modes.
const (
	LoopModeRepeat   = "repeat"
	LoopModeInterval = "interval"
)

// Output formats and quality tiers.
const (
	FormatMP3 = "mp3"
	FormatWAV = "wav"

	QualityStandard = "standard"
	QualityHigh     = "high"

	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// OutputOptions selects the artifact encoding and storage visibility.
type OutputOptions struct {
	Format     string `json:"format" validate:"oneof=mp3 wav"`
	Quality    string `json:"quality" validate:"oneof=standard high"`
	Visibility string `json:"visibility" validate:"oneof=private public"`
}

// AudioJobPayload fully describes one render request. It is immutable once
// submitted; workers validate it again defensively before executing.
type AudioJobPayload struct {
	JobType         string        `json:"jobType" validate:"oneof=render preview export"`
	Script          string        `json:"script" validate:"min=1,max=5000"`
	VoiceRef        string        `json:"voiceRef,omitempty"`
	DurationMinutes int           `json:"durationMinutes" validate:"oneof=5 10 15"`
	PauseSeconds    int           `json:"pauseSeconds" validate:"gte=1,lte=30"`
	LoopMode        string        `json:"loopMode" validate:"oneof=repeat interval"`
	IntervalSeconds int           `json:"intervalSeconds,omitempty"`
	Layers          AudioLayers   `json:"layers"`
	Output          OutputOptions `json:"output"`
}
