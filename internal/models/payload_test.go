package models

import (
	"encoding/json"
	"testing"
)

func TestAudioLayersOmittedGainsGetDefaults(t *testing.T) {
	raw := `{"voice":{"enabled":true,"provider":"openai","voiceId":"alloy"}}`

	var layers AudioLayers
	if err := json.Unmarshal([]byte(raw), &layers); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if layers.Gains != DefaultGains() {
		t.Fatalf("gains = %+v, want defaults %+v", layers.Gains, DefaultGains())
	}
}

func TestAudioLayersPartialGainsKeepRemainingDefaults(t *testing.T) {
	raw := `{"voice":{"enabled":true},"gains":{"voice":-5}}`

	var layers AudioLayers
	if err := json.Unmarshal([]byte(raw), &layers); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if layers.Gains.Voice != -5 {
		t.Fatalf("voice gain = %v, want explicit -5", layers.Gains.Voice)
	}
	if layers.Gains.Background != DefaultBackgroundGain ||
		layers.Gains.Solfeggio != DefaultSolfeggioGain ||
		layers.Gains.Binaural != DefaultBinauralGain {
		t.Fatalf("unspecified gains lost defaults: %+v", layers.Gains)
	}
}

func TestAudioLayersExplicitZeroGainsKept(t *testing.T) {
	raw := `{"voice":{"enabled":true},"gains":{"voice":0,"background":0,"solfeggio":0,"binaural":0}}`

	var layers AudioLayers
	if err := json.Unmarshal([]byte(raw), &layers); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if layers.Gains != (LayerGains{}) {
		t.Fatalf("explicit zero gains overwritten: %+v", layers.Gains)
	}
}
