// Package validation enforces the wire-level shape of a render request so
// malformed payloads are rejected before entering the queue.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"audio-render-pipeline/internal/composition"
	"audio-render-pipeline/internal/models"
)

// FieldError pinpoints one invalid payload field so a calling UI can
// highlight exactly which input failed.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error aggregates all field-level violations for one payload.
type Error struct {
	Fields []FieldError `json:"fields"`
}

func (e *Error) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	return "invalid payload: " + strings.Join(msgs, "; ")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidatePayload checks field bounds and the layer composition. It returns
// nil when the payload is admissible, or *Error listing every violation.
func ValidatePayload(p models.AudioJobPayload) error {
	var fields []FieldError

	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, FieldError{
					Field:   fieldPath(fe),
					Message: messageFor(fe),
				})
			}
		} else {
			fields = append(fields, FieldError{Field: "payload", Message: err.Error()})
		}
	}

	// Cross-field rules validator tags cannot express.
	if p.LoopMode == models.LoopModeInterval {
		if p.IntervalSeconds < 30 || p.IntervalSeconds > 300 {
			fields = append(fields, FieldError{
				Field:   "intervalSeconds",
				Message: "must be between 30 and 300 when loopMode is interval",
			})
		}
	}
	if p.Layers.Solfeggio.Enabled && !models.ValidSolfeggioFrequency(p.Layers.Solfeggio.Frequency) {
		fields = append(fields, FieldError{
			Field:   "layers.solfeggio.frequency",
			Message: fmt.Sprintf("must be one of %v", models.SolfeggioFrequencies),
		})
	}
	if p.Layers.Voice.Enabled && p.Layers.Voice.Provider == "" {
		fields = append(fields, FieldError{
			Field:   "layers.voice.provider",
			Message: "required when voice layer is enabled",
		})
	}
	if p.Layers.Binaural.Enabled {
		if p.Layers.Binaural.Band == "" {
			fields = append(fields, FieldError{
				Field:   "layers.binaural.band",
				Message: "required when binaural layer is enabled",
			})
		}
		if p.Layers.Binaural.BeatHz == 0 {
			fields = append(fields, FieldError{
				Field:   "layers.binaural.beatHz",
				Message: "required when binaural layer is enabled",
			})
		}
		if p.Layers.Binaural.CarrierHz == 0 {
			fields = append(fields, FieldError{
				Field:   "layers.binaural.carrierHz",
				Message: "required when binaural layer is enabled",
			})
		}
	}

	if err := composition.Validate(p.Layers); err != nil {
		fields = append(fields, FieldError{Field: "layers", Message: err.Error()})
	}

	if len(fields) == 0 {
		return nil
	}
	return &Error{Fields: fields}
}

// fieldPath converts validator's struct namespace to the JSON-ish path
// clients see, e.g. "AudioJobPayload.Layers.Gains.Voice" -> "layers.gains.voice".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	parts := strings.Split(ns, ".")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToLower(p[:1]) + p[1:]
	}
	return strings.Join(parts, ".")
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "required":
		return "is required"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
