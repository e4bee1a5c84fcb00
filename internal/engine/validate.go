// Package engine provides generation-engine adapters: the external
// collaborators that turn a job payload into an artifact. The orchestration
// core only sees the core.Engine contract.
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/avatar-service/internal/core"
)

// Validation errors for generation requests.
var (
	// ErrTextEmpty indicates the request carries no text to synthesize.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrVoiceEmpty indicates no voice was selected.
	ErrVoiceEmpty = errors.New("voice cannot be empty")
	// ErrUnsupportedVoice indicates the provided voice is not supported.
	ErrUnsupportedVoice = errors.New("unsupported voice")
	// ErrSpeedRange indicates the speed multiplier is out of [0.5, 2.0].
	ErrSpeedRange = errors.New("speed must be between 0.5 and 2.0")
)

const (
	minSpeed = 0.5
	maxSpeed = 2.0
)

// Voices returns the supported voice identifiers.
func Voices() []string {
	return []string{"default", "male1", "female1"}
}

// ValidateRequest checks a generation request at the submission boundary,
// before any job record exists.
func ValidateRequest(req core.GenerationRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return ErrTextEmpty
	}

	if req.Voice == "" {
		return ErrVoiceEmpty
	}

	supported := false

	for _, voice := range Voices() {
		if voice == req.Voice {
			supported = true

			break
		}
	}

	if !supported {
		return fmt.Errorf("%w: '%s'", ErrUnsupportedVoice, req.Voice)
	}

	if req.Speed != 0 && (req.Speed < minSpeed || req.Speed > maxSpeed) {
		return fmt.Errorf("%w: got %f", ErrSpeedRange, req.Speed)
	}

	return nil
}
